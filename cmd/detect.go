package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/attendcam/internal/types"
	"github.com/andresmejia3/attendcam/internal/utils"
	"github.com/andresmejia3/attendcam/internal/worker"
	"github.com/spf13/cobra"
)

var detectScript string

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>",
	Short: "Run the face encoder on one image and print what it finds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg := Cfg.WorkerConfig()
		if detectScript != "" {
			cfg.Script = detectScript
		}
		return runDetect(cmd.Context(), args[0], cfg)
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectScript, "worker-script", "", "Path to the Python encoder script")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, imagePath string, cfg worker.Config) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for this ad-hoc worker
	w, err := worker.NewPythonWorker(ctx, 0, cfg)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	faces, err := w.ProcessFrame(imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}

	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	printFaces(os.Stdout, faces)
	return nil
}

func printFaces(out io.Writer, faces []types.FaceResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tBOX (T,R,B,L)\tQUALITY\tDIM\tNORM\tTHUMB")
	fmt.Fprintln(w, "-\t-------------\t-------\t---\t----\t-----")
	for i, f := range faces {
		box := "-"
		if len(f.Loc) == 4 {
			box = fmt.Sprintf("%d,%d,%d,%d", f.Loc[0], f.Loc[1], f.Loc[2], f.Loc[3])
		}
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%d\t%.3f\t%dB\n", i, box, f.Quality, len(f.Vec), utils.Norm(f.Vec), len(f.Thumb))
	}
	w.Flush()
}
