package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/attendcam/internal/store"
	"github.com/spf13/cobra"
)

var (
	historyName  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent attendance events from the audit journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runHistory(cmd.Context(), historyName, historyLimit)
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyName, "name", "n", "", "Only show events for this identity")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 50, "Maximum number of events")
	rootCmd.AddCommand(historyCmd)
}

// openJournal connects to the configured audit journal.
func openJournal(ctx context.Context) (*store.Journal, error) {
	if Cfg.Events.PostgresDSN == "" {
		return nil, errors.New("no audit journal configured: set --db, ATTENDCAM_DB or POSTGRES_HOST")
	}
	j, err := store.New(ctx, Cfg.Events.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return j, nil
}

func runHistory(ctx context.Context, name string, limit int) error {
	j, err := openJournal(ctx)
	if err != nil {
		return err
	}
	// Use Background here because ctx might be cancelled already (due to Ctrl+C)
	defer j.Close(context.Background())

	rows, err := j.Recent(ctx, name, limit)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("No events found in the journal.")
		return nil
	}
	printHistory(os.Stdout, rows, time.Now())
	return nil
}

func printHistory(out io.Writer, rows []store.Row, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "WHEN\tAGO\tEVENT\tNAME\tCONFIDENCE\tDETAIL")
	fmt.Fprintln(w, "----\t---\t-----\t----\t----------\t------")
	for _, r := range rows {
		name := r.Name
		if name == "" {
			name = "-"
		}
		conf := "-"
		if r.Confidence > 0 {
			conf = fmt.Sprintf("%.2f", r.Confidence)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.Local().Format("2006-01-02 15:04:05"),
			fmtTime(now.Sub(r.At).Seconds()),
			r.Kind, name, conf, r.Detail)
	}
	w.Flush()
}

// fmtTime renders seconds as HH:MM:SS.
func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
