package utils

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints the formatted error box without exiting.
// If a SafeCommand is provided and it captured logs, they are dumped too.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ATTENDCAM ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for commands that cannot return an error.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Camera Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
// Bytes outside a SOI..EOI pair are discarded so a live stream never grows the buffer with garbage.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep the last byte, it may be the 0xFF of a split marker
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(JpegSOI):], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(JpegSOI) + end + len(JpegEOI)
	return stop, data[start:stop], nil
}

// CaptureOptions describes the ffmpeg input used as the camera.
type CaptureOptions struct {
	Format    string // ffmpeg input format, e.g. "v4l2"; empty lets ffmpeg probe
	Device    string // device path, URL, or file
	Size      string // e.g. "640x480"; empty keeps the device default
	FrameRate int    // 0 keeps the device default
	Quality   int    // mjpeg q:v, 2 (best) .. 31
	Loop      bool   // loop a file input forever (useful for demos)
}

// NewFFmpegCmd creates the camera pipe.
// It configures FFmpeg to output raw MJPEG frames to Stdout so SplitJpeg can cut them.
func NewFFmpegCmd(ctx context.Context, capture CaptureOptions) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if capture.Loop {
		args = append(args, "-stream_loop", "-1", "-re")
	}
	if capture.Format != "" {
		args = append(args, "-f", capture.Format)
	}
	if capture.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(capture.FrameRate))
	}
	if capture.Size != "" {
		args = append(args, "-video_size", capture.Size)
	}
	args = append(args, "-i", capture.Device, "-f", "image2pipe", "-vcodec", "mjpeg")
	if capture.Quality > 0 {
		args = append(args, "-q:v", strconv.Itoa(capture.Quality))
	}
	args = append(args, "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// RequireBinary reports a readable error when an external tool is missing from PATH.
func RequireBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return nil
}

// --- 3. Vector Math ---

// CosineDist returns 1 - cos(a, b) in [0, 2].
// Zero-norm or mismatched vectors yield +Inf so they can never pass a threshold.
func CosineDist(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	if sumA == 0 || sumB == 0 {
		return math.Inf(1)
	}
	return 1.0 - (dot / (math.Sqrt(sumA) * math.Sqrt(sumB)))
}

// EuclideanDist returns the L2 distance between a and b, the metric dlib encodings are tuned for.
// Mismatched lengths yield +Inf so they can never pass a threshold.
func EuclideanDist(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Norm returns the L2 length of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
