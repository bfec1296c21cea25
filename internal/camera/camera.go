// Package camera is the frame producer: it runs ffmpeg against the capture
// device and publishes every JPEG it emits to the frame bus.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/attendcam/internal/utils"
	"github.com/rs/zerolog"
)

const megabyte = 1024 * 1024

// Publisher receives encoded frames. *framebus.Bus satisfies it.
type Publisher interface {
	Publish(data []byte)
}

// Pump splits an MJPEG byte stream into frames and publishes each one.
// It returns the number of frames published and the first read error, or nil on clean EOF.
func Pump(r io.Reader, pub Publisher) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	n := 0
	for scanner.Scan() {
		// Publish copies, so the scanner's buffer can be reused
		pub.Publish(scanner.Bytes())
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("frame scanner failed: %w", err)
	}
	return n, nil
}

// Source owns the ffmpeg capture process.
type Source struct {
	capture utils.CaptureOptions
	log     zerolog.Logger
}

// New creates a Source for the given capture options.
func New(capture utils.CaptureOptions, log zerolog.Logger) *Source {
	return &Source{capture: capture, log: log.With().Str("component", "camera").Logger()}
}

// Start launches ffmpeg and returns once the process is running. Frames are
// pumped into pub on a background goroutine; the returned channel yields the
// terminal error (nil when ctx was cancelled) and is then closed.
func (s *Source) Start(ctx context.Context, pub Publisher) (<-chan error, error) {
	if err := utils.RequireBinary("ffmpeg"); err != nil {
		return nil, err
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, s.capture)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	s.log.Info().Str("device", s.capture.Device).Str("format", s.capture.Format).Msg("Camera started")

	done := make(chan error, 1)
	go func() {
		defer close(done)
		n, pumpErr := Pump(out, pub)
		waitErr := ffmpeg.Wait()

		if ctx.Err() != nil {
			s.log.Info().Int("frames", n).Msg("Camera stopped")
			done <- nil
			return
		}
		err := errors.Join(pumpErr, waitErr)
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if stderrBuf.Len() > 0 {
			err = fmt.Errorf("%w\nFFmpeg Logs:\n%s", err, stderrBuf.String())
		}
		s.log.Error().Err(err).Int("frames", n).Msg("Camera exited")
		done <- err
	}()
	return done, nil
}
