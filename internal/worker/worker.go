package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/attendcam/internal/types"
	"github.com/andresmejia3/attendcam/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// maxFaces guards against a corrupt count allocating unbounded memory
	maxFaces = 64
	// maxPayload bounds a single response
	maxPayload = 64 * 1024 * 1024
)

// Config describes how to launch the face encoder process.
type Config struct {
	Python      string        // interpreter, default "python3"
	Script      string        // worker script path
	Dim         int           // embedding length the script emits
	ReadTimeout time.Duration // per-frame response deadline, 0 disables
	Debug       bool          // ask the script to save annotated frames
}

// LogicError is an error the Python side reported for a frame. The process is still healthy.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string {
	return "python worker error: " + e.Msg
}

// PythonWorker is one face encoder process.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Dim      int
	Timeout  time.Duration
}

// NewPythonWorker starts the encoder script and wires its pipes.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	args := []string{"-u", cfg.Script, "--dim", fmt.Sprint(cfg.Dim)}
	if cfg.Debug {
		args = append(args, "--debug")
	}
	py := utils.NewSafeCommand(ctx, python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Dim:      cfg.Dim,
		Timeout:  cfg.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.Timeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.Timeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed interpreter surfaces here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxPayload {
		return nil, fmt.Errorf("response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame encodes every face in a JPEG frame.
//
// Response payload:
//
//	OK:    [0] [count u32] count × ([box 4×i32] [vec Dim×f32] [quality f32] [thumbLen u32] [thumb])
//	Error: [1] [msgLen u32] [msg]
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.FaceResult, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return nil, err
	}
	return decodeFaces(resp, w.Dim)
}

func decodeFaces(resp []byte, dim int) ([]types.FaceResult, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response: %w", err)
	}

	switch status {
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("read error message: %w", err)
		}
		return nil, &LogicError{Msg: string(msg)}
	case statusOK:
	default:
		return nil, fmt.Errorf("unknown status byte %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if count > maxFaces {
		return nil, fmt.Errorf("face count %d exceeds limit %d", count, maxFaces)
	}

	faces := make([]types.FaceResult, 0, count)
	vec32 := make([]float32, dim)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, vec32); err != nil {
			return nil, fmt.Errorf("face %d vector: %w", i, err)
		}
		var quality float32
		if err := binary.Read(r, binary.BigEndian, &quality); err != nil {
			return nil, fmt.Errorf("face %d quality: %w", i, err)
		}
		var imgLen uint32
		if err := binary.Read(r, binary.BigEndian, &imgLen); err != nil {
			return nil, fmt.Errorf("face %d thumb length: %w", i, err)
		}
		if int64(imgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("face %d thumb length %d exceeds payload", i, imgLen)
		}
		thumb := make([]byte, imgLen)
		if _, err := io.ReadFull(r, thumb); err != nil {
			return nil, fmt.Errorf("face %d thumb: %w", i, err)
		}

		vec := make([]float64, dim)
		for j, v := range vec32 {
			vec[j] = float64(v)
		}
		faces = append(faces, types.FaceResult{
			Loc:     []int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Vec:     vec,
			Quality: float64(quality),
			Thumb:   thumb,
		})
	}
	return faces, nil
}

// Close stops the process and releases its pipes.
func (w *PythonWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// isLogicError reports whether err came from the script rather than the transport.
func isLogicError(err error) bool {
	var le *LogicError
	return errors.As(err, &le)
}
