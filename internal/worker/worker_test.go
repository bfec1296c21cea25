package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/attendcam/internal/types"
	"github.com/rs/zerolog"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

const testDim = 128

func okPayload(vecs ...[]float32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)                                       // Status OK
	binary.Write(payload, binary.BigEndian, uint32(len(vecs))) // face count
	for i, v := range vecs {
		binary.Write(payload, binary.BigEndian, [4]int32{int32(i), 10, 20, 20}) // Box
		binary.Write(payload, binary.BigEndian, v)                              // Vec
		binary.Write(payload, binary.BigEndian, float32(0.99))                  // Quality
		imgData := []byte{0xCA, 0xFE}
		binary.Write(payload, binary.BigEndian, uint32(len(imgData))) // ImgLen
		payload.Write(imgData)                                        // ImgData
	}
	return payload.Bytes()
}

func framed(payload []byte) *MockCloser {
	m := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(m, binary.BigEndian, uint32(len(payload)))
	m.Write(payload)
	return m
}

func TestProcessFrame(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	vec := make([]float32, testDim)
	vec[0] = 0.5
	dataPipeMock := framed(okPayload(vec))

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		Dim:      testDim,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	resp, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify Go sent the correct data TO Python: 4 bytes header + data
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if binary.BigEndian.Uint32(sentData[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Length prefix mismatch: %X", sentData[:4])
	}

	if len(resp) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(resp))
	}
	if len(resp[0].Vec) != testDim {
		t.Fatalf("Expected %d-d vector, got %d", testDim, len(resp[0].Vec))
	}
	if math.Abs(resp[0].Vec[0]-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", resp[0].Vec[0])
	}
	if resp[0].Loc[1] != 10 || resp[0].Loc[3] != 20 {
		t.Errorf("Unexpected box %v", resp[0].Loc)
	}
	if !bytes.Equal(resp[0].Thumb, []byte{0xCA, 0xFE}) {
		t.Errorf("Unexpected thumb %X", resp[0].Thumb)
	}
}

func TestProcessFrame_MultipleFaces(t *testing.T) {
	a, b := make([]float32, testDim), make([]float32, testDim)
	a[1], b[2] = 1, 1
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(okPayload(a, b)),
		Dim:      testDim,
	}
	resp, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 2 || resp[0].Vec[1] != 1 || resp[1].Vec[2] != 1 {
		t.Errorf("Faces decoded out of order: %+v", resp)
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(okPayload()),
		Dim:      testDim,
	}
	resp, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 0 {
		t.Errorf("Expected 0 faces, got %d", len(resp))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(payload.Bytes()),
		Dim:      testDim,
	}

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	if !isLogicError(err) {
		t.Error("Script-reported errors should be LogicErrors")
	}
}

func TestProcessFrame_TruncatedPipe(t *testing.T) {
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: bytes.NewBuffer([]byte{0x00, 0x00})},
		Dim:      testDim,
	}
	_, err := w.ProcessFrame([]byte("frame"))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF, got %v", err)
	}
	if isLogicError(err) {
		t.Error("Transport failures must not be LogicErrors")
	}
}

// fakeEngine counts frames and fails on demand.
type fakeEngine struct {
	faces  []types.FaceResult
	err    error
	closed atomic.Bool
}

func (f *fakeEngine) ProcessFrame(data []byte) ([]types.FaceResult, error) { return f.faces, f.err }
func (f *fakeEngine) Close()                                               { f.closed.Store(true) }

func TestPoolRestartsCrashedEngine(t *testing.T) {
	var started atomic.Int32
	crashing := &fakeEngine{err: io.ErrUnexpectedEOF}
	healthy := &fakeEngine{faces: []types.FaceResult{{Vec: []float64{1}}}}

	factory := func(ctx context.Context, id int) (Engine, error) {
		if started.Add(1) == 1 {
			return crashing, nil
		}
		return healthy, nil
	}

	p, err := NewPool(context.Background(), 1, factory, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, err := p.Detect(context.Background(), []byte("x")); err == nil {
		t.Fatal("Expected crash error")
	}
	if !crashing.closed.Load() {
		t.Error("Crashed engine was not closed")
	}

	faces, err := p.Detect(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("Replacement engine failed: %v", err)
	}
	if len(faces) != 1 {
		t.Errorf("Expected 1 face from replacement, got %d", len(faces))
	}
	if p.Size() != 1 {
		t.Errorf("Expected pool size 1, got %d", p.Size())
	}
}

func TestPoolFailsFastWhileRestartFails(t *testing.T) {
	var started atomic.Int32
	var failing atomic.Bool
	healthy := &fakeEngine{faces: []types.FaceResult{{Vec: []float64{1}}}}

	factory := func(ctx context.Context, id int) (Engine, error) {
		if started.Add(1) == 1 {
			return &fakeEngine{err: io.ErrClosedPipe}, nil
		}
		if failing.Load() {
			return nil, errors.New("python3 not runnable")
		}
		return healthy, nil
	}

	failing.Store(true)
	p, err := NewPool(context.Background(), 1, factory, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.delay = 5 * time.Millisecond
	defer p.Close()

	if _, err := p.Detect(context.Background(), []byte("x")); err == nil {
		t.Fatal("Expected crash error")
	}
	if p.Size() != 0 {
		t.Fatalf("Expected 0 live engines, got %d", p.Size())
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Detect(context.Background(), []byte("x"))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNoEngines) {
			t.Fatalf("Expected ErrNoEngines, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Detect blocked with no live engines")
	}

	failing.Store(false)
	deadline := time.Now().Add(2 * time.Second)
	for p.Size() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Engine was never restarted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := p.Detect(context.Background(), []byte("x")); err != nil {
		t.Errorf("Restarted engine failed: %v", err)
	}
}

func TestPoolKeepsEngineOnLogicError(t *testing.T) {
	var started atomic.Int32
	e := &fakeEngine{err: &LogicError{Msg: "bad jpeg"}}
	p, err := NewPool(context.Background(), 1, func(ctx context.Context, id int) (Engine, error) {
		started.Add(1)
		return e, nil
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	for i := 0; i < 3; i++ {
		if _, err := p.Detect(context.Background(), nil); !isLogicError(err) {
			t.Fatalf("Expected LogicError, got %v", err)
		}
	}
	if started.Load() != 1 {
		t.Errorf("Engine restarted %d times on logic errors", started.Load()-1)
	}
}

func TestPoolDetectHonorsContextAndClose(t *testing.T) {
	block := make(chan struct{})
	p, err := NewPool(context.Background(), 1, func(ctx context.Context, id int) (Engine, error) {
		return &blockingEngine{release: block}, nil
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	// Occupy the only engine
	go p.Detect(context.Background(), nil)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Detect(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	p.Close()
	if _, err := p.Detect(context.Background(), nil); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	close(block)
}

type blockingEngine struct {
	release chan struct{}
}

func (b *blockingEngine) ProcessFrame(data []byte) ([]types.FaceResult, error) {
	<-b.release
	return nil, nil
}
func (b *blockingEngine) Close() {}

func TestNewPoolStartupFailure(t *testing.T) {
	first := &fakeEngine{}
	_, err := NewPool(context.Background(), 2, func(ctx context.Context, id int) (Engine, error) {
		if id == 0 {
			return first, nil
		}
		return nil, errors.New("no python")
	}, zerolog.Nop())
	if err == nil {
		t.Fatal("Expected startup error")
	}
	if !first.closed.Load() {
		t.Error("Engines started before the failure should be closed")
	}
}
