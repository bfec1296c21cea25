package camera

import (
	"bytes"
	"testing"
)

type recorder struct {
	frames [][]byte
}

func (r *recorder) Publish(data []byte) {
	r.frames = append(r.frames, append([]byte(nil), data...))
}

func TestPump(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x01}) // noise before the first frame
	for i := byte(0); i < 4; i++ {
		stream.Write([]byte{0xFF, 0xD8, i, i, 0xFF, 0xD9})
	}

	rec := &recorder{}
	n, err := Pump(&stream, rec)
	if err != nil {
		t.Fatalf("Pump failed: %v", err)
	}
	if n != 4 || len(rec.frames) != 4 {
		t.Fatalf("Expected 4 frames, got n=%d recorded=%d", n, len(rec.frames))
	}
	for i, f := range rec.frames {
		if f[2] != byte(i) {
			t.Errorf("frame %d out of order: %X", i, f)
		}
	}
}

func TestPumpEmptyStream(t *testing.T) {
	rec := &recorder{}
	n, err := Pump(bytes.NewReader(nil), rec)
	if err != nil || n != 0 {
		t.Errorf("Expected 0 frames and no error, got %d, %v", n, err)
	}
}
