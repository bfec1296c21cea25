// Package stream serves the camera as a multipart MJPEG stream, one
// independent consumer per connected viewer.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/andresmejia3/attendcam/internal/framebus"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Path is the only route the broadcaster answers.
	Path = "/stream.mjpg"

	// Boundary separates parts of the multipart response.
	Boundary = "FRAME"
)

// Broadcaster writes every new frame on the bus to each connected viewer.
type Broadcaster struct {
	bus     *framebus.Bus
	log     zerolog.Logger
	viewers atomic.Int64
}

// New creates a Broadcaster reading from bus.
func New(bus *framebus.Bus, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		bus: bus,
		log: log.With().Str("component", "stream").Logger(),
	}
}

// Viewers returns the number of currently connected viewers.
func (b *Broadcaster) Viewers() int {
	return int(b.viewers.Load())
}

// ServeHTTP answers Path with the stream and everything else with 404.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Path {
		http.NotFound(w, r)
		return
	}
	b.Stream(w, r)
}

// Stream writes the multipart header once, then one part per frame until the
// client goes away or a write fails.
func (b *Broadcaster) Stream(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	log := b.log.With().Str("viewer", id).Str("remote", r.RemoteAddr).Logger()

	h := w.Header()
	h.Set("Age", "0")
	h.Set("Cache-Control", "no-cache, private")
	h.Set("Pragma", "no-cache")
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Info().Err(err).Msg("Removed streaming client")
		return
	}

	b.viewers.Add(1)
	defer b.viewers.Add(-1)
	log.Info().Int("viewers", b.Viewers()).Msg("Streaming client connected")

	reader := b.bus.NewReader()
	var sent uint64
	for {
		frame, err := reader.Next(r.Context())
		if err != nil {
			log.Info().Err(err).Uint64("frames", sent).Msg("Removed streaming client")
			return
		}
		if err := WritePart(w, frame.Data); err != nil {
			log.Info().Err(err).Uint64("frames", sent).Msg("Removed streaming client")
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.Info().Err(err).Uint64("frames", sent).Msg("Removed streaming client")
			return
		}
		sent++
	}
}

// WritePart writes a single multipart JPEG part.
func WritePart(w io.Writer, jpeg []byte) error {
	header := "--" + Boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(jpeg)) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write part header: %w", err)
	}
	if _, err := w.Write(jpeg); err != nil {
		return fmt.Errorf("write part body: %w", err)
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return fmt.Errorf("write part trailer: %w", err)
	}
	return nil
}
