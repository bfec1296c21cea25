// Package events carries side effects of biometric activity (audit rows,
// broker messages, feedback hooks) off the request path. Emit never blocks;
// a single dispatcher goroutine hands each event to every sink in order.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind names what happened.
type Kind string

const (
	KindEnrolled    Kind = "enrolled"
	KindLogin       Kind = "login"
	KindLoginFailed Kind = "login_failed"
	KindCheckIn     Kind = "checkin"
	KindLogout      Kind = "logout"
)

// Event is one audit record.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Name       string    `json:"name,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Sink consumes events. Deliver is called from the dispatcher goroutine only.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher queues events for its sinks.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	log     zerolog.Logger
	timeout time.Duration

	dropped   atomic.Uint64
	delivered atomic.Uint64

	done chan struct{}
}

// NewDispatcher creates a dispatcher with a queue of size and the given sinks.
func NewDispatcher(size int, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, size),
		log:     log.With().Str("component", "events").Logger(),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Emit queues ev, stamping ID and At when empty. A full queue drops the event.
func (d *Dispatcher) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.log.Warn().Str("kind", string(ev.Kind)).Str("name", ev.Name).Msg("Event queue full, dropping event")
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := s.Deliver(ctx, ev); err != nil {
			d.log.Error().Err(err).Str("sink", s.Name()).Str("kind", string(ev.Kind)).Msg("Event delivery failed")
		}
		cancel()
	}
	d.delivered.Add(1)
}

// Stats reports delivered and dropped counts.
func (d *Dispatcher) Stats() (delivered, dropped uint64) {
	return d.delivered.Load(), d.dropped.Load()
}

// LogSink writes every event to a zerolog logger.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, ev Event) error {
	e := s.Log.Info().Str("event", string(ev.Kind)).Str("id", ev.ID)
	if ev.Name != "" {
		e = e.Str("name", ev.Name)
	}
	if ev.Confidence > 0 {
		e = e.Float64("confidence", ev.Confidence)
	}
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	e.Time("at", ev.At).Msg("Attendance event")
	return nil
}

// Emitter is the producer side, satisfied by *Dispatcher.
type Emitter interface {
	Emit(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}
