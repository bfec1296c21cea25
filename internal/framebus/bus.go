// Package framebus holds the latest camera frame and wakes every waiting
// consumer when a new one is published.
//
// There is exactly one slot. Publish overwrites it and broadcasts; consumers
// never see a backlog, only the newest frame published after they started
// waiting. A consumer that falls behind skips frames instead of queueing them.
//
//	bus := framebus.New()
//	go camera.Run(ctx, bus)
//
//	r := bus.NewReader()
//	for {
//	    frame, err := r.Next(ctx)
//	    if err != nil {
//	        return
//	    }
//	    write(frame.Data)
//	}
package framebus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Next once the bus has been closed.
var ErrClosed = errors.New("framebus: bus is closed")

// Frame is one encoded snapshot of the camera.
//
// Data is shared by every consumer that received this publish and MUST NOT be
// modified.
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Published uint64    // total Publish calls accepted
	Waiting   int       // consumers currently blocked in Next
	LastAt    time.Time // timestamp of the latest frame, zero if none yet
}

// Bus is a single-slot frame holder with broadcast-on-write semantics.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   Frame
	waiting int
	closed  bool
	now     func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	b := &Bus{now: time.Now}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish stores a copy of data as the current frame and wakes all waiters.
// It never blocks on consumers. Publishing to a closed bus is a no-op.
func (b *Bus) Publish(data []byte) {
	// Copy outside the lock; producers often reuse their read buffer
	buf := make([]byte, len(data))
	copy(buf, data)
	ts := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.frame = Frame{Data: buf, Seq: b.frame.Seq + 1, Timestamp: ts}
	b.cond.Broadcast()
}

// Next blocks until a frame is published after the call begins and returns it.
// It fails only when ctx is done or the bus is closed.
func (b *Bus) Next(ctx context.Context) (Frame, error) {
	b.mu.Lock()
	after := b.frame.Seq
	b.mu.Unlock()
	return b.waitAfter(ctx, after)
}

// waitAfter blocks until the current sequence is greater than after.
func (b *Bus) waitAfter(ctx context.Context, after uint64) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	// sync.Cond cannot select on ctx, so cancellation broadcasts instead
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.waiting++
	defer func() { b.waiting-- }()

	for b.frame.Seq <= after {
		if b.closed {
			return Frame{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		b.cond.Wait()
	}
	return b.frame, nil
}

// Latest returns the current frame without blocking.
func (b *Bus) Latest() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.frame.Seq > 0
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published: b.frame.Seq,
		Waiting:   b.waiting,
		LastAt:    b.frame.Timestamp,
	}
}

// Close wakes every waiter with ErrClosed. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}

// NewReader returns a consumer cursor. A Reader must be used by one goroutine.
func (b *Bus) NewReader() *Reader {
	return &Reader{bus: b}
}

// Reader tracks the last frame a single consumer received so it is never
// handed the same frame twice.
type Reader struct {
	bus  *Bus
	last uint64
}

// Next waits for a frame newer than both the frame current at call time and
// the last frame this reader returned.
func (r *Reader) Next(ctx context.Context) (Frame, error) {
	r.bus.mu.Lock()
	after := r.bus.frame.Seq
	r.bus.mu.Unlock()
	if r.last > after {
		after = r.last
	}

	f, err := r.bus.waitAfter(ctx, after)
	if err != nil {
		return Frame{}, err
	}
	r.last = f.Seq
	return f, nil
}

// Last is the sequence of the most recent frame this reader returned.
func (r *Reader) Last() uint64 {
	return r.last
}
