package events

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Deliver(_ context.Context, ev Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *memSink) kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("broker down")}
	d := NewDispatcher(16, zerolog.Nop(), a, b)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Emit(Event{Kind: KindEnrolled, Name: "alice"})
	d.Emit(Event{Kind: KindLogin, Name: "alice", Confidence: 0.8})
	d.Emit(Event{Kind: KindCheckIn, Name: "alice"})

	cancel()
	d.Wait()

	want := []Kind{KindEnrolled, KindLogin, KindCheckIn}
	for _, s := range []*memSink{a, b} {
		got := s.kinds()
		if len(got) != len(want) {
			t.Fatalf("Expected %d events, got %v", len(want), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("event %d = %s, want %s", i, got[i], want[i])
			}
		}
	}
	// A failing sink does not stop delivery to the others
	if delivered, _ := d.Stats(); delivered != 3 {
		t.Errorf("Expected 3 delivered, got %d", delivered)
	}
	if a.events[0].ID == "" || a.events[0].At.IsZero() {
		t.Error("Emit should stamp ID and At")
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	slow := &memSink{block: make(chan struct{})}
	d := NewDispatcher(1, zerolog.Nop(), slow)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Emit(Event{Kind: KindCheckIn})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow sink")
	}
	if _, dropped := d.Stats(); dropped == 0 {
		t.Error("Expected drops with a full queue")
	}

	close(slow.block)
	cancel()
	d.Wait()
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Log: zerolog.New(&buf)}
	s.Deliver(context.Background(), Event{ID: "1", Kind: KindLogin, Name: "carol", Confidence: 0.7, At: time.Unix(0, 0)})

	out := buf.String()
	for _, want := range []string{`"event":"login"`, `"name":"carol"`, `"confidence":0.7`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}
