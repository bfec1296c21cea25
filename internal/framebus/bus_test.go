package framebus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// waitForWaiters spins until n consumers are blocked in Next.
func waitForWaiters(t *testing.T, b *Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Waiting < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %d waiters, have %d", n, b.Stats().Waiting)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNextWaitsForNewPublish(t *testing.T) {
	b := New()
	b.Publish([]byte("stale"))

	got := make(chan Frame, 1)
	go func() {
		f, err := b.Next(context.Background())
		if err != nil {
			t.Errorf("Next failed: %v", err)
		}
		got <- f
	}()

	waitForWaiters(t, b, 1)
	select {
	case f := <-got:
		t.Fatalf("Next returned a frame published before the call: %q", f.Data)
	default:
	}

	b.Publish([]byte("fresh"))
	select {
	case f := <-got:
		if string(f.Data) != "fresh" {
			t.Errorf("Expected fresh frame, got %q", f.Data)
		}
		if f.Seq != 2 {
			t.Errorf("Expected seq 2, got %d", f.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for frame")
	}
}

func TestBroadcastWakesAllWaiters(t *testing.T) {
	b := New()
	const viewers = 8

	var wg sync.WaitGroup
	frames := make([]Frame, viewers)
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := b.NewReader().Next(context.Background())
			if err != nil {
				t.Errorf("viewer %d: %v", i, err)
				return
			}
			frames[i] = f
		}(i)
	}

	waitForWaiters(t, b, viewers)
	b.Publish([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	wg.Wait()

	for i, f := range frames {
		if f.Seq != 1 {
			t.Errorf("viewer %d got seq %d, want 1", i, f.Seq)
		}
		// Same publish means same shared buffer
		if &f.Data[0] != &frames[0].Data[0] {
			t.Errorf("viewer %d received a different buffer", i)
		}
	}
}

func TestReaderNeverRepeatsOrReorders(t *testing.T) {
	b := New()
	r := b.NewReader()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan uint64, 1000)
	go func() {
		defer close(received)
		for {
			f, err := r.Next(ctx)
			if err != nil {
				return
			}
			received <- f.Seq
		}
	}()

	waitForWaiters(t, b, 1)
	for i := 0; i < 500; i++ {
		b.Publish([]byte{byte(i)})
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	cancel()

	var last uint64
	count := 0
	for seq := range received {
		if seq <= last {
			t.Fatalf("Sequence went from %d to %d (duplicate or reorder)", last, seq)
		}
		last = seq
		count++
	}
	if count == 0 {
		t.Fatal("Reader received no frames")
	}
	if last > 500 {
		t.Errorf("Reader saw seq %d beyond the %d publishes", last, 500)
	}
}

func TestPublishCopiesInput(t *testing.T) {
	b := New()
	buf := []byte("abc")
	b.Publish(buf)
	buf[0] = 'X'

	f, ok := b.Latest()
	if !ok {
		t.Fatal("Expected a latest frame")
	}
	if string(f.Data) != "abc" {
		t.Errorf("Frame mutated through producer buffer: %q", f.Data)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	// A reader that never calls Next must not hold anything up
	_ = b.NewReader()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish([]byte{1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
	if got := b.Stats().Published; got != 10000 {
		t.Errorf("Expected 10000 published, got %d", got)
	}
}

func TestNextHonorsContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Next(ctx)
		errCh <- err
	}()

	waitForWaiters(t, b, 1)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next ignored cancellation")
	}
	if w := b.Stats().Waiting; w != 0 {
		t.Errorf("Expected 0 waiters after cancel, got %d", w)
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	b := New()
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Next(context.Background())
			errCh <- err
		}()
	}
	waitForWaiters(t, b, 2)
	b.Close()
	b.Close() // idempotent

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("Expected ErrClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Close did not wake waiter")
		}
	}

	b.Publish([]byte("late"))
	if _, ok := b.Latest(); ok {
		t.Error("Publish after Close should be dropped")
	}
}

func TestLatestEmpty(t *testing.T) {
	b := New()
	if _, ok := b.Latest(); ok {
		t.Error("Fresh bus should have no frame")
	}
	if !b.Stats().LastAt.IsZero() {
		t.Error("Fresh bus should have zero LastAt")
	}
}
