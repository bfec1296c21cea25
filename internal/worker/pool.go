package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/attendcam/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrPoolClosed is returned by Detect after Close.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrNoEngines is returned by Detect while every engine is down and being restarted.
	ErrNoEngines = errors.New("no encoder engines running")
)

const (
	respawnDelay    = time.Second
	maxRespawnDelay = 30 * time.Second
)

// Engine is one encoder instance. *PythonWorker satisfies it.
type Engine interface {
	ProcessFrame(data []byte) ([]types.FaceResult, error)
	Close()
}

// Factory starts engine number id.
type Factory func(ctx context.Context, id int) (Engine, error)

// PythonFactory starts PythonWorkers with cfg.
func PythonFactory(cfg Config) Factory {
	return func(ctx context.Context, id int) (Engine, error) {
		return NewPythonWorker(ctx, id, cfg)
	}
}

// Pool hands frames to a fixed set of engines, one frame per engine at a time.
type Pool struct {
	ctx     context.Context
	factory Factory
	log     zerolog.Logger
	idle    chan slot
	done    chan struct{}
	delay   time.Duration

	mu     sync.Mutex
	all    map[int]Engine
	closed bool
}

type slot struct {
	id     int
	engine Engine
}

// NewPool starts n engines. If any fails to start the ones already running are closed.
func NewPool(ctx context.Context, n int, factory Factory, log zerolog.Logger) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		ctx:     ctx,
		factory: factory,
		log:     log.With().Str("component", "encoder").Logger(),
		idle:    make(chan slot, n),
		done:    make(chan struct{}),
		delay:   respawnDelay,
		all:     make(map[int]Engine, n),
	}
	for i := 0; i < n; i++ {
		e, err := factory(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("engine %d: %w", i, err)
		}
		p.all[i] = e
		p.idle <- slot{id: i, engine: e}
	}
	p.log.Info().Int("engines", n).Msg("Encoder pool ready")
	return p, nil
}

// Detect encodes the faces in one JPEG frame.
// An engine that fails at the transport level is replaced before it is reused.
// If the replacement cannot start, the slot is retried in the background and
// Detect fails with ErrNoEngines until at least one engine is live again.
func (p *Pool) Detect(ctx context.Context, jpeg []byte) ([]types.FaceResult, error) {
	p.mu.Lock()
	closed, live := p.closed, len(p.all)
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if live == 0 {
		return nil, ErrNoEngines
	}

	var s slot
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	case s = <-p.idle:
	}

	faces, err := s.engine.ProcessFrame(jpeg)
	if err == nil || isLogicError(err) {
		p.release(s)
		return faces, err
	}

	p.log.Warn().Err(err).Int("engine", s.id).Msg("Encoder crashed, restarting")
	if w, ok := s.engine.(*PythonWorker); ok && w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
		p.log.Warn().Int("engine", s.id).Str("stderr", w.Cmd.Stderr.String()).Msg("Encoder logs")
	}
	s.engine.Close()

	replacement, startErr := p.factory(p.ctx, s.id)
	if startErr != nil {
		p.log.Error().Err(startErr).Int("engine", s.id).Msg("Encoder restart failed")
		p.mu.Lock()
		delete(p.all, s.id)
		p.mu.Unlock()
		go p.respawn(s.id)
		return nil, fmt.Errorf("encoder crashed: %w", errors.Join(err, startErr))
	}
	p.release(slot{id: s.id, engine: replacement})
	return nil, fmt.Errorf("encoder crashed: %w", err)
}

// respawn keeps trying to start engine id with exponential backoff until it
// succeeds or the pool is closed.
func (p *Pool) respawn(id int) {
	delay := p.delay
	for {
		select {
		case <-p.done:
			return
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}

		e, err := p.factory(p.ctx, id)
		if err == nil {
			p.log.Info().Int("engine", id).Msg("Encoder restarted")
			p.release(slot{id: id, engine: e})
			return
		}
		delay = min(delay*2, maxRespawnDelay)
		p.log.Error().Err(err).Int("engine", id).Dur("retry_in", delay).Msg("Encoder restart failed")
	}
}

func (p *Pool) release(s slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.engine.Close()
		return
	}
	p.all[s.id] = s.engine
	p.idle <- s
}

// Size is the number of live engines.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Close stops every idle engine; busy engines are stopped when they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			s.engine.Close()
		default:
			return
		}
	}
}
