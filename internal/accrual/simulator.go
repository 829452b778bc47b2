package accrual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"go.uber.org/zap"
)

// DefaultCadence is how often a running simulation emits a snapshot.
const DefaultCadence = time.Second

var ErrStopped = errors.New("accrual simulation stopped")

// Simulator starts live accrual projections.
type Simulator struct {
	cadence time.Duration
	now     func() time.Time
	logger  *zap.SugaredLogger
	active  atomic.Int64
}

type Option func(*Simulator)

func WithCadence(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.cadence = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSimulator(logger *zap.SugaredLogger, opts ...Option) *Simulator {
	s := &Simulator{
		cadence: DefaultCadence,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Active returns the number of running simulations.
func (s *Simulator) Active() int64 {
	return s.active.Load()
}

// Handle controls one running simulation.
type Handle struct {
	out     chan calc.Snapshot
	restart chan calc.AccrualParams
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start begins a simulation with its origin at the current time. The first
// snapshot is available immediately. The simulation runs until Stop is called
// or ctx is cancelled; either way the snapshot channel is closed.
func (s *Simulator) Start(ctx context.Context, params calc.AccrualParams) (*Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("start simulation: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		out:     make(chan calc.Snapshot, 1),
		restart: make(chan calc.AccrualParams),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.active.Add(1)
	go s.run(ctx, h, params)
	return h, nil
}

func (s *Simulator) run(ctx context.Context, h *Handle, params calc.AccrualParams) {
	defer func() {
		close(h.out)
		s.active.Add(-1)
		close(h.done)
	}()

	origin := s.now()
	h.emit(calc.Project(params, origin, origin))

	ticker := time.NewTicker(s.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Debugw("Accrual simulation stopped", "principal", params.Principal, "months", params.LockDurationMonths)
			}
			return
		case p := <-h.restart:
			params = p
			origin = s.now()
			ticker.Reset(s.cadence)
			h.emit(calc.Project(params, origin, origin))
		case <-ticker.C:
			h.emit(calc.Project(params, origin, s.now()))
		}
	}
}

// emit keeps only the newest snapshot when the consumer falls behind.
func (h *Handle) emit(snap calc.Snapshot) {
	select {
	case h.out <- snap:
		return
	default:
	}
	select {
	case <-h.out:
	default:
	}
	h.out <- snap
}

// Snapshots returns the snapshot stream. It is closed when the simulation ends.
func (h *Handle) Snapshots() <-chan calc.Snapshot {
	return h.out
}

// Restart replaces the parameters and resets the origin to now.
func (h *Handle) Restart(params calc.AccrualParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("restart simulation: %w", err)
	}
	select {
	case h.restart <- params:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// Stop ends the simulation and waits for its goroutine to exit. It is safe to
// call more than once.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the simulation goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Sessions tracks simulations by key so a caller can replace or stop them.
type Sessions struct {
	sim *Simulator

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewSessions(sim *Simulator) *Sessions {
	return &Sessions{sim: sim, handles: make(map[string]*Handle)}
}

// Start runs a simulation under key. A running simulation with the same key
// is restarted with the new params instead.
func (s *Sessions) Start(ctx context.Context, key string, params calc.AccrualParams) (*Handle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[key]; ok {
		if err := h.Restart(params); err == nil {
			return h, false, nil
		} else if !errors.Is(err, ErrStopped) {
			return nil, false, err
		}
		delete(s.handles, key)
	}

	h, err := s.sim.Start(ctx, params)
	if err != nil {
		return nil, false, err
	}
	s.handles[key] = h
	return h, true, nil
}

func (s *Sessions) Stop(key string) bool {
	s.mu.Lock()
	h, ok := s.handles[key]
	delete(s.handles, key)
	s.mu.Unlock()

	if ok {
		h.Stop()
	}
	return ok
}

func (s *Sessions) StopAll() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}
