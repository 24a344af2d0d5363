package service

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/clock"
)

// Scheduler drives the projector and the reconciler on their own timers:
// a projection pass plus sweep every SweepInterval, a reconcile every
// ReconcileInterval. Kick requests an early projection pass.
type Scheduler struct {
	projector  *SessionProjector
	reconciler *AccessGroupReconciler
	sweepEvery time.Duration
	reconEvery time.Duration
	clock      clock.Clock
	logger     *log.Logger

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(p *SessionProjector, r *AccessGroupReconciler, sweepEvery, reconcileEvery time.Duration, clk clock.Clock, logger *log.Logger) *Scheduler {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	if reconcileEvery <= 0 {
		reconcileEvery = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		projector:  p,
		reconciler: r,
		sweepEvery: sweepEvery,
		reconEvery: reconcileEvery,
		clock:      clk,
		logger:     logger,
		kick:       make(chan struct{}, 1),
	}
}

// Kick asks for a projection pass without waiting for the sweep timer.
// It never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.projectLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.reconcileLoop(ctx)
	}()

	s.logger.Printf("scheduler started (sweep=%s, reconcile=%s)", s.sweepEvery, s.reconEvery)
}

// Stop cancels both loops and waits for the running pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) projectLoop(ctx context.Context) {
	s.ProjectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if _, err := s.projector.ProcessPending(ctx); err != nil {
				s.logger.Printf("scheduler: process pending: %v", err)
			}
		case <-s.clock.After(s.sweepEvery):
			s.ProjectOnce(ctx)
		}
	}
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.reconEvery):
			if _, err := s.reconciler.Reconcile(ctx); err != nil {
				s.logger.Printf("scheduler: reconcile: %v", err)
			}
		}
	}
}

// ProjectOnce runs one projection pass followed by a sweep.
func (s *Scheduler) ProjectOnce(ctx context.Context) {
	if _, err := s.projector.ProcessPending(ctx); err != nil {
		s.logger.Printf("scheduler: process pending: %v", err)
	}
	if _, err := s.projector.Sweep(ctx); err != nil {
		s.logger.Printf("scheduler: sweep: %v", err)
	}
}
