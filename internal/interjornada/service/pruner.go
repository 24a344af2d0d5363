package service

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/clock"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
)

// Pruner periodically deletes completed sessions, consumed events and
// audit rows older than a retention period. Open sessions, unprocessed
// events and violations are never pruned.
//
// A retention of 0 disables pruning entirely.
type Pruner struct {
	events    store.EventStore
	sessions  store.SessionStore
	audit     store.AuditStore
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	logger    *log.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// PrunerConfig holds the parameters for NewPruner.
type PrunerConfig struct {
	// RetentionDays is how many days of history to keep. 0 keeps
	// everything (the pruner will not start).
	RetentionDays int

	// IntervalHours is how often the pruner runs. Defaults to 6.
	IntervalHours int
}

// PruneReport counts the rows deleted by one pass.
type PruneReport struct {
	Sessions int64
	Events   int64
	Audit    int64
}

// NewPruner creates a pruner but does not start it.
func NewPruner(events store.EventStore, sessions store.SessionStore, audit store.AuditStore, cfg PrunerConfig, clk clock.Clock, logger *log.Logger) *Pruner {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Pruner{
		events:    events,
		sessions:  sessions,
		audit:     audit,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		clock:     clk,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start runs an immediate prune, then repeats on the configured interval
// until ctx is cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		p.logger.Printf("pruner disabled (retention=0)")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)

	go p.loop(ctx)

	p.logger.Printf("pruner started (retention=%dd, interval=%dh)",
		int(p.retention.Hours()/24), int(p.interval.Hours()))
}

// Stop signals the pruner to exit and waits for it to finish.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.done)

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass. Each table is pruned independently; a failure is
// logged and does not stop the others.
func (p *Pruner) Prune(ctx context.Context) PruneReport {
	var rep PruneReport
	if p.retention <= 0 {
		return rep
	}
	cutoff := p.clock.Now().Add(-p.retention)

	var err error
	if rep.Sessions, err = p.sessions.PruneCompletedBefore(ctx, cutoff); err != nil {
		p.logger.Printf("prune sessions: %v", err)
	}
	if rep.Events, err = p.events.PruneProcessedBefore(ctx, cutoff); err != nil {
		p.logger.Printf("prune events: %v", err)
	}
	if rep.Audit, err = p.audit.PruneBefore(ctx, cutoff); err != nil {
		p.logger.Printf("prune audit: %v", err)
	}

	if rep.Sessions+rep.Events+rep.Audit > 0 {
		p.logger.Printf("prune: deleted sessions=%d events=%d audit=%d older than %s",
			rep.Sessions, rep.Events, rep.Audit, cutoff.Format(time.RFC3339))
	}
	return rep
}
