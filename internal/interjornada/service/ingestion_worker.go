package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDHaskell/interjornada/server/internal/clock"
	"github.com/BrandonDHaskell/interjornada/server/internal/device"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

var (
	// ErrFailStop is returned once consecutive tick failures reach the
	// ceiling. The worker does not restart itself.
	ErrFailStop = errors.New("ingestion worker stopped after too many consecutive errors")

	// ErrDeviceReset marks a detected device counter reset. It is logged
	// and counted, never returned to callers.
	ErrDeviceReset = errors.New("device event counter reset detected")
)

// EventSource is the slice of the device gateway the worker reads from.
type EventSource interface {
	FetchEvents(ctx context.Context, minID int64, limit int) ([]types.AccessEvent, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type IngestConfig struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	BatchSize    int
	ErrorCeiling int

	// ResetProbeEvery asks the device for its newest id after this many
	// consecutive empty batches. 0 disables the probe.
	ResetProbeEvery int
}

// SequenceGap is a hole between consecutive positive ids. Gaps are logged
// and counted; the device cannot replay arbitrary history.
type SequenceGap struct {
	After  int64
	Before int64
}

func (g SequenceGap) String() string { return fmt.Sprintf("(%d, %d)", g.After, g.Before) }

// WorkerStatus is a point-in-time snapshot for health and status reads.
type WorkerStatus struct {
	LastSyncedID      int64     `json:"last_synced_id"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Resets            int64     `json:"resets"`
	Gaps              int64     `json:"gaps"`
	Ingested          int64     `json:"ingested"`
	Running           bool      `json:"running"`
	FailStopped       bool      `json:"fail_stopped"`
	LastError         string    `json:"last_error,omitempty"`
	LastTick          time.Time `json:"last_tick"`
}

// IngestionWorker pulls the device access log in ascending id order and
// persists every event exactly once. It is the only writer of the cursor.
type IngestionWorker struct {
	src     EventSource
	events  store.EventStore
	cfg     IngestConfig
	clock   clock.Clock
	alerter Alerter
	logger  *log.Logger

	// OnIngested, when set, is called after a tick stored new events.
	OnIngested func(n int)

	mu          sync.Mutex
	loaded      bool
	state       store.SyncState
	emptyStreak int
	gaps        int64
	ingested    int64
	running     bool
	failStopped bool
	lastErr     error
	lastTick    time.Time
	restartSent bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewIngestionWorker(src EventSource, events store.EventStore, cfg IngestConfig, clk clock.Clock, alerter Alerter, logger *log.Logger) *IngestionWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = cfg.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ErrorCeiling <= 0 {
		cfg.ErrorCeiling = 10
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &IngestionWorker{
		src:     src,
		events:  events,
		cfg:     cfg,
		clock:   clk,
		alerter: alerterOrNop(alerter),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches the poll loop. The loop exits when ctx is cancelled,
// Stop is called, or the worker fail-stops.
func (w *IngestionWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Printf("ingest: worker exited: %v", err)
		}
	}()

	w.logger.Printf("ingest: worker started (interval=%s, batch=%d, ceiling=%d)",
		w.cfg.PollInterval, w.cfg.BatchSize, w.cfg.ErrorCeiling)
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (w *IngestionWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// Done is closed when a started loop has exited.
func (w *IngestionWorker) Done() <-chan struct{} { return w.done }

// Run polls until ctx is cancelled or the worker fail-stops. Cancellation
// interrupts device calls and their retry waits; a batch already fetched
// is still persisted.
func (w *IngestionWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	for {
		delay := w.cfg.PollInterval
		if err := w.Tick(ctx); err != nil {
			if errors.Is(err, ErrFailStop) {
				return err
			}
			delay = w.cfg.RetryDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(delay):
		}
	}
}

// Tick runs one fetch-and-persist cycle. Errors are counted toward the
// fail-stop ceiling; reaching it returns ErrFailStop and every later call
// returns it too.
func (w *IngestionWorker) Tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ingest.tick", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	w.mu.Lock()
	stopped := w.failStopped
	w.mu.Unlock()
	if stopped {
		return ErrFailStop
	}

	n, err := w.tick(ctx)
	w.mu.Lock()
	w.lastTick = w.clock.Now()
	w.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		// Stopped mid-tick: not a device failure.
		return ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return w.fail(context.WithoutCancel(ctx), err)
	}

	span.SetAttributes(attribute.Int("ingest.inserted", n))
	if n > 0 && w.OnIngested != nil {
		w.OnIngested(n)
	}
	return nil
}

func (w *IngestionWorker) tick(ctx context.Context) (int, error) {
	// Store writes outlive a stop so a fetched batch and its cursor land
	// together.
	storeCtx := context.WithoutCancel(ctx)
	if err := w.load(storeCtx); err != nil {
		return 0, err
	}

	w.mu.Lock()
	st := w.state
	w.mu.Unlock()

	batch, err := w.src.FetchEvents(ctx, st.LastSyncedID, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}

	reset := false
	if len(batch) == 0 {
		reset, err = w.probeHead(ctx, st.LastSyncedID)
		if err != nil {
			return 0, err
		}
	} else {
		w.mu.Lock()
		w.emptyStreak = 0
		w.mu.Unlock()
		if top := maxSequence(batch); top > 0 && top < st.LastSyncedID {
			reset = true
			w.logger.Printf("ingest: %v: batch max id=%d < last_synced=%d", ErrDeviceReset, top, st.LastSyncedID)
		}
	}

	if reset {
		st.Resets++
		batch, err = w.src.FetchEvents(ctx, 0, w.cfg.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("refetch after reset: %w", err)
		}
		// Rebase onto the device's new numbering; the loop below raises the
		// cursor to the newest id of this batch.
		st.LastSyncedID = 0
		w.logger.Printf("ingest: resynchronized from id 0, fetched=%d", len(batch))
	}

	for _, g := range findGaps(st.LastSyncedID, batch) {
		w.logger.Printf("ingest: sequence gap %s, not backfilled", g)
		w.mu.Lock()
		w.gaps++
		w.mu.Unlock()
	}

	now := w.clock.Now()
	for i := range batch {
		batch[i].IngestedAt = now
		batch[i].IngestionStatus = types.IngestionPending
		if !batch[i].Relevant() {
			batch[i].IngestionStatus = types.IngestionIgnored
			batch[i].SessionProcessed = true
		}
		if id := batch[i].SequenceID; id > st.LastSyncedID {
			st.LastSyncedID = id
		}
	}
	st.ConsecutiveErrors = 0
	st.UpdatedAt = now

	if len(batch) == 0 && !reset {
		w.mu.Lock()
		persisted := w.state.ConsecutiveErrors == 0
		w.mu.Unlock()
		if persisted {
			return 0, nil
		}
	}

	inserted, err := w.events.AppendBatch(storeCtx, batch, st)
	if err != nil {
		return 0, fmt.Errorf("persist batch: %w", err)
	}

	w.mu.Lock()
	w.state = st
	w.ingested += int64(len(inserted))
	w.mu.Unlock()

	if len(batch) > 0 {
		w.logger.Printf("ingest tick: fetched=%d inserted=%d last_synced=%d", len(batch), len(inserted), st.LastSyncedID)
	}
	return len(inserted), nil
}

// probeHead asks for the device's newest id once enough empty batches went
// by; a head below the cursor means the counter was reset.
func (w *IngestionWorker) probeHead(ctx context.Context, last int64) (bool, error) {
	if w.cfg.ResetProbeEvery <= 0 || last <= 0 {
		return false, nil
	}

	w.mu.Lock()
	w.emptyStreak++
	due := w.emptyStreak >= w.cfg.ResetProbeEvery
	if due {
		w.emptyStreak = 0
	}
	w.mu.Unlock()
	if !due {
		return false, nil
	}

	head, err := w.src.LatestEventID(ctx)
	if err != nil {
		return false, fmt.Errorf("probe head: %w", err)
	}
	if head > 0 && head < last {
		w.logger.Printf("ingest: %v: device head=%d < last_synced=%d", ErrDeviceReset, head, last)
		return true, nil
	}
	return false, nil
}

func (w *IngestionWorker) load(ctx context.Context) error {
	w.mu.Lock()
	loaded := w.loaded
	w.mu.Unlock()
	if loaded {
		return nil
	}

	st, err := w.events.LoadSyncState(ctx)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}

	w.mu.Lock()
	w.state = st
	w.loaded = true
	w.mu.Unlock()
	w.logger.Printf("ingest: resuming after id=%d (consecutive_errors=%d)", st.LastSyncedID, st.ConsecutiveErrors)
	return nil
}

func (w *IngestionWorker) fail(ctx context.Context, err error) error {
	w.mu.Lock()
	w.state.ConsecutiveErrors++
	st := w.state
	w.lastErr = err
	ceiling := st.ConsecutiveErrors >= w.cfg.ErrorCeiling
	if ceiling {
		w.failStopped = true
	}
	sendRestart := errors.Is(err, device.ErrRestartRecommended) && !w.restartSent
	if sendRestart {
		w.restartSent = true
	}
	loaded := w.loaded
	w.mu.Unlock()

	w.logger.Printf("ingest: tick failed (consecutive=%d/%d): %v", st.ConsecutiveErrors, w.cfg.ErrorCeiling, err)

	if loaded {
		st.UpdatedAt = w.clock.Now()
		if serr := w.events.SaveSyncState(ctx, st); serr != nil {
			w.logger.Printf("ingest: save sync state: %v", serr)
		}
	}
	if sendRestart {
		w.alerter.Alert(ctx, "device restart recommended", err.Error())
	}

	if ceiling {
		w.logger.Printf("ingest: error ceiling reached, stopping; external restart required")
		w.alerter.Alert(ctx, "ingestion stopped",
			fmt.Sprintf("%d consecutive errors, last: %v", st.ConsecutiveErrors, err))
		return fmt.Errorf("%w: %w", ErrFailStop, err)
	}
	return err
}

// Status returns a snapshot of the worker's counters.
func (w *IngestionWorker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := WorkerStatus{
		LastSyncedID:      w.state.LastSyncedID,
		ConsecutiveErrors: w.state.ConsecutiveErrors,
		Resets:            w.state.Resets,
		Gaps:              w.gaps,
		Ingested:          w.ingested,
		Running:           w.running,
		FailStopped:       w.failStopped,
		LastTick:          w.lastTick,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func maxSequence(batch []types.AccessEvent) int64 {
	var top int64
	for _, ev := range batch {
		if ev.SequenceID > top {
			top = ev.SequenceID
		}
	}
	return top
}

// findGaps reports holes between consecutive positive ids of batch,
// including the hole right after the cursor. Synthetic ids are skipped.
func findGaps(last int64, batch []types.AccessEvent) []SequenceGap {
	var gaps []SequenceGap
	prev := last
	for _, ev := range batch {
		id := ev.SequenceID
		if id <= 0 {
			continue
		}
		if prev > 0 && id > prev+1 {
			gaps = append(gaps, SequenceGap{After: prev, Before: id})
		}
		if id > prev {
			prev = id
		}
	}
	return gaps
}
