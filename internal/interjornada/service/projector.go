package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/BrandonDHaskell/interjornada/server/internal/clock"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
	"github.com/BrandonDHaskell/interjornada/server/internal/keylock"
)

var tracer = otel.Tracer("github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service")

// GroupMover is what the projector needs from the reconciler.
type GroupMover interface {
	MoveToDenied(ctx context.Context, employeeID int64) (bool, error)
	ReassertDenied(ctx context.Context, employeeID int64) (bool, error)
	Restore(ctx context.Context, employeeID int64) (bool, error)
}

type ProjectorConfig struct {
	WorkMinutes int
	RestMinutes int

	// EarlyAccessThreshold is the rest still owed above which a refused
	// entry is recorded as an early-access violation.
	EarlyAccessThreshold time.Duration
	// OvertimeThreshold is how far past the work window an exit may land
	// before it is recorded as exceeded work time.
	OvertimeThreshold time.Duration

	EntryPortals []int64
	ExitPortals  []int64

	// BatchSize bounds one ProcessPending pass. Defaults to 500.
	BatchSize int
}

type ProjectorDeps struct {
	Events    store.EventStore
	Sessions  store.SessionStore
	Employees store.EmployeeStore
	Audit     store.AuditStore
	Groups    GroupMover
	Resolved  Groups
	Locks     *keylock.Locker
	Clock     clock.Clock
	Logger    *log.Logger
}

// SessionProjector turns ordered access events and the passage of time into
// session transitions. Event-driven transitions use the event's device time;
// sweeps use the clock.
type SessionProjector struct {
	cfg       ProjectorConfig
	events    store.EventStore
	sessions  store.SessionStore
	employees store.EmployeeStore
	audit     store.AuditStore
	groups    GroupMover
	resolved  Groups
	locks     *keylock.Locker
	clock     clock.Clock
	logger    *log.Logger

	// passMu keeps ProcessPending passes from overlapping so an event is
	// applied once even when a manual injection races the scheduler.
	passMu sync.Mutex
}

func NewSessionProjector(cfg ProjectorConfig, d ProjectorDeps) *SessionProjector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	return &SessionProjector{
		cfg:       cfg,
		events:    d.Events,
		sessions:  d.Sessions,
		employees: d.Employees,
		audit:     d.Audit,
		groups:    d.Groups,
		resolved:  d.Resolved,
		locks:     d.Locks,
		clock:     d.Clock,
		logger:    d.Logger,
	}
}

// groupAction is a device group change to run after the employee lock is
// released; the reconciler takes the same lock.
type groupAction int

const (
	actNone groupAction = iota
	actDeny
	actReassert
	actRestore
)

// ProjectionReport summarises one ProcessPending pass.
type ProjectionReport struct {
	Processed int `json:"processed"`
	Ignored   int `json:"ignored"`
	Failed    int `json:"failed"`
}

// ProcessPending consumes unprocessed events in device-time order. Every
// event is marked exactly once, including those that failed.
func (p *SessionProjector) ProcessPending(ctx context.Context) (ProjectionReport, error) {
	p.passMu.Lock()
	defer p.passMu.Unlock()

	ctx, span := tracer.Start(ctx, "projector.process_pending")
	defer span.End()

	var rep ProjectionReport
	for {
		evs, err := p.events.Unprocessed(ctx, p.cfg.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("process pending: %w", err)
		}
		if len(evs) == 0 {
			break
		}

		for _, ev := range evs {
			status, applyErr := p.apply(ctx, ev)
			errText := ""
			if applyErr != nil {
				status = types.IngestionError
				errText = applyErr.Error()
				p.logger.Printf("projector: event seq=%d employee_device=%d: %v", ev.SequenceID, ev.EmployeeDeviceID, applyErr)
			}
			if _, err := p.events.MarkProcessed(ctx, ev.ID, status, errText); err != nil {
				return rep, fmt.Errorf("process pending: mark %d: %w", ev.ID, err)
			}
			switch status {
			case types.IngestionIgnored:
				rep.Ignored++
			case types.IngestionError:
				rep.Failed++
			default:
				rep.Processed++
			}
		}
		if len(evs) < p.cfg.BatchSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("projector.processed", rep.Processed),
		attribute.Int("projector.ignored", rep.Ignored),
		attribute.Int("projector.failed", rep.Failed),
	)
	return rep, nil
}

// Direction classifies an event by the portal it was read on. Events on an
// unlisted portal count as entries; a single-portal device only reports
// entries.
func (p *SessionProjector) Direction(ev types.AccessEvent) types.Direction {
	switch {
	case slices.Contains(p.cfg.ExitPortals, ev.PortalID):
		return types.DirectionExit
	case slices.Contains(p.cfg.EntryPortals, ev.PortalID):
		return types.DirectionEntry
	default:
		return types.DirectionUnknown
	}
}

func (p *SessionProjector) apply(ctx context.Context, ev types.AccessEvent) (types.IngestionStatus, error) {
	if !ev.Relevant() {
		return types.IngestionIgnored, nil
	}

	emp, err := p.employees.EmployeeByDeviceID(ctx, ev.EmployeeDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return types.IngestionIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("load employee: %w", err)
	}

	entry := p.Direction(ev) != types.DirectionExit
	if !emp.IsActive {
		if entry {
			p.recordDecision(ctx, decide(emp, false, nil, ev.DeviceTimestamp), ev)
		}
		return types.IngestionIgnored, nil
	}

	action, err := p.applyLocked(ctx, emp, ev, entry)
	if err != nil {
		return "", err
	}
	p.runAction(ctx, emp.ID, action)
	return types.IngestionProcessed, nil
}

func (p *SessionProjector) applyLocked(ctx context.Context, emp types.Employee, ev types.AccessEvent, entry bool) (groupAction, error) {
	defer p.locks.Lock(employeeKey(emp.ID))()

	now := ev.DeviceTimestamp
	exempt := p.resolved.IsExempt(emp)

	var sess *types.EmployeeSession
	open, err := p.sessions.OpenSession(ctx, emp.ID)
	switch {
	case err == nil:
		sess = &open
	case !errors.Is(err, store.ErrNotFound):
		return actNone, fmt.Errorf("load session: %w", err)
	}

	if exempt {
		if entry {
			p.recordDecision(ctx, decide(emp, true, nil, now), ev)
		}
		return actNone, nil
	}

	action, served := actNone, false
	if sess != nil {
		before := sess.State
		next, changed := advance(*sess, now)
		if changed {
			if err := p.sessions.UpdateSession(ctx, next); err != nil {
				return actNone, fmt.Errorf("advance session %d: %w", next.ID, err)
			}
			p.logTransition(emp, before, next, "event")
			action = actionFor(before, next.State)
		}
		if next.State == types.SessionCompleted {
			served = before == types.SessionBlocked
			sess = nil
		} else {
			*sess = next
		}
	}

	if !entry {
		return p.applyExit(ctx, emp, sess, ev, action)
	}
	return p.applyEntry(ctx, emp, sess, ev, action, served)
}

// applyEntry handles an entry attempt. served is set when the attempt
// itself closed a session whose rest had run out.
func (p *SessionProjector) applyEntry(ctx context.Context, emp types.Employee, sess *types.EmployeeSession, ev types.AccessEvent, action groupAction, served bool) (groupAction, error) {
	now := ev.DeviceTimestamp
	d := decide(emp, false, sess, now)
	if served {
		d.Reason = types.ReasonRestServed
	}

	switch {
	case sess == nil:
		// A refused attempt with nothing open starts no work period.
		if ev.EventCode != types.EventCodeAuthorized {
			break
		}
		created, err := p.sessions.CreateSession(ctx, p.newSession(emp, now))
		if err != nil {
			return action, fmt.Errorf("create session: %w", err)
		}
		p.logger.Printf("projector: employee=%d session=%d started at %s", emp.ID, created.ID, now.Format(time.RFC3339))

	case !d.Allowed:
		p.recordEarlyAccess(ctx, emp, *sess, ev, d.Remaining)
		// The device let a resting employee through: its group drifted.
		if ev.EventCode == types.EventCodeAuthorized && action == actNone {
			action = actReassert
		}

	default:
		sess.LastAccess = now
		if err := p.sessions.UpdateSession(ctx, *sess); err != nil {
			return action, fmt.Errorf("touch session %d: %w", sess.ID, err)
		}
	}

	p.recordDecision(ctx, d, ev)
	return action, nil
}

func (p *SessionProjector) applyExit(ctx context.Context, emp types.Employee, sess *types.EmployeeSession, ev types.AccessEvent, action groupAction) (groupAction, error) {
	if sess == nil {
		return action, nil
	}
	now := ev.DeviceTimestamp

	switch sess.State {
	case types.SessionActive:
		sess.LastAccess = now
	case types.SessionPendingRest:
		before := sess.State
		*sess = block(*sess, now)
		sess.LastAccess = now
		p.logTransition(emp, before, *sess, "exit")
		p.recordOvertime(ctx, emp, *sess, ev)
		action = actDeny
	default:
		return action, nil
	}

	if err := p.sessions.UpdateSession(ctx, *sess); err != nil {
		return actNone, fmt.Errorf("update session %d: %w", sess.ID, err)
	}
	return action, nil
}

func (p *SessionProjector) newSession(emp types.Employee, at time.Time) types.EmployeeSession {
	work, rest := p.cfg.WorkMinutes, p.cfg.RestMinutes
	if emp.WorkMinutes != nil {
		work = *emp.WorkMinutes
	}
	if emp.RestMinutes != nil {
		rest = *emp.RestMinutes
	}
	return types.EmployeeSession{
		EmployeeID:          emp.ID,
		State:               types.SessionActive,
		FirstAccess:         at,
		LastAccess:          at,
		WorkDurationMinutes: work,
		RestDurationMinutes: rest,
	}
}

func actionFor(before, after types.SessionState) groupAction {
	switch {
	case after == types.SessionBlocked && before != types.SessionBlocked:
		return actDeny
	case after == types.SessionCompleted && before == types.SessionBlocked:
		return actRestore
	default:
		return actNone
	}
}

func (p *SessionProjector) runAction(ctx context.Context, employeeID int64, action groupAction) {
	var err error
	switch action {
	case actDeny:
		_, err = p.groups.MoveToDenied(ctx, employeeID)
	case actReassert:
		_, err = p.groups.ReassertDenied(ctx, employeeID)
	case actRestore:
		_, err = p.groups.Restore(ctx, employeeID)
	default:
		return
	}
	// Reconcile picks up whatever failed here.
	if err != nil {
		p.logger.Printf("projector: group update employee=%d: %v", employeeID, err)
	}
}

// SweepReport counts the time-driven transitions of one Sweep.
type SweepReport struct {
	PendingRest int `json:"pending_rest"`
	Blocked     int `json:"blocked"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// Sweep applies the time-driven transitions due now, so an employee who
// never badges out is still flagged and a served rest is released without
// waiting for the next entry. Open sessions of employees who became exempt
// are completed.
func (p *SessionProjector) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "projector.sweep")
	defer span.End()

	var rep SweepReport
	for _, state := range types.OpenStates {
		sessions, err := p.sessions.SessionsByState(ctx, state)
		if err != nil {
			return rep, fmt.Errorf("sweep: list %s: %w", state, err)
		}
		for _, s := range sessions {
			action, after, err := p.sweepOne(ctx, s.EmployeeID)
			if err != nil {
				p.logger.Printf("sweep: employee=%d: %v", s.EmployeeID, err)
				rep.Failed++
				continue
			}
			switch after {
			case types.SessionPendingRest:
				rep.PendingRest++
			case types.SessionBlocked:
				rep.Blocked++
			case types.SessionCompleted:
				rep.Completed++
			}
			p.runAction(ctx, s.EmployeeID, action)
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.pending_rest", rep.PendingRest),
		attribute.Int("sweep.blocked", rep.Blocked),
		attribute.Int("sweep.completed", rep.Completed),
	)
	return rep, nil
}

// sweepOne re-reads the employee's open session under its lock and returns
// the state it moved to, or "" when nothing changed.
func (p *SessionProjector) sweepOne(ctx context.Context, employeeID int64) (groupAction, types.SessionState, error) {
	defer p.locks.Lock(employeeKey(employeeID))()

	now := p.clock.Now()
	sess, err := p.sessions.OpenSession(ctx, employeeID)
	if errors.Is(err, store.ErrNotFound) {
		return actNone, "", nil
	}
	if err != nil {
		return actNone, "", err
	}
	emp, err := p.employees.Employee(ctx, employeeID)
	if err != nil {
		return actNone, "", err
	}

	before := sess.State
	var (
		next    types.EmployeeSession
		changed bool
	)
	if p.resolved.IsExempt(emp) || !emp.IsActive {
		next, changed = complete(sess, now), true
	} else {
		next, changed = advance(sess, now)
	}
	if !changed {
		return actNone, "", nil
	}

	if err := p.sessions.UpdateSession(ctx, next); err != nil {
		return actNone, "", err
	}
	p.logTransition(emp, before, next, "sweep")

	return actionFor(before, next.State), next.State, nil
}

// Simulate returns the decision an entry attempt at `at` would receive,
// projecting due time-driven transitions without persisting anything.
// A zero `at` means now.
func (p *SessionProjector) Simulate(ctx context.Context, employeeID int64, at time.Time) (types.AccessDecision, error) {
	if at.IsZero() {
		at = p.clock.Now()
	}
	emp, err := p.employees.Employee(ctx, employeeID)
	if err != nil {
		return types.AccessDecision{}, fmt.Errorf("simulate: %w", err)
	}

	var (
		sess   *types.EmployeeSession
		served bool
	)
	open, err := p.sessions.OpenSession(ctx, emp.ID)
	switch {
	case err == nil:
		next, _ := advance(open, at)
		served = open.State == types.SessionBlocked && next.State == types.SessionCompleted
		sess = &next
	case !errors.Is(err, store.ErrNotFound):
		return types.AccessDecision{}, fmt.Errorf("simulate: %w", err)
	}

	d := decide(emp, p.resolved.IsExempt(emp), sess, at)
	if served && d.Allowed && d.Reason == types.ReasonNoSession {
		d.Reason = types.ReasonRestServed
	}
	return d, nil
}

// ManualEvent is a hand-entered correction.
type ManualEvent struct {
	EmployeeDeviceID int64     `json:"employee_device_id"`
	EventCode        int       `json:"event_code"`
	PortalID         int64     `json:"portal_id"`
	At               time.Time `json:"at"`
	// SequenceID must be zero (assign next synthetic id) or negative.
	SequenceID int64 `json:"sequence_id,omitempty"`
}

var ErrPositiveSequence = errors.New("manual events must use a non-positive sequence id")

// InjectManual stores a synthetic event outside the device ordering and
// projects it right away.
func (p *SessionProjector) InjectManual(ctx context.Context, m ManualEvent) (types.AccessEvent, error) {
	if m.SequenceID > 0 {
		return types.AccessEvent{}, ErrPositiveSequence
	}
	if m.EventCode == 0 {
		m.EventCode = types.EventCodeAuthorized
	}
	if m.At.IsZero() {
		m.At = p.clock.Now()
	}

	ev, err := p.events.InsertSynthetic(ctx, types.AccessEvent{
		SequenceID:       m.SequenceID,
		EmployeeDeviceID: m.EmployeeDeviceID,
		EventCode:        m.EventCode,
		PortalID:         m.PortalID,
		DeviceTimestamp:  m.At.UTC(),
		IngestedAt:       p.clock.Now(),
	})
	if err != nil {
		return types.AccessEvent{}, fmt.Errorf("inject manual: %w", err)
	}
	p.logger.Printf("projector: manual event seq=%d employee_device=%d code=%d at=%s",
		ev.SequenceID, ev.EmployeeDeviceID, ev.EventCode, ev.DeviceTimestamp.Format(time.RFC3339))

	if _, err := p.ProcessPending(ctx); err != nil {
		return ev, err
	}
	return ev, nil
}

func (p *SessionProjector) recordDecision(ctx context.Context, d types.AccessDecision, ev types.AccessEvent) {
	d.SequenceID = ev.SequenceID
	if err := p.audit.RecordDecision(ctx, d); err != nil {
		p.logger.Printf("projector: record decision employee=%d: %v", d.EmployeeID, err)
	}
	if !d.Allowed {
		p.logger.Printf("projector: employee=%d denied: %s", d.EmployeeID, d.Message)
	}
}

func (p *SessionProjector) recordEarlyAccess(ctx context.Context, emp types.Employee, sess types.EmployeeSession, ev types.AccessEvent, remaining time.Duration) {
	if remaining <= p.cfg.EarlyAccessThreshold {
		return
	}
	p.recordViolation(ctx, types.Violation{
		EmployeeID: emp.ID,
		SessionID:  sess.ID,
		SequenceID: ev.SequenceID,
		Kind:       types.ViolationEarlyAccess,
		Severity:   types.EarlyAccessSeverity(remaining),
		Minutes:    minutesCeil(remaining),
		Detail:     fmt.Sprintf("entry attempt with %s of rest remaining", types.FormatRemaining(remaining)),
		At:         ev.DeviceTimestamp,
	})
}

func (p *SessionProjector) recordOvertime(ctx context.Context, emp types.Employee, sess types.EmployeeSession, ev types.AccessEvent) {
	over := ev.DeviceTimestamp.Sub(sess.WorkEndsAt())
	if over <= p.cfg.OvertimeThreshold {
		return
	}
	p.recordViolation(ctx, types.Violation{
		EmployeeID: emp.ID,
		SessionID:  sess.ID,
		SequenceID: ev.SequenceID,
		Kind:       types.ViolationExceededWorkTime,
		Severity:   types.OvertimeSeverity(over),
		Minutes:    minutesCeil(over),
		Detail:     fmt.Sprintf("exit %s after the work window", types.FormatRemaining(over)),
		At:         ev.DeviceTimestamp,
	})
}

// recordViolation never fails the transition that produced it.
func (p *SessionProjector) recordViolation(ctx context.Context, v types.Violation) {
	if err := p.audit.RecordViolation(ctx, v); err != nil {
		p.logger.Printf("projector: record violation employee=%d kind=%s: %v", v.EmployeeID, v.Kind, err)
	}
}

func (p *SessionProjector) logTransition(emp types.Employee, from types.SessionState, s types.EmployeeSession, cause string) {
	msg := fmt.Sprintf("projector: employee=%d session=%d %s -> %s (%s)", emp.ID, s.ID, from, s.State, cause)
	if s.State == types.SessionBlocked && s.ReturnTime != nil {
		msg += " return=" + s.ReturnTime.Format(time.RFC3339)
	}
	p.logger.Print(msg)
}
