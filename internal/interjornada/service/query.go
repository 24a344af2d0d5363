package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/clock"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

var ErrInvalidState = errors.New("unknown session state")

// SessionView is an employee with the session currently open, if any.
type SessionView struct {
	Employee  types.Employee         `json:"employee"`
	Session   *types.EmployeeSession `json:"session,omitempty"`
	Remaining string                 `json:"remaining,omitempty"`
}

// QueryService is the read-only surface offered to the outer layers.
type QueryService struct {
	events    store.EventStore
	sessions  store.SessionStore
	employees store.EmployeeStore
	audit     store.AuditStore
	projector *SessionProjector
	clock     clock.Clock
}

func NewQueryService(events store.EventStore, sessions store.SessionStore, employees store.EmployeeStore, audit store.AuditStore, projector *SessionProjector, clk clock.Clock) *QueryService {
	if clk == nil {
		clk = clock.Real()
	}
	return &QueryService{
		events:    events,
		sessions:  sessions,
		employees: employees,
		audit:     audit,
		projector: projector,
		clock:     clk,
	}
}

func (q *QueryService) CurrentSession(ctx context.Context, employeeID int64) (SessionView, error) {
	emp, err := q.employees.Employee(ctx, employeeID)
	if err != nil {
		return SessionView{}, err
	}
	v := SessionView{Employee: emp}

	sess, err := q.sessions.OpenSession(ctx, employeeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return v, nil
	case err != nil:
		return SessionView{}, err
	}
	v.Session = &sess
	if r := sess.Remaining(q.clock.Now()); r > 0 {
		v.Remaining = types.FormatRemaining(r)
	}
	return v, nil
}

func (q *QueryService) SessionsByState(ctx context.Context, state types.SessionState) ([]types.EmployeeSession, error) {
	switch state {
	case types.SessionActive, types.SessionPendingRest, types.SessionBlocked, types.SessionCompleted:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return q.sessions.SessionsByState(ctx, state)
}

func (q *QueryService) SessionHistory(ctx context.Context, employeeID int64) ([]types.EmployeeSession, error) {
	return q.sessions.SessionsByEmployee(ctx, employeeID)
}

// EventHistory lists the employee's access events in [from, to). Zero
// bounds are open.
func (q *QueryService) EventHistory(ctx context.Context, employeeID int64, from, to time.Time) ([]types.AccessEvent, error) {
	emp, err := q.employees.Employee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	return q.events.History(ctx, emp.DeviceID, from, to)
}

func (q *QueryService) Decisions(ctx context.Context, employeeID int64, from, to time.Time) ([]types.AccessDecision, error) {
	return q.audit.Decisions(ctx, employeeID, from, to)
}

func (q *QueryService) Violations(ctx context.Context, employeeID int64) ([]types.Violation, error) {
	return q.audit.Violations(ctx, employeeID)
}

func (q *QueryService) FailedGroupSyncs(ctx context.Context, since time.Time) ([]store.GroupSyncRecord, error) {
	return q.audit.FailedGroupSyncs(ctx, since)
}

// Simulate is the non-mutating access decision for employeeID at `at`.
func (q *QueryService) Simulate(ctx context.Context, employeeID int64, at time.Time) (types.AccessDecision, error) {
	return q.projector.Simulate(ctx, employeeID, at)
}
