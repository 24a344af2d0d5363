package types

import "time"

type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionPendingRest SessionState = "pending_rest"
	SessionBlocked     SessionState = "blocked"
	SessionCompleted   SessionState = "completed"
)

// OpenStates are the states of which an employee may hold at most one.
var OpenStates = []SessionState{SessionActive, SessionPendingRest, SessionBlocked}

// Open reports whether s counts toward the one-open-session rule.
func (s SessionState) Open() bool {
	return s == SessionActive || s == SessionPendingRest || s == SessionBlocked
}

// EmployeeSession is the work/rest cycle of one employee. Durations are
// frozen when the session is created.
type EmployeeSession struct {
	ID                  int64        `json:"id"`
	EmployeeID          int64        `json:"employee_id"`
	State               SessionState `json:"state"`
	FirstAccess         time.Time    `json:"first_access"`
	LastAccess          time.Time    `json:"last_access"`
	BlockStart          *time.Time   `json:"block_start,omitempty"`
	ReturnTime          *time.Time   `json:"return_time,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	WorkDurationMinutes int          `json:"work_duration_minutes"`
	RestDurationMinutes int          `json:"rest_duration_minutes"`
}

// WorkDuration is the frozen work window.
func (s EmployeeSession) WorkDuration() time.Duration {
	return time.Duration(s.WorkDurationMinutes) * time.Minute
}

// RestDuration is the frozen mandatory rest.
func (s EmployeeSession) RestDuration() time.Duration {
	return time.Duration(s.RestDurationMinutes) * time.Minute
}

// WorkEndsAt is when the session becomes due for rest.
func (s EmployeeSession) WorkEndsAt() time.Time {
	return s.FirstAccess.Add(s.WorkDuration())
}

// Remaining returns the rest still owed at t, zero when none.
func (s EmployeeSession) Remaining(t time.Time) time.Duration {
	if s.State != SessionBlocked || s.ReturnTime == nil {
		return 0
	}
	if d := s.ReturnTime.Sub(t); d > 0 {
		return d
	}
	return 0
}
