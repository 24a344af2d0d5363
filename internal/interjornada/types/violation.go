package types

import "time"

type ViolationKind string

const (
	ViolationEarlyAccess      ViolationKind = "early_access"
	ViolationExceededWorkTime ViolationKind = "exceeded_work_time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation records a rule breach for later review. It never drives a
// state transition.
type Violation struct {
	ID         string        `json:"id"`
	EmployeeID int64         `json:"employee_id"`
	SessionID  int64         `json:"session_id"`
	SequenceID int64         `json:"sequence_id"`
	Kind       ViolationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	Minutes    int           `json:"minutes"`
	Detail     string        `json:"detail"`
	At         time.Time     `json:"at"`
}

// EarlyAccessSeverity grades an entry attempt by the rest still owed.
func EarlyAccessSeverity(remaining time.Duration) Severity {
	switch {
	case remaining <= 30*time.Minute:
		return SeverityLow
	case remaining <= 2*time.Hour:
		return SeverityMedium
	case remaining <= 6*time.Hour:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// OvertimeSeverity grades how far past the work window an exit landed.
func OvertimeSeverity(over time.Duration) Severity {
	switch {
	case over <= time.Hour:
		return SeverityLow
	case over <= 2*time.Hour:
		return SeverityMedium
	case over <= 4*time.Hour:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
