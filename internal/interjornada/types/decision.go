package types

import (
	"fmt"
	"time"
)

// AccessDecision is the projector's verdict on an entry attempt.
type AccessDecision struct {
	EmployeeID int64         `json:"employee_id"`
	SequenceID int64         `json:"sequence_id"`
	At         time.Time     `json:"at"`
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason"`
	Remaining  time.Duration `json:"remaining_ns"`
	ReturnTime *time.Time    `json:"return_time,omitempty"`
	Message    string        `json:"message"`
}

// Decision reasons.
const (
	ReasonNoSession   = "no_session"
	ReasonActive      = "session_active"
	ReasonRestServed  = "rest_served"
	ReasonResting     = "resting"
	ReasonExempt      = "exempt"
	ReasonInactive    = "inactive_employee"
	ReasonPendingRest = "pending_rest"
)

// FormatRemaining renders d as "8h17m" with minutes rounded up so a
// denial never shows "0m" while rest is still owed.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}
	mins := int((d + time.Minute - 1) / time.Minute)
	h, m := mins/60, mins%60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}

// DeniedMessage is the human-readable explanation shown for a denial.
func DeniedMessage(remaining time.Duration, returnTime time.Time) string {
	return fmt.Sprintf("access denied: mandatory rest in progress, %s remaining (return at %s)",
		FormatRemaining(remaining), returnTime.Format("2006-01-02 15:04"))
}
