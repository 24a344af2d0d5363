package service

import (
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// advance applies every time-driven transition due at now and reports
// whether the session changed. It never creates or reopens a session.
//
//	active       -> pending_rest  once now >= firstAccess + work
//	pending_rest -> blocked       once now >= firstAccess + work + rest
//	blocked      -> completed     once now >= returnTime
func advance(s types.EmployeeSession, now time.Time) (types.EmployeeSession, bool) {
	changed := false

	if s.State == types.SessionActive && !now.Before(s.WorkEndsAt()) {
		s.State = types.SessionPendingRest
		changed = true
	}
	if s.State == types.SessionPendingRest && !now.Before(s.WorkEndsAt().Add(s.RestDuration())) {
		s = block(s, now)
		changed = true
	}
	if s.State == types.SessionBlocked && s.ReturnTime != nil && !now.Before(*s.ReturnTime) {
		s = complete(s, now)
		changed = true
	}
	return s, changed
}

func block(s types.EmployeeSession, at time.Time) types.EmployeeSession {
	start := at
	ret := at.Add(s.RestDuration())
	s.State = types.SessionBlocked
	s.BlockStart = &start
	s.ReturnTime = &ret
	return s
}

func complete(s types.EmployeeSession, at time.Time) types.EmployeeSession {
	done := at
	s.State = types.SessionCompleted
	s.CompletedAt = &done
	return s
}

// decide is the verdict for an entry attempt at `at` given the employee's
// open session, already advanced to `at`. sess is nil when none is open.
func decide(emp types.Employee, exempt bool, sess *types.EmployeeSession, at time.Time) types.AccessDecision {
	d := types.AccessDecision{EmployeeID: emp.ID, At: at, Allowed: true}

	switch {
	case !emp.IsActive:
		d.Allowed = false
		d.Reason = types.ReasonInactive
		d.Message = "access denied: employee is inactive"
	case exempt:
		d.Reason = types.ReasonExempt
	case sess == nil || sess.State == types.SessionCompleted:
		d.Reason = types.ReasonNoSession
	case sess.State == types.SessionActive:
		d.Reason = types.ReasonActive
	case sess.State == types.SessionPendingRest:
		d.Reason = types.ReasonPendingRest
	case sess.State == types.SessionBlocked:
		if remaining := sess.Remaining(at); remaining > 0 {
			d.Allowed = false
			d.Reason = types.ReasonResting
			d.Remaining = remaining
			d.ReturnTime = sess.ReturnTime
			d.Message = types.DeniedMessage(remaining, *sess.ReturnTime)
		} else {
			d.Reason = types.ReasonRestServed
		}
	}
	return d
}

// minutesCeil rounds d up to whole minutes.
func minutesCeil(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
