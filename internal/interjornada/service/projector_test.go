package service_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// ── Full work/rest cycle ─────────────────────────────────────────────────────

func TestProjector_ScenarioA_WorkRestCycle(t *testing.T) {
	h := newHarness(t, 480, 672)
	emp := h.addEmployee(t, 100, nil)

	// 09:00 entry opens the work period.
	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(9, 0))
	s := h.openSession(t, emp.ID)
	if s.State != types.SessionActive {
		t.Fatalf("expected active, got %s", s.State)
	}
	if !s.FirstAccess.Equal(at(9, 0)) {
		t.Errorf("expected first_access=09:00, got %s", s.FirstAccess)
	}
	if s.WorkDurationMinutes != 480 || s.RestDurationMinutes != 672 {
		t.Errorf("expected frozen 480/672, got %d/%d", s.WorkDurationMinutes, s.RestDurationMinutes)
	}

	// 17:00 sweep: work window is over.
	h.clock.Set(at(17, 0))
	rep, err := h.projector.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.PendingRest != 1 {
		t.Errorf("expected 1 pending_rest transition, got %+v", rep)
	}
	if s = h.openSession(t, emp.ID); s.State != types.SessionPendingRest {
		t.Fatalf("expected pending_rest, got %s", s.State)
	}

	// 17:05 exit starts the rest.
	h.badge(t, 100, types.EventCodeAuthorized, exitPortal, at(17, 5))
	s = h.openSession(t, emp.ID)
	if s.State != types.SessionBlocked {
		t.Fatalf("expected blocked, got %s", s.State)
	}
	if s.ReturnTime == nil || !s.ReturnTime.Equal(at(24+4, 17)) {
		t.Fatalf("expected return_time=04:17 next day, got %v", s.ReturnTime)
	}
	if got := h.employee(t, emp.ID); groupOf(got) != denialGroup || got.OriginalGroup == nil || *got.OriginalGroup != defaultGroup {
		t.Errorf("expected denial group with original=%d, got current=%v original=%v", defaultGroup, got.CurrentGroup, got.OriginalGroup)
	}
	if v := h.audit.AllViolations(); len(v) != 0 {
		t.Errorf("5 minutes of overtime is under the threshold, got %d violations", len(v))
	}

	// 20:00 attempt is refused with the rest still owed.
	h.badge(t, 100, types.EventCodeDenied, entryPortal, at(20, 0))
	d := h.lastDecision(t)
	if d.Allowed {
		t.Fatal("expected 20:00 attempt to be denied")
	}
	if d.Remaining != 8*time.Hour+17*time.Minute {
		t.Errorf("expected 8h17m remaining, got %s", d.Remaining)
	}
	if !strings.Contains(d.Message, "8h17m") {
		t.Errorf("expected message to carry remaining time, got %q", d.Message)
	}
	violations := h.audit.AllViolations()
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	if violations[0].Kind != types.ViolationEarlyAccess || violations[0].Severity != types.SeverityCritical {
		t.Errorf("expected critical early_access, got %s/%s", violations[0].Kind, violations[0].Severity)
	}

	// 04:20 next day: rest is served.
	h.badge(t, 100, types.EventCodeDenied, entryPortal, at(24+4, 20))
	if _, err := h.sessions.OpenSession(h.ctx, emp.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no open session, got err=%v", err)
	}
	d = h.lastDecision(t)
	if !d.Allowed || d.Reason != types.ReasonRestServed {
		t.Errorf("expected allowed/rest_served, got %v/%s", d.Allowed, d.Reason)
	}
	got := h.employee(t, emp.ID)
	if groupOf(got) != defaultGroup || got.OriginalGroup != nil {
		t.Errorf("expected restored to default group, got current=%v original=%v", got.CurrentGroup, got.OriginalGroup)
	}

	history, _ := h.sessions.SessionsByEmployee(h.ctx, emp.ID)
	if len(history) != 1 || history[0].State != types.SessionCompleted {
		t.Fatalf("expected one completed session, got %+v", history)
	}
	if history[0].CompletedAt == nil || !history[0].CompletedAt.Equal(at(24+4, 20)) {
		t.Errorf("expected completed_at=04:20, got %v", history[0].CompletedAt)
	}

	calls := h.device.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected deny and restore calls, got %+v", calls)
	}
	if calls[0].NewGroup != denialGroup || calls[1].NewGroup != defaultGroup {
		t.Errorf("unexpected device calls %+v", calls)
	}
}

func TestProjector_AuthorizedEntryAfterRestStartsNewSession(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))
	h.badge(t, 100, types.EventCodeAuthorized, exitPortal, at(9, 10))
	if s := h.openSession(t, emp.ID); s.State != types.SessionBlocked || !s.ReturnTime.Equal(at(11, 10)) {
		t.Fatalf("expected blocked until 11:10, got %s %v", s.State, s.ReturnTime)
	}

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(11, 30))

	s := h.openSession(t, emp.ID)
	if s.State != types.SessionActive || !s.FirstAccess.Equal(at(11, 30)) {
		t.Errorf("expected fresh active session at 11:30, got %s %s", s.State, s.FirstAccess)
	}
	history, _ := h.sessions.SessionsByEmployee(h.ctx, emp.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(history))
	}
	if history[0].State != types.SessionCompleted {
		t.Errorf("expected first session completed, got %s", history[0].State)
	}
	if d := h.lastDecision(t); d.Reason != types.ReasonRestServed {
		t.Errorf("expected rest_served, got %s", d.Reason)
	}
	if groupOf(h.employee(t, emp.ID)) != defaultGroup {
		t.Error("expected group restored")
	}
}

func TestProjector_SweepBlocksEmployeeWhoNeverExits(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))

	h.clock.Set(at(11, 0))
	rep, err := h.projector.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Blocked != 1 {
		t.Fatalf("expected 1 blocked, got %+v", rep)
	}
	s := h.openSession(t, emp.ID)
	if s.ReturnTime == nil || !s.ReturnTime.Equal(at(13, 0)) {
		t.Errorf("expected return 13:00, got %v", s.ReturnTime)
	}
	if groupOf(h.employee(t, emp.ID)) != denialGroup {
		t.Error("expected employee moved to denial group")
	}

	h.clock.Set(at(13, 0))
	rep, err = h.projector.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Completed != 1 {
		t.Fatalf("expected 1 completed, got %+v", rep)
	}
	if groupOf(h.employee(t, emp.ID)) != defaultGroup {
		t.Error("expected employee restored")
	}
}

func TestProjector_SweepIsNoopWhenNothingDue(t *testing.T) {
	h := newHarness(t, 60, 120)
	h.addEmployee(t, 100, nil)
	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))

	h.clock.Set(at(8, 30))
	rep, err := h.projector.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep != (service.SweepReport{}) {
		t.Errorf("expected empty report, got %+v", rep)
	}
}

func TestProjector_PerEmployeeDurationsAreFrozen(t *testing.T) {
	h := newHarness(t, 480, 672)
	emp := h.addEmployee(t, 100, func(e *types.Employee) {
		e.WorkMinutes = ptr(360)
		e.RestMinutes = ptr(660)
	})

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(6, 0))
	s := h.openSession(t, emp.ID)
	if s.WorkDurationMinutes != 360 || s.RestDurationMinutes != 660 {
		t.Errorf("expected 360/660, got %d/%d", s.WorkDurationMinutes, s.RestDurationMinutes)
	}
}

// ── Exemption ────────────────────────────────────────────────────────────────

func TestProjector_ExemptEmployeeIsNeverBlocked(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.Employee)
	}{
		{"flag", func(e *types.Employee) { e.IsExempt = true }},
		{"group", func(e *types.Employee) { e.CurrentGroup = ptr(exemptGroup) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 60, 120)
			emp := h.addEmployee(t, 100, tc.mutate)

			h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))
			h.badge(t, 100, types.EventCodeAuthorized, exitPortal, at(12, 0))
			h.clock.Set(at(23, 0))
			if _, err := h.projector.Sweep(h.ctx); err != nil {
				t.Fatalf("Sweep: %v", err)
			}

			history, _ := h.sessions.SessionsByEmployee(h.ctx, emp.ID)
			if len(history) != 0 {
				t.Errorf("expected no sessions for exempt employee, got %+v", history)
			}
			if d := h.lastDecision(t); !d.Allowed || d.Reason != types.ReasonExempt {
				t.Errorf("expected allowed/exempt, got %v/%s", d.Allowed, d.Reason)
			}
			if len(h.device.Calls()) != 0 {
				t.Error("expected no device calls")
			}
		})
	}
}

func TestProjector_SweepCompletesSessionOfNewlyExemptEmployee(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)
	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))

	emp.IsExempt = true
	if _, err := h.employees.UpsertEmployee(h.ctx, emp); err != nil {
		t.Fatalf("UpsertEmployee: %v", err)
	}

	h.clock.Set(at(8, 30))
	rep, err := h.projector.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Completed != 1 {
		t.Errorf("expected 1 completed, got %+v", rep)
	}
	if _, err := h.sessions.OpenSession(h.ctx, emp.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no open session, got %v", err)
	}
}

// ── Violations ───────────────────────────────────────────────────────────────

func TestProjector_OvertimeExitRecordsViolation(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))
	h.badge(t, 100, types.EventCodeAuthorized, exitPortal, at(10, 0))

	v := h.audit.AllViolations()
	if len(v) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(v))
	}
	if v[0].Kind != types.ViolationExceededWorkTime || v[0].Severity != types.SeverityLow || v[0].Minutes != 60 {
		t.Errorf("unexpected violation %+v", v[0])
	}
	if v[0].EmployeeID != emp.ID {
		t.Errorf("expected employee %d, got %d", emp.ID, v[0].EmployeeID)
	}
}

func TestProjector_EarlyAttemptUnderThresholdIsDeniedWithoutViolation(t *testing.T) {
	h := newHarness(t, 60, 120)
	h.addEmployee(t, 100, nil)

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))
	h.badge(t, 100, types.EventCodeAuthorized, exitPortal, at(9, 0))
	h.badge(t, 100, types.EventCodeDenied, entryPortal, at(10, 57))

	d := h.lastDecision(t)
	if d.Allowed || d.Reason != types.ReasonResting {
		t.Errorf("expected denied/resting, got %v/%s", d.Allowed, d.Reason)
	}
	if d.Remaining != 3*time.Minute {
		t.Errorf("expected 3m remaining, got %s", d.Remaining)
	}
	if v := h.audit.AllViolations(); len(v) != 0 {
		t.Errorf("expected no violations, got %+v", v)
	}
}

func TestProjector_DeviceLettingBlockedEmployeeThroughReappliesDenial(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))
	h.badge(t, 100, types.EventCodeAuthorized, exitPortal, at(9, 0))

	// Someone moved the employee back by hand.
	if err := h.employees.SetGroups(h.ctx, emp.ID, ptr(defaultGroup), nil); err != nil {
		t.Fatalf("SetGroups: %v", err)
	}

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(10, 0))

	if d := h.lastDecision(t); d.Allowed {
		t.Error("expected attempt during rest to be denied")
	}
	if groupOf(h.employee(t, emp.ID)) != denialGroup {
		t.Error("expected denial group reapplied")
	}
	calls := h.device.Calls()
	last := calls[len(calls)-1]
	if last.NewGroup != denialGroup || last.OldGroup == nil || *last.OldGroup != defaultGroup {
		t.Errorf("unexpected last device call %+v", last)
	}
}

func TestProjector_FailedDenialIsPushedAgainOnAuthorizedEntry(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)

	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))
	h.device.failWith(errors.New("connection refused"))
	h.badge(t, 100, types.EventCodeAuthorized, exitPortal, at(9, 0))
	h.device.failWith(nil)

	if n := len(h.device.Calls()); n != 1 {
		t.Fatalf("expected 1 device call after the exit, got %d", n)
	}
	if groupOf(h.employee(t, emp.ID)) != denialGroup {
		t.Fatal("expected local state to keep the denial group")
	}

	// The device still holds the old group and lets the employee in.
	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(10, 0))

	calls := h.device.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected the denial to be pushed again, got %d device calls", len(calls))
	}
	last := calls[1]
	if last.NewGroup != denialGroup || last.OldGroup == nil || *last.OldGroup != defaultGroup {
		t.Errorf("unexpected device call %+v", last)
	}
	syncs := h.audit.GroupSyncs()
	if got := syncs[len(syncs)-1]; got.Operation != "reassert" || !got.DeviceOK {
		t.Errorf("expected a successful reassert sync record, got %+v", got)
	}

	// A refused attempt means the device already enforces the rest.
	h.badge(t, 100, types.EventCodeDenied, entryPortal, at(10, 30))
	if n := len(h.device.Calls()); n != 2 {
		t.Errorf("expected no device call for a refused attempt, got %d calls", n)
	}
}

// ── Event handling ───────────────────────────────────────────────────────────

func TestProjector_UnknownAndIrrelevantEventsAreIgnored(t *testing.T) {
	h := newHarness(t, 60, 120)
	h.addEmployee(t, 100, nil)

	if rep := h.badge(t, 999, types.EventCodeAuthorized, entryPortal, at(8, 0)); rep.Ignored != 1 {
		t.Errorf("unknown employee: expected ignored, got %+v", rep)
	}
	if rep := h.badge(t, 100, 3, entryPortal, at(8, 1)); rep.Ignored != 1 {
		t.Errorf("irrelevant code: expected ignored, got %+v", rep)
	}
	for _, ev := range h.events.Events() {
		if !ev.SessionProcessed || ev.IngestionStatus != types.IngestionIgnored {
			t.Errorf("seq=%d: expected processed+ignored, got %v/%s", ev.SequenceID, ev.SessionProcessed, ev.IngestionStatus)
		}
	}
	if n := len(h.audit.AllDecisions()); n != 0 {
		t.Errorf("expected no decisions, got %d", n)
	}
}

func TestProjector_InactiveEmployeeIsDenied(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, func(e *types.Employee) { e.IsActive = false })

	rep := h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))
	if rep.Ignored != 1 {
		t.Errorf("expected ignored, got %+v", rep)
	}
	if d := h.lastDecision(t); d.Allowed || d.Reason != types.ReasonInactive {
		t.Errorf("expected denied/inactive, got %v/%s", d.Allowed, d.Reason)
	}
	if _, err := h.sessions.OpenSession(h.ctx, emp.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("expected no session for inactive employee")
	}
}

func TestProjector_DeniedAttemptWithoutSessionStartsNothing(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)

	h.badge(t, 100, types.EventCodeDenied, entryPortal, at(8, 0))
	if _, err := h.sessions.OpenSession(h.ctx, emp.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("expected no session")
	}
}

func TestProjector_ProcessPendingMarksEachEventOnce(t *testing.T) {
	h := newHarness(t, 60, 120)
	h.addEmployee(t, 100, nil)
	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))

	rep, err := h.projector.ProcessPending(h.ctx)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if rep != (service.ProjectionReport{}) {
		t.Errorf("expected nothing left to process, got %+v", rep)
	}
	if n := len(h.audit.AllDecisions()); n != 1 {
		t.Errorf("expected exactly 1 decision, got %d", n)
	}
}

func TestProjector_DirectionFollowsPortal(t *testing.T) {
	h := newHarness(t, 60, 120)
	cases := map[int64]types.Direction{
		entryPortal: types.DirectionEntry,
		exitPortal:  types.DirectionExit,
		42:          types.DirectionUnknown,
	}
	for portal, want := range cases {
		if got := h.projector.Direction(types.AccessEvent{PortalID: portal}); got != want {
			t.Errorf("portal %d: expected %s, got %s", portal, want, got)
		}
	}
}

// ── Session uniqueness ───────────────────────────────────────────────────────

func TestProjector_ConcurrentEntriesKeepOneOpenSession(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.projector.InjectManual(h.ctx, service.ManualEvent{
				EmployeeDeviceID: 100,
				EventCode:        types.EventCodeAuthorized,
				PortalID:         entryPortal,
				At:               at(8, 0),
			})
		}()
	}
	wg.Wait()

	history, _ := h.sessions.SessionsByEmployee(h.ctx, emp.ID)
	open := 0
	for _, s := range history {
		if s.State.Open() {
			open++
		}
	}
	if open != 1 || len(history) != 1 {
		t.Errorf("expected exactly one open session, got %d of %d", open, len(history))
	}
}

// ── Manual events ────────────────────────────────────────────────────────────

func TestProjector_InjectManual(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)

	if _, err := h.projector.InjectManual(h.ctx, service.ManualEvent{EmployeeDeviceID: 100, SequenceID: 7}); !errors.Is(err, service.ErrPositiveSequence) {
		t.Fatalf("expected ErrPositiveSequence, got %v", err)
	}

	ev, err := h.projector.InjectManual(h.ctx, service.ManualEvent{
		EmployeeDeviceID: 100,
		PortalID:         entryPortal,
		At:               at(8, 0),
	})
	if err != nil {
		t.Fatalf("InjectManual: %v", err)
	}
	if !ev.Synthetic() {
		t.Errorf("expected synthetic sequence id, got %d", ev.SequenceID)
	}
	if ev.EventCode != types.EventCodeAuthorized {
		t.Errorf("expected default code 7, got %d", ev.EventCode)
	}
	// Projected immediately.
	if s := h.openSession(t, emp.ID); !s.FirstAccess.Equal(at(8, 0)) {
		t.Errorf("expected session at 08:00, got %s", s.FirstAccess)
	}

	second, err := h.projector.InjectManual(h.ctx, service.ManualEvent{
		EmployeeDeviceID: 100,
		PortalID:         exitPortal,
		At:               at(8, 30),
	})
	if err != nil {
		t.Fatalf("InjectManual: %v", err)
	}
	if second.SequenceID >= ev.SequenceID {
		t.Errorf("expected descending synthetic ids, got %d then %d", ev.SequenceID, second.SequenceID)
	}
}

// ── Simulation ───────────────────────────────────────────────────────────────

func TestProjector_SimulateDoesNotMutate(t *testing.T) {
	h := newHarness(t, 60, 120)
	emp := h.addEmployee(t, 100, nil)
	h.badge(t, 100, types.EventCodeAuthorized, entryPortal, at(8, 0))
	h.badge(t, 100, types.EventCodeAuthorized, exitPortal, at(9, 0))

	before := h.openSession(t, emp.ID)
	decisions := len(h.audit.AllDecisions())

	d, err := h.projector.Simulate(h.ctx, emp.ID, at(10, 0))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if d.Allowed || d.Remaining != time.Hour {
		t.Errorf("expected denied with 1h remaining, got %v %s", d.Allowed, d.Remaining)
	}

	d, err = h.projector.Simulate(h.ctx, emp.ID, at(11, 5))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if !d.Allowed || d.Reason != types.ReasonRestServed {
		t.Errorf("expected allowed/rest_served, got %v/%s", d.Allowed, d.Reason)
	}

	after := h.openSession(t, emp.ID)
	if after.State != before.State || !after.ReturnTime.Equal(*before.ReturnTime) {
		t.Errorf("session mutated: %+v -> %+v", before, after)
	}
	if n := len(h.audit.AllDecisions()); n != decisions {
		t.Errorf("expected no new decisions, got %d -> %d", decisions, n)
	}
	if groupOf(h.employee(t, emp.ID)) != denialGroup {
		t.Error("expected group untouched")
	}
}

func TestProjector_SimulateUnknownEmployee(t *testing.T) {
	h := newHarness(t, 60, 120)
	if _, err := h.projector.Simulate(h.ctx, 42, at(8, 0)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
