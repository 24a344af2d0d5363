package service_test

import (
	"context"
	"io"
	"log"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/clock"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store/memory"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
	"github.com/BrandonDHaskell/interjornada/server/internal/keylock"
)

const (
	defaultGroup int64 = 1
	denialGroup  int64 = 3
	exemptGroup  int64 = 4

	entryPortal int64 = 1
	exitPortal  int64 = 2
)

// day is the Monday every scenario starts on.
var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// at returns day + h:m. Hours past 23 land on the following days.
func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func silentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func ptr[T any](v T) *T { return &v }

// ── Fakes ────────────────────────────────────────────────────────────────────

type groupCall struct {
	UserID   int64
	NewGroup int64
	OldGroup *int64
}

// fakeGroupDevice records group moves and optionally fails them.
type fakeGroupDevice struct {
	mu    sync.Mutex
	calls []groupCall
	err   error
}

func (d *fakeGroupDevice) SetGroupMembership(_ context.Context, userID, newGroup int64, oldGroup *int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, groupCall{UserID: userID, NewGroup: newGroup, OldGroup: oldGroup})
	return d.err
}

func (d *fakeGroupDevice) failWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeGroupDevice) Calls() []groupCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// recordingAlerter keeps the subject of every alert.
type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string) {
	a.mu.Lock()
	a.subjects = append(a.subjects, subject)
	a.mu.Unlock()
}

func (a *recordingAlerter) count(subject string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

// ── Harness ──────────────────────────────────────────────────────────────────

// harness wires a projector and a reconciler over in-memory stores, a fake
// clock and a fake device.
type harness struct {
	ctx        context.Context
	events     *memory.EventStore
	sessions   *memory.SessionStore
	employees  *memory.EmployeeStore
	audit      *memory.AuditStore
	clock      *clock.FakeClock
	device     *fakeGroupDevice
	alerts     *recordingAlerter
	groups     service.Groups
	reconciler *service.AccessGroupReconciler
	projector  *service.SessionProjector

	seq int64
}

func newHarness(t *testing.T, workMinutes, restMinutes int) *harness {
	t.Helper()

	h := &harness{
		ctx:       context.Background(),
		events:    memory.NewEventStore(),
		sessions:  memory.NewSessionStore(),
		employees: memory.NewEmployeeStore(),
		audit:     memory.NewAuditStore(),
		clock:     clock.Fake(day),
		device:    &fakeGroupDevice{},
		alerts:    &recordingAlerter{},
		groups:    service.Groups{Denial: denialGroup, Default: defaultGroup, Exemption: ptr(exemptGroup)},
	}
	locks := keylock.New()

	h.reconciler = service.NewAccessGroupReconciler(service.ReconcilerDeps{
		Device:    h.device,
		Employees: h.employees,
		Sessions:  h.sessions,
		Audit:     h.audit,
		Groups:    h.groups,
		Locks:     locks,
		Clock:     h.clock,
		Alerter:   h.alerts,
		Logger:    silentLogger(),
	})
	h.projector = service.NewSessionProjector(service.ProjectorConfig{
		WorkMinutes:          workMinutes,
		RestMinutes:          restMinutes,
		EarlyAccessThreshold: 5 * time.Minute,
		OvertimeThreshold:    15 * time.Minute,
		EntryPortals:         []int64{entryPortal},
		ExitPortals:          []int64{exitPortal},
	}, service.ProjectorDeps{
		Events:    h.events,
		Sessions:  h.sessions,
		Employees: h.employees,
		Audit:     h.audit,
		Groups:    h.reconciler,
		Resolved:  h.groups,
		Locks:     locks,
		Clock:     h.clock,
		Logger:    silentLogger(),
	})
	return h
}

// addEmployee stores an active employee sitting in the default group.
func (h *harness) addEmployee(t *testing.T, deviceID int64, mutate func(*types.Employee)) types.Employee {
	t.Helper()

	e := types.Employee{DeviceID: deviceID, Name: "employee", IsActive: true}
	if mutate != nil {
		mutate(&e)
	}
	current := e.CurrentGroup
	if current == nil {
		current = ptr(defaultGroup)
	}

	saved, err := h.employees.UpsertEmployee(h.ctx, e)
	if err != nil {
		t.Fatalf("UpsertEmployee: %v", err)
	}
	if err := h.employees.SetGroups(h.ctx, saved.ID, current, e.OriginalGroup); err != nil {
		t.Fatalf("SetGroups: %v", err)
	}
	return h.employee(t, saved.ID)
}

// badge appends one device event with the next sequence id and projects it.
func (h *harness) badge(t *testing.T, deviceID int64, code int, portal int64, ts time.Time) service.ProjectionReport {
	t.Helper()

	h.seq++
	ev := types.AccessEvent{
		SequenceID:       h.seq,
		EmployeeDeviceID: deviceID,
		EventCode:        code,
		PortalID:         portal,
		DeviceTimestamp:  ts,
		IngestionStatus:  types.IngestionPending,
	}
	if _, err := h.events.AppendBatch(h.ctx, []types.AccessEvent{ev}, store.SyncState{LastSyncedID: h.seq}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	rep, err := h.projector.ProcessPending(h.ctx)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	return rep
}

func (h *harness) employee(t *testing.T, id int64) types.Employee {
	t.Helper()
	e, err := h.employees.Employee(h.ctx, id)
	if err != nil {
		t.Fatalf("Employee(%d): %v", id, err)
	}
	return e
}

func (h *harness) openSession(t *testing.T, employeeID int64) types.EmployeeSession {
	t.Helper()
	s, err := h.sessions.OpenSession(h.ctx, employeeID)
	if err != nil {
		t.Fatalf("OpenSession(%d): %v", employeeID, err)
	}
	return s
}

func (h *harness) lastDecision(t *testing.T) types.AccessDecision {
	t.Helper()
	all := h.audit.AllDecisions()
	if len(all) == 0 {
		t.Fatal("no decisions recorded")
	}
	return all[len(all)-1]
}

func groupOf(e types.Employee) int64 {
	if e.CurrentGroup == nil {
		return 0
	}
	return *e.CurrentGroup
}
