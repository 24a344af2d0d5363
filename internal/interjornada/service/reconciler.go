package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/BrandonDHaskell/interjornada/server/internal/clock"
	"github.com/BrandonDHaskell/interjornada/server/internal/device"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
	"github.com/BrandonDHaskell/interjornada/server/internal/keylock"
)

// GroupDevice is the slice of the device gateway the reconciler mutates.
type GroupDevice interface {
	SetGroupMembership(ctx context.Context, userID, newGroup int64, oldGroup *int64) error
}

// DirectoryDevice lists the badge-holders and their group memberships.
type DirectoryDevice interface {
	ListUsers(ctx context.Context) ([]device.User, error)
	ListMemberships(ctx context.Context) ([]device.Membership, error)
}

// Groups are the device group ids resolved at startup.
type Groups struct {
	Denial    int64
	Default   int64
	Exemption *int64 // nil when the device has no exemption group
}

// IsExempt reports whether e is outside interjornada rules, by flag or by
// exemption group membership.
func (g Groups) IsExempt(e types.Employee) bool {
	return e.IsExempt || (g.Exemption != nil && e.InGroup(*g.Exemption))
}

// ReconcileReport counts the corrections one Reconcile pass applied.
// Failed counts employees whose state could not be loaded or written
// locally; DeviceFailed counts corrections applied locally whose device
// move failed.
type ReconcileReport struct {
	Restored     int `json:"restored"`
	Denied       int `json:"denied"`
	Cleared      int `json:"cleared"`
	Failed       int `json:"failed"`
	DeviceFailed int `json:"device_failed"`
}

// Corrections is the number of inconsistencies fixed.
func (r ReconcileReport) Corrections() int { return r.Restored + r.Denied + r.Cleared }

// AccessGroupReconciler owns Employee.CurrentGroup/OriginalGroup. Device
// moves are best effort: the local mirror is authoritative and a device
// failure is logged, persisted and alerted but never fails the operation.
type AccessGroupReconciler struct {
	device    GroupDevice
	employees store.EmployeeStore
	sessions  store.SessionStore
	audit     store.AuditStore
	groups    Groups
	locks     *keylock.Locker
	clock     clock.Clock
	alerter   Alerter
	logger    *log.Logger
}

type ReconcilerDeps struct {
	Device    GroupDevice
	Employees store.EmployeeStore
	Sessions  store.SessionStore
	Audit     store.AuditStore
	Groups    Groups
	Locks     *keylock.Locker
	Clock     clock.Clock
	Alerter   Alerter
	Logger    *log.Logger
}

func NewAccessGroupReconciler(d ReconcilerDeps) *AccessGroupReconciler {
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	return &AccessGroupReconciler{
		device:    d.Device,
		employees: d.Employees,
		sessions:  d.Sessions,
		audit:     d.Audit,
		groups:    d.Groups,
		locks:     d.Locks,
		clock:     d.Clock,
		alerter:   alerterOrNop(d.Alerter),
		logger:    d.Logger,
	}
}

func employeeKey(id int64) string { return strconv.FormatInt(id, 10) }

// MoveToDenied puts the employee into the denial group, remembering the
// group to restore later. It returns false for exempt employees.
func (r *AccessGroupReconciler) MoveToDenied(ctx context.Context, employeeID int64) (bool, error) {
	defer r.locks.Lock(employeeKey(employeeID))()
	ok, _, err := r.moveToDenied(ctx, employeeID)
	return ok, err
}

// ReassertDenied pushes the denial group to the device again even when the
// local mirror already shows it. It is used when the device let a resting
// employee through, which means an earlier device move never landed.
func (r *AccessGroupReconciler) ReassertDenied(ctx context.Context, employeeID int64) (bool, error) {
	defer r.locks.Lock(employeeKey(employeeID))()

	emp, err := r.employees.Employee(ctx, employeeID)
	if err != nil {
		return false, fmt.Errorf("reassertDenied: load employee %d: %w", employeeID, err)
	}
	denial := r.groups.Denial
	if r.groups.IsExempt(emp) {
		return false, nil
	}
	if !emp.InGroup(denial) || emp.OriginalGroup == nil {
		ok, _, err := r.moveToDenied(ctx, employeeID)
		return ok, err
	}

	devErr := r.device.SetGroupMembership(ctx, emp.DeviceID, denial, emp.OriginalGroup)
	r.recordSync(ctx, emp, "reassert", emp.OriginalGroup, denial, devErr, nil)
	return devErr == nil, nil
}

// moveToDenied reports whether a correction was applied, and the device
// error when the device move failed but the local one stuck.
func (r *AccessGroupReconciler) moveToDenied(ctx context.Context, employeeID int64) (bool, error, error) {
	emp, err := r.employees.Employee(ctx, employeeID)
	if err != nil {
		return false, nil, fmt.Errorf("moveToDenied: load employee %d: %w", employeeID, err)
	}
	if r.groups.IsExempt(emp) {
		return false, nil, nil
	}

	denial := r.groups.Denial
	if emp.InGroup(denial) {
		if emp.OriginalGroup != nil {
			return true, nil, nil
		}
		// Denied without a remembered group: repair locally only.
		def := r.groups.Default
		r.logger.Printf("reconcile: employee=%d in denial group without original group, defaulting to %d", emp.ID, def)
		if err := r.employees.SetGroups(ctx, emp.ID, &denial, &def); err != nil {
			return false, nil, fmt.Errorf("moveToDenied: %w", err)
		}
		return true, nil, nil
	}

	original := emp.CurrentGroup
	if original == nil {
		def := r.groups.Default
		original = &def
	}

	devErr := r.device.SetGroupMembership(ctx, emp.DeviceID, denial, emp.CurrentGroup)
	localErr := r.employees.SetGroups(ctx, emp.ID, &denial, original)
	r.recordSync(ctx, emp, "deny", emp.CurrentGroup, denial, devErr, localErr)

	if localErr != nil {
		return false, devErr, fmt.Errorf("moveToDenied: local update: %w", localErr)
	}
	return true, devErr, nil
}

// Restore moves the employee back to the remembered group, or to the
// default group when none was remembered.
func (r *AccessGroupReconciler) Restore(ctx context.Context, employeeID int64) (bool, error) {
	defer r.locks.Lock(employeeKey(employeeID))()
	ok, _, err := r.restore(ctx, employeeID)
	return ok, err
}

func (r *AccessGroupReconciler) restore(ctx context.Context, employeeID int64) (bool, error, error) {
	emp, err := r.employees.Employee(ctx, employeeID)
	if err != nil {
		return false, nil, fmt.Errorf("restore: load employee %d: %w", employeeID, err)
	}

	denial := r.groups.Denial
	if !emp.InGroup(denial) {
		if emp.OriginalGroup == nil {
			return false, nil, nil
		}
		// Stray original group outside the denial group.
		if err := r.employees.SetGroups(ctx, emp.ID, emp.CurrentGroup, nil); err != nil {
			return false, nil, fmt.Errorf("restore: clear original: %w", err)
		}
		return true, nil, nil
	}

	target := r.groups.Default
	if emp.OriginalGroup != nil {
		target = *emp.OriginalGroup
	} else {
		r.logger.Printf("reconcile: employee=%d has no original group, restoring to default=%d", emp.ID, target)
	}

	devErr := r.device.SetGroupMembership(ctx, emp.DeviceID, target, &denial)
	localErr := r.employees.SetGroups(ctx, emp.ID, &target, nil)
	r.recordSync(ctx, emp, "restore", &denial, target, devErr, localErr)

	if localErr != nil {
		return false, devErr, fmt.Errorf("restore: local update: %w", localErr)
	}
	return true, devErr, nil
}

func (r *AccessGroupReconciler) recordSync(ctx context.Context, emp types.Employee, op string, from *int64, to int64, devErr, localErr error) {
	rec := store.GroupSyncRecord{
		EmployeeID: emp.ID,
		Operation:  op,
		FromGroup:  from,
		ToGroup:    to,
		DeviceOK:   devErr == nil,
		LocalOK:    localErr == nil,
		At:         r.clock.Now(),
	}
	if err := errors.Join(devErr, localErr); err != nil {
		rec.Error = err.Error()
	}
	if err := r.audit.RecordGroupSync(ctx, rec); err != nil {
		r.logger.Printf("reconcile: record group sync employee=%d: %v", emp.ID, err)
	}

	if devErr != nil {
		r.logger.Printf("reconcile: device %s failed employee=%d device_id=%d to=%d: %v (local state kept)",
			op, emp.ID, emp.DeviceID, to, devErr)
		r.alerter.Alert(ctx, "group sync failed",
			fmt.Sprintf("%s employee=%d (%s) to group %d: %v", op, emp.ID, emp.Name, to, devErr))
	}
}

// Reconcile corrects drift between session state and the mirrored group
// membership:
//
//	in denial group, no blocked session   -> restore
//	blocked session, not in denial group  -> move to denied
//	original group set outside denial     -> cleared
//
// A second consecutive run finds nothing to do.
func (r *AccessGroupReconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "reconcile")
	defer span.End()

	var rep ReconcileReport

	employees, err := r.employees.Employees(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: list employees: %w", err)
	}

	for _, emp := range employees {
		inDenial := emp.InGroup(r.groups.Denial)
		if !inDenial && emp.OriginalGroup == nil {
			continue
		}
		r.reconcileEmployee(ctx, emp.ID, &rep)
	}

	blocked, err := r.sessions.SessionsByState(ctx, types.SessionBlocked)
	if err != nil {
		return rep, fmt.Errorf("reconcile: list blocked sessions: %w", err)
	}
	for _, s := range blocked {
		r.reconcileEmployee(ctx, s.EmployeeID, &rep)
	}

	span.SetAttributes(
		attribute.Int("reconcile.restored", rep.Restored),
		attribute.Int("reconcile.denied", rep.Denied),
		attribute.Int("reconcile.cleared", rep.Cleared),
	)
	if rep.Corrections() > 0 || rep.Failed > 0 || rep.DeviceFailed > 0 {
		r.logger.Printf("reconcile: restored=%d denied=%d cleared=%d failed=%d device_failed=%d",
			rep.Restored, rep.Denied, rep.Cleared, rep.Failed, rep.DeviceFailed)
	}
	return rep, nil
}

// reconcileEmployee re-reads state under the employee lock and applies at
// most one correction.
func (r *AccessGroupReconciler) reconcileEmployee(ctx context.Context, employeeID int64, rep *ReconcileReport) {
	defer r.locks.Lock(employeeKey(employeeID))()

	emp, err := r.employees.Employee(ctx, employeeID)
	if err != nil {
		r.logger.Printf("reconcile: load employee=%d: %v", employeeID, err)
		rep.Failed++
		return
	}

	blocked := false
	sess, err := r.sessions.OpenSession(ctx, emp.ID)
	switch {
	case err == nil:
		blocked = sess.State == types.SessionBlocked
	case !errors.Is(err, store.ErrNotFound):
		r.logger.Printf("reconcile: load session employee=%d: %v", emp.ID, err)
		rep.Failed++
		return
	}

	inDenial := emp.InGroup(r.groups.Denial)
	exempt := r.groups.IsExempt(emp)

	var (
		ok     bool
		devErr error
	)
	switch {
	case inDenial && (!blocked || exempt):
		if ok, devErr, err = r.restore(ctx, emp.ID); err != nil {
			r.logger.Printf("reconcile: restore employee=%d: %v", emp.ID, err)
			rep.Failed++
		} else if ok {
			rep.Restored++
		}
	case blocked && !exempt && (!inDenial || emp.OriginalGroup == nil):
		if ok, devErr, err = r.moveToDenied(ctx, emp.ID); err != nil {
			r.logger.Printf("reconcile: deny employee=%d: %v", emp.ID, err)
			rep.Failed++
		} else if ok {
			rep.Denied++
		}
	case !inDenial && emp.OriginalGroup != nil:
		if ok, devErr, err = r.restore(ctx, emp.ID); err != nil {
			r.logger.Printf("reconcile: clear employee=%d: %v", emp.ID, err)
			rep.Failed++
		} else if ok {
			rep.Cleared++
		}
	}
	if devErr != nil {
		rep.DeviceFailed++
	}
}

// SyncDirectory mirrors the device's users into the employee store and
// seeds the current group of employees that have none yet. Existing group
// state is never overwritten; drift is Reconcile's job.
func (r *AccessGroupReconciler) SyncDirectory(ctx context.Context, dir DirectoryDevice) (int, error) {
	users, err := dir.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync directory: list users: %w", err)
	}
	memberships, err := dir.ListMemberships(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync directory: list memberships: %w", err)
	}

	groupOf := make(map[int64]int64, len(memberships))
	for _, m := range memberships {
		// Prefer the denial group when a user sits in several.
		if prev, ok := groupOf[m.UserID]; ok && prev == r.groups.Denial {
			continue
		}
		groupOf[m.UserID] = m.GroupID
	}

	synced := 0
	for _, u := range users {
		existing, err := r.employees.EmployeeByDeviceID(ctx, u.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing = types.Employee{DeviceID: u.ID, IsActive: true}
		case err != nil:
			return synced, fmt.Errorf("sync directory: load user %d: %w", u.ID, err)
		}
		existing.Name = u.Name

		emp, err := r.employees.UpsertEmployee(ctx, existing)
		if err != nil {
			return synced, fmt.Errorf("sync directory: upsert user %d: %w", u.ID, err)
		}
		synced++

		g, ok := groupOf[u.ID]
		if !ok || emp.CurrentGroup != nil {
			continue
		}
		unlock := r.locks.Lock(employeeKey(emp.ID))
		var original *int64
		if g == r.groups.Denial {
			def := r.groups.Default
			original = &def
		}
		err = r.employees.SetGroups(ctx, emp.ID, &g, original)
		unlock()
		if err != nil {
			return synced, fmt.Errorf("sync directory: seed group user %d: %w", u.ID, err)
		}
	}
	return synced, nil
}
