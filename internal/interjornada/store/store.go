package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrOpenSessionExists is returned when creating a session for an
	// employee who already holds one in an open state.
	ErrOpenSessionExists = errors.New("employee already has an open session")
)

// SyncState is the ingestion cursor, persisted with every batch.
type SyncState struct {
	LastSyncedID      int64
	ConsecutiveErrors int
	Resets            int64
	UpdatedAt         time.Time
}

// EventStore is the durable, append-mostly mirror of the device access log.
type EventStore interface {
	// AppendBatch persists events and the cursor in one transaction.
	// Events whose positive sequence id is already stored are skipped;
	// the returned slice holds only the rows actually inserted.
	AppendBatch(ctx context.Context, events []types.AccessEvent, cursor SyncState) ([]types.AccessEvent, error)

	// InsertSynthetic stores a hand-entered event, assigning the next
	// free non-positive sequence id when ev.SequenceID is zero.
	InsertSynthetic(ctx context.Context, ev types.AccessEvent) (types.AccessEvent, error)

	LoadSyncState(ctx context.Context) (SyncState, error)
	SaveSyncState(ctx context.Context, st SyncState) error

	// Unprocessed returns events not yet consumed by the projector,
	// oldest device time first.
	Unprocessed(ctx context.Context, limit int) ([]types.AccessEvent, error)

	// MarkProcessed flips the projector flags of one event. Marking an
	// already processed event is a no-op that returns false.
	MarkProcessed(ctx context.Context, id int64, status types.IngestionStatus, errText string) (bool, error)

	History(ctx context.Context, employeeDeviceID int64, from, to time.Time) ([]types.AccessEvent, error)

	PruneProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore holds per-employee work/rest sessions.
type SessionStore interface {
	// OpenSession returns the employee's session in an open state or
	// ErrNotFound.
	OpenSession(ctx context.Context, employeeID int64) (types.EmployeeSession, error)
	CreateSession(ctx context.Context, s types.EmployeeSession) (types.EmployeeSession, error)
	UpdateSession(ctx context.Context, s types.EmployeeSession) error
	SessionsByState(ctx context.Context, state types.SessionState) ([]types.EmployeeSession, error)
	SessionsByEmployee(ctx context.Context, employeeID int64) ([]types.EmployeeSession, error)
	PruneCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EmployeeStore holds employees and the locally mirrored group membership.
type EmployeeStore interface {
	Employees(ctx context.Context) ([]types.Employee, error)
	Employee(ctx context.Context, id int64) (types.Employee, error)
	EmployeeByDeviceID(ctx context.Context, deviceID int64) (types.Employee, error)
	EmployeesInGroup(ctx context.Context, groupID int64) ([]types.Employee, error)

	// UpsertEmployee inserts or updates by device id. Group membership of an
	// existing employee is left untouched.
	UpsertEmployee(ctx context.Context, e types.Employee) (types.Employee, error)

	// SetGroups overwrites the mirrored current and original groups.
	SetGroups(ctx context.Context, id int64, current, original *int64) error

	UpsertGroup(ctx context.Context, g types.AccessGroup) error
	Groups(ctx context.Context) ([]types.AccessGroup, error)
}

// GroupSyncRecord is one attempt to move an employee between device groups.
type GroupSyncRecord struct {
	ID         string
	EmployeeID int64
	Operation  string // "deny" | "restore"
	FromGroup  *int64
	ToGroup    int64
	DeviceOK   bool
	LocalOK    bool
	Error      string
	At         time.Time
}

// AuditStore keeps the append-only review trail: access decisions,
// violations and device group moves.
type AuditStore interface {
	RecordDecision(ctx context.Context, d types.AccessDecision) error
	Decisions(ctx context.Context, employeeID int64, from, to time.Time) ([]types.AccessDecision, error)
	RecordViolation(ctx context.Context, v types.Violation) error
	Violations(ctx context.Context, employeeID int64) ([]types.Violation, error)
	RecordGroupSync(ctx context.Context, rec GroupSyncRecord) error
	FailedGroupSyncs(ctx context.Context, since time.Time) ([]GroupSyncRecord, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
