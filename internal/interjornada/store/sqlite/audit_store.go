package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/BrandonDHaskell/interjornada/server/internal/db"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// AuditStore persists the append-only review trail. Writes never fail the
// caller's primary operation; callers log and move on.
type AuditStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAuditStore(db *sql.DB, writer *dbpkg.Worker) *AuditStore {
	return &AuditStore{db: db, writer: writer}
}

func (s *AuditStore) RecordDecision(ctx context.Context, d types.AccessDecision) error {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	var remainingMs int64
	if d.Remaining > 0 {
		remainingMs = d.Remaining.Milliseconds()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO access_decisions(
  employee_id, sequence_id, at_ms, allowed, reason, remaining_ms, return_at_ms, message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, d.EmployeeID, d.SequenceID, toMs(d.At), boolInt(d.Allowed), d.Reason, remainingMs,
			optMs(d.ReturnTime), d.Message); err != nil {
			return fmt.Errorf("RecordDecision insert: %w", err)
		}
		return nil
	})
}

func (s *AuditStore) Decisions(ctx context.Context, employeeID int64, from, to time.Time) ([]types.AccessDecision, error) {
	lower, upper := bounds(from, to)
	rows, err := s.db.QueryContext(ctx, `
SELECT employee_id, sequence_id, at_ms, allowed, reason, remaining_ms, return_at_ms, message
FROM access_decisions
WHERE employee_id = ? AND at_ms >= ? AND at_ms < ?
ORDER BY at_ms, decision_id;
`, employeeID, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("Decisions: %w", err)
	}
	defer rows.Close()

	var out []types.AccessDecision
	for rows.Next() {
		var (
			d                 types.AccessDecision
			atMs, remainingMs int64
			allowed           int
			returnMs          sql.NullInt64
		)
		if err := rows.Scan(&d.EmployeeID, &d.SequenceID, &atMs, &allowed, &d.Reason,
			&remainingMs, &returnMs, &d.Message); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.At = fromMs(atMs)
		d.Allowed = allowed == 1
		d.Remaining = time.Duration(remainingMs) * time.Millisecond
		d.ReturnTime = optTime(returnMs)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *AuditStore) RecordViolation(ctx context.Context, v types.Violation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.At.IsZero() {
		v.At = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO violations(
  violation_id, employee_id, session_id, sequence_id, kind, severity, minutes, detail, at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, v.ID, v.EmployeeID, v.SessionID, v.SequenceID, string(v.Kind), string(v.Severity),
			v.Minutes, v.Detail, toMs(v.At)); err != nil {
			return fmt.Errorf("RecordViolation insert: %w", err)
		}
		return nil
	})
}

func (s *AuditStore) Violations(ctx context.Context, employeeID int64) ([]types.Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT violation_id, employee_id, session_id, sequence_id, kind, severity, minutes, detail, at_ms
FROM violations WHERE employee_id = ? ORDER BY at_ms;
`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("Violations: %w", err)
	}
	defer rows.Close()

	var out []types.Violation
	for rows.Next() {
		var (
			v              types.Violation
			kind, severity string
			atMs           int64
		)
		if err := rows.Scan(&v.ID, &v.EmployeeID, &v.SessionID, &v.SequenceID, &kind, &severity,
			&v.Minutes, &v.Detail, &atMs); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Kind = types.ViolationKind(kind)
		v.Severity = types.Severity(severity)
		v.At = fromMs(atMs)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *AuditStore) RecordGroupSync(ctx context.Context, rec store.GroupSyncRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO group_sync_log(
  sync_id, employee_id, operation, from_group, to_group, device_ok, local_ok, error, at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.EmployeeID, rec.Operation, optInt64(rec.FromGroup), rec.ToGroup,
			boolInt(rec.DeviceOK), boolInt(rec.LocalOK), rec.Error, toMs(rec.At)); err != nil {
			return fmt.Errorf("RecordGroupSync insert: %w", err)
		}
		return nil
	})
}

func (s *AuditStore) FailedGroupSyncs(ctx context.Context, since time.Time) ([]store.GroupSyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT sync_id, employee_id, operation, from_group, to_group, device_ok, local_ok, error, at_ms
FROM group_sync_log
WHERE device_ok = 0 AND at_ms >= ?
ORDER BY at_ms;
`, toMs(since))
	if err != nil {
		return nil, fmt.Errorf("FailedGroupSyncs: %w", err)
	}
	defer rows.Close()

	var out []store.GroupSyncRecord
	for rows.Next() {
		var (
			rec             store.GroupSyncRecord
			from            sql.NullInt64
			deviceOK, local int
			atMs            int64
		)
		if err := rows.Scan(&rec.ID, &rec.EmployeeID, &rec.Operation, &from, &rec.ToGroup,
			&deviceOK, &local, &rec.Error, &atMs); err != nil {
			return nil, fmt.Errorf("scan group sync: %w", err)
		}
		rec.FromGroup = nullInt64(from)
		rec.DeviceOK = deviceOK == 1
		rec.LocalOK = local == 1
		rec.At = fromMs(atMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneBefore deletes decisions and group-sync rows older than cutoff.
// Violations are kept for review.
func (s *AuditStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM access_decisions WHERE at_ms < ?;`,
			`DELETE FROM group_sync_log WHERE at_ms < ?;`,
		} {
			res, err := tx.ExecContext(ctx, q, toMs(cutoff))
			if err != nil {
				return fmt.Errorf("PruneBefore: %w", err)
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		return nil
	})
	return deleted, err
}

func bounds(from, to time.Time) (int64, int64) {
	lower := int64(0)
	if !from.IsZero() {
		lower = toMs(from)
	}
	upper := int64(math.MaxInt64)
	if !to.IsZero() {
		upper = toMs(to)
	}
	return lower, upper
}
