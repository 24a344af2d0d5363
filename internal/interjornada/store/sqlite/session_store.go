package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/interjornada/server/internal/db"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

type SessionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSessionStore(db *sql.DB, writer *dbpkg.Worker) *SessionStore {
	return &SessionStore{db: db, writer: writer}
}

const sessionColumns = `session_id, employee_id, state, first_access_ms, last_access_ms,
  block_start_ms, return_time_ms, completed_at_ms, work_duration_minutes, rest_duration_minutes`

func (s *SessionStore) OpenSession(ctx context.Context, employeeID int64) (types.EmployeeSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM employee_sessions
WHERE employee_id = ? AND state IN ('active','pending_rest','blocked');
`, employeeID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.EmployeeSession{}, store.ErrNotFound
	}
	return sess, err
}

func (s *SessionStore) CreateSession(ctx context.Context, sess types.EmployeeSession) (types.EmployeeSession, error) {
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO employee_sessions(
  employee_id, state, first_access_ms, last_access_ms, block_start_ms,
  return_time_ms, completed_at_ms, work_duration_minutes, rest_duration_minutes
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			sess.EmployeeID, string(sess.State), toMs(sess.FirstAccess), toMs(sess.LastAccess),
			optMs(sess.BlockStart), optMs(sess.ReturnTime), optMs(sess.CompletedAt),
			sess.WorkDurationMinutes, sess.RestDurationMinutes,
		)
		if err != nil {
			return mapSessionErr(err)
		}
		sess.ID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return types.EmployeeSession{}, fmt.Errorf("CreateSession: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) UpdateSession(ctx context.Context, sess types.EmployeeSession) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE employee_sessions
SET state = ?,
    first_access_ms = ?,
    last_access_ms = ?,
    block_start_ms = ?,
    return_time_ms = ?,
    completed_at_ms = ?,
    work_duration_minutes = ?,
    rest_duration_minutes = ?
WHERE session_id = ?;
`,
			string(sess.State), toMs(sess.FirstAccess), toMs(sess.LastAccess),
			optMs(sess.BlockStart), optMs(sess.ReturnTime), optMs(sess.CompletedAt),
			sess.WorkDurationMinutes, sess.RestDurationMinutes, sess.ID,
		)
		if err != nil {
			return fmt.Errorf("UpdateSession: %w", mapSessionErr(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *SessionStore) SessionsByState(ctx context.Context, state types.SessionState) ([]types.EmployeeSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM employee_sessions WHERE state = ? ORDER BY session_id;
`, string(state))
	if err != nil {
		return nil, fmt.Errorf("SessionsByState: %w", err)
	}
	return scanSessions(rows)
}

func (s *SessionStore) SessionsByEmployee(ctx context.Context, employeeID int64) ([]types.EmployeeSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM employee_sessions WHERE employee_id = ? ORDER BY session_id;
`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("SessionsByEmployee: %w", err)
	}
	return scanSessions(rows)
}

func (s *SessionStore) PruneCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM employee_sessions WHERE state = 'completed' AND completed_at_ms < ?;
`, toMs(cutoff))
		if err != nil {
			return fmt.Errorf("PruneCompletedBefore: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// mapSessionErr turns the one-open-session index violation into
// store.ErrOpenSessionExists.
func mapSessionErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrOpenSessionExists
	}
	return err
}

func scanSessions(rows *sql.Rows) ([]types.EmployeeSession, error) {
	defer rows.Close()

	var out []types.EmployeeSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(r rowScanner) (types.EmployeeSession, error) {
	var (
		sess                          types.EmployeeSession
		state                         string
		firstMs, lastMs               int64
		blockMs, returnMs, completeMs sql.NullInt64
	)
	if err := r.Scan(&sess.ID, &sess.EmployeeID, &state, &firstMs, &lastMs,
		&blockMs, &returnMs, &completeMs, &sess.WorkDurationMinutes, &sess.RestDurationMinutes); err != nil {
		return types.EmployeeSession{}, err
	}
	sess.State = types.SessionState(state)
	sess.FirstAccess = fromMs(firstMs)
	sess.LastAccess = fromMs(lastMs)
	sess.BlockStart = optTime(blockMs)
	sess.ReturnTime = optTime(returnMs)
	sess.CompletedAt = optTime(completeMs)
	return sess, nil
}
