package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/interjornada/server/internal/db"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

type EmployeeStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewEmployeeStore(db *sql.DB, writer *dbpkg.Worker) *EmployeeStore {
	return &EmployeeStore{db: db, writer: writer}
}

const employeeColumns = `employee_id, device_id, name, is_active, is_exempt,
  current_group, original_group, work_minutes, rest_minutes`

func (s *EmployeeStore) Employee(ctx context.Context, id int64) (types.Employee, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE employee_id = ?;`, id)
	return oneEmployee(row)
}

func (s *EmployeeStore) EmployeeByDeviceID(ctx context.Context, deviceID int64) (types.Employee, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE device_id = ?;`, deviceID)
	return oneEmployee(row)
}

func (s *EmployeeStore) Employees(ctx context.Context) ([]types.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+employeeColumns+` FROM employees ORDER BY employee_id;`)
	if err != nil {
		return nil, fmt.Errorf("Employees: %w", err)
	}
	return scanEmployees(rows)
}

func (s *EmployeeStore) EmployeesInGroup(ctx context.Context, groupID int64) ([]types.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+employeeColumns+` FROM employees WHERE current_group = ? ORDER BY employee_id;
`, groupID)
	if err != nil {
		return nil, fmt.Errorf("EmployeesInGroup: %w", err)
	}
	return scanEmployees(rows)
}

func scanEmployees(rows *sql.Rows) ([]types.Employee, error) {
	defer rows.Close()

	var out []types.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertEmployee inserts or updates by device id. Group columns are left
// alone on update; only SetGroups moves employees between groups.
func (s *EmployeeStore) UpsertEmployee(ctx context.Context, e types.Employee) (types.Employee, error) {
	now := time.Now().UTC().UnixMilli()
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO employees(
  device_id, name, is_active, is_exempt, current_group, original_group,
  work_minutes, rest_minutes, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  name          = excluded.name,
  is_active     = excluded.is_active,
  is_exempt     = excluded.is_exempt,
  work_minutes  = excluded.work_minutes,
  rest_minutes  = excluded.rest_minutes,
  updated_at_ms = excluded.updated_at_ms;
`,
			e.DeviceID, e.Name, boolInt(e.IsActive), boolInt(e.IsExempt),
			optInt64(e.CurrentGroup), optInt64(e.OriginalGroup),
			optInt(e.WorkMinutes), optInt(e.RestMinutes), now, now,
		); err != nil {
			return fmt.Errorf("UpsertEmployee: %w", err)
		}
		var err error
		e, err = oneEmployee(tx.QueryRowContext(ctx,
			`SELECT `+employeeColumns+` FROM employees WHERE device_id = ?;`, e.DeviceID))
		return err
	})
	return e, err
}

func (s *EmployeeStore) SetGroups(ctx context.Context, id int64, current, original *int64) error {
	now := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE employees
SET current_group = ?,
    original_group = ?,
    updated_at_ms = ?
WHERE employee_id = ?;
`, optInt64(current), optInt64(original), now, id)
		if err != nil {
			return fmt.Errorf("SetGroups: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *EmployeeStore) UpsertGroup(ctx context.Context, g types.AccessGroup) error {
	now := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO access_groups(device_group_id, name, is_denial_group, is_exemption_group, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(device_group_id) DO UPDATE SET
  name               = excluded.name,
  is_denial_group    = excluded.is_denial_group,
  is_exemption_group = excluded.is_exemption_group,
  updated_at_ms      = excluded.updated_at_ms;
`, g.DeviceGroupID, g.Name, boolInt(g.IsDenialGroup), boolInt(g.IsExemptionGroup), now); err != nil {
			return fmt.Errorf("UpsertGroup: %w", err)
		}
		return nil
	})
}

func (s *EmployeeStore) Groups(ctx context.Context) ([]types.AccessGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_group_id, name, is_denial_group, is_exemption_group
FROM access_groups ORDER BY device_group_id;
`)
	if err != nil {
		return nil, fmt.Errorf("Groups: %w", err)
	}
	defer rows.Close()

	var out []types.AccessGroup
	for rows.Next() {
		var (
			g              types.AccessGroup
			denial, exempt int
		)
		if err := rows.Scan(&g.DeviceGroupID, &g.Name, &denial, &exempt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.IsDenialGroup = denial == 1
		g.IsExemptionGroup = exempt == 1
		out = append(out, g)
	}
	return out, rows.Err()
}

func oneEmployee(row *sql.Row) (types.Employee, error) {
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Employee{}, store.ErrNotFound
	}
	return e, err
}

func scanEmployee(r rowScanner) (types.Employee, error) {
	var (
		e                 types.Employee
		active, exempt    int
		current, original sql.NullInt64
		work, rest        sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.DeviceID, &e.Name, &active, &exempt,
		&current, &original, &work, &rest); err != nil {
		return types.Employee{}, err
	}
	e.IsActive = active == 1
	e.IsExempt = exempt == 1
	e.CurrentGroup = nullInt64(current)
	e.OriginalGroup = nullInt64(original)
	e.WorkMinutes = nullInt(work)
	e.RestMinutes = nullInt(rest)
	return e, nil
}
