package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DevEmployee is a badge-holder pre-created in dev so the projector has
// someone to attach device events to.
type DevEmployee struct {
	DeviceID int64
	Name     string
	Exempt   bool
}

type SeedDevOptions struct {
	Employees []DevEmployee
}

// DefaultDevEmployees mirrors the user ids of a factory-reset test device.
// None is exempt: the same ids belong to real badge-holders on a production
// unit, and exemption must be granted on purpose.
var DefaultDevEmployees = []DevEmployee{
	{DeviceID: 1, Name: "Dev Operator"},
	{DeviceID: 2, Name: "Dev Supervisor"},
}

// SeedDev inserts the given employees unless they already exist. It never
// overwrites rows. It only runs from `migrate --seed-dev`.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	employees := opt.Employees
	if len(employees) == 0 {
		employees = DefaultDevEmployees
	}

	for _, e := range employees {
		exempt := 0
		if e.Exempt {
			exempt = 1
		}
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO employees(device_id, name, is_active, is_exempt, created_at_ms, updated_at_ms)
VALUES (?, ?, 1, ?, ?, ?);`, e.DeviceID, e.Name, exempt, now, now); err != nil {
			return fmt.Errorf("seed employee %d: %w", e.DeviceID, err)
		}
	}

	return nil
}
