package db_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/interjornada/server/internal/db"
)

func TestOpen_CreatesFileAndMigrates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "interjornada.db")

	conn, err := db.Open(ctx, db.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v, err := db.Version(ctx, conn)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 1)

	// Migrating twice is a no-op.
	require.NoError(t, db.Migrate(ctx, conn))
	v2, err := db.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestWorker_CommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenMemory(ctx, "worker_commit")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	w := db.NewWorker(conn)
	t.Cleanup(w.Close)

	require.NoError(t, db.SeedDev(ctx, conn, db.SeedDevOptions{}))

	boom := errors.New("boom")
	err = w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE employees SET name = 'changed'`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var changed int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM employees WHERE name = 'changed'`).Scan(&changed))
	assert.Zero(t, changed, "failed tx must roll back")

	err = w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE employees SET name = 'changed' WHERE device_id = 1`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM employees WHERE name = 'changed'`).Scan(&changed))
	assert.Equal(t, 1, changed)
}

func TestWorker_PanicRollsBack(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenMemory(ctx, "worker_panic")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	w := db.NewWorker(conn)
	t.Cleanup(w.Close)

	err = w.Do(ctx, func(context.Context, *sql.Tx) error { panic("bad") })
	require.Error(t, err)

	// The worker survives and keeps serving.
	require.NoError(t, w.Do(ctx, func(context.Context, *sql.Tx) error { return nil }))
}

func TestWorker_DoAfterClose(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenMemory(ctx, "worker_closed")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	w := db.NewWorker(conn)
	w.Close()
	w.Close()

	err = w.Do(ctx, func(context.Context, *sql.Tx) error { return nil })
	assert.ErrorIs(t, err, db.ErrWorkerClosed)
}

func TestSeedDev_Idempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenMemory(ctx, "seed_idempotent")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.SeedDev(ctx, conn, db.SeedDevOptions{}))
	require.NoError(t, db.SeedDev(ctx, conn, db.SeedDevOptions{}))

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM employees`).Scan(&n))
	assert.Equal(t, len(db.DefaultDevEmployees), n)
}

func TestSeedDev_DefaultSeedExemptsNobody(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenMemory(ctx, "seed_no_exempt")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.SeedDev(ctx, conn, db.SeedDevOptions{}))

	var exempt int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM employees WHERE is_exempt = 1`).Scan(&exempt))
	assert.Zero(t, exempt)
	for _, e := range db.DefaultDevEmployees {
		assert.False(t, e.Exempt, "device user %d", e.DeviceID)
	}
}
