package sqlite_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/BrandonDHaskell/interjornada/server/internal/db"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
	sqlitestore "github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store/sqlite"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production. Each test gets its own database, closed when
// the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	name := "test_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := db.OpenMemory(context.Background(), name)
	if err != nil {
		t.Fatalf("openTestDB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn, closed with the test.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(w.Close)
	return w
}

// seedEmployee inserts an active employee and returns it with its id.
func seedEmployee(t *testing.T, conn *sql.DB, w *db.Worker, deviceID int64) types.Employee {
	t.Helper()

	es := sqlitestore.NewEmployeeStore(conn, w)
	e, err := es.UpsertEmployee(context.Background(), types.Employee{
		DeviceID: deviceID,
		Name:     "employee",
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("seedEmployee(%d): %v", deviceID, err)
	}
	return e
}
