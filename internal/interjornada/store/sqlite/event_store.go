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

type EventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewEventStore(db *sql.DB, writer *dbpkg.Worker) *EventStore {
	return &EventStore{db: db, writer: writer}
}

const eventColumns = `event_id, sequence_id, employee_device_id, event_code, portal_id,
  device_ts_ms, ingested_at_ms, ingestion_status, session_processed, session_processing_error`

func (s *EventStore) AppendBatch(ctx context.Context, events []types.AccessEvent, cursor store.SyncState) ([]types.AccessEvent, error) {
	if cursor.UpdatedAt.IsZero() {
		cursor.UpdatedAt = time.Now().UTC()
	}

	var inserted []types.AccessEvent
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		inserted = inserted[:0]
		for _, ev := range events {
			ev, ok, err := insertEvent(ctx, tx, ev)
			if err != nil {
				return err
			}
			if ok {
				inserted = append(inserted, ev)
			}
		}
		return saveSyncState(ctx, tx, cursor)
	})
	if err != nil {
		return nil, fmt.Errorf("AppendBatch: %w", err)
	}
	return inserted, nil
}

func (s *EventStore) InsertSynthetic(ctx context.Context, ev types.AccessEvent) (types.AccessEvent, error) {
	if ev.SequenceID > 0 {
		ev.SequenceID = 0
	}
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if ev.SequenceID == 0 {
			var minSeq sql.NullInt64
			if err := tx.QueryRowContext(ctx,
				`SELECT MIN(sequence_id) FROM access_events WHERE sequence_id <= 0;`,
			).Scan(&minSeq); err != nil {
				return fmt.Errorf("next synthetic id: %w", err)
			}
			if minSeq.Valid {
				ev.SequenceID = minSeq.Int64 - 1
			}
		}
		var err error
		ev, _, err = insertEvent(ctx, tx, ev)
		return err
	})
	if err != nil {
		return types.AccessEvent{}, fmt.Errorf("InsertSynthetic: %w", err)
	}
	return ev, nil
}

// insertEvent relies on the partial unique index to drop duplicate device
// ids; ok is false when the row already existed.
func insertEvent(ctx context.Context, tx *sql.Tx, ev types.AccessEvent) (types.AccessEvent, bool, error) {
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}
	if ev.IngestionStatus == "" {
		ev.IngestionStatus = types.IngestionPending
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO access_events(
  sequence_id, employee_device_id, event_code, portal_id, device_ts_ms,
  ingested_at_ms, ingestion_status, session_processed, session_processing_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING;
`,
		ev.SequenceID, ev.EmployeeDeviceID, ev.EventCode, ev.PortalID, toMs(ev.DeviceTimestamp),
		toMs(ev.IngestedAt), string(ev.IngestionStatus), boolInt(ev.SessionProcessed), ev.SessionProcessingError,
	)
	if err != nil {
		return ev, false, fmt.Errorf("insert event %d: %w", ev.SequenceID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ev, false, nil
	}
	ev.ID, _ = res.LastInsertId()
	return ev, true, nil
}

func (s *EventStore) LoadSyncState(ctx context.Context) (store.SyncState, error) {
	var (
		st        store.SyncState
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT last_synced_id, consecutive_errors, resets, updated_at_ms FROM sync_state WHERE id = 1;
`).Scan(&st.LastSyncedID, &st.ConsecutiveErrors, &st.Resets, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		// First start: resume after whatever device events are already stored.
		var maxSeq sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			`SELECT MAX(sequence_id) FROM access_events WHERE sequence_id > 0;`,
		).Scan(&maxSeq); err != nil {
			return store.SyncState{}, fmt.Errorf("LoadSyncState max id: %w", err)
		}
		return store.SyncState{LastSyncedID: maxSeq.Int64}, nil
	}
	if err != nil {
		return store.SyncState{}, fmt.Errorf("LoadSyncState: %w", err)
	}
	st.UpdatedAt = fromMs(updatedMs)
	return st, nil
}

func (s *EventStore) SaveSyncState(ctx context.Context, st store.SyncState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return saveSyncState(ctx, tx, st)
	})
}

func saveSyncState(ctx context.Context, tx *sql.Tx, st store.SyncState) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sync_state(id, last_synced_id, consecutive_errors, resets, updated_at_ms)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  last_synced_id     = excluded.last_synced_id,
  consecutive_errors = excluded.consecutive_errors,
  resets             = excluded.resets,
  updated_at_ms      = excluded.updated_at_ms;
`, st.LastSyncedID, st.ConsecutiveErrors, st.Resets, toMs(st.UpdatedAt)); err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

func (s *EventStore) Unprocessed(ctx context.Context, limit int) ([]types.AccessEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM access_events
WHERE session_processed = 0
ORDER BY device_ts_ms, event_id
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("Unprocessed: %w", err)
	}
	return scanEvents(rows)
}

func (s *EventStore) MarkProcessed(ctx context.Context, id int64, status types.IngestionStatus, errText string) (bool, error) {
	var changed bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE access_events
SET session_processed = 1,
    ingestion_status = ?,
    session_processing_error = ?
WHERE event_id = ? AND session_processed = 0;
`, string(status), errText, id)
		if err != nil {
			return fmt.Errorf("MarkProcessed: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			changed = true
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM access_events WHERE event_id = ?;`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	})
	return changed, err
}

func (s *EventStore) History(ctx context.Context, employeeDeviceID int64, from, to time.Time) ([]types.AccessEvent, error) {
	lower, upper := bounds(from, to)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM access_events
WHERE employee_device_id = ? AND device_ts_ms >= ? AND device_ts_ms < ?
ORDER BY device_ts_ms, event_id;
`, employeeDeviceID, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return scanEvents(rows)
}

// PruneProcessedBefore deletes consumed events older than cutoff. The
// highest device id is always kept so the cursor fallback in
// LoadSyncState keeps working.
func (s *EventStore) PruneProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM access_events
WHERE session_processed = 1
  AND device_ts_ms < ?
  AND sequence_id <> (SELECT COALESCE(MAX(sequence_id), 0) FROM access_events);
`, toMs(cutoff))
		if err != nil {
			return fmt.Errorf("PruneProcessedBefore: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

func scanEvents(rows *sql.Rows) ([]types.AccessEvent, error) {
	defer rows.Close()

	var out []types.AccessEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(r rowScanner) (types.AccessEvent, error) {
	var (
		ev         types.AccessEvent
		tsMs       int64
		ingestedMs int64
		status     string
		processed  int
	)
	if err := r.Scan(&ev.ID, &ev.SequenceID, &ev.EmployeeDeviceID, &ev.EventCode, &ev.PortalID,
		&tsMs, &ingestedMs, &status, &processed, &ev.SessionProcessingError); err != nil {
		return types.AccessEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.DeviceTimestamp = fromMs(tsMs)
	ev.IngestedAt = fromMs(ingestedMs)
	ev.IngestionStatus = types.IngestionStatus(status)
	ev.SessionProcessed = processed == 1
	return ev, nil
}
