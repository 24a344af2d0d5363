package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// EventStore is an in-memory access log. It is intended for use in tests
// and dev environments.
type EventStore struct {
	mu     sync.Mutex
	nextID int64
	events []types.AccessEvent
	bySeq  map[int64]int // positive sequence id -> index
	cursor store.SyncState

	// FailAppend, when set, is returned by AppendBatch. Test-only hook.
	FailAppend error
}

func NewEventStore() *EventStore {
	return &EventStore{bySeq: make(map[int64]int)}
}

func (s *EventStore) AppendBatch(_ context.Context, events []types.AccessEvent, cursor store.SyncState) ([]types.AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppend != nil {
		return nil, s.FailAppend
	}

	var inserted []types.AccessEvent
	for _, ev := range events {
		if ev.SequenceID > 0 {
			if _, dup := s.bySeq[ev.SequenceID]; dup {
				continue
			}
		}
		ev = s.insertLocked(ev)
		inserted = append(inserted, ev)
	}
	if cursor.UpdatedAt.IsZero() {
		cursor.UpdatedAt = time.Now().UTC()
	}
	s.cursor = cursor
	return inserted, nil
}

func (s *EventStore) InsertSynthetic(_ context.Context, ev types.AccessEvent) (types.AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.SequenceID > 0 {
		ev.SequenceID = 0
	}
	if ev.SequenceID == 0 {
		var lowest int64 = 1
		for _, e := range s.events {
			if e.SequenceID < lowest {
				lowest = e.SequenceID
			}
		}
		ev.SequenceID = lowest - 1
		if ev.SequenceID > 0 {
			ev.SequenceID = 0
		}
	}
	return s.insertLocked(ev), nil
}

func (s *EventStore) insertLocked(ev types.AccessEvent) types.AccessEvent {
	s.nextID++
	ev.ID = s.nextID
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}
	if ev.IngestionStatus == "" {
		ev.IngestionStatus = types.IngestionPending
	}
	s.events = append(s.events, ev)
	if ev.SequenceID > 0 {
		s.bySeq[ev.SequenceID] = len(s.events) - 1
	}
	return ev
}

func (s *EventStore) LoadSyncState(context.Context) (store.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *EventStore) SaveSyncState(_ context.Context, st store.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	s.cursor = st
	return nil
}

func (s *EventStore) Unprocessed(_ context.Context, limit int) ([]types.AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.AccessEvent
	for _, e := range s.events {
		if !e.SessionProcessed {
			out = append(out, e)
		}
	}
	sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EventStore) MarkProcessed(_ context.Context, id int64, status types.IngestionStatus, errText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID != id {
			continue
		}
		if s.events[i].SessionProcessed {
			return false, nil
		}
		s.events[i].SessionProcessed = true
		s.events[i].IngestionStatus = status
		s.events[i].SessionProcessingError = errText
		return true, nil
	}
	return false, store.ErrNotFound
}

func (s *EventStore) History(_ context.Context, employeeDeviceID int64, from, to time.Time) ([]types.AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.AccessEvent
	for _, e := range s.events {
		if e.EmployeeDeviceID != employeeDeviceID {
			continue
		}
		if !from.IsZero() && e.DeviceTimestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !e.DeviceTimestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sortEvents(out)
	return out, nil
}

func (s *EventStore) PruneProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.SessionProcessed && e.DeviceTimestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	s.bySeq = make(map[int64]int, len(kept))
	for i, e := range kept {
		if e.SequenceID > 0 {
			s.bySeq[e.SequenceID] = i
		}
	}
	return deleted, nil
}

// Events returns a copy of all stored events in insertion order. Test-only helper.
func (s *EventStore) Events() []types.AccessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccessEvent, len(s.events))
	copy(out, s.events)
	return out
}

func sortEvents(evs []types.AccessEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].DeviceTimestamp.Equal(evs[j].DeviceTimestamp) {
			return evs[i].DeviceTimestamp.Before(evs[j].DeviceTimestamp)
		}
		return evs[i].ID < evs[j].ID
	})
}
