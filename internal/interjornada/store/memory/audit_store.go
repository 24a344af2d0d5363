package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// AuditStore is an in-memory append-only review trail.
type AuditStore struct {
	mu         sync.Mutex
	decisions  []types.AccessDecision
	violations []types.Violation
	syncs      []store.GroupSyncRecord

	// FailViolations, when set, is returned by RecordViolation. Test-only hook.
	FailViolations error
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) RecordDecision(_ context.Context, d types.AccessDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *AuditStore) Decisions(_ context.Context, employeeID int64, from, to time.Time) ([]types.AccessDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AccessDecision
	for _, d := range s.decisions {
		if d.EmployeeID != employeeID {
			continue
		}
		if (!from.IsZero() && d.At.Before(from)) || (!to.IsZero() && !d.At.Before(to)) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *AuditStore) RecordViolation(_ context.Context, v types.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailViolations != nil {
		return s.FailViolations
	}
	s.violations = append(s.violations, v)
	return nil
}

func (s *AuditStore) Violations(_ context.Context, employeeID int64) ([]types.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Violation
	for _, v := range s.violations {
		if v.EmployeeID == employeeID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *AuditStore) RecordGroupSync(_ context.Context, rec store.GroupSyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs = append(s.syncs, rec)
	return nil
}

func (s *AuditStore) FailedGroupSyncs(_ context.Context, since time.Time) ([]store.GroupSyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.GroupSyncRecord
	for _, r := range s.syncs {
		if !r.DeviceOK && !r.At.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *AuditStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	keptD := s.decisions[:0]
	for _, d := range s.decisions {
		if d.At.Before(cutoff) {
			deleted++
			continue
		}
		keptD = append(keptD, d)
	}
	s.decisions = keptD

	keptS := s.syncs[:0]
	for _, r := range s.syncs {
		if r.At.Before(cutoff) {
			deleted++
			continue
		}
		keptS = append(keptS, r)
	}
	s.syncs = keptS
	return deleted, nil
}

// AllDecisions returns a copy of every recorded decision. Test-only helper.
func (s *AuditStore) AllDecisions() []types.AccessDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccessDecision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// AllViolations returns a copy of every recorded violation. Test-only helper.
func (s *AuditStore) AllViolations() []types.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

// GroupSyncs returns a copy of every group-sync attempt. Test-only helper.
func (s *AuditStore) GroupSyncs() []store.GroupSyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.GroupSyncRecord, len(s.syncs))
	copy(out, s.syncs)
	return out
}
