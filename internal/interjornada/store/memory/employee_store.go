package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

type EmployeeStore struct {
	mu        sync.RWMutex
	nextID    int64
	employees map[int64]types.Employee
	groups    map[int64]types.AccessGroup

	// FailSetGroups, when set, is returned by SetGroups. Test-only hook.
	FailSetGroups error
}

func NewEmployeeStore() *EmployeeStore {
	return &EmployeeStore{
		employees: make(map[int64]types.Employee),
		groups:    make(map[int64]types.AccessGroup),
	}
}

func (s *EmployeeStore) Employees(context.Context) ([]types.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Employee, 0, len(s.employees))
	for _, e := range s.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *EmployeeStore) Employee(_ context.Context, id int64) (types.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.employees[id]
	if !ok {
		return types.Employee{}, store.ErrNotFound
	}
	return e, nil
}

func (s *EmployeeStore) EmployeeByDeviceID(_ context.Context, deviceID int64) (types.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.employees {
		if e.DeviceID == deviceID {
			return e, nil
		}
	}
	return types.Employee{}, store.ErrNotFound
}

func (s *EmployeeStore) EmployeesInGroup(_ context.Context, groupID int64) ([]types.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Employee
	for _, e := range s.employees {
		if e.InGroup(groupID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *EmployeeStore) UpsertEmployee(_ context.Context, e types.Employee) (types.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.employees {
		if existing.DeviceID == e.DeviceID {
			e.ID = id
			e.CurrentGroup = existing.CurrentGroup
			e.OriginalGroup = existing.OriginalGroup
			s.employees[id] = e
			return e, nil
		}
	}
	s.nextID++
	e.ID = s.nextID
	s.employees[e.ID] = e
	return e, nil
}

func (s *EmployeeStore) SetGroups(_ context.Context, id int64, current, original *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSetGroups != nil {
		return s.FailSetGroups
	}
	e, ok := s.employees[id]
	if !ok {
		return store.ErrNotFound
	}
	e.CurrentGroup = copyID(current)
	e.OriginalGroup = copyID(original)
	s.employees[id] = e
	return nil
}

func (s *EmployeeStore) UpsertGroup(_ context.Context, g types.AccessGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.DeviceGroupID] = g
	return nil
}

func (s *EmployeeStore) Groups(context.Context) ([]types.AccessGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.AccessGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceGroupID < out[j].DeviceGroupID })
	return out, nil
}

func copyID(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
