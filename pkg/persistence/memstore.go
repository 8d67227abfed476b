package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"sort"
	"sync"

	dm "github.com/andrej220/tsubame/pkg/shared-models"
)

var _ Store = (*MemStore)(nil)

// MemStore keeps everything in memory. When created with a snapshot path it
// loads the file on start and rewrites it after every mutation, which is
// enough for a single-node deployment or for seeding targets and jobs by
// hand.
type MemStore struct {
	mu         sync.RWMutex
	targets    map[int64]*dm.Target
	jobs       map[int64]*dm.Job
	executions map[string]*dm.Execution

	path       string
	serializer Serializer
	writer     Writer
}

func NewMemStore() *MemStore {
	return &MemStore{
		targets:    make(map[int64]*dm.Target),
		jobs:       make(map[int64]*dm.Job),
		executions: make(map[string]*dm.Execution),
	}
}

// OpenMemStore returns a MemStore mirrored to path. A missing file starts an
// empty store.
func OpenMemStore(path string) (*MemStore, error) {
	s := NewMemStore()
	s.path = path
	s.serializer = JSONSerializer{Prefix: prefix, Indent: indent}
	s.writer = FileWriter{}

	snap, err := readSnapshot(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	for _, t := range snap.Targets {
		s.targets[t.ID] = t
	}
	for _, j := range snap.Jobs {
		if _, ok := s.targets[j.TargetID]; !ok {
			return nil, fmt.Errorf("snapshot %s: job %d references missing target %d", path, j.ID, j.TargetID)
		}
		s.jobs[j.ID] = j
	}
	for _, e := range snap.Executions {
		if _, ok := s.jobs[e.JobID]; !ok {
			return nil, fmt.Errorf("snapshot %s: execution %s references missing job %d", path, e.ID, e.JobID)
		}
		s.executions[e.ID] = e
	}
	return s, nil
}

// apply runs fn and rewrites the snapshot. When the write fails the maps are
// put back, so readers never see a change the file does not hold. Must be
// called with mu held for writing.
func (s *MemStore) apply(fn func()) error {
	if s.path == "" {
		fn()
		return nil
	}
	targets, jobs, executions := maps.Clone(s.targets), maps.Clone(s.jobs), maps.Clone(s.executions)
	fn()
	if err := s.persist(); err != nil {
		s.targets, s.jobs, s.executions = targets, jobs, executions
		return err
	}
	return nil
}

// persist must be called with mu held for writing.
func (s *MemStore) persist() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{
		Targets:    make([]*dm.Target, 0, len(s.targets)),
		Jobs:       make([]*dm.Job, 0, len(s.jobs)),
		Executions: make([]*dm.Execution, 0, len(s.executions)),
	}
	for _, t := range s.targets {
		snap.Targets = append(snap.Targets, t)
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	for _, e := range s.executions {
		snap.Executions = append(snap.Executions, e)
	}
	sort.Slice(snap.Targets, func(i, j int) bool { return snap.Targets[i].ID < snap.Targets[j].ID })
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].ID < snap.Jobs[j].ID })
	sort.Slice(snap.Executions, func(i, j int) bool {
		return snap.Executions[i].CreatedAt.Before(snap.Executions[j].CreatedAt)
	})
	return WriteJSONToFile(snap, s.path, s.serializer, s.writer)
}

func (s *MemStore) GetTarget(_ context.Context, id int64) (*dm.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %d: %w", id, ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (s *MemStore) PutTarget(_ context.Context, t *dm.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	return s.apply(func() { s.targets[t.ID] = &c })
}

func (s *MemStore) DeleteTarget(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return fmt.Errorf("target %d: %w", id, ErrNotFound)
	}
	return s.apply(func() {
		for jid, j := range s.jobs {
			if j.TargetID == id {
				s.deleteJobLocked(jid)
			}
		}
		delete(s.targets, id)
	})
}

func (s *MemStore) GetJob(_ context.Context, id int64) (*dm.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	c := *j
	return &c, nil
}

func (s *MemStore) PutJob(_ context.Context, j *dm.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[j.TargetID]; !ok {
		return fmt.Errorf("job %d: target %d: %w", j.ID, j.TargetID, ErrNotFound)
	}
	c := *j
	return s.apply(func() { s.jobs[j.ID] = &c })
}

func (s *MemStore) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return s.apply(func() { s.deleteJobLocked(id) })
}

func (s *MemStore) deleteJobLocked(id int64) {
	for eid, e := range s.executions {
		if e.JobID == id {
			delete(s.executions, eid)
		}
	}
	delete(s.jobs, id)
}

func (s *MemStore) CreateExecution(_ context.Context, e *dm.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[e.JobID]; !ok {
		return fmt.Errorf("execution %s: job %d: %w", e.ID, e.JobID, ErrNotFound)
	}
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrConflict)
	}
	c := e.Clone()
	return s.apply(func() { s.executions[e.ID] = c })
}

func (s *MemStore) UpdateExecution(_ context.Context, e *dm.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
	}
	c := e.Clone()
	return s.apply(func() { s.executions[e.ID] = c })
}

func (s *MemStore) GetExecution(_ context.Context, id string) (*dm.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *MemStore) ListExecutions(_ context.Context, f dm.ExecutionFilter) ([]*dm.Execution, error) {
	f = normalizeFilter(f)
	s.mu.RLock()
	all := make([]*dm.Execution, 0, len(s.executions))
	for _, e := range s.executions {
		if f.JobID != 0 && e.JobID != f.JobID {
			continue
		}
		all = append(all, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if f.Offset >= len(all) {
		return []*dm.Execution{}, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *MemStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[id]; !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return s.apply(func() { delete(s.executions, id) })
}

func (s *MemStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}
