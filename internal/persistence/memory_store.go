package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrandreev/graphflow/pkg/graph"
	"github.com/petrandreev/graphflow/pkg/runtime"
)

// MemoryDefinitionStore is a goroutine-safe DefinitionStore backed by a
// map. Definitions are immutable once deployed, so it hands out the
// stored pointers directly.
type MemoryDefinitionStore struct {
	mu   sync.RWMutex
	defs map[string]map[int]*graph.Definition
}

// NewMemoryDefinitionStore creates an empty MemoryDefinitionStore.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{
		defs: make(map[string]map[int]*graph.Definition),
	}
}

var _ DefinitionStore = (*MemoryDefinitionStore)(nil)

func (s *MemoryDefinitionStore) SaveDefinition(def *graph.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.defs[def.Name]
	if versions == nil {
		versions = make(map[int]*graph.Definition)
		s.defs[def.Name] = versions
	}
	versions[def.Version] = def
	return nil
}

func (s *MemoryDefinitionStore) GetDefinition(name string, version int) (*graph.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[name][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", ErrDefinitionNotFound, name, version)
	}
	return def, nil
}

func (s *MemoryDefinitionStore) LatestVersion(name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for v := range s.defs[name] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

type tokenLease struct {
	owner   string
	expires time.Time
}

// MemoryStore is a goroutine-safe InstanceStore and JobStore backed by
// maps. Instances are deep-copied through the gob codec on every read
// and write so stored state is never shared with callers; this is also
// what keeps the optimistic version check honest in tests.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*runtime.ProcessInstance
	jobs      map[string]*runtime.Job
	leases    map[string]tokenLease // instanceID + "/" + tokenID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*runtime.ProcessInstance),
		jobs:      make(map[string]*runtime.Job),
		leases:    make(map[string]tokenLease),
	}
}

var (
	_ InstanceStore = (*MemoryStore)(nil)
	_ JobStore      = (*MemoryStore)(nil)
)

// NewMemoryPersistence bundles fresh in-memory stores.
func NewMemoryPersistence() Persistence {
	ms := NewMemoryStore()
	return Persistence{
		Definitions: NewMemoryDefinitionStore(),
		Instances:   ms,
		Jobs:        ms,
	}
}

func (s *MemoryStore) SaveInstance(ctx context.Context, in *runtime.ProcessInstance) error {
	clone, err := CloneInstance(in)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[in.ID] = clone
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*runtime.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return CloneInstance(in)
}

func (s *MemoryStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*runtime.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*runtime.ProcessInstance
	for _, in := range s.instances {
		if f.DefinitionName != "" && in.DefinitionName != f.DefinitionName {
			continue
		}
		if f.Ended != nil && in.Ended != *f.Ended {
			continue
		}
		clone, err := CloneInstance(in)
		if err != nil {
			return nil, err
		}
		result = append(result, clone)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (s *MemoryStore) CommitUnit(ctx context.Context, u Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[u.Instance.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, u.Instance.ID)
	}
	if stored.Version != u.Instance.Version {
		return fmt.Errorf("%w: %s loaded %d, stored %d",
			ErrStaleInstance, u.Instance.ID, u.Instance.Version, stored.Version)
	}

	u.Instance.Version++
	clone, err := CloneInstance(u.Instance)
	if err != nil {
		u.Instance.Version--
		return err
	}
	s.instances[u.Instance.ID] = clone

	for _, id := range u.DeleteJobIDs {
		delete(s.jobs, id)
	}
	for _, key := range u.CancelTimers {
		s.deleteTimersLocked(u.Instance.ID, key)
	}
	for _, j := range u.CreateJobs {
		jc := *j
		s.jobs[j.ID] = &jc
	}
	return nil
}

func (s *MemoryStore) TryAcquireTokenLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := instanceID + "/" + string(tokenID)
	l, held := s.leases[key]
	if held && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[key] = tokenLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseTokenLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := instanceID + "/" + string(tokenID)
	if l, held := s.leases[key]; held && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryStore) SaveJob(ctx context.Context, j *runtime.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jc := *j
	s.jobs[j.ID] = &jc
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*runtime.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	jc := *j
	return &jc, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, instanceID string) ([]*runtime.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*runtime.Job
	for _, j := range s.jobs {
		if j.InstanceID != instanceID {
			continue
		}
		jc := *j
		result = append(result, &jc)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, j *runtime.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, j.ID)
	}
	jc := *j
	s.jobs[j.ID] = &jc
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) DeleteJobsByInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, j := range s.jobs {
		if j.InstanceID == instanceID {
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteTimersByName(ctx context.Context, instanceID string, key runtime.TimerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteTimersLocked(instanceID, key)
	return nil
}

func (s *MemoryStore) deleteTimersLocked(instanceID string, key runtime.TimerKey) {
	for id, j := range s.jobs {
		if j.Kind != runtime.JobTimer || j.InstanceID != instanceID {
			continue
		}
		if j.Name != key.Name {
			continue
		}
		if key.TokenID != "" && j.TokenID != key.TokenID {
			continue
		}
		delete(s.jobs, id)
	}
}

func (s *MemoryStore) AcquireJobs(ctx context.Context, owner string, now time.Time, lockTTL time.Duration, limit int) ([]*runtime.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*runtime.Job
	for _, j := range s.jobs {
		if j.Acquirable(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].DueDate.Before(due[j].DueDate)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*runtime.Job, 0, len(due))
	for _, j := range due {
		j.LockOwner = owner
		j.LockTime = now.Add(lockTTL)
		jc := *j
		claimed = append(claimed, &jc)
	}
	return claimed, nil
}
