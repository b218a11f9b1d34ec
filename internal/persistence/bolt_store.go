package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/petrandreev/graphflow/pkg/runtime"
)

var (
	instancesBucket  = []byte("instances")
	jobsBucket       = []byte("jobs")
	tokenLocksBucket = []byte("token_locks")
)

// BoltStore is an InstanceStore and JobStore backed by a BoltDB file.
// Every mutating call runs inside a single bbolt write transaction, so a
// unit of work and a job acquisition pass are atomic without extra
// locking; the optimistic version check still guards against a second
// process holding a stale aggregate.
type BoltStore struct {
	db *bbolt.DB
}

var (
	_ InstanceStore = (*BoltStore)(nil)
	_ JobStore      = (*BoltStore)(nil)
)

// NewBoltStore creates the required buckets in db and returns a new
// BoltStore. The caller owns db and closes it when done.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{instancesBucket, jobsBucket, tokenLocksBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveInstance(ctx context.Context, in *runtime.ProcessInstance) error {
	data, err := EncodeInstance(in)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(instancesBucket).Put([]byte(in.ID), data)
	})
}

func (s *BoltStore) GetInstance(ctx context.Context, id string) (*runtime.ProcessInstance, error) {
	var in *runtime.ProcessInstance
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(instancesBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		var err error
		in, err = DecodeInstance(data)
		return err
	})
	return in, err
}

func (s *BoltStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*runtime.ProcessInstance, error) {
	var result []*runtime.ProcessInstance
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(instancesBucket).ForEach(func(_, data []byte) error {
			in, err := DecodeInstance(data)
			if err != nil {
				return err
			}
			if f.DefinitionName != "" && in.DefinitionName != f.DefinitionName {
				return nil
			}
			if f.Ended != nil && in.Ended != *f.Ended {
				return nil
			}
			result = append(result, in)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (s *BoltStore) CommitUnit(ctx context.Context, u Unit) error {
	loaded := u.Instance.Version
	u.Instance.Version++
	data, err := EncodeInstance(u.Instance)
	if err != nil {
		u.Instance.Version--
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		instances := tx.Bucket(instancesBucket)
		stored := instances.Get([]byte(u.Instance.ID))
		if stored == nil {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, u.Instance.ID)
		}
		prev, err := DecodeInstance(stored)
		if err != nil {
			return err
		}
		if prev.Version != loaded {
			return fmt.Errorf("%w: %s loaded %d, stored %d",
				ErrStaleInstance, u.Instance.ID, loaded, prev.Version)
		}
		if err := instances.Put([]byte(u.Instance.ID), data); err != nil {
			return err
		}

		jobs := tx.Bucket(jobsBucket)
		for _, id := range u.DeleteJobIDs {
			if err := jobs.Delete([]byte(id)); err != nil {
				return err
			}
		}
		for _, key := range u.CancelTimers {
			if err := deleteTimersBolt(jobs, u.Instance.ID, key); err != nil {
				return err
			}
		}
		for _, j := range u.CreateJobs {
			if err := putJob(jobs, j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		u.Instance.Version--
	}
	return err
}

type boltLease struct {
	Owner   string
	Expires time.Time
}

func (s *BoltStore) TryAcquireTokenLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	acquired := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		locks := tx.Bucket(tokenLocksBucket)
		key := []byte(instanceID + "/" + string(tokenID))

		if data := locks.Get(key); data != nil {
			var l boltLease
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&l); err != nil {
				return err
			}
			if l.Owner != owner && l.Expires.After(now) {
				return nil
			}
		}

		var buf bytes.Buffer
		l := boltLease{Owner: owner, Expires: now.Add(ttl)}
		if err := gob.NewEncoder(&buf).Encode(&l); err != nil {
			return err
		}
		if err := locks.Put(key, buf.Bytes()); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *BoltStore) ReleaseTokenLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		locks := tx.Bucket(tokenLocksBucket)
		key := []byte(instanceID + "/" + string(tokenID))

		data := locks.Get(key)
		if data == nil {
			return nil
		}
		var l boltLease
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&l); err != nil {
			return err
		}
		if l.Owner != owner {
			return nil
		}
		return locks.Delete(key)
	})
}

func (s *BoltStore) SaveJob(ctx context.Context, j *runtime.Job) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJob(tx.Bucket(jobsBucket), j)
	})
}

func (s *BoltStore) GetJob(ctx context.Context, id string) (*runtime.Job, error) {
	var j *runtime.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(jobsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		var err error
		j, err = decodeJob(data)
		return err
	})
	return j, err
}

func (s *BoltStore) ListJobs(ctx context.Context, instanceID string) ([]*runtime.Job, error) {
	var result []*runtime.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, data []byte) error {
			j, err := decodeJob(data)
			if err != nil {
				return err
			}
			if j.InstanceID == instanceID {
				result = append(result, j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *BoltStore) UpdateJob(ctx context.Context, j *runtime.Job) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		if jobs.Get([]byte(j.ID)) == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, j.ID)
		}
		return putJob(jobs, j)
	})
}

func (s *BoltStore) DeleteJob(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) DeleteJobsByInstance(ctx context.Context, instanceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		var doomed [][]byte
		err := jobs.ForEach(func(k, data []byte) error {
			j, err := decodeJob(data)
			if err != nil {
				return err
			}
			if j.InstanceID == instanceID {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := jobs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteTimersByName(ctx context.Context, instanceID string, key runtime.TimerKey) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteTimersBolt(tx.Bucket(jobsBucket), instanceID, key)
	})
}

func (s *BoltStore) AcquireJobs(ctx context.Context, owner string, now time.Time, lockTTL time.Duration, limit int) ([]*runtime.Job, error) {
	var claimed []*runtime.Job
	err := s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)

		var due []*runtime.Job
		err := jobs.ForEach(func(_, data []byte) error {
			j, err := decodeJob(data)
			if err != nil {
				return err
			}
			if j.Acquirable(now) {
				due = append(due, j)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].DueDate.Before(due[j].DueDate)
		})
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}

		for _, j := range due {
			j.LockOwner = owner
			j.LockTime = now.Add(lockTTL)
			if err := putJob(jobs, j); err != nil {
				return err
			}
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func putJob(b *bbolt.Bucket, j *runtime.Job) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(j); err != nil {
		return err
	}
	return b.Put([]byte(j.ID), buf.Bytes())
}

func decodeJob(data []byte) (*runtime.Job, error) {
	var j runtime.Job
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&j); err != nil {
		return nil, err
	}
	return &j, nil
}

func deleteTimersBolt(jobs *bbolt.Bucket, instanceID string, key runtime.TimerKey) error {
	var doomed [][]byte
	err := jobs.ForEach(func(k, data []byte) error {
		j, err := decodeJob(data)
		if err != nil {
			return err
		}
		if j.Kind != runtime.JobTimer || j.InstanceID != instanceID || j.Name != key.Name {
			return nil
		}
		if key.TokenID != "" && j.TokenID != key.TokenID {
			return nil
		}
		doomed = append(doomed, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range doomed {
		if err := jobs.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
