package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/dogmatiq/linger"

	"github.com/petrandreev/graphflow/pkg/runtime"
)

// DefaultLockPollInterval is how often LeaseLocker re-attempts a
// contended token lock.
const DefaultLockPollInterval = 20 * time.Millisecond

// LeaseLocker adapts a store's try-acquire lease primitive into the
// blocking lock the join behavior expects. It polls until the lease is
// held, the ttl budget is spent, or the context is cancelled.
type LeaseLocker struct {
	Store InstanceStore

	// PollInterval is the retry interval; zero selects
	// DefaultLockPollInterval.
	PollInterval time.Duration
}

var _ runtime.JoinLocker = (*LeaseLocker)(nil)

func (l *LeaseLocker) AcquireJoinLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string, ttl time.Duration) error {
	deadline := time.Now().Add(ttl)
	for {
		ok, err := l.Store.TryAcquireTokenLock(ctx, instanceID, tokenID, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("token %s: %w", tokenID, runtime.ErrTokenLocked)
		}
		if err := linger.Sleep(ctx, l.PollInterval, DefaultLockPollInterval); err != nil {
			return err
		}
	}
}

func (l *LeaseLocker) ReleaseJoinLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string) error {
	return l.Store.ReleaseTokenLock(ctx, instanceID, tokenID, owner)
}
