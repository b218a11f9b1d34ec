package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrandreev/graphflow/pkg/runtime"
)

func TestLeaseLocker_AcquireUncontended(t *testing.T) {
	ctx := context.Background()
	l := &LeaseLocker{Store: NewMemoryStore(), PollInterval: time.Millisecond}

	if err := l.AcquireJoinLock(ctx, "inst", "tok", "w1", time.Second); err != nil {
		t.Fatalf("AcquireJoinLock: %v", err)
	}
	if err := l.ReleaseJoinLock(ctx, "inst", "tok", "w1"); err != nil {
		t.Fatalf("ReleaseJoinLock: %v", err)
	}
}

func TestLeaseLocker_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := &LeaseLocker{Store: store, PollInterval: time.Millisecond}

	if err := l.AcquireJoinLock(ctx, "inst", "tok", "w1", time.Second); err != nil {
		t.Fatalf("AcquireJoinLock: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(released)
		if err := l.ReleaseJoinLock(ctx, "inst", "tok", "w1"); err != nil {
			t.Errorf("ReleaseJoinLock: %v", err)
		}
	}()

	if err := l.AcquireJoinLock(ctx, "inst", "tok", "w2", time.Second); err != nil {
		t.Fatalf("AcquireJoinLock (contended): %v", err)
	}
	select {
	case <-released:
	default:
		t.Fatalf("lock acquired before the holder released it")
	}
}

func TestLeaseLocker_GivesUpAfterBudget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := &LeaseLocker{Store: store, PollInterval: time.Millisecond}

	// A holder with a long lease of its own.
	if _, err := store.TryAcquireTokenLock(ctx, "inst", "tok", "w1", time.Minute); err != nil {
		t.Fatalf("TryAcquireTokenLock: %v", err)
	}

	err := l.AcquireJoinLock(ctx, "inst", "tok", "w2", 10*time.Millisecond)
	if !errors.Is(err, runtime.ErrTokenLocked) {
		t.Fatalf("expected ErrTokenLocked, got %v", err)
	}
}

func TestLeaseLocker_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	l := &LeaseLocker{Store: store, PollInterval: time.Millisecond}

	if _, err := store.TryAcquireTokenLock(context.Background(), "inst", "tok", "w1", time.Minute); err != nil {
		t.Fatalf("TryAcquireTokenLock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.AcquireJoinLock(ctx, "inst", "tok", "w2", time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}
