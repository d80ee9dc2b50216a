// Package coordination keeps at most one scheduler active cluster-wide.
// The lease is a short-TTL advisory lock in Redis, renewed well inside its
// TTL; losing two consecutive renewals means another instance may already
// be ticking, and the only safe reaction is to stop scheduling.
package coordination

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/netfiber/oltwatch/pollerd/observability"
	"github.com/netfiber/oltwatch/pollerd/store"
)

const (
	// LeaseTTL is the singleton lock lifetime; renewals happen at a third
	// of it so two renewals can fail before the lock expires.
	LeaseTTL      = 15 * time.Second
	renewInterval = LeaseTTL / 3
)

// SingletonGuard acquires and holds the scheduler lease.
type SingletonGuard struct {
	locks  store.Locker
	clock  clockwork.Clock
	owner  string
	onLost func()
}

// NewSingletonGuard creates a guard. onLost is invoked once, from the renew
// loop, when the lease cannot be held any longer.
func NewSingletonGuard(locks store.Locker, clock clockwork.Clock, onLost func()) *SingletonGuard {
	return &SingletonGuard{
		locks:  locks,
		clock:  clock,
		owner:  uuid.NewString(),
		onLost: onLost,
	}
}

// Owner returns this instance's lease identity.
func (g *SingletonGuard) Owner() string { return g.owner }

// Acquire blocks until the lease is held or the context ends. Contention is
// expected during rolling restarts, so it retries with jittered backoff
// rather than failing fast.
func (g *SingletonGuard) Acquire(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // retry until ctx ends

	return backoff.Retry(func() error {
		ok, err := g.locks.AcquireLock(ctx, store.SingletonLockKey(), g.owner, LeaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			return errLeaseHeld
		}
		observability.SingletonHeld.Set(1)
		log.Printf("[singleton] lease acquired by %s", g.owner)
		return nil
	}, backoff.WithContext(bo, ctx))
}

type leaseHeldError struct{}

func (leaseHeldError) Error() string { return "scheduler lease held by another instance" }

var errLeaseHeld = leaseHeldError{}

// Hold renews the lease until the context ends, then releases it. A lost
// lease fires onLost and returns.
func (g *SingletonGuard) Hold(ctx context.Context) {
	ticker := g.clock.NewTicker(renewInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			observability.SingletonHeld.Set(0)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := g.locks.ReleaseLock(releaseCtx, store.SingletonLockKey(), g.owner); err != nil {
				log.Printf("[singleton] release lease: %v", err)
			}
			cancel()
			return
		case <-ticker.Chan():
			ok, err := g.locks.RenewLock(ctx, store.SingletonLockKey(), g.owner, LeaseTTL)
			if err != nil {
				misses++
				log.Printf("[singleton] renew lease (miss %d): %v", misses, err)
				if misses < 2 {
					continue
				}
			}
			if err == nil && ok {
				misses = 0
				continue
			}
			if err == nil && !ok {
				log.Printf("[singleton] lease no longer held by %s", g.owner)
			}
			observability.SingletonHeld.Set(0)
			if g.onLost != nil {
				g.onLost()
			}
			return
		}
	}
}
