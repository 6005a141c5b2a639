// Package locks provides short-lived exclusive leases used to elect a single
// replica for background work such as the snapshot reaper.
package locks

import (
	"context"
	"time"
)

// Lease describes the current holder of a named lease.
type Lease struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages named leases. Acquire and Renew report false when another
// owner holds the lease.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) (bool, error)
	Get(ctx context.Context, name string) (*Lease, error)
}

// Leader keeps one named lease for a single owner.
type Leader struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	held  bool
}

func NewLeader(store Store, name, owner string, ttl time.Duration) *Leader {
	return &Leader{store: store, name: name, owner: owner, ttl: normalizeTTL(ttl)}
}

// Hold renews the lease when held, otherwise tries to take it.
func (l *Leader) Hold(ctx context.Context) (bool, error) {
	if l.held {
		ok, err := l.store.Renew(ctx, l.name, l.owner, l.ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		l.held = false
	}
	ok, err := l.store.Acquire(ctx, l.name, l.owner, l.ttl)
	if err != nil {
		return false, err
	}
	l.held = ok
	return ok, nil
}

// Resign gives the lease up if held.
func (l *Leader) Resign(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	_, err := l.store.Release(ctx, l.name, l.owner)
	return err
}
