package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// IdentityPool leases uids from a dedicated range so concurrent runs never
// share an identity. Per-uid kernel ceilings such as RLIMIT_NPROC and the
// uid-based kill sweep depend on that.
type IdentityPool struct {
	base Identity
	size int
	free chan int
}

// NewIdentityPool creates a pool over [base.UID, base.UID+size).
func NewIdentityPool(base Identity, size int) (*IdentityPool, error) {
	if base.UID <= 0 || base.GID <= 0 {
		return nil, fmt.Errorf("identity pool base %s must not be root", base)
	}
	if size <= 0 {
		return nil, fmt.Errorf("identity pool size must be positive, got %d", size)
	}

	p := &IdentityPool{base: base, size: size, free: make(chan int, size)}
	for i := 0; i < size; i++ {
		p.free <- base.UID + i
	}
	return p, nil
}

// Size returns the number of identities in the pool.
func (p *IdentityPool) Size() int { return p.size }

// Acquire blocks until an identity is free or ctx is done.
func (p *IdentityPool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case uid := <-p.free:
		return &Lease{pool: p, identity: Identity{UID: uid, GID: p.base.GID}}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for an execution identity: %w", ctx.Err())
	}
}

// Lease is an identity held by one run.
type Lease struct {
	pool     *IdentityPool
	identity Identity
	once     sync.Once
}

// Identity returns the leased identity.
func (l *Lease) Identity() Identity { return l.identity }

// Release returns the identity to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.free <- l.identity.UID
	})
}
