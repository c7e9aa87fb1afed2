package sandbox

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/isdmx/testbox/sandbox/initstage"
)

// Identity is a numeric uid/gid pair.
type Identity struct {
	UID int
	GID int
}

func (i Identity) String() string {
	return fmt.Sprintf("%d:%d", i.UID, i.GID)
}

// PrivilegedContext is the identity that prepares a run. The only way forward
// is Drop, and it can be taken once.
type PrivilegedContext struct {
	preparer Identity
	mu       sync.Mutex
	dropped  bool
}

// NewPrivilegedContext captures the current effective identity.
func NewPrivilegedContext() *PrivilegedContext {
	return &PrivilegedContext{preparer: Identity{UID: os.Geteuid(), GID: os.Getegid()}}
}

// Drop commits the run to target. The switch itself happens in the launched
// process and is verified there by re-querying the effective identity; Drop
// rejects targets that could never pass that check.
func (p *PrivilegedContext) Drop(target Identity) (*UnprivilegedContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dropped {
		return nil, &PrivilegeError{Op: "drop", Err: errors.New("privileges were already dropped for this run")}
	}
	if target.UID <= 0 || target.GID <= 0 {
		return nil, &PrivilegeError{Op: "drop", Err: fmt.Errorf("target identity %s is privileged", target)}
	}
	if target.UID == p.preparer.UID {
		return nil, &PrivilegeError{Op: "drop", Err: fmt.Errorf("target identity %s is the preparing identity", target)}
	}

	p.dropped = true
	return &UnprivilegedContext{identity: target}, nil
}

// UnprivilegedContext holds the identity a run executes as.
type UnprivilegedContext struct {
	identity Identity
	mu       sync.Mutex
	bounded  *BoundedContext
}

// Identity returns the execution identity.
func (u *UnprivilegedContext) Identity() Identity { return u.identity }

// ApplyLimits validates limits and derives the ceilings for the run. Calling
// it again with identical limits returns the same context; different limits
// are rejected.
func (u *UnprivilegedContext) ApplyLimits(limits ExecutionLimits) (*BoundedContext, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.bounded != nil {
		if u.bounded.limits != limits {
			return nil, &LimitSetupError{Limit: "limits", Err: errors.New("limits were already applied with different values")}
		}
		return u.bounded, nil
	}

	if err := limits.Validate(); err != nil {
		return nil, err
	}

	u.bounded = &BoundedContext{
		identity: u.identity,
		limits:   limits,
		rlimits:  deriveRlimits(limits),
	}
	return u.bounded, nil
}

// BoundedContext is a de-escalated identity with its resource ceilings. The
// harness only accepts this type.
type BoundedContext struct {
	identity Identity
	limits   ExecutionLimits
	rlimits  []initstage.Rlimit
}

// Identity returns the execution identity.
func (b *BoundedContext) Identity() Identity { return b.identity }

// Limits returns the applied limits.
func (b *BoundedContext) Limits() ExecutionLimits { return b.limits }

// Rlimits returns a copy of the derived kernel ceilings.
func (b *BoundedContext) Rlimits() []initstage.Rlimit {
	return append([]initstage.Rlimit(nil), b.rlimits...)
}
