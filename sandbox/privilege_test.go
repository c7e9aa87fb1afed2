package sandbox

import (
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = Identity{UID: 61000, GID: 61000}

func TestPrivilegedContextDrop(t *testing.T) {
	t.Run("RejectsRoot", func(t *testing.T) {
		_, err := NewPrivilegedContext().Drop(Identity{UID: 0, GID: 61000})
		var privErr *PrivilegeError
		require.ErrorAs(t, err, &privErr)
		assert.Equal(t, "drop", privErr.Op)
	})

	t.Run("RejectsRootGroup", func(t *testing.T) {
		_, err := NewPrivilegedContext().Drop(Identity{UID: 61000, GID: 0})
		var privErr *PrivilegeError
		require.ErrorAs(t, err, &privErr)
	})

	t.Run("RejectsPreparingIdentity", func(t *testing.T) {
		_, err := NewPrivilegedContext().Drop(Identity{UID: os.Geteuid(), GID: 61000})
		var privErr *PrivilegeError
		require.ErrorAs(t, err, &privErr)
	})

	t.Run("OnlyOnce", func(t *testing.T) {
		p := NewPrivilegedContext()
		u, err := p.Drop(testIdentity)
		require.NoError(t, err)
		assert.Equal(t, testIdentity, u.Identity())

		_, err = p.Drop(testIdentity)
		var privErr *PrivilegeError
		require.ErrorAs(t, err, &privErr)
		assert.Contains(t, err.Error(), "already dropped")
	})
}

func TestApplyLimits(t *testing.T) {
	drop := func(t *testing.T) *UnprivilegedContext {
		t.Helper()
		u, err := NewPrivilegedContext().Drop(testIdentity)
		require.NoError(t, err)
		return u
	}

	t.Run("Bounded", func(t *testing.T) {
		limits := DefaultLimits()
		b, err := drop(t).ApplyLimits(limits)
		require.NoError(t, err)
		assert.Equal(t, testIdentity, b.Identity())
		assert.Equal(t, limits, b.Limits())
		assert.Len(t, b.Rlimits(), 4)
	})

	t.Run("IdempotentForSameLimits", func(t *testing.T) {
		u := drop(t)
		first, err := u.ApplyLimits(DefaultLimits())
		require.NoError(t, err)
		second, err := u.ApplyLimits(DefaultLimits())
		require.NoError(t, err)
		assert.Same(t, first, second)
	})

	t.Run("RejectsDifferentLimits", func(t *testing.T) {
		u := drop(t)
		_, err := u.ApplyLimits(DefaultLimits())
		require.NoError(t, err)

		other := DefaultLimits()
		other.MaxProcesses = 5
		_, err = u.ApplyLimits(other)
		var limitErr *LimitSetupError
		require.ErrorAs(t, err, &limitErr)
	})

	t.Run("RejectsInvalidLimits", func(t *testing.T) {
		for name, mutate := range map[string]func(*ExecutionLimits){
			"ZeroCPU":       func(l *ExecutionLimits) { l.CPUTimeSeconds = 0 },
			"NegativeWall":  func(l *ExecutionLimits) { l.WallClockSeconds = -1 },
			"InfiniteWall":  func(l *ExecutionLimits) { l.WallClockSeconds = math.Inf(1) },
			"NaNCPU":        func(l *ExecutionLimits) { l.CPUTimeSeconds = math.NaN() },
			"ZeroMemory":    func(l *ExecutionLimits) { l.MemoryBytes = 0 },
			"ZeroProcesses": func(l *ExecutionLimits) { l.MaxProcesses = 0 },
		} {
			t.Run(name, func(t *testing.T) {
				limits := DefaultLimits()
				mutate(&limits)
				_, err := drop(t).ApplyLimits(limits)
				var limitErr *LimitSetupError
				require.ErrorAs(t, err, &limitErr)
			})
		}
	})
}

func TestRlimitsAreCopied(t *testing.T) {
	u, err := NewPrivilegedContext().Drop(testIdentity)
	require.NoError(t, err)
	b, err := u.ApplyLimits(DefaultLimits())
	require.NoError(t, err)

	rl := b.Rlimits()
	rl[0].Soft = 0
	assert.NotZero(t, b.Rlimits()[0].Soft)
}
