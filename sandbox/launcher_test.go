package sandbox

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/testbox/sandbox/initstage"
)

func TestRunnerEnv(t *testing.T) {
	env := runnerEnv("/ws", map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{
		"PATH=" + defaultPath,
		"HOME=/ws",
		"TMPDIR=/ws",
		"LANG=C.UTF-8",
		"A=1",
		"B=2",
	}, env)

	env = runnerEnv("/ws", map[string]string{"PATH": "/opt/bin"})
	assert.Equal(t, "PATH=/opt/bin", env[0])
	assert.Len(t, env, 4)
}

func TestProcessLauncherPrepare(t *testing.T) {
	l := NewProcessLauncher(zaptest.NewLogger(t), WithInitBinary("/usr/local/bin/testbox"))
	assert.Equal(t, "process", l.Name())

	spec := newLaunchSpec(t, DefaultLimits(), "python3", "-m", "pytest")
	launch, err := l.Prepare(context.Background(), spec)
	require.NoError(t, err)
	defer launch.Cleanup()

	cmd := launch.Cmd
	assert.Equal(t, []string{"/usr/local/bin/testbox", "init"}, cmd.Args)
	assert.Equal(t, spec.Workspace.Dir(), cmd.Dir)
	assert.Empty(t, cmd.Env)
	require.Len(t, cmd.ExtraFiles, 2)
	require.NotNil(t, cmd.SysProcAttr)
	assert.Equal(t, uintptr(syscall.CLONE_NEWNET), cmd.SysProcAttr.Cloneflags)
	assert.True(t, launch.Monitor)
	assert.NotNil(t, launch.Handshake)

	limits := DefaultLimits()
	limits.NetworkDisabled = false
	launch, err = l.Prepare(context.Background(), newLaunchSpec(t, limits, "pytest"))
	require.NoError(t, err)
	defer launch.Cleanup()
	assert.Zero(t, launch.Cmd.SysProcAttr.Cloneflags)
}

func TestStageError(t *testing.T) {
	var privErr *PrivilegeError
	require.ErrorAs(t, stageError(&initstage.StageError{Kind: initstage.KindPrivilege, Message: "still root"}), &privErr)

	var limitErr *LimitSetupError
	require.ErrorAs(t, stageError(&initstage.StageError{Kind: initstage.KindLimits, Message: "nproc"}), &limitErr)

	var fault *ExecutionFault
	err := stageError(&initstage.StageError{Kind: initstage.KindExec, Message: "pytest: not found"})
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, OutcomeCrashed, fault.Outcome)
	assert.False(t, errors.As(err, &privErr))
}

func TestDirectLauncherPrepare(t *testing.T) {
	l := NewDirectLauncher(zaptest.NewLogger(t))
	spec := newLaunchSpec(t, DefaultLimits(), "sh", "-c", "true")

	launch, err := l.Prepare(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "true"}, launch.Cmd.Args)
	assert.Contains(t, launch.Cmd.Env, "HOME="+spec.Workspace.Dir())
	assert.Nil(t, launch.Handshake)

	_, err = l.Prepare(context.Background(), newLaunchSpec(t, DefaultLimits()))
	require.Error(t, err)
}
