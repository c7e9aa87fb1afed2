package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Exit codes with a fixed meaning for container runs.
const (
	containerRootRefused = 121
	containerEngineError = 125
)

// containerWorkdir is where the workspace is mounted inside the container.
const containerWorkdir = "/workspace"

// rootGuard refuses to exec the runner if the container user is still root.
const rootGuard = `test "$(id -u)" != 0 || { echo "refusing to run as root" >&2; exit 121; }; exec "$@"`

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // engine commands are built internally

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return "", "", 0, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// ContainerLauncher runs the runner through docker or podman. The engine
// enforces the identity and ceilings; a shell guard inside the container
// re-checks the uid before the runner starts.
type ContainerLauncher struct {
	logger    *zap.Logger
	engine    string
	image     string
	cmdRunner CommandRunner
}

// ContainerLauncherOption defines a functional option for ContainerLauncher
type ContainerLauncherOption func(*ContainerLauncher)

// WithContainerCommandRunner sets the CommandRunner used for engine commands
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerLauncherOption {
	return func(c *ContainerLauncher) {
		c.cmdRunner = cmdRunner
	}
}

// NewContainerLauncher creates a launcher for engine ("docker" or "podman").
func NewContainerLauncher(logger *zap.Logger, engine, image string, opts ...ContainerLauncherOption) *ContainerLauncher {
	l := &ContainerLauncher{
		logger:    logger,
		engine:    engine,
		image:     image,
		cmdRunner: RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *ContainerLauncher) Name() string { return l.engine }

func containerName(runID string) string {
	return "testbox-" + runID
}

// runArgs builds the engine invocation, without the engine binary itself.
func (l *ContainerLauncher) runArgs(spec LaunchSpec) []string {
	identity := spec.Bounded.Identity()
	limits := spec.Bounded.Limits()
	cpu := uint64(math.Ceil(limits.CPUTimeSeconds))

	args := []string{
		"run", "--rm",
		"--name", containerName(spec.RunID),
		"--user", identity.String(),
		"--memory", fmt.Sprintf("%d", limits.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%d", limits.MemoryBytes),
		"--pids-limit", fmt.Sprintf("%d", limits.MaxProcesses),
		"--ulimit", fmt.Sprintf("cpu=%d:%d", cpu, cpu+1),
		"--ulimit", "core=0:0",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"-v", spec.Workspace.Dir() + ":" + containerWorkdir + ":rw",
		"--workdir", containerWorkdir,
	}
	if limits.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	for _, kv := range runnerEnv(containerWorkdir, spec.Runner.Env) {
		args = append(args, "-e", kv)
	}

	args = append(args, l.image, "sh", "-c", rootGuard, "sh")
	return append(args, spec.Runner.Command...)
}

// Prepare implements Launcher.
func (l *ContainerLauncher) Prepare(_ context.Context, spec LaunchSpec) (*Launch, error) {
	if len(spec.Runner.Command) == 0 {
		return nil, errors.New("runner command is empty")
	}

	args := l.runArgs(spec)
	cmd := exec.Command(l.engine, args...) //nolint:gosec // arguments are built internally
	cmd.Dir = spec.Workspace.Dir()

	name := containerName(spec.RunID)
	l.logger.Debug("prepared container run",
		zap.String("engine", l.engine),
		zap.String("container", name),
		zap.String("args", strings.Join(args, " ")))

	return &Launch{
		Cmd: cmd,
		Terminate: func(ctx context.Context) error {
			_, stderr, code, err := l.cmdRunner.RunCommand(ctx, []string{l.engine, "kill", name})
			if err != nil {
				return err
			}
			if code != 0 && !strings.Contains(stderr, "No such container") && !strings.Contains(stderr, "no such container") {
				return fmt.Errorf("%s kill %s exited with %d: %s", l.engine, name, code, strings.TrimSpace(stderr))
			}
			return nil
		},
		Interpret: interpretContainerExit,
	}, nil
}

// interpretContainerExit decodes the exit status the engine reports for the
// container's main process.
func interpretContainerExit(code int) (syscall.Signal, error) {
	switch code {
	case containerRootRefused:
		return 0, &PrivilegeError{Op: "container", Err: errors.New("runner would have started as root")}
	case containerEngineError:
		return 0, &ExecutionFault{Outcome: OutcomeCrashed, Reason: "container engine failed to start the runner"}
	}
	if code > 128 && code < 128+65 {
		sig := syscall.Signal(code - 128)
		switch sig {
		case syscall.SIGKILL, syscall.SIGXCPU, syscall.SIGXFSZ:
			return sig, nil
		}
	}
	return 0, nil
}
