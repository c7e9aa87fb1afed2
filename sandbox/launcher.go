package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/isdmx/testbox/sandbox/initstage"
)

// defaultPath is the PATH runners see.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// maxStatusBytes bounds what is read back from the init stage.
const maxStatusBytes = 64 << 10

// RunnerSpec is a resolved runner profile.
type RunnerSpec struct {
	Name               string
	Command            []string
	Env                map[string]string
	CompletedExitCodes []int
}

// LaunchSpec is everything a launcher needs to start one run.
type LaunchSpec struct {
	RunID     string
	Bounded   *BoundedContext
	Workspace *Workspace
	Runner    RunnerSpec
}

// Launch is a prepared, not yet started, runner process.
type Launch struct {
	// Cmd is started by the harness, which owns its stdio and process group.
	Cmd *exec.Cmd
	// Handshake is called right after Cmd starts and returns once the runner
	// has been executed, or with the reason it was not. Optional.
	Handshake func() error
	// Terminate stops parts of the run the process group does not cover,
	// such as a container. Optional.
	Terminate func(ctx context.Context) error
	// Interpret maps an exit code to the signal or error it encodes. Optional.
	Interpret func(exitCode int) (syscall.Signal, error)
	// Monitor enables process tree sampling on the host.
	Monitor bool
	// Cleanup releases launcher resources once the run is over. Optional.
	Cleanup func()
}

// Launcher prepares runner processes.
type Launcher interface {
	Name() string
	Prepare(ctx context.Context, spec LaunchSpec) (*Launch, error)
}

// runnerEnv builds the scrubbed environment of a runner.
func runnerEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=" + lo.Ternary(extra["PATH"] == "", defaultPath, extra["PATH"]),
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=C.UTF-8",
	}
	keys := lo.Filter(lo.Keys(extra), func(k string, _ int) bool { return k != "PATH" })
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// ProcessLauncher re-executes the server binary as an init stage that drops
// to the leased identity and installs the rlimits before executing the
// runner.
type ProcessLauncher struct {
	logger *zap.Logger
	self   string
}

// ProcessLauncherOption configures a ProcessLauncher.
type ProcessLauncherOption func(*ProcessLauncher)

// WithInitBinary overrides the binary executed as the init stage.
func WithInitBinary(path string) ProcessLauncherOption {
	return func(l *ProcessLauncher) {
		l.self = path
	}
}

// NewProcessLauncher creates a launcher that uses "/proc/self/exe init".
func NewProcessLauncher(logger *zap.Logger, opts ...ProcessLauncherOption) *ProcessLauncher {
	l := &ProcessLauncher{logger: logger, self: "/proc/self/exe"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (*ProcessLauncher) Name() string { return "process" }

// Prepare implements Launcher.
func (l *ProcessLauncher) Prepare(_ context.Context, spec LaunchSpec) (*Launch, error) {
	planR, planW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create plan pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		planR.Close()
		planW.Close()
		return nil, fmt.Errorf("failed to create status pipe: %w", err)
	}
	closeAll := func() {
		for _, f := range []*os.File{planR, planW, statusR, statusW} {
			_ = f.Close()
		}
	}

	identity := spec.Bounded.Identity()
	limits := spec.Bounded.Limits()
	plan := initstage.Plan{
		UID:             identity.UID,
		GID:             identity.GID,
		Rlimits:         spec.Bounded.Rlimits(),
		NetworkIsolated: limits.NetworkDisabled,
		Workdir:         spec.Workspace.Dir(),
		Argv:            spec.Runner.Command,
		Env:             runnerEnv(spec.Workspace.Dir(), spec.Runner.Env),
	}

	cmd := exec.Command(l.self, "init") //nolint:gosec // the init stage is this binary
	cmd.Dir = spec.Workspace.Dir()
	cmd.Env = []string{}
	cmd.ExtraFiles = []*os.File{planR, statusW}
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	if limits.NetworkDisabled {
		cmd.SysProcAttr.Cloneflags = syscall.CLONE_NEWNET
	}

	handshake := func() error {
		// The child holds its own copies now.
		_ = planR.Close()
		_ = statusW.Close()

		writeErr := initstage.EncodePlan(planW, plan)
		_ = planW.Close()

		data, readErr := io.ReadAll(io.LimitReader(statusR, maxStatusBytes))
		if se := initstage.DecodeStatus(data); se != nil {
			return stageError(se)
		}
		if writeErr != nil {
			return &ExecutionFault{Outcome: OutcomeCrashed, Reason: fmt.Sprintf("sending plan to init stage: %v", writeErr)}
		}
		if readErr != nil {
			return &ExecutionFault{Outcome: OutcomeCrashed, Reason: fmt.Sprintf("reading init stage status: %v", readErr)}
		}
		return nil
	}

	l.logger.Debug("prepared init stage",
		zap.String("identity", identity.String()),
		zap.Bool("network_isolated", plan.NetworkIsolated),
		zap.Strings("argv", plan.Argv))

	return &Launch{
		Cmd:       cmd,
		Handshake: handshake,
		Monitor:   true,
		Cleanup:   closeAll,
	}, nil
}

func stageError(se *initstage.StageError) error {
	switch se.Kind {
	case initstage.KindPrivilege:
		return &PrivilegeError{Op: "init stage", Err: errors.New(se.Message)}
	case initstage.KindLimits:
		return &LimitSetupError{Limit: "init stage", Err: errors.New(se.Message)}
	default:
		return &ExecutionFault{Outcome: OutcomeCrashed, Reason: se.Message}
	}
}

// DirectLauncher runs the runner as the service's own user without any
// privilege drop or kernel ceilings. Development only; the harness watchdog
// and resource monitor still apply.
type DirectLauncher struct {
	logger *zap.Logger
}

// NewDirectLauncher creates a DirectLauncher.
func NewDirectLauncher(logger *zap.Logger) *DirectLauncher {
	return &DirectLauncher{logger: logger}
}

func (*DirectLauncher) Name() string { return "direct" }

// Prepare implements Launcher.
func (l *DirectLauncher) Prepare(_ context.Context, spec LaunchSpec) (*Launch, error) {
	if len(spec.Runner.Command) == 0 {
		return nil, errors.New("runner command is empty")
	}

	cmd := exec.Command(spec.Runner.Command[0], spec.Runner.Command[1:]...) //nolint:gosec // running the runner is the point
	cmd.Dir = spec.Workspace.Dir()
	cmd.Env = runnerEnv(spec.Workspace.Dir(), spec.Runner.Env)

	l.logger.Warn("direct launcher runs untrusted code without privilege separation",
		zap.String("runner", spec.Runner.Name),
		zap.String("command", strings.Join(spec.Runner.Command, " ")))

	return &Launch{Cmd: cmd, Monitor: true}, nil
}
