package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Harness runs one prepared runner process to a terminal outcome.
type Harness struct {
	logger          *zap.Logger
	launcher        Launcher
	sampler         TreeSampler
	outputLimit     int
	killGrace       time.Duration
	monitorInterval time.Duration
}

// HarnessOption defines a functional option for Harness
type HarnessOption func(*Harness)

// WithTreeSampler sets the sampler used by the resource monitor and the kill
// sweep. A nil sampler disables both, leaving only the process group kill.
func WithTreeSampler(s TreeSampler) HarnessOption {
	return func(h *Harness) {
		h.sampler = s
	}
}

// WithOutputLimit sets the byte cap for stdout and stderr each.
func WithOutputLimit(n int) HarnessOption {
	return func(h *Harness) {
		h.outputLimit = n
	}
}

// WithKillGrace bounds how long teardown waits for a killed tree.
func WithKillGrace(d time.Duration) HarnessOption {
	return func(h *Harness) {
		h.killGrace = d
	}
}

// WithMonitorInterval sets the resource monitor sampling period.
func WithMonitorInterval(d time.Duration) HarnessOption {
	return func(h *Harness) {
		h.monitorInterval = d
	}
}

// NewHarness creates a harness around launcher.
func NewHarness(logger *zap.Logger, launcher Launcher, opts ...HarnessOption) *Harness {
	h := &Harness{
		logger:          logger,
		launcher:        launcher,
		outputLimit:     1 << 20,
		killGrace:       2 * time.Second,
		monitorInterval: 50 * time.Millisecond,
	}
	if sampler, err := NewProcSampler(); err == nil {
		h.sampler = sampler
	} else {
		logger.Warn("process tree sampling unavailable", zap.Error(err))
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute starts the runner described by spec and waits for it to exit, for
// the watchdog to fire, for ctx to end or for the monitor to report a breach,
// whichever comes first. Whatever happens, no process of the run survives
// the call.
//
//nolint:gocyclo,funlen // a single select loop over every way a run can end
func (h *Harness) Execute(ctx context.Context, spec LaunchSpec, watchdog time.Duration) ExecutionOutcome {
	log := h.logger.With(zap.String("launcher", h.launcher.Name()))
	stdout := NewBoundedBuffer(h.outputLimit)
	stderr := NewBoundedBuffer(h.outputLimit)

	result := func(status Outcome, err error, elapsed time.Duration) ExecutionOutcome {
		return ExecutionOutcome{
			Status:          status,
			ExitCode:        -1,
			Stdout:          stdout.Bytes(),
			Stderr:          stderr.Bytes(),
			StdoutTruncated: stdout.Truncated(),
			StderrTruncated: stderr.Truncated(),
			Elapsed:         elapsed,
			Err:             err,
		}
	}

	if ctx.Err() != nil {
		status := contextOutcome(ctx)
		return result(status, &ExecutionFault{Outcome: status, Reason: "run ended before the runner started"}, 0)
	}

	launch, err := h.launcher.Prepare(ctx, spec)
	if err != nil {
		return result(OutcomeCrashed, &ExecutionFault{Outcome: OutcomeCrashed, Reason: fmt.Sprintf("preparing runner: %v", err)}, 0)
	}
	if launch.Cleanup != nil {
		defer launch.Cleanup()
	}

	cmd := launch.Cmd
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.WaitDelay = h.killGrace

	if err := cmd.Start(); err != nil {
		return result(OutcomeCrashed, startError(cmd.SysProcAttr, err), 0)
	}
	started := time.Now()
	pgid := cmd.Process.Pid
	uid := spec.Bounded.Identity().UID
	log.Debug("runner started", zap.Int("pid", pgid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var handshake chan error
	if launch.Handshake != nil {
		handshake = make(chan error, 1)
		go func() { handshake <- launch.Handshake() }()
	}

	var sampler TreeSampler
	if launch.Monitor {
		sampler = h.sampler
	}
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	var breach <-chan string
	if sampler != nil {
		breach = h.monitor(monitorCtx, sampler, pgid, uid, spec.Bounded.Limits())
	}

	watchdogTimer := time.NewTimer(watchdog)
	defer watchdogTimer.Stop()

	var (
		status Outcome
		fault  error
		exited bool
	)

loop:
	for {
		select {
		case err := <-handshake:
			handshake = nil
			if err != nil {
				status, fault = OutcomeCrashed, err
				break loop
			}
		case <-done:
			exited = true
			break loop
		case <-watchdogTimer.C:
			status = OutcomeTimedOut
			fault = &ExecutionFault{Outcome: status, Reason: fmt.Sprintf("wall clock limit of %s exceeded", watchdog)}
			break loop
		case <-ctx.Done():
			status = contextOutcome(ctx)
			fault = &ExecutionFault{Outcome: status, Reason: ctx.Err().Error()}
			break loop
		case reason := <-breach:
			status = OutcomeResourceKilled
			fault = &ExecutionFault{Outcome: status, Reason: reason}
			break loop
		}
	}
	stopMonitor()
	elapsed := time.Since(started)

	if !exited {
		h.terminate(log, launch, sampler, pgid, uid)
		select {
		case <-done:
		case <-time.After(h.killGrace):
			log.Error("runner did not exit after kill", zap.Int("pid", pgid))
		}
	}

	// A runner that died on its own may have left a verdict on the status pipe.
	if status == "" && handshake != nil {
		select {
		case err := <-handshake:
			if err != nil {
				status, fault = OutcomeCrashed, err
			}
		case <-time.After(h.killGrace):
		}
	}

	// Whatever the runner left behind gets one last look before the sweep,
	// so a burst shorter than the sampling interval is still seen.
	if status == "" && sampler != nil {
		if usage, err := sampler.Sample(pgid, uid); err == nil {
			if reason := breachOf(usage, spec.Bounded.Limits()); reason != "" {
				status = OutcomeResourceKilled
				fault = &ExecutionFault{Outcome: status, Reason: reason}
			}
		}
	}

	// Background processes outlive a runner that exits normally.
	h.sweep(log, sampler, pgid, uid)

	out := result(status, fault, elapsed)
	if state := cmd.ProcessState; state != nil {
		out.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.Signal = unix.SignalName(ws.Signal())
		}
		if out.Status == "" {
			out.Status, out.Err = classifyExit(state, launch, spec.Runner.CompletedExitCodes)
		}
	} else if out.Status == "" {
		out.Status = OutcomeCrashed
		out.Err = &ExecutionFault{Outcome: OutcomeCrashed, Reason: "runner exit status unavailable"}
	}

	log.Debug("runner finished",
		zap.String("status", string(out.Status)),
		zap.Int("exit_code", out.ExitCode),
		zap.String("signal", out.Signal),
		zap.Duration("elapsed", out.Elapsed))
	return out
}

// monitor samples the process tree and reports the first ceiling breach.
func (h *Harness) monitor(ctx context.Context, sampler TreeSampler, pgid, uid int, limits ExecutionLimits) <-chan string {
	out := make(chan string, 1)
	go func() {
		ticker := time.NewTicker(h.monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			usage, err := sampler.Sample(pgid, uid)
			if err != nil {
				h.logger.Debug("process tree sample failed", zap.Error(err))
				continue
			}
			if reason := breachOf(usage, limits); reason != "" {
				out <- reason
				return
			}
		}
	}()
	return out
}

// breachOf names the ceiling usage exceeds, or returns "".
func breachOf(usage TreeUsage, limits ExecutionLimits) string {
	switch {
	case usage.Tasks > limits.MaxProcesses:
		return fmt.Sprintf("process limit of %d exceeded with %d tasks", limits.MaxProcesses, usage.Tasks)
	case usage.RSSBytes > limits.MemoryBytes:
		return fmt.Sprintf("memory limit of %d bytes exceeded with %d resident", limits.MemoryBytes, usage.RSSBytes)
	default:
		return ""
	}
}

func (h *Harness) terminate(log *zap.Logger, launch *Launch, sampler TreeSampler, pgid, uid int) {
	ctx, cancel := context.WithTimeout(context.Background(), h.killGrace)
	defer cancel()

	if launch.Terminate != nil {
		if err := launch.Terminate(ctx); err != nil {
			log.Warn("failed to terminate runner", zap.Error(err))
		}
	}
	if err := killTree(ctx, sampler, pgid, uid); err != nil {
		log.Error("failed to kill process tree", zap.Int("pgid", pgid), zap.Error(err))
	}
}

func (h *Harness) sweep(log *zap.Logger, sampler TreeSampler, pgid, uid int) {
	ctx, cancel := context.WithTimeout(context.Background(), h.killGrace)
	defer cancel()

	if err := killTree(ctx, sampler, pgid, uid); err != nil {
		log.Error("failed to sweep process tree", zap.Int("pgid", pgid), zap.Error(err))
	}
}

// classifyExit maps a runner that ended on its own to an outcome.
func classifyExit(state *os.ProcessState, launch *Launch, completed []int) (Outcome, error) {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return classifySignal(ws.Signal())
	}

	code := state.ExitCode()
	if launch.Interpret != nil {
		sig, err := launch.Interpret(code)
		if err != nil {
			return OutcomeCrashed, err
		}
		if sig != 0 {
			return classifySignal(sig)
		}
	}

	if lo.Contains(completed, code) {
		return OutcomeCompleted, nil
	}
	return OutcomeCrashed, &ExecutionFault{Outcome: OutcomeCrashed, Reason: fmt.Sprintf("runner exited with code %d", code)}
}

// classifySignal treats the signals the kernel uses to enforce ceilings as a
// resource kill. SIGKILL counts because the harness records its own kills
// before getting here.
func classifySignal(sig syscall.Signal) (Outcome, error) {
	name := unix.SignalName(sig)
	switch sig {
	case syscall.SIGXCPU, syscall.SIGXFSZ, syscall.SIGKILL:
		return OutcomeResourceKilled, &ExecutionFault{Outcome: OutcomeResourceKilled, Reason: "terminated by " + name}
	default:
		return OutcomeCrashed, &ExecutionFault{Outcome: OutcomeCrashed, Reason: "terminated by " + name}
	}
}

// startError classifies a failed start. The kernel answers a namespace it
// will not create with EPERM or EINVAL, which leaves network isolation
// unapplied.
func startError(attr *syscall.SysProcAttr, err error) error {
	if attr != nil && attr.Cloneflags&syscall.CLONE_NEWNET != 0 &&
		(errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EINVAL)) {
		return &LimitSetupError{Limit: "network_disabled", Err: err}
	}
	return &ExecutionFault{Outcome: OutcomeCrashed, Reason: fmt.Sprintf("starting runner: %v", err)}
}

func contextOutcome(ctx context.Context) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimedOut
	}
	return OutcomeCancelled
}
