package sandbox

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/isdmx/testbox/config"
	"github.com/isdmx/testbox/logger"
)

const runIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Orchestrator runs requests end to end. It is safe for concurrent use; the
// identity pool is the only state shared between runs.
type Orchestrator struct {
	logger        *zap.Logger
	pool          *IdentityPool
	harness       *Harness
	reporter      *Reporter
	runners       map[string]config.RunnerProfile
	defaultRunner string
	defaults      ExecutionLimits
	workspaceRoot string
	grace         time.Duration
}

// OrchestratorConfig holds what the orchestrator needs besides its parts.
type OrchestratorConfig struct {
	Runners       map[string]config.RunnerProfile
	DefaultRunner string
	Defaults      ExecutionLimits
	WorkspaceRoot string
	Grace         time.Duration
}

// NewOrchestratorWith assembles an orchestrator from its parts.
func NewOrchestratorWith(logger *zap.Logger, pool *IdentityPool, harness *Harness, reporter *Reporter, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		logger:        logger,
		pool:          pool,
		harness:       harness,
		reporter:      reporter,
		runners:       maps.Clone(cfg.Runners),
		defaultRunner: cfg.DefaultRunner,
		defaults:      cfg.Defaults,
		workspaceRoot: cfg.WorkspaceRoot,
		grace:         cfg.Grace,
	}
}

// DefaultLimits returns the limits applied when a caller does not set any.
func (o *Orchestrator) DefaultLimits() ExecutionLimits { return o.defaults }

// Runners lists the configured runner profiles.
func (o *Orchestrator) Runners() []string {
	names := lo.Keys(o.runners)
	sort.Strings(names)
	return names
}

// Run executes req under limits and always returns a well-formed report.
// Per-run state is torn down before it returns.
//
//nolint:funlen // sequential pipeline with teardown on every step
func (o *Orchestrator) Run(ctx context.Context, req ExecutionRequest, limits ExecutionLimits) (report ExecutionReport) {
	start := time.Now()
	runID := newRunID()
	runnerName := lo.Ternary(req.Runner == "", o.defaultRunner, req.Runner)
	log := logger.FromContext(ctx, o.logger).With(
		zap.String(logger.FieldRunID, runID),
		zap.String("runner", runnerName))

	abort := func(status Outcome, err error) ExecutionReport {
		log.Warn("run aborted", zap.String("status", string(status)), zap.Error(err))
		outcome := ExecutionOutcome{Status: status, ExitCode: -1, Err: err, Elapsed: time.Since(start)}
		return o.assemble(runID, runnerName, outcome, []TestResult{o.reporter.Synthetic(outcome, nil)}, start)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during run", zap.Any("panic", r), zap.Stack("stack"))
			report = abort(OutcomeCrashed, &ExecutionFault{Outcome: OutcomeCrashed, Reason: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	if req.Fault != nil {
		return abort(OutcomeCrashed, &ExecutionFault{Outcome: OutcomeCrashed, Reason: req.Fault.Error()})
	}

	profile, ok := o.runners[runnerName]
	if !ok {
		return abort(OutcomeCrashed, &ExecutionFault{Outcome: OutcomeCrashed, Reason: fmt.Sprintf("unknown runner %q", runnerName)})
	}
	if err := limits.Validate(); err != nil {
		return abort(OutcomeCrashed, err)
	}

	watchdog := limits.WallClock()
	if req.TimeBudget > 0 && req.TimeBudget < watchdog {
		watchdog = req.TimeBudget
	}
	runCtx, cancel := context.WithTimeout(ctx, watchdog+o.grace)
	defer cancel()

	lease, err := o.pool.Acquire(runCtx)
	if err != nil {
		status := contextOutcome(runCtx)
		return abort(status, &ExecutionFault{Outcome: status, Reason: err.Error()})
	}
	defer lease.Release()

	unprivileged, err := NewPrivilegedContext().Drop(lease.Identity())
	if err != nil {
		return abort(OutcomeCrashed, err)
	}
	bounded, err := unprivileged.ApplyLimits(limits)
	if err != nil {
		return abort(OutcomeCrashed, err)
	}

	ws, err := NewWorkspace(o.workspaceRoot)
	if err != nil {
		return abort(OutcomeCrashed, &ExecutionFault{Outcome: OutcomeCrashed, Reason: err.Error()})
	}
	defer func() {
		if err := ws.Destroy(); err != nil {
			log.Error("failed to remove workspace", zap.String("path", ws.Dir()), zap.Error(err))
		}
	}()

	if err := o.materialize(ws, req, profile, bounded.Identity()); err != nil {
		return abort(OutcomeCrashed, &ExecutionFault{Outcome: OutcomeCrashed, Reason: err.Error()})
	}

	log.Info("run started",
		zap.String("identity", bounded.Identity().String()),
		zap.Int("files", len(req.Files)),
		zap.Duration("watchdog", watchdog))

	outcome := o.harness.Execute(runCtx, LaunchSpec{
		RunID:     runID,
		Bounded:   bounded,
		Workspace: ws,
		Runner: RunnerSpec{
			Name:               runnerName,
			Command:            profile.Command,
			Env:                profile.Env,
			CompletedExitCodes: profile.CompletedExitCodes,
		},
	}, watchdog)

	tests, parseErr := o.reporter.Collect(outcome, profile, ws)
	if parseErr != nil {
		log.Warn("runner report could not be parsed", zap.Error(parseErr))
		if outcome.Err == nil {
			outcome.Err = parseErr
		}
	}

	report = o.assemble(runID, runnerName, outcome, tests, start)
	log.Info("run finished",
		zap.String("outcome", string(report.Summary.Outcome)),
		zap.Int("passed", report.Summary.Passed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("error", report.Summary.Error),
		zap.Int("skipped", report.Summary.Skipped),
		zap.Duration("elapsed", outcome.Elapsed))
	return report
}

func (o *Orchestrator) materialize(ws *Workspace, req ExecutionRequest, profile config.RunnerProfile, id Identity) error {
	if err := ws.Materialize(maps.Clone(req.Files)); err != nil {
		return fmt.Errorf("materializing payload: %w", err)
	}
	if m := req.Manifest; m != nil {
		name := lo.Ternary(m.Filename == "", profile.ManifestFile, m.Filename)
		if name == "" {
			return fmt.Errorf("runner has no manifest file name and none was given")
		}
		if err := ws.WriteFile(name, []byte(m.Content)); err != nil {
			return fmt.Errorf("writing manifest: %w", err)
		}
	}
	if err := ws.Handover(id); err != nil {
		return fmt.Errorf("handing over workspace: %w", err)
	}
	return nil
}

func (o *Orchestrator) assemble(runID, runner string, outcome ExecutionOutcome, tests []TestResult, start time.Time) ExecutionReport {
	if tests == nil {
		tests = []TestResult{}
	}
	return ExecutionReport{
		RunID:     runID,
		Runner:    runner,
		Summary:   Summarize(tests, outcome.Status, time.Since(start)),
		Tests:     tests,
		Execution: summarizeExecution(outcome),
	}
}

func newRunID() string {
	id, err := gonanoid.Generate(runIDAlphabet, 12)
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id
}
