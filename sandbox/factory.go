package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/testbox/config"
)

// Option customizes an orchestrator built by NewOrchestrator.
type Option func(*factoryOptions)

type factoryOptions struct {
	launcher    Launcher
	harnessOpts []HarnessOption
	parsers     []Parser
}

// WithLauncher replaces the launcher selected by configuration.
func WithLauncher(l Launcher) Option {
	return func(o *factoryOptions) {
		o.launcher = l
	}
}

// WithHarnessOptions appends harness options after the configured ones.
func WithHarnessOptions(opts ...HarnessOption) Option {
	return func(o *factoryOptions) {
		o.harnessOpts = append(o.harnessOpts, opts...)
	}
}

// WithParsers registers additional report parsers.
func WithParsers(parsers ...Parser) Option {
	return func(o *factoryOptions) {
		o.parsers = append(o.parsers, parsers...)
	}
}

// NewLauncher creates the launcher named by the configuration.
func NewLauncher(logger *zap.Logger, cfg *config.Config) (Launcher, error) {
	switch cfg.Sandbox.Launcher {
	case config.LauncherProcess:
		return NewProcessLauncher(logger), nil
	case config.LauncherDocker, config.LauncherPodman:
		return NewContainerLauncher(logger, cfg.Sandbox.Launcher, cfg.Sandbox.ContainerImage), nil
	case config.LauncherDirect:
		if !cfg.Sandbox.EnableDirectLauncher {
			return nil, fmt.Errorf("the direct launcher is disabled")
		}
		return NewDirectLauncher(logger), nil
	default:
		return nil, fmt.Errorf("unsupported launcher: %s", cfg.Sandbox.Launcher)
	}
}

// NewOrchestrator creates an orchestrator from the application configuration.
func NewOrchestrator(logger *zap.Logger, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	var fo factoryOptions
	for _, opt := range opts {
		opt(&fo)
	}

	launcher := fo.launcher
	if launcher == nil {
		var err error
		if launcher, err = NewLauncher(logger, cfg); err != nil {
			return nil, err
		}
	}

	pool, err := NewIdentityPool(Identity{
		UID: cfg.Sandbox.Identity.UID,
		GID: cfg.Sandbox.Identity.GID,
	}, cfg.Sandbox.Identity.PoolSize)
	if err != nil {
		return nil, err
	}

	defaults := LimitsFromConfig(cfg.Limits)
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default limits: %w", err)
	}

	harnessOpts := append([]HarnessOption{
		WithOutputLimit(cfg.Sandbox.OutputLimitBytes),
		WithKillGrace(cfg.GetKillGrace()),
		WithMonitorInterval(cfg.GetMonitorInterval()),
	}, fo.harnessOpts...)
	harness := NewHarness(logger, launcher, harnessOpts...)

	logger.Info("sandbox configured",
		zap.String("launcher", launcher.Name()),
		zap.Int("identity_pool", pool.Size()),
		zap.String("default_runner", cfg.Sandbox.DefaultRunner))

	return NewOrchestratorWith(logger, pool, harness,
		NewReporter(cfg.Sandbox.DetailLimitBytes, cfg.Sandbox.OutputLimitBytes, fo.parsers...),
		OrchestratorConfig{
			Runners:       cfg.Runners,
			DefaultRunner: cfg.Sandbox.DefaultRunner,
			Defaults:      defaults,
			WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
			Grace:         cfg.GetGrace(),
		}), nil
}
