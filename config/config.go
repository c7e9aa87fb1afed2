package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig             `mapstructure:"server"`
	API     APIConfig                `mapstructure:"api"`
	Logging LoggingConfig            `mapstructure:"logging"`
	Sandbox SandboxConfig            `mapstructure:"sandbox"`
	Limits  LimitsConfig             `mapstructure:"limits"`
	Runners map[string]RunnerProfile `mapstructure:"runners"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// APIConfig holds the REST API configuration
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Launcher             string         `mapstructure:"launcher"`
	EnableDirectLauncher bool           `mapstructure:"enable_direct_launcher"`
	WorkspaceRoot        string         `mapstructure:"workspace_root"`
	OutputLimitBytes     int            `mapstructure:"output_limit_bytes"`
	DetailLimitBytes     int            `mapstructure:"detail_limit_bytes"`
	GraceMs              int            `mapstructure:"grace_ms"`
	KillGraceMs          int            `mapstructure:"kill_grace_ms"`
	MonitorIntervalMs    int            `mapstructure:"monitor_interval_ms"`
	ContainerImage       string         `mapstructure:"container_image"`
	DefaultRunner        string         `mapstructure:"default_runner"`
	Identity             IdentityConfig `mapstructure:"identity"`
}

// IdentityConfig describes the dedicated uid/gid range leased to runs.
// Every uid in [UID, UID+PoolSize) must be reserved for the sandbox.
type IdentityConfig struct {
	UID      int `mapstructure:"uid"`
	GID      int `mapstructure:"gid"`
	PoolSize int `mapstructure:"pool_size"`
}

// LimitsConfig holds the default execution limits applied when a caller
// does not supply its own.
type LimitsConfig struct {
	CPUTimeSeconds   float64 `mapstructure:"cpu_time_seconds"`
	WallClockSeconds float64 `mapstructure:"wall_clock_seconds"`
	MemoryBytes      int64   `mapstructure:"memory_bytes"`
	MaxProcesses     int     `mapstructure:"max_processes"`
	NetworkDisabled  bool    `mapstructure:"network_disabled"`
}

// RunnerProfile describes how a test runner is invoked and how its
// structured report is collected.
type RunnerProfile struct {
	Command            []string          `mapstructure:"command"`
	Format             string            `mapstructure:"format"`
	ReportFile         string            `mapstructure:"report_file"`
	ManifestFile       string            `mapstructure:"manifest_file"`
	CompletedExitCodes []int             `mapstructure:"completed_exit_codes"`
	Env                map[string]string `mapstructure:"env"`
}

// Launcher names
const (
	LauncherProcess = "process"
	LauncherDocker  = "docker"
	LauncherPodman  = "podman"
	LauncherDirect  = "direct"
)

// Report formats understood by the sandbox reporter
const (
	FormatPytestJSON = "pytest-json"
	FormatGoTestJSON = "go-test-json"
)

// PytestCompletedExitCodes are the pytest exit codes of a session that ran to
// the end: all passed, some failed, collection errors, nothing collected.
var PytestCompletedExitCodes = []int{0, 1, 2, 5}

// minOutputLimitBytes leaves room for the truncation marker.
const minOutputLimitBytes = 256

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("TESTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// SetDefaults registers the default configuration values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8000)
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.launcher", LauncherProcess)
	v.SetDefault("sandbox.enable_direct_launcher", false)
	v.SetDefault("sandbox.workspace_root", "")
	v.SetDefault("sandbox.output_limit_bytes", 1<<20)
	v.SetDefault("sandbox.detail_limit_bytes", 64<<10)
	v.SetDefault("sandbox.grace_ms", 2000)
	v.SetDefault("sandbox.kill_grace_ms", 2000)
	v.SetDefault("sandbox.monitor_interval_ms", 50)
	v.SetDefault("sandbox.container_image", "test-execution-env:latest")
	v.SetDefault("sandbox.default_runner", "pytest")
	v.SetDefault("sandbox.identity.uid", 61000)
	v.SetDefault("sandbox.identity.gid", 61000)
	v.SetDefault("sandbox.identity.pool_size", 16)

	v.SetDefault("limits.cpu_time_seconds", 30)
	v.SetDefault("limits.wall_clock_seconds", 60)
	v.SetDefault("limits.memory_bytes", 512<<20)
	v.SetDefault("limits.max_processes", 100)
	v.SetDefault("limits.network_disabled", true)

	v.SetDefault("runners", map[string]any{
		"pytest": map[string]any{
			"command": []string{
				"python3", "-m", "pytest", "-q", "-p", "no:cacheprovider",
				"--json-report", "--json-report-file=.report.json",
			},
			"format":               FormatPytestJSON,
			"report_file":          ".report.json",
			"manifest_file":        "requirements.txt",
			"completed_exit_codes": PytestCompletedExitCodes,
			"env":                  map[string]string{"PYTHONDONTWRITEBYTECODE": "1"},
		},
		"gotest": map[string]any{
			"command":              []string{"go", "test", "-json", "./..."},
			"format":               FormatGoTestJSON,
			"manifest_file":        "go.mod",
			"completed_exit_codes": []int{0, 1},
			"env":                  map[string]string{"GOFLAGS": "-mod=mod", "GOPROXY": "off", "CGO_ENABLED": "0"},
		},
	})
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid port, got: %d", c.API.Port)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	supportedLaunchers := map[string]bool{
		LauncherProcess: true,
		LauncherDocker:  true,
		LauncherPodman:  true,
		LauncherDirect:  c.Sandbox.EnableDirectLauncher, // direct only enabled if specifically allowed
	}
	if !supportedLaunchers[c.Sandbox.Launcher] {
		return fmt.Errorf("unsupported sandbox.launcher: %s", c.Sandbox.Launcher)
	}

	if c.Sandbox.OutputLimitBytes < minOutputLimitBytes {
		return fmt.Errorf("sandbox.output_limit_bytes must be at least %d, got: %d", minOutputLimitBytes, c.Sandbox.OutputLimitBytes)
	}

	if c.Sandbox.DetailLimitBytes < minOutputLimitBytes {
		return fmt.Errorf("sandbox.detail_limit_bytes must be at least %d, got: %d", minOutputLimitBytes, c.Sandbox.DetailLimitBytes)
	}

	if c.Sandbox.GraceMs <= 0 || c.Sandbox.KillGraceMs <= 0 || c.Sandbox.MonitorIntervalMs <= 0 {
		return fmt.Errorf("sandbox.grace_ms, sandbox.kill_grace_ms and sandbox.monitor_interval_ms must be positive")
	}

	if c.Sandbox.Identity.UID <= 0 || c.Sandbox.Identity.GID <= 0 {
		return fmt.Errorf("sandbox.identity must not be root, got uid=%d gid=%d", c.Sandbox.Identity.UID, c.Sandbox.Identity.GID)
	}

	if c.Sandbox.Identity.PoolSize <= 0 {
		return fmt.Errorf("sandbox.identity.pool_size must be positive, got: %d", c.Sandbox.Identity.PoolSize)
	}

	if (c.Sandbox.Launcher == LauncherDocker || c.Sandbox.Launcher == LauncherPodman) && c.Sandbox.ContainerImage == "" {
		return fmt.Errorf("sandbox.container_image is required for the %s launcher", c.Sandbox.Launcher)
	}

	if c.Limits.CPUTimeSeconds <= 0 || c.Limits.WallClockSeconds <= 0 {
		return fmt.Errorf("limits.cpu_time_seconds and limits.wall_clock_seconds must be positive")
	}

	if c.Limits.MemoryBytes <= 0 {
		return fmt.Errorf("limits.memory_bytes must be positive, got: %d", c.Limits.MemoryBytes)
	}

	if c.Limits.MaxProcesses <= 0 {
		return fmt.Errorf("limits.max_processes must be positive, got: %d", c.Limits.MaxProcesses)
	}

	if _, ok := c.Runners[c.Sandbox.DefaultRunner]; !ok {
		return fmt.Errorf("sandbox.default_runner %q is not defined in runners", c.Sandbox.DefaultRunner)
	}

	for name, runner := range c.Runners {
		if len(runner.Command) == 0 {
			return fmt.Errorf("runners.%s.command must not be empty", name)
		}
		if runner.Format != FormatPytestJSON && runner.Format != FormatGoTestJSON {
			return fmt.Errorf("runners.%s.format %q is not supported", name, runner.Format)
		}
		if len(runner.CompletedExitCodes) == 0 {
			return fmt.Errorf("runners.%s.completed_exit_codes must not be empty", name)
		}
	}

	return nil
}

// GetGrace returns the orchestrator's allowance on top of the wall clock limit
func (c *Config) GetGrace() time.Duration {
	return time.Duration(c.Sandbox.GraceMs) * time.Millisecond
}

// GetKillGrace returns how long to wait for a killed process tree to be reaped
func (c *Config) GetKillGrace() time.Duration {
	return time.Duration(c.Sandbox.KillGraceMs) * time.Millisecond
}

// GetMonitorInterval returns the resource monitor sampling period
func (c *Config) GetMonitorInterval() time.Duration {
	return time.Duration(c.Sandbox.MonitorIntervalMs) * time.Millisecond
}
