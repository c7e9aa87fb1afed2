package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8000,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Sandbox: SandboxConfig{
			Launcher:          LauncherProcess,
			OutputLimitBytes:  1 << 20,
			DetailLimitBytes:  64 << 10,
			GraceMs:           2000,
			KillGraceMs:       2000,
			MonitorIntervalMs: 50,
			ContainerImage:    "test-execution-env:latest",
			DefaultRunner:     "pytest",
			Identity: IdentityConfig{
				UID:      61000,
				GID:      61000,
				PoolSize: 4,
			},
		},
		Limits: LimitsConfig{
			CPUTimeSeconds:   30,
			WallClockSeconds: 60,
			MemoryBytes:      512 << 20,
			MaxProcesses:     100,
			NetworkDisabled:  true,
		},
		Runners: map[string]RunnerProfile{
			"pytest": {
				Command:            []string{"python3", "-m", "pytest"},
				Format:             FormatPytestJSON,
				ReportFile:         ".report.json",
				CompletedExitCodes: []int{0, 1},
			},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "invalid"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server.transport")
	})

	t.Run("InvalidAPIPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.API.Port = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api.port")
	})

	t.Run("InvalidLoggingMode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Mode = "invalid_mode"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.mode")
	})

	t.Run("InvalidLogLevel", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Level = "invalid_level"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.level")
	})

	t.Run("DirectLauncherWhenEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Launcher = LauncherDirect
		cfg.Sandbox.EnableDirectLauncher = true

		require.NoError(t, cfg.validate())
	})

	t.Run("DirectLauncherWhenNotEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Launcher = LauncherDirect

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.launcher")
	})

	t.Run("OutputLimitTooSmall", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.OutputLimitBytes = 10

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.output_limit_bytes must be at least")
	})

	t.Run("RootIdentity", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Identity.UID = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not be root")
	})

	t.Run("EmptyIdentityPool", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Identity.PoolSize = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool_size must be positive")
	})

	t.Run("ContainerLauncherWithoutImage", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Launcher = LauncherDocker
		cfg.Sandbox.ContainerImage = ""

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.container_image is required")
	})

	t.Run("InvalidLimits", func(t *testing.T) {
		cfg := validConfig()
		cfg.Limits.MemoryBytes = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "limits.memory_bytes must be positive")
	})

	t.Run("UnknownDefaultRunner", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.DefaultRunner = "jest"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is not defined in runners")
	})

	t.Run("UnsupportedRunnerFormat", func(t *testing.T) {
		cfg := validConfig()
		cfg.Runners["pytest"] = RunnerProfile{
			Command:            []string{"pytest"},
			Format:             "junit-xml",
			CompletedExitCodes: []int{0},
		}

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is not supported")
	})
}

func TestNewDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, LauncherProcess, cfg.Sandbox.Launcher)
	assert.Equal(t, 1<<20, cfg.Sandbox.OutputLimitBytes)
	assert.True(t, cfg.Limits.NetworkDisabled)
	assert.Equal(t, 100, cfg.Limits.MaxProcesses)

	require.Contains(t, cfg.Runners, "pytest")
	require.Contains(t, cfg.Runners, "gotest")
	assert.Equal(t, FormatPytestJSON, cfg.Runners["pytest"].Format)
	assert.Equal(t, ".report.json", cfg.Runners["pytest"].ReportFile)
	assert.Equal(t, []int{0, 1, 2, 5}, cfg.Runners["pytest"].CompletedExitCodes)
	assert.Equal(t, []int{0, 1}, cfg.Runners["gotest"].CompletedExitCodes)
}
