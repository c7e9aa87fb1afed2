package sandbox

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/isdmx/testbox/config"
)

// ExecutionRequest is the untrusted payload for a single run.
type ExecutionRequest struct {
	// Files maps workspace-relative paths to file contents.
	Files map[string]string
	// Manifest is an optional dependency manifest placed next to the files.
	Manifest *DependencyManifest
	// TimeBudget caps the run below the wall clock limit when positive.
	TimeBudget time.Duration
	// Runner names the runner profile; empty selects the configured default.
	Runner string
	// Fault is a failure met while assembling the payload, such as a test
	// archive that could not be downloaded. Nothing is executed and the run
	// is reported as crashed.
	Fault error
}

// DependencyManifest is materialized into the workspace as a regular file.
// When Filename is empty the runner profile's manifest_file is used.
type DependencyManifest struct {
	Filename string
	Content  string
}

// ExecutionLimits bounds a single run.
type ExecutionLimits struct {
	CPUTimeSeconds   float64 `json:"cpu_time_seconds" yaml:"cpu_time_seconds" mapstructure:"cpu_time_seconds" validate:"gt=0"`
	WallClockSeconds float64 `json:"wall_clock_seconds" yaml:"wall_clock_seconds" mapstructure:"wall_clock_seconds" validate:"gt=0"`
	MemoryBytes      int64   `json:"memory_bytes" yaml:"memory_bytes" mapstructure:"memory_bytes" validate:"gt=0"`
	MaxProcesses     int     `json:"max_processes" yaml:"max_processes" mapstructure:"max_processes" validate:"gt=0"`
	NetworkDisabled  bool    `json:"network_disabled" yaml:"network_disabled" mapstructure:"network_disabled"`
}

var limitsValidator = validator.New()

// maxLimitSeconds is half the longest time.Duration, which leaves room for
// the grace periods added on top of a time limit.
const maxLimitSeconds = float64(math.MaxInt64/int64(time.Second)) / 2

// DefaultLimits returns conservative limits with networking disabled.
func DefaultLimits() ExecutionLimits {
	return ExecutionLimits{
		CPUTimeSeconds:   30,
		WallClockSeconds: 60,
		MemoryBytes:      512 << 20,
		MaxProcesses:     100,
		NetworkDisabled:  true,
	}
}

// LimitsFromConfig converts the configured default limits.
func LimitsFromConfig(c config.LimitsConfig) ExecutionLimits {
	return ExecutionLimits{
		CPUTimeSeconds:   c.CPUTimeSeconds,
		WallClockSeconds: c.WallClockSeconds,
		MemoryBytes:      c.MemoryBytes,
		MaxProcesses:     c.MaxProcesses,
		NetworkDisabled:  c.NetworkDisabled,
	}
}

// Validate checks that every numeric limit is positive and finite, and that
// time limits fit in a time.Duration.
func (l ExecutionLimits) Validate() error {
	if err := limitsValidator.Struct(l); err != nil {
		return &LimitSetupError{Limit: "limits", Err: err}
	}
	for name, v := range map[string]float64{
		"cpu_time_seconds":   l.CPUTimeSeconds,
		"wall_clock_seconds": l.WallClockSeconds,
	} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return &LimitSetupError{Limit: name, Err: fmt.Errorf("must be finite, got %v", v)}
		}
		if v > maxLimitSeconds {
			return &LimitSetupError{Limit: name, Err: fmt.Errorf("must be at most %.0f, got %v", maxLimitSeconds, v)}
		}
	}
	return nil
}

// WallClock returns the wall clock limit as a duration.
func (l ExecutionLimits) WallClock() time.Duration {
	return time.Duration(l.WallClockSeconds * float64(time.Second))
}

// Outcome is the terminal state of an execution.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeTimedOut       Outcome = "timed_out"
	OutcomeResourceKilled Outcome = "killed_resource_limit"
	OutcomeCrashed        Outcome = "crashed"
	OutcomeCancelled      Outcome = "cancelled"
)

// ExecutionOutcome is what the harness observed about one runner invocation.
type ExecutionOutcome struct {
	Status          Outcome
	ExitCode        int
	Signal          string
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
	Elapsed         time.Duration
	// Err is the infrastructure error behind a non-completed status, if any.
	Err error
}

// TestStatus is the verdict for a single test.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusError   TestStatus = "error"
	StatusSkipped TestStatus = "skipped"
)

// TestResult is one discovered test.
type TestResult struct {
	ID       string      `json:"id" yaml:"id"`
	Status   TestStatus  `json:"status" yaml:"status"`
	Duration float64     `json:"duration_seconds" yaml:"duration_seconds"`
	Detail   *TestDetail `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// TestDetail carries failure information, bounded in length.
type TestDetail struct {
	Message string `json:"message" yaml:"message"`
	Trace   string `json:"trace" yaml:"trace"`
}

// Summary aggregates a report.
type Summary struct {
	Passed          int     `json:"passed" yaml:"passed"`
	Failed          int     `json:"failed" yaml:"failed"`
	Error           int     `json:"error" yaml:"error"`
	Skipped         int     `json:"skipped" yaml:"skipped"`
	DurationSeconds float64 `json:"duration_seconds" yaml:"duration_seconds"`
	Outcome         Outcome `json:"outcome" yaml:"outcome"`
}

// ExecutionSummary is the serialized form of an ExecutionOutcome.
type ExecutionSummary struct {
	Status          Outcome `json:"status" yaml:"status"`
	ExitCode        int     `json:"exit_code" yaml:"exit_code"`
	Signal          string  `json:"signal,omitempty" yaml:"signal,omitempty"`
	ElapsedSeconds  float64 `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	Stdout          string  `json:"stdout" yaml:"stdout"`
	Stderr          string  `json:"stderr" yaml:"stderr"`
	StdoutTruncated bool    `json:"stdout_truncated" yaml:"stdout_truncated"`
	StderrTruncated bool    `json:"stderr_truncated" yaml:"stderr_truncated"`
	Error           string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// ExecutionReport is the only artifact handed back to callers.
type ExecutionReport struct {
	RunID     string           `json:"run_id" yaml:"run_id"`
	Runner    string           `json:"runner" yaml:"runner"`
	Summary   Summary          `json:"summary" yaml:"summary"`
	Tests     []TestResult     `json:"tests" yaml:"tests"`
	Execution ExecutionSummary `json:"execution" yaml:"execution"`
}

// Summarize counts tests per status.
func Summarize(tests []TestResult, outcome Outcome, elapsed time.Duration) Summary {
	count := func(s TestStatus) int {
		return lo.CountBy(tests, func(t TestResult) bool { return t.Status == s })
	}
	return Summary{
		Passed:          count(StatusPassed),
		Failed:          count(StatusFailed),
		Error:           count(StatusError),
		Skipped:         count(StatusSkipped),
		DurationSeconds: elapsed.Seconds(),
		Outcome:         outcome,
	}
}

func summarizeExecution(o ExecutionOutcome) ExecutionSummary {
	s := ExecutionSummary{
		Status:          o.Status,
		ExitCode:        o.ExitCode,
		Signal:          o.Signal,
		ElapsedSeconds:  o.Elapsed.Seconds(),
		Stdout:          string(o.Stdout),
		Stderr:          string(o.Stderr),
		StdoutTruncated: o.StdoutTruncated,
		StderrTruncated: o.StderrTruncated,
	}
	if o.Err != nil {
		s.Error = o.Err.Error()
	}
	return s
}
