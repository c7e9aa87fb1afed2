package sandbox

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Executor is what the transports need from the sandbox.
type Executor interface {
	// Run executes req and always returns a report.
	Run(ctx context.Context, req ExecutionRequest, limits ExecutionLimits) ExecutionReport
	// DefaultLimits returns the limits used when a caller sets none.
	DefaultLimits() ExecutionLimits
	// Runners lists the runner profiles callers may select.
	Runners() []string
}

var _ Executor = (*Orchestrator)(nil)

// DecodeLimits overlays caller supplied limits, as decoded from JSON, on
// defaults. Unknown keys are rejected and the result is validated.
func DecodeLimits(defaults ExecutionLimits, raw map[string]any) (ExecutionLimits, error) {
	limits := defaults
	if len(raw) == 0 {
		return limits, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &limits,
		ErrorUnused: true,
		TagName:     "mapstructure",
	})
	if err != nil {
		return defaults, err
	}
	if err := decoder.Decode(raw); err != nil {
		return defaults, fmt.Errorf("invalid limits: %w", err)
	}
	if err := limits.Validate(); err != nil {
		return defaults, err
	}
	return limits, nil
}
