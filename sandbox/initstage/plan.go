package initstage

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// File descriptors handed to the init stage by the launcher.
const (
	PlanFD   = 3
	StatusFD = 4
)

// Stage error kinds written to the status pipe.
const (
	KindPrivilege = "privilege"
	KindLimits    = "limits"
	KindExec      = "exec"
)

// maxPlanBytes bounds what the init stage accepts on the plan pipe.
const maxPlanBytes = 1 << 20

// Rlimit is one kernel resource ceiling.
type Rlimit struct {
	Resource int    `json:"resource" mapstructure:"resource" validate:"gte=0"`
	Name     string `json:"name" mapstructure:"name" validate:"required"`
	Soft     uint64 `json:"soft" mapstructure:"soft"`
	Hard     uint64 `json:"hard" mapstructure:"hard" validate:"gtefield=Soft"`
}

// Plan tells the init stage who to become, which ceilings to install and
// what to execute afterwards.
type Plan struct {
	UID             int      `json:"uid" mapstructure:"uid" validate:"gt=0"`
	GID             int      `json:"gid" mapstructure:"gid" validate:"gt=0"`
	Rlimits         []Rlimit `json:"rlimits" mapstructure:"rlimits" validate:"required,dive"`
	NetworkIsolated bool     `json:"network_isolated" mapstructure:"network_isolated"`
	Workdir         string   `json:"workdir" mapstructure:"workdir" validate:"required"`
	Argv            []string `json:"argv" mapstructure:"argv" validate:"required,dive,required"`
	Env             []string `json:"env" mapstructure:"env"`
}

// StageError is reported back to the launcher over the status pipe.
type StageError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func stageErrorf(kind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// EncodePlan writes plan as JSON.
func EncodePlan(w io.Writer, plan Plan) error {
	return json.NewEncoder(w).Encode(plan)
}

// DecodePlan reads and validates a plan.
func DecodePlan(r io.Reader) (Plan, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPlanBytes))
	if err != nil {
		return Plan{}, fmt.Errorf("reading plan: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Plan{}, fmt.Errorf("unmarshalling plan: %w", err)
	}

	var plan Plan
	if err := mapstructure.Decode(payload, &plan); err != nil {
		return Plan{}, fmt.Errorf("decoding plan: %w", err)
	}

	if err := validator.New().Struct(plan); err != nil {
		return Plan{}, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

// DecodeStatus interprets what the init stage left on the status pipe. An
// empty status means the runner was executed.
func DecodeStatus(data []byte) *StageError {
	if len(data) == 0 {
		return nil
	}
	var se StageError
	if err := json.Unmarshal(data, &se); err != nil || se.Kind == "" {
		return &StageError{Kind: KindExec, Message: fmt.Sprintf("unreadable init stage status: %q", data)}
	}
	return &se
}
