package sandbox

import "fmt"

// PrivilegeError means the execution identity could not be established or
// verified. The runner never starts when this is returned.
type PrivilegeError struct {
	Op  string
	Err error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("privilege error: %s: %v", e.Op, e.Err)
}

func (e *PrivilegeError) Unwrap() error { return e.Err }

// LimitSetupError means a resource ceiling could not be applied. Runs fail
// closed on it.
type LimitSetupError struct {
	Limit string
	Err   error
}

func (e *LimitSetupError) Error() string {
	return fmt.Sprintf("limit setup error: %s: %v", e.Limit, e.Err)
}

func (e *LimitSetupError) Unwrap() error { return e.Err }

// ExecutionFault describes an abnormal end of the runner: timeout, resource
// kill or crash. It is reported as data, never returned to callers of Run.
type ExecutionFault struct {
	Outcome Outcome
	Reason  string
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("%s: %s", e.Outcome, e.Reason)
}

// ReportParseError means the runner's structured report was missing or
// malformed.
type ReportParseError struct {
	Format string
	Err    error
}

func (e *ReportParseError) Error() string {
	return fmt.Sprintf("report parse error (%s): %v", e.Format, e.Err)
}

func (e *ReportParseError) Unwrap() error { return e.Err }
