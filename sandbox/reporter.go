package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/isdmx/testbox/config"
)

// Parser turns a runner's structured report into test results, in discovery
// order.
type Parser interface {
	Format() string
	Parse(payload []byte) ([]TestResult, error)
}

// Reporter collects the test results of a run.
type Reporter struct {
	parsers     map[string]Parser
	detailLimit int
	outputLimit int
}

// NewReporter creates a reporter with the built-in parsers.
func NewReporter(detailLimit, outputLimit int, extra ...Parser) *Reporter {
	r := &Reporter{
		parsers:     make(map[string]Parser),
		detailLimit: detailLimit,
		outputLimit: outputLimit,
	}
	for _, p := range append([]Parser{PytestJSONParser{}, GoTestJSONParser{}}, extra...) {
		r.parsers[p.Format()] = p
	}
	return r
}

// Collect returns the results for outcome. Results are only parsed from a
// completed run; anything else, or a report that cannot be parsed, yields a
// single synthetic error result. The second return value is the parse error
// when there was one.
func (r *Reporter) Collect(outcome ExecutionOutcome, profile config.RunnerProfile, ws *Workspace) ([]TestResult, error) {
	if outcome.Status != OutcomeCompleted {
		return []TestResult{r.Synthetic(outcome, nil)}, nil
	}

	payload, err := r.payload(outcome, profile, ws)
	if err == nil {
		var tests []TestResult
		tests, err = r.parse(profile.Format, payload)
		if err == nil {
			return tests, nil
		}
	}

	var parseErr *ReportParseError
	if !errors.As(err, &parseErr) {
		parseErr = &ReportParseError{Format: profile.Format, Err: err}
	}
	return []TestResult{r.Synthetic(outcome, parseErr)}, parseErr
}

func (r *Reporter) payload(outcome ExecutionOutcome, profile config.RunnerProfile, ws *Workspace) ([]byte, error) {
	if profile.ReportFile == "" {
		if outcome.StdoutTruncated {
			return nil, errors.New("report on stdout was truncated")
		}
		return outcome.Stdout, nil
	}
	if ws == nil {
		return nil, errors.New("no workspace to read the report from")
	}
	data, err := ws.ReadFile(profile.ReportFile, MaxArchiveBytes)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", profile.ReportFile, err)
	}
	return data, nil
}

func (r *Reporter) parse(format string, payload []byte) ([]TestResult, error) {
	parser, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser for format %q", format)
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, errors.New("report is empty")
	}
	tests, err := parser.Parse(payload)
	if err != nil {
		return nil, err
	}
	for i := range tests {
		if d := tests[i].Detail; d != nil {
			d.Message = boundText(d.Message, r.detailLimit)
			d.Trace = boundText(d.Trace, r.detailLimit)
		}
	}
	return tests, nil
}

// Synthetic builds the single error result that stands in for a run whose
// tests cannot be trusted.
func (r *Reporter) Synthetic(outcome ExecutionOutcome, parseErr error) TestResult {
	id := "sandbox/" + string(outcome.Status)
	message := fmt.Sprintf("execution %s", outcome.Status)
	switch {
	case parseErr != nil:
		id = "sandbox/report"
		message = parseErr.Error()
	case outcome.Err != nil:
		message = outcome.Err.Error()
	}

	var trace strings.Builder
	fmt.Fprintf(&trace, "outcome: %s\nexit_code: %d\n", outcome.Status, outcome.ExitCode)
	if outcome.Signal != "" {
		fmt.Fprintf(&trace, "signal: %s\n", outcome.Signal)
	}
	fmt.Fprintf(&trace, "--- stdout ---\n%s\n--- stderr ---\n%s", outcome.Stdout, outcome.Stderr)

	return TestResult{
		ID:       id,
		Status:   StatusError,
		Duration: outcome.Elapsed.Seconds(),
		Detail: &TestDetail{
			Message: boundText(message, r.detailLimit),
			Trace:   boundText(trace.String(), r.outputLimit),
		},
	}
}
