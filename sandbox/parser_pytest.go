package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/isdmx/testbox/config"
)

// PytestJSONParser reads the report written by the pytest-json-report plugin.
type PytestJSONParser struct{}

type pytestReport struct {
	Tests      *[]pytestTest     `json:"tests"`
	Collectors []pytestCollector `json:"collectors"`
}

type pytestTest struct {
	NodeID   string       `json:"nodeid"`
	Outcome  string       `json:"outcome"`
	Setup    *pytestStage `json:"setup"`
	Call     *pytestStage `json:"call"`
	Teardown *pytestStage `json:"teardown"`
}

type pytestStage struct {
	Duration float64         `json:"duration"`
	Outcome  string          `json:"outcome"`
	Crash    *pytestCrash    `json:"crash"`
	Longrepr json.RawMessage `json:"longrepr"`
}

type pytestCrash struct {
	Message string `json:"message"`
}

type pytestCollector struct {
	NodeID   string          `json:"nodeid"`
	Outcome  string          `json:"outcome"`
	Longrepr json.RawMessage `json:"longrepr"`
}

func (PytestJSONParser) Format() string { return config.FormatPytestJSON }

// Parse implements Parser. Collection failures become error results ahead
// of the collected tests.
func (PytestJSONParser) Parse(payload []byte) ([]TestResult, error) {
	var report pytestReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, &ReportParseError{Format: config.FormatPytestJSON, Err: err}
	}
	if report.Tests == nil {
		return nil, &ReportParseError{Format: config.FormatPytestJSON, Err: fmt.Errorf("report has no tests field")}
	}

	results := make([]TestResult, 0, len(*report.Tests))
	for _, c := range report.Collectors {
		if c.Outcome != "failed" {
			continue
		}
		results = append(results, TestResult{
			ID:     lo.Ternary(c.NodeID == "", "<collection>", c.NodeID),
			Status: StatusError,
			Detail: &TestDetail{Message: "collection failed", Trace: longreprText(c.Longrepr)},
		})
	}

	for _, t := range *report.Tests {
		status, err := pytestStatus(t.Outcome)
		if err != nil {
			return nil, &ReportParseError{Format: config.FormatPytestJSON, Err: fmt.Errorf("test %s: %w", t.NodeID, err)}
		}
		result := TestResult{ID: t.NodeID, Status: status}
		for _, stage := range []*pytestStage{t.Setup, t.Call, t.Teardown} {
			if stage != nil {
				result.Duration += stage.Duration
			}
		}
		if status != StatusPassed {
			result.Detail = pytestDetail(t)
		}
		results = append(results, result)
	}
	return results, nil
}

func pytestStatus(outcome string) (TestStatus, error) {
	switch outcome {
	case "passed", "xpassed":
		return StatusPassed, nil
	case "failed":
		return StatusFailed, nil
	case "skipped", "xfailed":
		return StatusSkipped, nil
	case "error":
		return StatusError, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", outcome)
	}
}

// pytestDetail takes the message and trace from the first stage that did
// not pass.
func pytestDetail(t pytestTest) *TestDetail {
	for _, stage := range []*pytestStage{t.Setup, t.Call, t.Teardown} {
		if stage == nil || stage.Outcome == "passed" {
			continue
		}
		detail := &TestDetail{Trace: longreprText(stage.Longrepr)}
		if stage.Crash != nil {
			detail.Message = stage.Crash.Message
		} else {
			detail.Message = firstLine(detail.Trace)
		}
		return detail
	}
	return nil
}

// longreprText flattens longrepr, which is a string for failures and a
// [path, lineno, reason] triple for skips.
func longreprText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []any
	if err := json.Unmarshal(raw, &parts); err == nil && len(parts) > 0 {
		return fmt.Sprint(parts[len(parts)-1])
	}
	return string(raw)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
