package sandbox

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleReport() ExecutionReport {
	outcome := ExecutionOutcome{
		Status:   OutcomeCompleted,
		ExitCode: 1,
		Stdout:   []byte("1 failed, 1 passed\n"),
		Elapsed:  1500 * time.Millisecond,
	}
	tests := []TestResult{
		{ID: "test_app.py::test_ok", Status: StatusPassed, Duration: 0.01},
		{ID: "test_app.py::test_bad", Status: StatusFailed, Duration: 0.02, Detail: &TestDetail{Message: "assert 1 == 2", Trace: "E   assert 1 == 2"}},
	}
	return ExecutionReport{
		RunID:     "abc",
		Runner:    "pytest",
		Summary:   Summarize(tests, outcome.Status, outcome.Elapsed),
		Tests:     tests,
		Execution: summarizeExecution(outcome),
	}
}

func TestEncodeJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleReport(), EncodingJSON))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	summary := decoded["summary"].(map[string]any)
	assert.Equal(t, float64(1), summary["passed"])
	assert.Equal(t, float64(1), summary["failed"])
	assert.Equal(t, "completed", summary["outcome"])

	tests := decoded["tests"].([]any)
	require.Len(t, tests, 2)
	assert.NotContains(t, tests[0].(map[string]any), "detail")
	assert.Equal(t, "assert 1 == 2", tests[1].(map[string]any)["detail"].(map[string]any)["message"])

	execution := decoded["execution"].(map[string]any)
	assert.Equal(t, float64(1), execution["exit_code"])
	assert.InDelta(t, 1.5, execution["elapsed_seconds"], 1e-9)
	assert.NotContains(t, execution, "signal")
	assert.NotContains(t, execution, "error")
}

func TestEncodeEmptyTests(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, ExecutionReport{RunID: "abc"}, ""))
	assert.Contains(t, buf.String(), `"tests": []`)
}

func TestEncodeYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleReport(), EncodingYAML))

	var decoded ExecutionReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "abc", decoded.RunID)
	assert.Equal(t, 1, decoded.Summary.Failed)
	require.Len(t, decoded.Tests, 2)
	assert.Equal(t, StatusFailed, decoded.Tests[1].Status)
}

func TestEncodeUnsupported(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, Encode(&buf, sampleReport(), "xml"))
}
