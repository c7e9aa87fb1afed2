package sandbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/isdmx/testbox/config"
)

// GoTestJSONParser reads the event stream of "go test -json".
type GoTestJSONParser struct{}

type goTestEvent struct {
	Action      string  `json:"Action"`
	Package     string  `json:"Package"`
	ImportPath  string  `json:"ImportPath"`
	Test        string  `json:"Test"`
	Elapsed     float64 `json:"Elapsed"`
	Output      string  `json:"Output"`
	FailedBuild string  `json:"FailedBuild"`
}

type goTestState struct {
	result TestResult
	output strings.Builder
	done   bool
}

func (GoTestJSONParser) Format() string { return config.FormatGoTestJSON }

// Parse implements Parser. Tests are reported in the order they started. A
// package that fails without any failing test, such as a build failure or a
// panic in TestMain, becomes an error result carrying the package output.
func (GoTestJSONParser) Parse(payload []byte) ([]TestResult, error) {
	var (
		order    []string
		tests    = make(map[string]*goTestState)
		pkgOut   = make(map[string]*strings.Builder)
		pkgFail  []string
		failedIn = make(map[string]bool)
		events   int
	)

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events++

		pkg := ev.Package
		if pkg == "" {
			pkg = ev.ImportPath
		}

		if ev.Test == "" {
			switch ev.Action {
			case "output", "build-output":
				b, ok := pkgOut[pkg]
				if !ok {
					b = &strings.Builder{}
					pkgOut[pkg] = b
				}
				b.WriteString(ev.Output)
			case "fail":
				pkgFail = append(pkgFail, pkg)
				if ev.FailedBuild != "" && ev.FailedBuild != pkg {
					if b, ok := pkgOut[ev.FailedBuild]; ok {
						pkgOut[pkg] = b
					}
				}
			}
			continue
		}

		id := pkg + "." + ev.Test
		st, ok := tests[id]
		if !ok {
			st = &goTestState{result: TestResult{ID: id}}
			tests[id] = st
			order = append(order, id)
		}

		switch ev.Action {
		case "output":
			st.output.WriteString(ev.Output)
		case "pass":
			st.result.Status, st.done = StatusPassed, true
			st.result.Duration = ev.Elapsed
		case "fail":
			st.result.Status, st.done = StatusFailed, true
			st.result.Duration = ev.Elapsed
			failedIn[pkg] = true
		case "skip":
			st.result.Status, st.done = StatusSkipped, true
			st.result.Duration = ev.Elapsed
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ReportParseError{Format: config.FormatGoTestJSON, Err: err}
	}
	if events == 0 {
		return nil, &ReportParseError{Format: config.FormatGoTestJSON, Err: errors.New("no test events found")}
	}

	results := make([]TestResult, 0, len(order)+len(pkgFail))
	for _, id := range order {
		st := tests[id]
		if !st.done {
			// Started but never finished: the binary died under it.
			st.result.Status = StatusError
		}
		if st.result.Status != StatusPassed {
			trace := st.output.String()
			st.result.Detail = &TestDetail{Message: goTestMessage(st.result.Status, trace), Trace: trace}
		}
		results = append(results, st.result)
	}
	for _, pkg := range pkgFail {
		if failedIn[pkg] {
			continue
		}
		trace := ""
		if b, ok := pkgOut[pkg]; ok {
			trace = b.String()
		}
		results = append(results, TestResult{
			ID:     pkg,
			Status: StatusError,
			Detail: &TestDetail{Message: "package failed", Trace: trace},
		})
	}
	return results, nil
}

// goTestMessage picks the first line the test itself logged.
func goTestMessage(status TestStatus, trace string) string {
	for _, line := range strings.Split(trace, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "=== ") || strings.HasPrefix(trimmed, "--- ") {
			continue
		}
		return trimmed
	}
	switch status {
	case StatusSkipped:
		return "skipped"
	case StatusError:
		return "test did not finish"
	default:
		return "test failed"
	}
}
