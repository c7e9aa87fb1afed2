package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pytestReportFixture = `{
  "created": 1700000000.0,
  "duration": 0.05,
  "exitcode": 1,
  "collectors": [
    {"nodeid": "", "outcome": "passed", "result": []},
    {"nodeid": "test_broken.py", "outcome": "failed", "longrepr": "ImportError while importing test module"}
  ],
  "tests": [
    {
      "nodeid": "test_app.py::test_add",
      "outcome": "passed",
      "setup": {"duration": 0.001, "outcome": "passed"},
      "call": {"duration": 0.002, "outcome": "passed"},
      "teardown": {"duration": 0.001, "outcome": "passed"}
    },
    {
      "nodeid": "test_app.py::test_sub",
      "outcome": "failed",
      "setup": {"duration": 0.001, "outcome": "passed"},
      "call": {
        "duration": 0.003,
        "outcome": "failed",
        "crash": {"path": "test_app.py", "lineno": 7, "message": "assert 1 == 2"},
        "longrepr": "def test_sub():\n>       assert 1 == 2\nE       assert 1 == 2"
      },
      "teardown": {"duration": 0.001, "outcome": "passed"}
    },
    {
      "nodeid": "test_app.py::test_later",
      "outcome": "skipped",
      "setup": {"duration": 0.0, "outcome": "skipped", "longrepr": ["test_app.py", 10, "Skipped: not yet"]},
      "teardown": {"duration": 0.0, "outcome": "passed"}
    },
    {
      "nodeid": "test_app.py::test_known_bug",
      "outcome": "xfailed",
      "setup": {"duration": 0.0, "outcome": "passed"},
      "call": {"duration": 0.001, "outcome": "skipped", "longrepr": "known bug"},
      "teardown": {"duration": 0.0, "outcome": "passed"}
    },
    {
      "nodeid": "test_app.py::test_fixed_bug",
      "outcome": "xpassed",
      "call": {"duration": 0.001, "outcome": "passed"}
    },
    {
      "nodeid": "test_app.py::test_fixture",
      "outcome": "error",
      "setup": {"duration": 0.0, "outcome": "failed", "longrepr": "fixture 'db' not found\nmore"}
    }
  ]
}`

func TestPytestJSONParser(t *testing.T) {
	results, err := PytestJSONParser{}.Parse([]byte(pytestReportFixture))
	require.NoError(t, err)
	require.Len(t, results, 7)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{
		"test_broken.py",
		"test_app.py::test_add",
		"test_app.py::test_sub",
		"test_app.py::test_later",
		"test_app.py::test_known_bug",
		"test_app.py::test_fixed_bug",
		"test_app.py::test_fixture",
	}, ids)

	collection := results[0]
	assert.Equal(t, StatusError, collection.Status)
	assert.Contains(t, collection.Detail.Trace, "ImportError")

	add := results[1]
	assert.Equal(t, StatusPassed, add.Status)
	assert.InDelta(t, 0.004, add.Duration, 1e-9)
	assert.Nil(t, add.Detail)

	sub := results[2]
	assert.Equal(t, StatusFailed, sub.Status)
	require.NotNil(t, sub.Detail)
	assert.Equal(t, "assert 1 == 2", sub.Detail.Message)
	assert.Contains(t, sub.Detail.Trace, "E       assert 1 == 2")

	later := results[3]
	assert.Equal(t, StatusSkipped, later.Status)
	require.NotNil(t, later.Detail)
	assert.Equal(t, "Skipped: not yet", later.Detail.Message)

	assert.Equal(t, StatusSkipped, results[4].Status)
	assert.Equal(t, StatusPassed, results[5].Status)

	fixture := results[6]
	assert.Equal(t, StatusError, fixture.Status)
	assert.Equal(t, "fixture 'db' not found", fixture.Detail.Message)
}

func TestPytestJSONParserRejects(t *testing.T) {
	for name, payload := range map[string]string{
		"NotJSON":        "collected 3 items",
		"NoTests":        `{"exitcode": 0}`,
		"UnknownOutcome": `{"tests": [{"nodeid": "t", "outcome": "exploded"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := PytestJSONParser{}.Parse([]byte(payload))
			var parseErr *ReportParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, "pytest-json", parseErr.Format)
		})
	}
}

func TestPytestJSONParserEmptySuite(t *testing.T) {
	results, err := PytestJSONParser{}.Parse([]byte(`{"tests": []}`))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func goEvents(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

func TestGoTestJSONParser(t *testing.T) {
	payload := goEvents(
		`{"Action":"start","Package":"example.com/calc"}`,
		`{"Action":"run","Package":"example.com/calc","Test":"TestAdd"}`,
		`{"Action":"output","Package":"example.com/calc","Test":"TestAdd","Output":"=== RUN   TestAdd\n"}`,
		`{"Action":"output","Package":"example.com/calc","Test":"TestAdd","Output":"--- PASS: TestAdd (0.00s)\n"}`,
		`{"Action":"pass","Package":"example.com/calc","Test":"TestAdd","Elapsed":0.01}`,
		`{"Action":"run","Package":"example.com/calc","Test":"TestSub"}`,
		`{"Action":"output","Package":"example.com/calc","Test":"TestSub","Output":"=== RUN   TestSub\n"}`,
		`{"Action":"output","Package":"example.com/calc","Test":"TestSub","Output":"    calc_test.go:12: got 1, want 2\n"}`,
		`{"Action":"output","Package":"example.com/calc","Test":"TestSub","Output":"--- FAIL: TestSub (0.00s)\n"}`,
		`{"Action":"fail","Package":"example.com/calc","Test":"TestSub","Elapsed":0.02}`,
		`{"Action":"run","Package":"example.com/calc","Test":"TestLater"}`,
		`{"Action":"skip","Package":"example.com/calc","Test":"TestLater","Elapsed":0}`,
		`{"Action":"fail","Package":"example.com/calc","Elapsed":0.05}`,
	)

	results, err := GoTestJSONParser{}.Parse(payload)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "example.com/calc.TestAdd", results[0].ID)
	assert.Equal(t, StatusPassed, results[0].Status)
	assert.InDelta(t, 0.01, results[0].Duration, 1e-9)
	assert.Nil(t, results[0].Detail)

	assert.Equal(t, "example.com/calc.TestSub", results[1].ID)
	assert.Equal(t, StatusFailed, results[1].Status)
	require.NotNil(t, results[1].Detail)
	assert.Equal(t, "calc_test.go:12: got 1, want 2", results[1].Detail.Message)

	assert.Equal(t, StatusSkipped, results[2].Status)
}

func TestGoTestJSONParserBuildFailure(t *testing.T) {
	payload := goEvents(
		`{"ImportPath":"example.com/calc [example.com/calc.test]","Action":"build-output","Output":"./calc.go:3:1: syntax error\n"}`,
		`{"ImportPath":"example.com/calc [example.com/calc.test]","Action":"build-fail"}`,
		`{"Action":"start","Package":"example.com/calc"}`,
		`{"Action":"output","Package":"example.com/calc","Output":"FAIL\texample.com/calc [build failed]\n"}`,
		`{"Action":"fail","Package":"example.com/calc","Elapsed":0,"FailedBuild":"example.com/calc [example.com/calc.test]"}`,
	)

	results, err := GoTestJSONParser{}.Parse(payload)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "example.com/calc", results[0].ID)
	assert.Equal(t, StatusError, results[0].Status)
	assert.Contains(t, results[0].Detail.Trace, "syntax error")
}

func TestGoTestJSONParserUnfinishedTest(t *testing.T) {
	payload := goEvents(
		`{"Action":"run","Package":"example.com/calc","Test":"TestHang"}`,
		`{"Action":"output","Package":"example.com/calc","Test":"TestHang","Output":"=== RUN   TestHang\n"}`,
	)

	results, err := GoTestJSONParser{}.Parse(payload)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusError, results[0].Status)
	assert.Equal(t, "test did not finish", results[0].Detail.Message)
}

func TestGoTestJSONParserNoEvents(t *testing.T) {
	_, err := GoTestJSONParser{}.Parse([]byte("ok  \texample.com/calc\t0.01s\n"))
	var parseErr *ReportParseError
	require.ErrorAs(t, err, &parseErr)
}
