package sandbox

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Report encodings
const (
	EncodingJSON = "json"
	EncodingYAML = "yaml"
)

// Encode writes report in the requested encoding. An empty encoding means
// JSON.
func Encode(w io.Writer, report ExecutionReport, encoding string) error {
	if report.Tests == nil {
		report.Tests = []TestResult{}
	}

	switch encoding {
	case "", EncodingJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case EncodingYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported report encoding: %s", encoding)
	}
}
