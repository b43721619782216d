// Package envelope parses the sentinel-delimited result protocol emitted by
// executed scripts. A well-behaved script prints a start marker, one JSON
// object, and an end marker; everything else on stdout is noise. When the
// markers are missing the output is classified by keyword heuristics instead
// of being rejected outright.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
)

// Truncation caps applied when raw output is folded into messages.
const (
	errTruncate     = 1000
	rawTruncate     = 500
	payloadTruncate = 300
)

// Markers name the sentinel pair that brackets a JSON result. Each pipeline
// phase uses its own pair so stale output from a previous phase can never be
// mistaken for a result.
type Markers struct {
	Start string
	End   string
}

// Marker pairs used by the pipeline phases.
var (
	TaskMarkers     = Markers{Start: "TASK_RESULT_START", End: "TASK_RESULT_END"}
	AnalysisMarkers = Markers{Start: "SCHEMA_ANALYSIS_RESULT_START", End: "SCHEMA_ANALYSIS_RESULT_END"}
	ConfigMarkers   = Markers{Start: "SOURCE_CONFIG_START", End: "SOURCE_CONFIG_END"}
)

// Result is the parsed outcome of one script execution.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Heuristic is true when the verdict came from keyword classification
	// rather than a marker-delimited JSON payload.
	Heuristic bool `json:"-"`
}

// Stats counts how each Parse call was resolved. The heuristic fallback is a
// compatibility shim; rising fallback counts mean the generated scripts are
// drifting away from the result protocol.
type Stats struct {
	Strict           uint64 `json:"strict"`
	DecodeFailed     uint64 `json:"decode_failed"`
	HeuristicSuccess uint64 `json:"heuristic_success"`
	HeuristicFailure uint64 `json:"heuristic_failure"`
}

var parseStats struct {
	strict, decodeFailed, heuristicSuccess, heuristicFailure atomic.Uint64
}

// CollectStats returns a snapshot of the process-wide parse counters.
func CollectStats() Stats {
	return Stats{
		Strict:           parseStats.strict.Load(),
		DecodeFailed:     parseStats.decodeFailed.Load(),
		HeuristicSuccess: parseStats.heuristicSuccess.Load(),
		HeuristicFailure: parseStats.heuristicFailure.Load(),
	}
}

// Parse extracts a Result from raw script output.
//
// With both markers present and ordered, the text between them must be valid
// JSON; a decode failure is a failed Result carrying the decode error, not a
// Go error. Without markers the output is classified: error keywords beat
// success keywords, and output matching neither fails with "no result markers
// found". Parse never returns an error today; the signature leaves room for
// callers that must distinguish I/O failures from protocol ones.
func Parse(raw string, m Markers) Result {
	startIdx := strings.Index(raw, m.Start)
	endIdx := strings.Index(raw, m.End)

	if startIdx == -1 || endIdx == -1 || endIdx <= startIdx {
		return classify(raw)
	}

	jsonText := strings.TrimSpace(raw[startIdx+len(m.Start) : endIdx])
	var res Result
	if err := json.Unmarshal([]byte(jsonText), &res); err != nil {
		parseStats.decodeFailed.Add(1)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("failed to parse result JSON: %v. Raw: %s", err, truncate(jsonText, payloadTruncate)),
		}
	}
	parseStats.strict.Add(1)
	return res
}

// ParseError reports a strict parse that could not find or decode the
// sentinel payload.
type ParseError struct {
	Reason  string
	Preview string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s. Output preview: %s", e.Reason, e.Preview)
}

// ParseStrict extracts the JSON payload between the markers, with no
// heuristic fallback. Discovery uses this: a missing envelope there means
// the generated inspection code is wrong and must be regenerated, not
// guessed around.
func ParseStrict(raw string, m Markers) (json.RawMessage, error) {
	startIdx := strings.Index(raw, m.Start)
	endIdx := strings.Index(raw, m.End)
	if startIdx == -1 || endIdx == -1 || endIdx <= startIdx {
		return nil, &ParseError{
			Reason:  fmt.Sprintf("expected markers %q and %q not found or in wrong order", m.Start, m.End),
			Preview: truncate(raw, rawTruncate),
		}
	}
	jsonText := strings.TrimSpace(raw[startIdx+len(m.Start) : endIdx])
	if !json.Valid([]byte(jsonText)) {
		return nil, &ParseError{
			Reason:  "payload between markers is not valid JSON",
			Preview: truncate(jsonText, rawTruncate),
		}
	}
	return json.RawMessage(jsonText), nil
}

func classify(raw string) Result {
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "error") || strings.Contains(lower, "exception") || strings.Contains(lower, "traceback") {
		parseStats.heuristicFailure.Add(1)
		return Result{
			Success:   false,
			Error:     "execution error: " + truncate(raw, errTruncate),
			Heuristic: true,
		}
	}
	if strings.Contains(lower, "success") || strings.Contains(lower, "completed") || strings.Contains(lower, "loaded") {
		parseStats.heuristicSuccess.Add(1)
		data, _ := json.Marshal(map[string]string{"raw_output": truncate(raw, rawTruncate)})
		return Result{
			Success:   true,
			Message:   "task appears successful based on output",
			Data:      data,
			Heuristic: true,
		}
	}
	parseStats.heuristicFailure.Add(1)
	return Result{
		Success:   false,
		Error:     "no result markers found. Output: " + truncate(raw, rawTruncate),
		Heuristic: true,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
