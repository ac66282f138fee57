package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"runbox/internal/sandbox/result"
	appErr "runbox/pkg/errors"
)

// harnessReport is the document printed by the bundled test harnesses.
type harnessReport struct {
	Passed  *bool           `json:"passed"`
	Details []harnessDetail `json:"details"`
	Summary struct {
		PassedCount int `json:"passedCount"`
		Total       int `json:"total"`
	} `json:"summary"`
	Error string `json:"error"`
}

type harnessDetail struct {
	TestID     string `json:"testId"`
	Passed     bool   `json:"passed"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Message    string `json:"message"`
	DurationMs int64  `json:"durationMs"`
	IsHidden   bool   `json:"isHidden"`
	Hint       string `json:"hint"`
}

// ParseJSON decodes the harness JSON report. When the runner printed other
// text before the report, the last line that decodes as a report is used.
func ParseJSON(data []byte) (*Parsed, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, appErr.New(appErr.TestReportInvalid).WithMessage("empty json report")
	}
	doc, err := decodeHarness(trimmed)
	if err != nil {
		lines := bytes.Split(trimmed, []byte("\n"))
		for i := len(lines) - 1; i >= 0 && err != nil; i-- {
			line := bytes.TrimSpace(lines[i])
			if len(line) == 0 || line[0] != '{' {
				continue
			}
			if d, lineErr := decodeHarness(line); lineErr == nil {
				doc, err = d, nil
			}
		}
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TestReportInvalid, "parse json report")
	}

	parsed := &Parsed{Error: strings.TrimSpace(doc.Error)}
	for _, d := range doc.Details {
		tc := Reported{TestCaseResult: result.TestCaseResult{
			Name:     d.TestID,
			Duration: time.Duration(d.DurationMs) * time.Millisecond,
			Hidden:   d.IsHidden,
			Hint:     d.Hint,
		}}
		switch {
		case d.Passed:
			tc.Outcome = result.TestPassed
		case d.Stderr != "":
			tc.Outcome = result.TestErrored
			tc.Message = strings.TrimSpace(d.Stderr)
		default:
			tc.Outcome = result.TestFailed
			tc.Message = d.Message
			if tc.Message == "" && d.Stdout != "" {
				tc.Message = "got " + strings.TrimSpace(d.Stdout)
			}
		}
		parsed.Cases = append(parsed.Cases, tc)
	}
	return parsed, nil
}

func decodeHarness(data []byte) (*harnessReport, error) {
	var doc harnessReport
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc.Passed == nil && doc.Details == nil && doc.Error == "" {
		return nil, appErr.New(appErr.TestReportInvalid).WithMessage("json report has no passed, details or error field")
	}
	return &doc, nil
}
