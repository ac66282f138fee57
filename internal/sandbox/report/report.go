// Package report parses test reports emitted by in-sandbox runners and aligns
// them with the declared test cases.
package report

import (
	"runbox/internal/sandbox/result"
	appErr "runbox/pkg/errors"
)

const (
	FormatJUnit = "junit"
	FormatJSON  = "json"
)

const notReportedMessage = "test case not reported"

// Reported is one case as the runner reported it.
type Reported struct {
	result.TestCaseResult
	// Aliases are extra names the case may be matched by.
	Aliases []string
}

// Parsed is a raw report before normalization.
type Parsed struct {
	Cases []Reported
	// Error is a runner-level failure message, if the runner reported one.
	Error string
}

// Case is a declared test case as seen by the normalizer.
type Case struct {
	Name   string
	Hidden bool
	Hint   string
}

// Parse decodes data in the given report format.
func Parse(format string, data []byte) (*Parsed, error) {
	switch format {
	case FormatJUnit:
		return ParseJUnit(data)
	case FormatJSON, "":
		return ParseJSON(data)
	default:
		return nil, appErr.Newf(appErr.TestReportInvalid, "unknown report format %q", format)
	}
}
