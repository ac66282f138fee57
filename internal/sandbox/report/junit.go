package report

import (
	"bytes"
	"strings"

	"runbox/internal/sandbox/result"
	appErr "runbox/pkg/errors"

	junit "github.com/joshdk/go-junit"
)

// ParseJUnit decodes a JUnit XML document. Nested suites are flattened in
// document order.
func ParseJUnit(data []byte) (*Parsed, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, appErr.New(appErr.TestReportInvalid).WithMessage("empty junit report")
	}
	suites, err := junit.Ingest(data)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TestReportInvalid, "parse junit report")
	}
	parsed := &Parsed{}
	var walk func(suites []junit.Suite)
	walk = func(suites []junit.Suite) {
		for _, suite := range suites {
			for _, test := range suite.Tests {
				parsed.Cases = append(parsed.Cases, junitCase(test))
			}
			walk(suite.Suites)
		}
	}
	walk(suites)
	if len(parsed.Cases) == 0 && !bytes.Contains(data, []byte("testsuite")) {
		return nil, appErr.New(appErr.TestReportInvalid).WithMessage("junit report has no test suites")
	}
	return parsed, nil
}

func junitCase(test junit.Test) Reported {
	tc := Reported{TestCaseResult: result.TestCaseResult{
		Name:     test.Name,
		Duration: test.Duration,
	}}
	if test.Classname != "" {
		tc.Aliases = []string{test.Classname + "." + test.Name}
	}
	switch test.Status {
	case junit.StatusPassed:
		tc.Outcome = result.TestPassed
	case junit.StatusFailed:
		tc.Outcome = result.TestFailed
		tc.Message = junitMessage(test)
	case junit.StatusSkipped:
		tc.Outcome = result.TestErrored
		tc.Message = "skipped"
		if test.Message != "" {
			tc.Message = "skipped: " + test.Message
		}
	default:
		tc.Outcome = result.TestErrored
		tc.Message = junitMessage(test)
	}
	return tc
}

func junitMessage(test junit.Test) string {
	if test.Message != "" {
		return strings.TrimSpace(test.Message)
	}
	if test.Error != nil {
		return strings.TrimSpace(test.Error.Error())
	}
	return ""
}
