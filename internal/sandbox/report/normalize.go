package report

import "runbox/internal/sandbox/result"

// Normalize aligns a parsed report with the declared cases. The result has one
// entry per declared case, in declared order; cases the runner did not report
// are errored, and reported cases that were never declared are dropped.
// Without declared cases the reported cases are kept as-is.
func Normalize(parsed *Parsed, declared []Case) *result.TestReport {
	if parsed == nil {
		parsed = &Parsed{}
	}
	report := &result.TestReport{}
	if len(declared) == 0 {
		for _, rc := range parsed.Cases {
			report.Cases = append(report.Cases, redact(rc.TestCaseResult))
		}
		return tally(report)
	}

	byName := make(map[string]int, len(parsed.Cases))
	for i, rc := range parsed.Cases {
		for _, name := range append([]string{rc.Name}, rc.Aliases...) {
			if name == "" {
				continue
			}
			if _, seen := byName[name]; !seen {
				byName[name] = i
			}
		}
	}

	missing := notReportedMessage
	if parsed.Error != "" {
		missing = notReportedMessage + ": " + parsed.Error
	}
	for _, c := range declared {
		tc := result.TestCaseResult{
			Name:    c.Name,
			Outcome: result.TestErrored,
			Message: missing,
		}
		if idx, ok := byName[c.Name]; ok {
			tc = parsed.Cases[idx].TestCaseResult
			tc.Name = c.Name
		}
		tc.Hidden = tc.Hidden || c.Hidden
		if c.Hint != "" {
			tc.Hint = c.Hint
		}
		report.Cases = append(report.Cases, redact(tc))
	}
	return tally(report)
}

// redact clears details the caller must not see.
func redact(tc result.TestCaseResult) result.TestCaseResult {
	if tc.Hidden {
		tc.Message = ""
	}
	if tc.Outcome == result.TestPassed {
		tc.Hint = ""
	}
	return tc
}

func tally(report *result.TestReport) *result.TestReport {
	report.Total = len(report.Cases)
	report.Passed = 0
	for _, tc := range report.Cases {
		if tc.Outcome == result.TestPassed {
			report.Passed++
		}
	}
	return report
}
