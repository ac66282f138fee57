// Package result defines sandbox execution outcomes and normalized results.
package result

import "time"

// Phase is the furthest point one execution reached.
type Phase string

const (
	PhaseCompileFailed Phase = "compile-failed"
	PhaseTimedOut      Phase = "timed-out"
	PhaseRuntimeError  Phase = "runtime-error"
	PhaseCompleted     Phase = "completed"
	PhaseLaunchError   Phase = "launch-error"
	PhaseCancelled     Phase = "cancelled"
)

// Status is the overall verdict of a request.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// TimeoutSource tells which layer enforced a deadline.
type TimeoutSource string

const (
	TimeoutSandbox TimeoutSource = "sandbox"
	TimeoutRequest TimeoutSource = "request"
)

// ExecutionOutcome captures raw sandbox execution data for one process.
type ExecutionOutcome struct {
	Phase           Phase
	ExitCode        int
	Signal          string
	Stdout          string
	StdoutTruncated bool
	StdoutBytes     int64
	Stderr          string
	StderrTruncated bool
	StderrBytes     int64
	Elapsed         time.Duration
	CPUTimeMs       int64
	PeakMemoryKB    int64
	OomKilled       bool
	PidsLimitHit    bool
	CPULimitHit     bool
	TimeoutSource   TimeoutSource
	Diagnostic      string
}

// CompileResult contains compilation outcomes.
type CompileResult struct {
	OK              bool          `json:"ok"`
	Phase           Phase         `json:"phase"`
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout,omitempty"`
	Stderr          string        `json:"stderr,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	Elapsed         time.Duration `json:"elapsed_ns"`
	Skipped         bool          `json:"skipped,omitempty"`
}

// TestOutcome is the per-case verdict.
type TestOutcome string

const (
	TestPassed  TestOutcome = "passed"
	TestFailed  TestOutcome = "failed"
	TestErrored TestOutcome = "errored"
)

// TestCaseResult is one entry of a TestReport.
type TestCaseResult struct {
	Name     string        `json:"name"`
	Outcome  TestOutcome   `json:"outcome"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Hidden   bool          `json:"hidden,omitempty"`
	Hint     string        `json:"hint,omitempty"`
}

// TestReport is the normalized per-case report.
type TestReport struct {
	Cases  []TestCaseResult `json:"cases"`
	Passed int              `json:"passed"`
	Total  int              `json:"total"`
}

// AllPassed reports whether every case passed.
func (r *TestReport) AllPassed() bool {
	if r == nil {
		return false
	}
	return r.Total > 0 && r.Passed == r.Total
}

// Usage carries peak resource indicators.
type Usage struct {
	CPUTimeMs    int64 `json:"cpu_time_ms"`
	PeakMemoryKB int64 `json:"peak_memory_kb"`
}

// NormalizedResult is the language-agnostic response for every request.
type NormalizedResult struct {
	RequestID       string         `json:"request_id"`
	Language        string         `json:"language"`
	Status          Status         `json:"status"`
	Phase           Phase          `json:"phase"`
	ExitCode        int            `json:"exit_code"`
	Signal          string         `json:"signal,omitempty"`
	Stdout          string         `json:"stdout"`
	StdoutTruncated bool           `json:"stdout_truncated"`
	Stderr          string         `json:"stderr"`
	StderrTruncated bool           `json:"stderr_truncated"`
	Compile         *CompileResult `json:"compile,omitempty"`
	Tests           *TestReport    `json:"tests,omitempty"`
	Elapsed         time.Duration  `json:"elapsed_ns"`
	Usage           Usage          `json:"usage"`
	TimeoutSource   TimeoutSource  `json:"timeout_source,omitempty"`
	ErrorCode       int            `json:"error_code,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	Diagnostics     []string       `json:"diagnostics,omitempty"`
	States          []string       `json:"states"`
}
