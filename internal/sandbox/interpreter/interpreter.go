// Package interpreter turns raw sandbox outcomes into normalized results.
package interpreter

import (
	"context"

	"runbox/internal/sandbox/adapter"
	"runbox/internal/sandbox/report"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Input is everything needed to interpret one run.
type Input struct {
	Outcome   result.ExecutionOutcome
	Adapter   adapter.Adapter
	Workspace *workspace.Workspace
	// WithTests is set when the request carried a test specification.
	WithTests bool
	Tests     []report.Case
}

// Interpret maps a run outcome, and the test report if one exists, into a
// NormalizedResult. With a report, the status is passed only when the phase is
// completed and every case passed; otherwise it is passed only when the phase
// is completed and the exit code is zero. An unparseable report is recorded
// as a diagnostic and the exit code decides.
func Interpret(ctx context.Context, in Input) result.NormalizedResult {
	out := in.Outcome
	res := result.NormalizedResult{
		Phase:           out.Phase,
		ExitCode:        out.ExitCode,
		Signal:          out.Signal,
		Stdout:          out.Stdout,
		StdoutTruncated: out.StdoutTruncated,
		Stderr:          out.Stderr,
		StderrTruncated: out.StderrTruncated,
		Elapsed:         out.Elapsed,
		TimeoutSource:   out.TimeoutSource,
		Usage: result.Usage{
			CPUTimeMs:    out.CPUTimeMs,
			PeakMemoryKB: out.PeakMemoryKB,
		},
	}
	if out.Diagnostic != "" {
		res.Diagnostics = append(res.Diagnostics, out.Diagnostic)
	}
	if out.StdoutTruncated {
		res.Diagnostics = append(res.Diagnostics, "stdout truncated")
	}
	if out.StderrTruncated {
		res.Diagnostics = append(res.Diagnostics, "stderr truncated")
	}

	if in.WithTests && in.Adapter != nil && reportExpected(out.Phase) {
		rep, err := in.Adapter.InterpretTests(in.Workspace, out, in.Tests)
		if err != nil {
			logger.Warn(ctx, "test report unusable, falling back to exit code", zap.Error(err))
			res.Diagnostics = append(res.Diagnostics, appErr.TestReportInvalid.String()+": "+err.Error())
		} else if rep != nil {
			res.Tests = rep
		}
	}

	passed := out.Phase == result.PhaseCompleted
	if res.Tests != nil {
		passed = passed && res.Tests.AllPassed()
	} else {
		passed = passed && out.ExitCode == 0
	}
	if passed {
		res.Status = result.StatusPassed
	} else {
		res.Status = result.StatusFailed
	}
	if code := CodeForOutcome(out); code != appErr.Success {
		res.ErrorCode = int(code)
		res.ErrorKind = code.String()
	}
	return res
}

// CompileFailed builds the result for a request that stopped at compilation.
func CompileFailed(compile result.CompileResult) result.NormalizedResult {
	res := result.NormalizedResult{
		Status:    result.StatusFailed,
		Phase:     result.PhaseCompileFailed,
		ExitCode:  compile.ExitCode,
		Stdout:    compile.Stdout,
		Stderr:    compile.Stderr,
		Elapsed:   compile.Elapsed,
		ErrorCode: int(appErr.CompilationError),
		ErrorKind: appErr.CompilationError.String(),
	}
	res.StderrTruncated = compile.StderrTruncated
	return res
}

// CodeForOutcome maps an outcome to its error code; completed maps to Success.
func CodeForOutcome(out result.ExecutionOutcome) appErr.ErrorCode {
	switch out.Phase {
	case result.PhaseCompleted:
		return appErr.Success
	case result.PhaseCompileFailed:
		return appErr.CompilationError
	case result.PhaseLaunchError:
		return appErr.SandboxLaunchFailed
	case result.PhaseCancelled:
		return appErr.ExecutionCancelled
	case result.PhaseTimedOut:
		switch {
		case out.TimeoutSource == result.TimeoutRequest:
			return appErr.RequestTimeout
		case out.CPULimitHit:
			return appErr.CPUTimeLimitExceeded
		default:
			return appErr.TimeLimitExceeded
		}
	case result.PhaseRuntimeError:
		switch {
		case out.OomKilled:
			return appErr.MemoryLimitExceeded
		case out.PidsLimitHit:
			return appErr.ProcessLimitExceeded
		default:
			return appErr.RuntimeError
		}
	default:
		return appErr.InternalServerError
	}
}

// reportExpected tells whether the runner may have written a report.
func reportExpected(phase result.Phase) bool {
	switch phase {
	case result.PhaseCompleted, result.PhaseRuntimeError, result.PhaseTimedOut:
		return true
	default:
		return false
	}
}
