package engine

import (
	"context"
	"errors"
	"time"

	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
//
// Run returns an error only when the engine itself cannot set up the run
// (bad spec, unresolvable profile, cgroup creation). Everything the launched
// process does, including failing to launch, is reported in the outcome.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionOutcome, error)
	Kill(ctx context.Context, requestID string) error
}

// InterruptedOutcome describes a run that ended because ctx did: a deadline
// is a request-level timeout, anything else a cancellation.
func InterruptedOutcome(err error, elapsed time.Duration) result.ExecutionOutcome {
	out := result.ExecutionOutcome{ExitCode: -1, Elapsed: elapsed}
	if errors.Is(err, context.DeadlineExceeded) {
		out.Phase = result.PhaseTimedOut
		out.TimeoutSource = result.TimeoutRequest
		out.Diagnostic = "request deadline exceeded"
		return out
	}
	out.Phase = result.PhaseCancelled
	out.Diagnostic = "execution cancelled"
	return out
}
