// Package observer defines metrics hooks for sandbox execution.
package observer

import (
	"context"
	"time"

	"runbox/internal/sandbox/result"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, elapsed time.Duration)
	ObserveRun(ctx context.Context, res result.NormalizedResult)
	// ObserveInFlight reports the number of requests holding a workspace.
	ObserveInFlight(n int64)
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func (NoopRecorder) ObserveCompile(context.Context, string, bool, time.Duration) {}
func (NoopRecorder) ObserveRun(context.Context, result.NormalizedResult)         {}
func (NoopRecorder) ObserveInFlight(int64)                                       {}
