package sandbox

import (
	"context"

	"runbox/internal/sandbox/result"
)

// State is one step of the request state machine.
type State string

const (
	StateCreated           State = "created"
	StateWorkspacePrepared State = "workspace-prepared"
	StateCompiled          State = "compiled"
	StateCompileSkipped    State = "compile-skipped"
	StateExecuted          State = "executed"
	StateInterpreted       State = "interpreted"
	StateCleaned           State = "cleaned"
	StateFailed            State = "failed"
)

// StatusUpdate carries one state transition of a request.
type StatusUpdate struct {
	RequestID string
	Language  string
	State     State
	// Phase is set once an outcome is known.
	Phase result.Phase
	At    int64
}

// StatusReporter receives intermediate status updates. Errors are logged and
// never abort the request.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}
