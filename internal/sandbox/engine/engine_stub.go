//go:build !linux

package engine

import (
	"context"

	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
	appErr "runbox/pkg/errors"
)

type stubEngine struct{}

func NewEngine(cfg Config, resolver ProfileResolver) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionOutcome, error) {
	return result.ExecutionOutcome{}, appErr.New(appErr.SandboxSystemError).WithMessage("sandbox engine is only supported on linux")
}

func (s *stubEngine) Kill(ctx context.Context, requestID string) error {
	return appErr.New(appErr.SandboxSystemError).WithMessage("sandbox engine is only supported on linux")
}
