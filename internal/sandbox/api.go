// Package sandbox defines the public call interface of the execution orchestrator.
package sandbox

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"runbox/internal/sandbox/adapter"
	"runbox/internal/sandbox/report"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"
)

// Service is the high-level entrypoint used by callers of the sandbox.
type Service interface {
	Execute(ctx context.Context, req ExecutionRequest) (result.NormalizedResult, error)
	Kill(ctx context.Context, requestID string) error
}

// Mode selects what the orchestrator does with the artifacts.
type Mode string

const (
	ModeRun Mode = "run"
	// ModeLint only compiles or syntax-checks the artifacts.
	ModeLint Mode = "lint"
)

// ExecutionRequest contains all data needed to execute one program.
// It is treated as immutable once Execute accepts it. RequestID is generated
// when empty. Fixtures is an optional zstd-compressed tar bundle extracted
// into the workspace before compilation.
type ExecutionRequest struct {
	RequestID string             `json:"request_id"`
	Language  string             `json:"language"`
	Artifacts []Artifact         `json:"artifacts"`
	Fixtures  []byte             `json:"fixtures,omitempty"`
	Tests     *TestSpec          `json:"tests,omitempty"`
	Limits    spec.ResourceLimit `json:"limits"`
	Stdin     string             `json:"stdin,omitempty"`
	Mode      Mode               `json:"mode,omitempty"`
}

// Artifact is one source file of the request.
type Artifact struct {
	Name       string `json:"name"`
	Content    string `json:"content"`
	Executable bool   `json:"executable,omitempty"`
}

// TestSpec is either an ordered list of cases or an opaque suite descriptor.
// It is written to the workspace as tests.json for the in-sandbox runner.
type TestSpec struct {
	Cases []TestCase `json:"cases,omitempty"`
	Suite string     `json:"suite,omitempty"`
}

// TestCase is one declared test.
type TestCase struct {
	Name     string `json:"name"`
	Input    string `json:"input,omitempty"`
	Expected string `json:"expected,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// declared returns the cases the report normalizer aligns against.
func (t *TestSpec) declared() []report.Case {
	if t == nil || len(t.Cases) == 0 {
		return nil
	}
	out := make([]report.Case, 0, len(t.Cases))
	for _, c := range t.Cases {
		out = append(out, report.Case{Name: c.Name, Hidden: c.Hidden, Hint: c.Hint})
	}
	return out
}

func (r ExecutionRequest) mode() Mode {
	if r.Mode == "" {
		return ModeRun
	}
	return r.Mode
}

// validate checks everything that does not need the adapter.
func (r ExecutionRequest) validate(maxSourceBytes int64, maxLimits spec.ResourceLimit) error {
	if strings.ContainsAny(r.RequestID, `/\`) || strings.Contains(r.RequestID, "..") {
		return appErr.ValidationError("request_id", "must not contain path elements")
	}
	if strings.TrimSpace(r.Language) == "" {
		return appErr.New(appErr.RequiredFieldEmpty).WithMessage("language is required")
	}
	switch r.mode() {
	case ModeRun, ModeLint:
	default:
		return appErr.Newf(appErr.InvalidValue, "unknown mode %q", r.Mode)
	}
	if len(r.Artifacts) == 0 {
		return appErr.New(appErr.RequiredFieldEmpty).WithMessage("at least one artifact is required")
	}
	seen := make(map[string]struct{}, len(r.Artifacts))
	var total int64
	for _, a := range r.Artifacts {
		if err := workspace.ValidateName(a.Name); err != nil {
			return err
		}
		if _, dup := seen[a.Name]; dup {
			return appErr.Newf(appErr.ArtifactPathInvalid, "duplicate artifact %q", a.Name).WithDetail("name", a.Name)
		}
		seen[a.Name] = struct{}{}
		total += int64(len(a.Content))
	}
	if maxSourceBytes > 0 && total > maxSourceBytes {
		return appErr.Newf(appErr.SourceTooLarge, "artifacts total %d bytes, limit is %d", total, maxSourceBytes)
	}
	if err := validateLimits(r.Limits, maxLimits); err != nil {
		return err
	}
	return r.Tests.validate()
}

// validateLayout checks the artifact names against the files the language
// owns: the entry source must be present, and the test specification and
// the report file are written by the orchestrator and the runner only.
func (r ExecutionRequest) validateLayout(a adapter.Adapter) error {
	reserved := map[string]struct{}{adapter.TestsFile: {}}
	if a.ReportFile() != "" {
		reserved[filepath.Clean(a.ReportFile())] = struct{}{}
	}
	entry := false
	for _, art := range r.Artifacts {
		name := filepath.Clean(art.Name)
		if _, ok := reserved[name]; ok {
			return appErr.Newf(appErr.ArtifactPathInvalid, "artifact name %q is reserved", art.Name).
				WithDetail("name", art.Name)
		}
		if name == filepath.Clean(a.SourceFile()) {
			entry = true
		}
	}
	if !entry {
		return appErr.Newf(appErr.ArtifactPathInvalid, "entry artifact %q is missing", a.SourceFile()).
			WithDetail("name", a.SourceFile())
	}
	return nil
}

func (t *TestSpec) validate() error {
	if t == nil {
		return nil
	}
	if len(t.Cases) == 0 && strings.TrimSpace(t.Suite) == "" {
		return appErr.ValidationError("tests", "cases or suite is required")
	}
	names := make(map[string]struct{}, len(t.Cases))
	for i, c := range t.Cases {
		if strings.TrimSpace(c.Name) == "" {
			return appErr.ValidationError("tests.cases", "case "+strconv.Itoa(i)+" has no name")
		}
		if _, dup := names[c.Name]; dup {
			return appErr.ValidationError("tests.cases", "duplicate case "+c.Name)
		}
		names[c.Name] = struct{}{}
	}
	return nil
}

func validateLimits(l, ceiling spec.ResourceLimit) error {
	fields := []struct {
		name  string
		value int64
		max   int64
	}{
		{"cpu_time_ms", l.CPUTimeMs, ceiling.CPUTimeMs},
		{"wall_time_ms", l.WallTimeMs, ceiling.WallTimeMs},
		{"memory_mb", l.MemoryMB, ceiling.MemoryMB},
		{"stack_mb", l.StackMB, ceiling.StackMB},
		{"file_size_mb", l.FileSizeMB, ceiling.FileSizeMB},
		{"output_bytes", l.OutputBytes, ceiling.OutputBytes},
		{"pids", l.PIDs, ceiling.PIDs},
	}
	for _, f := range fields {
		if f.value < 0 {
			return appErr.Newf(appErr.LimitsInvalid, "%s must not be negative", f.name).WithDetail("field", f.name)
		}
		if f.max > 0 && f.value > f.max {
			return appErr.Newf(appErr.LimitsInvalid, "%s %d exceeds the maximum %d", f.name, f.value, f.max).
				WithDetail("field", f.name)
		}
	}
	return nil
}
