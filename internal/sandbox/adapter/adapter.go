// Package adapter turns language specs into sandbox commands and test reports.
package adapter

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"runbox/internal/sandbox/profile"
	"runbox/internal/sandbox/report"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"

	"github.com/google/shlex"
)

// TestsFile is the workspace file holding the serialized test specification.
const TestsFile = "tests.json"

const maxReportBytes = 8 << 20

// Adapter describes how one language is compiled, run and tested.
type Adapter interface {
	ID() string
	// SourceFile is the entry artifact every request must supply.
	SourceFile() string
	// ReportFile is the workspace file the test runner writes its report
	// to, or empty when the report is read from stdout.
	ReportFile() string
	CanCompile() bool
	CompileCommand(workDir string) ([]string, error)
	RunCommand(workDir string, withTests bool) ([]string, error)
	LintCommand(workDir string) ([]string, error)
	Env() []string
	// ScaleLimits applies the language's time and memory multipliers.
	ScaleLimits(limits spec.ResourceLimit) spec.ResourceLimit
	// InterpretTests returns (nil, nil) when no report was produced and a
	// TestReportInvalid error when the report cannot be parsed.
	InterpretTests(ws *workspace.Workspace, outcome result.ExecutionOutcome, tests []report.Case) (*result.TestReport, error)
}

// TemplateAdapter is an Adapter driven entirely by a LanguageSpec.
type TemplateAdapter struct {
	lang profile.LanguageSpec
}

// NewTemplateAdapter validates the spec and wraps it.
func NewTemplateAdapter(lang profile.LanguageSpec) (*TemplateAdapter, error) {
	if lang.ID == "" {
		return nil, appErr.ValidationError("language.id", "required")
	}
	if lang.SourceFile == "" {
		return nil, appErr.Newf(appErr.InternalServerError, "language %s: sourceFile is required", lang.ID)
	}
	if strings.TrimSpace(lang.RunCmdTpl) == "" {
		return nil, appErr.Newf(appErr.InternalServerError, "language %s: runCmd is required", lang.ID)
	}
	if lang.CompileEnabled && strings.TrimSpace(lang.CompileCmdTpl) == "" {
		return nil, appErr.Newf(appErr.InternalServerError, "language %s: compileCmd is required when compile is enabled", lang.ID)
	}
	switch lang.ReportFormat {
	case "", profile.ReportJSON, profile.ReportJUnit:
	default:
		return nil, appErr.Newf(appErr.InternalServerError, "language %s: unknown report format %q", lang.ID, lang.ReportFormat)
	}
	if lang.ReportFile != "" {
		if err := workspace.ValidateName(lang.ReportFile); err != nil {
			return nil, appErr.Wrapf(err, appErr.InternalServerError, "language %s: reportFile", lang.ID)
		}
	}
	return &TemplateAdapter{lang: lang}, nil
}

func (a *TemplateAdapter) ID() string         { return a.lang.ID }
func (a *TemplateAdapter) SourceFile() string { return a.lang.SourceFile }
func (a *TemplateAdapter) ReportFile() string { return a.lang.ReportFile }
func (a *TemplateAdapter) CanCompile() bool   { return a.lang.CompileEnabled }

func (a *TemplateAdapter) Env() []string {
	return append([]string(nil), a.lang.Env...)
}

func (a *TemplateAdapter) CompileCommand(workDir string) ([]string, error) {
	if !a.lang.CompileEnabled {
		return nil, nil
	}
	return a.buildCommand(a.lang.CompileCmdTpl, workDir)
}

func (a *TemplateAdapter) RunCommand(workDir string, withTests bool) ([]string, error) {
	if withTests && strings.TrimSpace(a.lang.TestCmdTpl) != "" {
		return a.buildCommand(a.lang.TestCmdTpl, workDir)
	}
	return a.buildCommand(a.lang.RunCmdTpl, workDir)
}

// LintCommand falls back to the compile command when no lint template exists.
func (a *TemplateAdapter) LintCommand(workDir string) ([]string, error) {
	tpl := a.lang.LintCmdTpl
	if strings.TrimSpace(tpl) == "" {
		tpl = a.lang.CompileCmdTpl
	}
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.Newf(appErr.InvalidParams, "language %s has no lint command", a.lang.ID)
	}
	return a.buildCommand(tpl, workDir)
}

func (a *TemplateAdapter) buildCommand(tpl, workDir string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", filepath.Join(workDir, a.lang.SourceFile))
	if a.lang.BinaryFile != "" {
		expanded = strings.ReplaceAll(expanded, "{bin}", filepath.Join(workDir, a.lang.BinaryFile))
	}
	expanded = strings.ReplaceAll(expanded, "{tests}", filepath.Join(workDir, TestsFile))
	if a.lang.ReportFile != "" {
		expanded = strings.ReplaceAll(expanded, "{report}", filepath.Join(workDir, a.lang.ReportFile))
	}
	expanded = strings.ReplaceAll(expanded, "{workdir}", workDir)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func (a *TemplateAdapter) ScaleLimits(limits spec.ResourceLimit) spec.ResourceLimit {
	limits.CPUTimeMs = scaleLimit(limits.CPUTimeMs, a.lang.TimeMultiplier)
	limits.WallTimeMs = scaleLimit(limits.WallTimeMs, a.lang.TimeMultiplier)
	limits.MemoryMB = scaleLimit(limits.MemoryMB, a.lang.MemoryMultiplier)
	return limits
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}

func (a *TemplateAdapter) InterpretTests(ws *workspace.Workspace, outcome result.ExecutionOutcome, tests []report.Case) (*result.TestReport, error) {
	data, err := a.reportData(ws, outcome)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	parsed, err := report.Parse(a.reportFormat(), data)
	if err != nil {
		return nil, err
	}
	return report.Normalize(parsed, tests), nil
}

func (a *TemplateAdapter) reportFormat() string {
	if a.lang.ReportFormat == "" {
		return profile.ReportJSON
	}
	return a.lang.ReportFormat
}

func (a *TemplateAdapter) reportData(ws *workspace.Workspace, outcome result.ExecutionOutcome) ([]byte, error) {
	if a.lang.ReportFile == "" {
		if outcome.StdoutTruncated {
			return nil, appErr.New(appErr.TestReportInvalid).WithMessage("report on stdout was truncated")
		}
		return []byte(outcome.Stdout), nil
	}
	if ws == nil {
		return nil, nil
	}
	path, err := ws.Path(a.lang.ReportFile)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TestReportInvalid, "open report")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxReportBytes+1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TestReportInvalid, "read report")
	}
	if len(data) > maxReportBytes {
		return nil, appErr.Newf(appErr.TestReportInvalid, "report exceeds %d bytes", maxReportBytes)
	}
	return data, nil
}
