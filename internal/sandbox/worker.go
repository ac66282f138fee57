package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"runbox/internal/sandbox/adapter"
	"runbox/internal/sandbox/config"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/interpreter"
	"runbox/internal/sandbox/observer"
	"runbox/internal/sandbox/profile"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
	"runbox/internal/sandbox/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBudgetOverhead = 2 * time.Second
	defaultWallTimeMs     = 10000
	defaultMaxSourceBytes = 1 << 20
)

// AdapterLookup resolves language ids to adapters.
type AdapterLookup interface {
	Lookup(id string) (adapter.Adapter, error)
}

// Config controls orchestration budgets and request validation.
type Config struct {
	// BudgetOverhead is added to each phase's wall limit to form the
	// request-level sub-budget of that phase.
	BudgetOverhead time.Duration
	// DefaultWallTimeMs applies when neither profile nor request sets a wall limit.
	DefaultWallTimeMs int64
	MaxSourceBytes    int64
	// MaxLimits caps request limits; zero fields are uncapped.
	MaxLimits spec.ResourceLimit
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Engine     engine.Engine
	Adapters   AdapterLookup
	Profiles   config.TaskProfileRepository
	Resolver   engine.ProfileResolver
	Workspaces *workspace.Manager
	// Metrics and Status are optional.
	Metrics observer.MetricsRecorder
	Status  StatusReporter
}

// Worker drives one request at a time through the execution state machine.
// A single Worker is safe for concurrent use by many requests.
type Worker struct {
	cfg        Config
	engine     engine.Engine
	adapters   AdapterLookup
	profiles   config.TaskProfileRepository
	resolver   engine.ProfileResolver
	workspaces *workspace.Manager
	metrics    observer.MetricsRecorder
	status     StatusReporter

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

var _ Service = (*Worker)(nil)

// NewWorker validates dependencies and applies defaults.
func NewWorker(cfg Config, deps Deps) (*Worker, error) {
	if deps.Engine == nil || deps.Adapters == nil || deps.Profiles == nil || deps.Resolver == nil || deps.Workspaces == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("worker dependencies are incomplete")
	}
	if cfg.BudgetOverhead <= 0 {
		cfg.BudgetOverhead = defaultBudgetOverhead
	}
	if cfg.DefaultWallTimeMs <= 0 {
		cfg.DefaultWallTimeMs = defaultWallTimeMs
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = defaultMaxSourceBytes
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observer.NoopRecorder{}
	}
	return &Worker{
		cfg:        cfg,
		engine:     deps.Engine,
		adapters:   deps.Adapters,
		profiles:   deps.Profiles,
		resolver:   deps.Resolver,
		workspaces: deps.Workspaces,
		metrics:    metrics,
		status:     deps.Status,
		inflight:   make(map[string]context.CancelFunc),
	}, nil
}

// execution is the per-request state threaded through every step.
type execution struct {
	req     ExecutionRequest
	adapter adapter.Adapter
	ws      *workspace.Workspace
	states  []string
	failed  bool
}

// Execute runs one request to a terminal state. The error is non-nil only
// for validation failures, which are detected before any workspace exists.
func (w *Worker) Execute(ctx context.Context, req ExecutionRequest) (result.NormalizedResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.validate(w.cfg.MaxSourceBytes, w.cfg.MaxLimits); err != nil {
		return result.NormalizedResult{}, err
	}
	a, err := w.adapters.Lookup(req.Language)
	if err != nil {
		return result.NormalizedResult{}, err
	}
	if err := req.validateLayout(a); err != nil {
		return result.NormalizedResult{}, err
	}
	if req.mode() == ModeLint {
		if _, err := a.LintCommand(""); err != nil && appErr.IsValidation(err) {
			return result.NormalizedResult{}, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := w.register(req.RequestID, cancel); err != nil {
		return result.NormalizedResult{}, err
	}
	defer w.unregister(req.RequestID)

	ctx = context.WithValue(ctx, contextkey.RequestID, req.RequestID)
	ctx = context.WithValue(ctx, contextkey.Language, req.Language)

	ex := &execution{req: req, adapter: a}
	w.transition(ctx, ex, StateCreated, "")
	res := w.execute(ctx, ex)
	res.RequestID = req.RequestID
	res.Language = req.Language
	w.metrics.ObserveRun(ctx, res)
	logger.Info(ctx, "request finished",
		zap.String("status", string(res.Status)),
		zap.String("phase", string(res.Phase)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// Kill cancels an in-flight request and kills its sandboxed processes.
func (w *Worker) Kill(ctx context.Context, requestID string) error {
	if requestID == "" {
		return appErr.ValidationError("request_id", "required")
	}
	w.mu.Lock()
	cancel, ok := w.inflight[requestID]
	w.mu.Unlock()
	if !ok {
		return appErr.Newf(appErr.NotFound, "request %s is not running", requestID)
	}
	cancel()
	return w.engine.Kill(ctx, requestID)
}

func (w *Worker) register(requestID string, cancel context.CancelFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[requestID]; ok {
		return appErr.Newf(appErr.InvalidParams, "request %s is already running", requestID)
	}
	w.inflight[requestID] = cancel
	return nil
}

func (w *Worker) unregister(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, requestID)
}

// execute owns the workspace: release runs on every path out.
func (w *Worker) execute(ctx context.Context, ex *execution) (res result.NormalizedResult) {
	ws, err := w.workspaces.Acquire(ctx, ex.req.RequestID)
	if err != nil {
		res = infraFailure(err)
		w.fail(ctx, ex, res.Phase)
		res.States = ex.states
		return res
	}
	ex.ws = ws
	w.metrics.ObserveInFlight(w.workspaces.Active())

	defer func() {
		if err := w.workspaces.Release(context.WithoutCancel(ctx), ws); err != nil {
			res.Diagnostics = append(res.Diagnostics, err.Error())
		}
		w.metrics.ObserveInFlight(w.workspaces.Active())
		if !ex.failed {
			w.transition(ctx, ex, StateCleaned, res.Phase)
		}
		res.States = ex.states
	}()

	if err := w.prepare(ctx, ex); err != nil {
		res = infraFailure(err)
		w.fail(ctx, ex, res.Phase)
		return res
	}
	w.transition(ctx, ex, StateWorkspacePrepared, "")

	if ex.req.mode() == ModeLint {
		return w.lint(ctx, ex)
	}

	var compile *result.CompileResult
	if ex.adapter.CanCompile() {
		var stop *result.NormalizedResult
		compile, stop = w.compile(ctx, ex, profile.TaskTypeCompile)
		if stop != nil {
			return *stop
		}
		w.transition(ctx, ex, StateCompiled, "")
	} else {
		compile = &result.CompileResult{OK: true, Skipped: true, Phase: result.PhaseCompleted}
		w.transition(ctx, ex, StateCompileSkipped, "")
	}

	if err := ctx.Err(); err != nil {
		res = interpreter.Interpret(ctx, interpreter.Input{Outcome: engine.InterruptedOutcome(err, 0)})
		res.Compile = compile
		w.fail(ctx, ex, res.Phase)
		return res
	}

	// Only the runner of this run may produce the report.
	if reportFile := ex.adapter.ReportFile(); reportFile != "" {
		if err := w.workspaces.Remove(ws, reportFile); err != nil {
			res = infraFailure(err)
			res.Compile = compile
			w.fail(ctx, ex, res.Phase)
			return res
		}
	}

	outcome, err := w.runTask(ctx, ex, profile.TaskTypeRun, []byte(ex.req.Stdin))
	if err != nil {
		res = infraFailure(err)
		res.Compile = compile
		w.fail(ctx, ex, res.Phase)
		return res
	}
	if isInfraPhase(outcome.Phase) {
		res = interpreter.Interpret(ctx, interpreter.Input{Outcome: outcome})
		res.Compile = compile
		w.fail(ctx, ex, res.Phase)
		return res
	}
	w.transition(ctx, ex, StateExecuted, outcome.Phase)

	res = interpreter.Interpret(ctx, interpreter.Input{
		Outcome:   outcome,
		Adapter:   ex.adapter,
		Workspace: ws,
		WithTests: ex.req.Tests != nil,
		Tests:     ex.req.Tests.declared(),
	})
	res.Compile = compile
	w.transition(ctx, ex, StateInterpreted, res.Phase)
	return res
}

// prepare writes artifacts, fixtures and the serialized test specification.
func (w *Worker) prepare(ctx context.Context, ex *execution) error {
	files := make([]workspace.File, 0, len(ex.req.Artifacts)+1)
	for _, a := range ex.req.Artifacts {
		files = append(files, workspace.File{Name: a.Name, Data: []byte(a.Content), Executable: a.Executable})
	}
	if ex.req.Tests != nil {
		data, err := json.Marshal(ex.req.Tests)
		if err != nil {
			return appErr.Wrapf(err, appErr.InternalServerError, "encode tests")
		}
		files = append(files, workspace.File{Name: adapter.TestsFile, Data: data})
	}
	if len(ex.req.Fixtures) > 0 {
		if err := w.workspaces.ExtractFixtures(ex.ws, ex.req.Fixtures); err != nil {
			return err
		}
	}
	// Artifacts go last so a fixture can never replace submitted source.
	if err := w.workspaces.Materialize(ex.ws, files); err != nil {
		return err
	}
	logger.Debug(ctx, "workspace prepared", zap.Int("files", len(files)))
	return nil
}

// lint runs only the syntax check of the language.
func (w *Worker) lint(ctx context.Context, ex *execution) result.NormalizedResult {
	compile, stop := w.compile(ctx, ex, profile.TaskTypeLint)
	if stop != nil {
		return *stop
	}
	w.transition(ctx, ex, StateCompiled, "")
	res := interpreter.Interpret(ctx, interpreter.Input{Outcome: result.ExecutionOutcome{
		Phase:    result.PhaseCompleted,
		Stdout:   compile.Stdout,
		Stderr:   compile.Stderr,
		Elapsed:  compile.Elapsed,
		ExitCode: compile.ExitCode,
	}})
	res.Compile = compile
	w.transition(ctx, ex, StateInterpreted, res.Phase)
	return res
}

// compile runs the compile or lint task. A non-nil second return value is
// the terminal result when the request cannot proceed.
func (w *Worker) compile(ctx context.Context, ex *execution, task profile.TaskType) (*result.CompileResult, *result.NormalizedResult) {
	outcome, err := w.runTask(ctx, ex, task, nil)
	if err != nil {
		w.metrics.ObserveCompile(ctx, ex.req.Language, false, 0)
		res := infraFailure(err)
		w.fail(ctx, ex, res.Phase)
		return nil, &res
	}
	compile := &result.CompileResult{
		OK:              outcome.Phase == result.PhaseCompleted,
		Phase:           outcome.Phase,
		ExitCode:        outcome.ExitCode,
		Stdout:          outcome.Stdout,
		Stderr:          outcome.Stderr,
		StderrTruncated: outcome.StderrTruncated,
		Elapsed:         outcome.Elapsed,
	}
	w.metrics.ObserveCompile(ctx, ex.req.Language, compile.OK, outcome.Elapsed)
	if compile.OK {
		return compile, nil
	}

	var res result.NormalizedResult
	if outcome.Phase == result.PhaseRuntimeError {
		compile.Phase = result.PhaseCompileFailed
		res = interpreter.CompileFailed(*compile)
		if outcome.Diagnostic != "" {
			res.Diagnostics = append(res.Diagnostics, outcome.Diagnostic)
		}
	} else {
		res = interpreter.Interpret(ctx, interpreter.Input{Outcome: outcome})
	}
	res.Compile = compile
	logger.Info(ctx, "compilation did not succeed",
		zap.String("task", string(task)),
		zap.String("phase", string(outcome.Phase)),
		zap.Int("exit_code", outcome.ExitCode))
	w.fail(ctx, ex, res.Phase)
	return compile, &res
}

// runTask runs one sandboxed step under its own request-level sub-budget.
func (w *Worker) runTask(ctx context.Context, ex *execution, task profile.TaskType, stdin []byte) (result.ExecutionOutcome, error) {
	prof, err := w.profiles.GetTaskProfile(ctx, task, ex.req.Language)
	if err != nil {
		return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxSystemError, "load %s profile", task)
	}
	iso, err := w.resolver.Resolve(prof.Name())
	if err != nil {
		return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxSystemError, "resolve %s profile", task)
	}
	workDir := engine.SandboxWorkDir(iso, ex.ws.Dir())

	var cmd []string
	switch task {
	case profile.TaskTypeCompile:
		cmd, err = ex.adapter.CompileCommand(workDir)
	case profile.TaskTypeLint:
		cmd, err = ex.adapter.LintCommand(workDir)
	default:
		cmd, err = ex.adapter.RunCommand(workDir, ex.req.Tests != nil)
	}
	if err != nil {
		return result.ExecutionOutcome{}, err
	}

	limits := prof.DefaultLimits
	if task == profile.TaskTypeRun {
		// Multipliers adjust the defaults; limits set by the caller are exact.
		limits = ex.adapter.ScaleLimits(limits).Merge(ex.req.Limits)
	}
	if limits.WallTimeMs <= 0 {
		limits.WallTimeMs = w.cfg.DefaultWallTimeMs
	}

	budget := time.Duration(limits.WallTimeMs)*time.Millisecond + w.cfg.BudgetOverhead
	taskCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	taskCtx = context.WithValue(taskCtx, contextkey.Phase, string(task))

	logger.Debug(taskCtx, "sandbox task starting",
		zap.Strings("cmd", cmd),
		zap.String("profile", prof.Name()),
		zap.Int64("wall_ms", limits.WallTimeMs),
		zap.Duration("budget", budget))
	return w.engine.Run(taskCtx, spec.RunSpec{
		RequestID: ex.req.RequestID,
		Task:      string(task),
		WorkDir:   ex.ws.Dir(),
		Cmd:       cmd,
		Env:       ex.adapter.Env(),
		Stdin:     stdin,
		Profile:   prof.Name(),
		Limits:    limits,
	})
}

func (w *Worker) transition(ctx context.Context, ex *execution, state State, phase result.Phase) {
	ex.states = append(ex.states, string(state))
	logger.Info(ctx, "request state changed", zap.String("state", string(state)))
	if w.status == nil {
		return
	}
	update := StatusUpdate{
		RequestID: ex.req.RequestID,
		Language:  ex.req.Language,
		State:     state,
		Phase:     phase,
		At:        time.Now().UnixMilli(),
	}
	if err := w.status.ReportStatus(context.WithoutCancel(ctx), update); err != nil {
		logger.Warn(ctx, "status report failed", zap.String("state", string(state)), zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, ex *execution, phase result.Phase) {
	ex.failed = true
	w.transition(ctx, ex, StateFailed, phase)
}

// isInfraPhase tells whether a run outcome ends the request as a failure of
// the orchestration rather than of the program.
func isInfraPhase(phase result.Phase) bool {
	return phase == result.PhaseLaunchError || phase == result.PhaseCancelled
}

// infraFailure reports an error raised before a process could be observed.
func infraFailure(err error) result.NormalizedResult {
	code := appErr.GetCode(err)
	return result.NormalizedResult{
		Status:      result.StatusFailed,
		Phase:       result.PhaseLaunchError,
		ExitCode:    -1,
		ErrorCode:   int(code),
		ErrorKind:   code.String(),
		Diagnostics: []string{err.Error()},
	}
}
