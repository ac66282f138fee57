//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/security"
	"runbox/internal/sandbox/spec"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultOutputMaxBytes int64 = 64 * 1024
	defaultWaitDelay            = 500 * time.Millisecond
	maxStatusBytes              = 4096
)

// runHandle tracks one live sandboxed process.
type runHandle struct {
	pid        int
	cgroupPath string
	killed     atomic.Bool
}

type linuxEngine struct {
	cfg       Config
	resolver  ProfileResolver
	registry  map[string][]*runHandle
	registryM sync.Mutex
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config, resolver ProfileResolver) (Engine, error) {
	if resolver == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("profile resolver is required")
	}
	if cfg.OutputMaxBytes <= 0 {
		cfg.OutputMaxBytes = defaultOutputMaxBytes
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, appErr.ValidationError("sandbox.cgroupRoot", "required when cgroups are enabled")
	}
	if !isRoot() && cfg.UID >= 0 {
		logger.Warn(context.Background(), "engine is not running as root, sandboxed programs keep the engine identity",
			zap.Int("uid", os.Geteuid()))
	}
	return &linuxEngine{
		cfg:      cfg,
		resolver: resolver,
		registry: make(map[string][]*runHandle),
	}, nil
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionOutcome, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.ExecutionOutcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return InterruptedOutcome(err, 0), nil
	}

	isoProfile, err := e.resolver.Resolve(runSpec.Profile)
	if err != nil {
		return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxSystemError, "resolve profile")
	}
	if e.cfg.SeccompDir != "" && isoProfile.SeccompProfile != "" && !filepath.IsAbs(isoProfile.SeccompProfile) {
		isoProfile.SeccompProfile = filepath.Join(e.cfg.SeccompDir, isoProfile.SeccompProfile)
	}
	if isoProfile.RootFS != "" && !e.cfg.EnableNamespaces {
		return result.ExecutionOutcome{}, appErr.Newf(appErr.SandboxSystemError, "profile %s uses a rootfs but namespaces are disabled", runSpec.Profile)
	}
	if isoProfile.UID < 0 {
		isoProfile.UID = e.cfg.UID
	}
	if isoProfile.GID < 0 {
		isoProfile.GID = e.cfg.GID
	}

	helperSpec := runSpec
	helperSpec.Stdin = nil
	if isoProfile.RootFS != "" {
		helperSpec.WorkDir = ContainerWorkDir
		helperSpec.BindMounts = append([]spec.MountSpec{{Source: runSpec.WorkDir, Target: ContainerWorkDir}}, runSpec.BindMounts...)
	}
	outputMax := runSpec.Limits.OutputBytes
	if outputMax <= 0 {
		outputMax = e.cfg.OutputMaxBytes
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if e.cfg.EnableCgroup {
		cgroupPath, cgroupCleanup, err = createRunCgroup(e.cfg.CgroupRoot, runSpec.RequestID, taskName(runSpec))
		if err != nil {
			return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxSystemError, "create cgroup")
		}
		if err := applyCgroupLimits(cgroupPath, runSpec.Limits); err != nil {
			cgroupCleanup()
			return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxSystemError, "apply cgroup limits")
		}
	}
	defer cgroupCleanup()

	payload, err := json.Marshal(initRequest{
		RunSpec:       helperSpec,
		Isolation:     isoProfile,
		EnableSeccomp: e.cfg.EnableSeccomp,
		EnableNs:      e.cfg.EnableNamespaces,
		CgroupLimits:  e.cfg.EnableCgroup,
	})
	if err != nil {
		return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxSystemError, "encode init request")
	}

	p, err := openPipes(len(runSpec.Stdin) > 0)
	if err != nil {
		return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxSystemError, "create pipes")
	}
	defer p.closeAll()

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = e.buildSysProcAttr(isoProfile)
	cmd.Env = []string{}
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW
	if p.stdinR != nil {
		cmd.Stdin = p.stdinR
	}
	// fd 3 carries the init request, fd 4 reports failures before exec.
	cmd.ExtraFiles = []*os.File{p.reqR, p.statusW}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		outcome := result.ExecutionOutcome{
			Phase:      result.PhaseLaunchError,
			ExitCode:   -1,
			Elapsed:    time.Since(start),
			Diagnostic: fmt.Sprintf("start sandbox helper: %v", err),
		}
		logger.Warn(ctx, "sandbox launch failed", zap.String("diagnostic", outcome.Diagnostic))
		return outcome, nil
	}
	p.closeChildEnds()

	handle := &runHandle{pid: cmd.Process.Pid, cgroupPath: cgroupPath}
	e.registerRun(runSpec.RequestID, handle)
	defer e.unregisterRun(runSpec.RequestID, handle)

	stdoutBuf := newCappedBuffer(outputMax)
	stderrBuf := newCappedBuffer(outputMax)
	var drain sync.WaitGroup
	drain.Add(2)
	go func() {
		defer drain.Done()
		_, _ = io.Copy(stdoutBuf, p.stdoutR)
	}()
	go func() {
		defer drain.Done()
		_, _ = io.Copy(stderrBuf, p.stderrR)
	}()
	if p.stdinW != nil {
		stdinW := p.stdinW
		go func() {
			// EPIPE when the program exits without reading everything.
			_, _ = stdinW.Write(runSpec.Stdin)
			_ = stdinW.Close()
		}()
	}

	watch := &watchdog{kill: func() { e.killRun(ctx, handle) }}
	done := make(chan struct{})
	go func() {
		wallLimit := durationFromMs(runSpec.Limits.WallTimeMs)
		var wallTimer <-chan time.Time
		if wallLimit > 0 {
			timer := time.NewTimer(wallLimit)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			watch.trip(false)
		case <-wallTimer:
			watch.trip(true)
		case <-done:
		}
	}()

	launchErr := ""
	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, handle.pid); err != nil {
			launchErr = fmt.Sprintf("add process to cgroup: %v", err)
		}
	}
	if launchErr == "" {
		if _, err := p.reqW.Write(append(payload, '\n')); err != nil {
			launchErr = fmt.Sprintf("send init request: %v", err)
		}
	}
	_ = p.reqW.Close()
	if launchErr == "" {
		launchErr = readStatus(p.statusR)
	}
	if launchErr != "" {
		e.killRun(ctx, handle)
	}

	_ = cmd.Wait()
	elapsed := time.Since(start)
	timedOut, interrupted := watch.settle(cmd.ProcessState)
	close(done)

	// Reap whatever the program left behind in its group or cgroup.
	e.killRun(ctx, handle)
	if p.stdinW != nil {
		_ = p.stdinW.Close()
	}
	waitForDrain(&drain, e.cfg.WaitDelay, p.stdoutR, p.stderrR)

	state := cmd.ProcessState
	exitCode, sig, sigName := exitStatus(state)
	outcome := result.ExecutionOutcome{
		ExitCode:        exitCode,
		Signal:          sigName,
		Stdout:          stdoutBuf.String(),
		StdoutTruncated: stdoutBuf.Truncated(),
		StdoutBytes:     stdoutBuf.Total(),
		Stderr:          stderrBuf.String(),
		StderrTruncated: stderrBuf.Truncated(),
		StderrBytes:     stderrBuf.Total(),
		Elapsed:         elapsed,
		CPUTimeMs:       cpuTimeMs(state),
		PeakMemoryKB:    memoryPeakKB(cgroupPath, state),
		OomKilled:       wasOomKilled(cgroupPath),
		PidsLimitHit:    hitPidsLimit(cgroupPath),
	}
	if cg := cgroupCPUTimeMs(cgroupPath); cg > outcome.CPUTimeMs {
		outcome.CPUTimeMs = cg
	}

	classify(&outcome, runState{
		launchErr:   launchErr,
		timedOut:    timedOut,
		interrupted: interrupted,
		killed:      handle.killed.Load(),
		ctxErr:      ctx.Err(),
		signal:      sig,
		limits:      runSpec.Limits,
		cgroup:      cgroupPath != "",
	})

	fields := []zap.Field{
		zap.String("task", taskName(runSpec)),
		zap.String("phase", string(outcome.Phase)),
		zap.Int("exitCode", outcome.ExitCode),
		zap.Duration("elapsed", outcome.Elapsed),
		zap.Int64("cpuTimeMs", outcome.CPUTimeMs),
		zap.Int64("peakMemoryKB", outcome.PeakMemoryKB),
	}
	if outcome.Phase == result.PhaseLaunchError {
		logger.Warn(ctx, "sandbox launch failed", append(fields, zap.String("diagnostic", outcome.Diagnostic))...)
	} else {
		logger.Debug(ctx, "sandbox run finished", fields...)
	}
	return outcome, nil
}

// watchdog records why the engine stopped a run. Decisions reached after
// the process exited on its own do not count.
type watchdog struct {
	mu          sync.Mutex
	exited      bool
	timedOut    bool
	interrupted bool
	kill        func()
}

// trip kills the run unless it already exited.
func (w *watchdog) trip(timeout bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited {
		return
	}
	if timeout {
		w.timedOut = true
	} else {
		w.interrupted = true
	}
	w.kill()
}

// settle marks the run as exited and returns the decisions that apply. A
// process that exited normally was not stopped by the watchdog even when a
// decision raced with its exit.
func (w *watchdog) settle(state *os.ProcessState) (timedOut, interrupted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exited = true
	if state != nil && state.Exited() {
		return false, false
	}
	return w.timedOut, w.interrupted
}

type runState struct {
	launchErr   string
	timedOut    bool
	interrupted bool
	killed      bool
	ctxErr      error
	signal      syscall.Signal
	limits      spec.ResourceLimit
	cgroup      bool
}

// classify assigns exactly one phase to a finished run.
func classify(out *result.ExecutionOutcome, st runState) {
	memoryExceeded := out.OomKilled
	if !st.cgroup && st.limits.MemoryMB > 0 && out.PeakMemoryKB >= st.limits.MemoryMB*1024 && out.ExitCode != 0 {
		memoryExceeded = true
	}
	// The CPU ceiling is a throttle, so a busy program runs into the wall
	// limit. SIGXCPU only comes from the rlimit backstop past the wall limit.
	cpuExceeded := st.signal == syscall.SIGXCPU

	// A kill during helper setup surfaces as a broken init pipe, so the
	// deadline and cancellation checks come before launch failures.
	switch {
	case st.timedOut:
		out.Phase = result.PhaseTimedOut
		out.TimeoutSource = result.TimeoutSandbox
		out.Diagnostic = fmt.Sprintf("wall time limit of %dms exceeded", st.limits.WallTimeMs)
	case cpuExceeded:
		out.CPULimitHit = true
		out.Phase = result.PhaseTimedOut
		out.TimeoutSource = result.TimeoutSandbox
		out.Diagnostic = fmt.Sprintf("cpu time backstop exceeded (cpu %dms, wall %dms)", st.limits.CPUTimeMs, st.limits.WallTimeMs)
	case st.interrupted && errors.Is(st.ctxErr, context.DeadlineExceeded):
		out.Phase = result.PhaseTimedOut
		out.TimeoutSource = result.TimeoutRequest
		out.Diagnostic = "request deadline exceeded"
	case st.interrupted || st.killed:
		out.Phase = result.PhaseCancelled
		out.Diagnostic = "execution cancelled"
	case st.launchErr != "":
		out.Phase = result.PhaseLaunchError
		out.Diagnostic = st.launchErr
	case memoryExceeded:
		out.OomKilled = true
		out.Phase = result.PhaseRuntimeError
		out.Diagnostic = fmt.Sprintf("memory limit of %dMB exceeded", st.limits.MemoryMB)
	case out.PidsLimitHit:
		out.Phase = result.PhaseRuntimeError
		out.Diagnostic = fmt.Sprintf("process limit of %d exceeded", st.limits.PIDs)
	case out.Signal != "":
		out.Phase = result.PhaseRuntimeError
		out.Diagnostic = "killed by signal " + out.Signal
	case out.ExitCode != 0:
		out.Phase = result.PhaseRuntimeError
		out.Diagnostic = fmt.Sprintf("exit status %d", out.ExitCode)
	default:
		out.Phase = result.PhaseCompleted
	}
}

func (e *linuxEngine) Kill(ctx context.Context, requestID string) error {
	if requestID == "" {
		return appErr.ValidationError("request_id", "required")
	}
	for _, handle := range e.snapshotRuns(requestID) {
		handle.killed.Store(true)
		e.killRun(ctx, handle)
	}
	return nil
}

func (e *linuxEngine) killRun(ctx context.Context, handle *runHandle) {
	if handle.pid > 0 {
		_ = syscall.Kill(-handle.pid, syscall.SIGKILL)
	}
	if err := killCgroup(handle.cgroupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn(ctx, "kill cgroup failed", zap.String("cgroup", handle.cgroupPath), zap.Error(err))
	}
}

func (e *linuxEngine) registerRun(requestID string, handle *runHandle) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	e.registry[requestID] = append(e.registry[requestID], handle)
}

func (e *linuxEngine) unregisterRun(requestID string, handle *runHandle) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	handles := e.registry[requestID]
	updated := handles[:0]
	for _, h := range handles {
		if h != handle {
			updated = append(updated, h)
		}
	}
	if len(updated) == 0 {
		delete(e.registry, requestID)
		return
	}
	e.registry[requestID] = updated
}

func (e *linuxEngine) snapshotRuns(requestID string) []*runHandle {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	handles := e.registry[requestID]
	out := make([]*runHandle, len(handles))
	copy(out, handles)
	return out
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.RequestID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("request id is required")
	}
	if strings.ContainsAny(runSpec.RequestID, `/\`) {
		return appErr.New(appErr.InvalidParams).WithMessage("request id must not contain path separators")
	}
	if runSpec.WorkDir == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("work dir is required")
	}
	if len(runSpec.Cmd) == 0 {
		return appErr.New(appErr.InvalidParams).WithMessage("command is required")
	}
	if runSpec.Profile == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("profile is required")
	}
	return nil
}

func taskName(runSpec spec.RunSpec) string {
	if runSpec.Task == "" {
		return "run"
	}
	return runSpec.Task
}

// readStatus returns the helper's failure message, or "" once the status
// pipe closes on a successful exec.
func readStatus(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxStatusBytes))
	if err != nil && len(data) == 0 {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func waitForDrain(wg *sync.WaitGroup, delay time.Duration, readers ...*os.File) {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
	}
	// Unblocks copies still waiting on pipes held by escaped descendants.
	for _, r := range readers {
		_ = r.Close()
	}
	<-finished
}

type pipes struct {
	reqR, reqW       *os.File
	statusR, statusW *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
	stdinR, stdinW   *os.File
}

func openPipes(withStdin bool) (*pipes, error) {
	p := &pipes{}
	var err error
	if p.reqR, p.reqW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if p.statusR, p.statusW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	if p.stdoutR, p.stdoutW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	if p.stderrR, p.stderrW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, err
	}
	if withStdin {
		if p.stdinR, p.stdinW, err = os.Pipe(); err != nil {
			p.closeAll()
			return nil, err
		}
	}
	return p, nil
}

func (p *pipes) closeChildEnds() {
	closeFiles(p.reqR, p.statusW, p.stdoutW, p.stderrW, p.stdinR)
}

func (p *pipes) closeAll() {
	closeFiles(p.reqR, p.reqW, p.statusR, p.statusW, p.stdoutR, p.stdoutW, p.stderrR, p.stderrW, p.stdinR, p.stdinW)
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (e *linuxEngine) buildSysProcAttr(profile security.IsolationProfile) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	dropIdentity := isRoot() && profile.UID >= 0
	gid := profile.GID
	if gid < 0 {
		gid = os.Getgid()
	}

	if !e.cfg.EnableNamespaces {
		if dropIdentity {
			attr.Credential = &syscall.Credential{Uid: uint32(profile.UID), Gid: uint32(gid)}
		}
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	hostUID, hostGID := os.Getuid(), os.Getgid()
	if dropIdentity {
		hostUID, hostGID = profile.UID, gid
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      hostUID,
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      hostGID,
		Size:        1,
	}}
	return attr
}
