//go:build linux

package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/security"
	"runbox/internal/sandbox/spec"
)

type staticResolver struct {
	profile security.IsolationProfile
	err     error
}

func (r staticResolver) Resolve(profile string) (security.IsolationProfile, error) {
	if r.err != nil {
		return security.IsolationProfile{}, r.err
	}
	return r.profile, nil
}

func newTestEngine(t *testing.T, helperPath string) Engine {
	t.Helper()
	eng, err := NewEngine(Config{
		HelperPath: helperPath,
		UID:        -1,
		GID:        -1,
		WaitDelay:  200 * time.Millisecond,
	}, staticResolver{profile: security.IsolationProfile{UID: -1, GID: -1}})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	return eng
}

func shellSpec(t *testing.T, script string) spec.RunSpec {
	return spec.RunSpec{
		RequestID: "req-" + strings.ReplaceAll(t.Name(), "/", "-"),
		Task:      "run",
		WorkDir:   t.TempDir(),
		Cmd:       []string{"/bin/sh", "-c", script},
		Profile:   "default",
		Limits:    spec.ResourceLimit{WallTimeMs: 5000},
	}
}

func TestLinuxEngineRun(t *testing.T) {
	helperPath := buildSandboxHelper(t)

	t.Run("echo", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		out, err := eng.Run(context.Background(), shellSpec(t, "echo hello; echo oops >&2"))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseCompleted || out.ExitCode != 0 {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if out.Stdout != "hello\n" || out.Stderr != "oops\n" {
			t.Fatalf("unexpected streams stdout=%q stderr=%q", out.Stdout, out.Stderr)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		runSpec := shellSpec(t, `read n; echo $((n*n))`)
		runSpec.Stdin = []byte("7")
		out, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseCompleted || out.Stdout != "49\n" {
			t.Fatalf("unexpected outcome %+v", out)
		}
	})

	t.Run("non_zero_exit", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		out, err := eng.Run(context.Background(), shellSpec(t, "exit 3"))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseRuntimeError || out.ExitCode != 3 {
			t.Fatalf("unexpected outcome %+v", out)
		}
	})

	t.Run("signal", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		out, err := eng.Run(context.Background(), shellSpec(t, "kill -SEGV $$"))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseRuntimeError || out.Signal != "SIGSEGV" {
			t.Fatalf("unexpected outcome %+v", out)
		}
	})

	t.Run("wall_timeout_kills_group", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		runSpec := shellSpec(t, "sleep 30 & echo $! > child.pid; wait")
		runSpec.Limits.WallTimeMs = 300
		start := time.Now()
		out, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseTimedOut || out.TimeoutSource != result.TimeoutSandbox {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if time.Since(start) > 5*time.Second {
			t.Fatalf("run took too long: %v", time.Since(start))
		}
		data, err := os.ReadFile(filepath.Join(runSpec.WorkDir, "child.pid"))
		if err != nil {
			t.Fatalf("read child pid: %v", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			t.Fatalf("parse child pid: %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for processAlive(pid) {
			if time.Now().After(deadline) {
				t.Fatalf("child process %d survived the timeout", pid)
			}
			time.Sleep(20 * time.Millisecond)
		}
	})

	t.Run("output_truncated_exit_code_kept", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		runSpec := shellSpec(t, "head -c 1000000 /dev/zero; exit 7")
		runSpec.Limits.OutputBytes = 1024
		out, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !out.StdoutTruncated || len(out.Stdout) != 1024 {
			t.Fatalf("expected 1024 truncated bytes, got %d truncated=%v", len(out.Stdout), out.StdoutTruncated)
		}
		if out.StdoutBytes != 1000000 {
			t.Fatalf("expected 1000000 bytes produced, got %d", out.StdoutBytes)
		}
		if out.ExitCode != 7 || out.Phase != result.PhaseRuntimeError {
			t.Fatalf("unexpected outcome phase=%s exit=%d", out.Phase, out.ExitCode)
		}
	})

	t.Run("missing_command_is_launch_error", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		runSpec := shellSpec(t, "")
		runSpec.Cmd = []string{"/nonexistent/interpreter", "main.py"}
		out, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseLaunchError {
			t.Fatalf("expected launch-error, got %+v", out)
		}
		if !strings.Contains(out.Diagnostic, "resolve command") {
			t.Fatalf("unexpected diagnostic %q", out.Diagnostic)
		}
	})

	t.Run("context_cancel", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(200*time.Millisecond, cancel)
		out, err := eng.Run(ctx, shellSpec(t, "sleep 30"))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseCancelled {
			t.Fatalf("expected cancelled, got %+v", out)
		}
	})

	t.Run("context_deadline", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		out, err := eng.Run(ctx, shellSpec(t, "sleep 30"))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseTimedOut || out.TimeoutSource != result.TimeoutRequest {
			t.Fatalf("expected request timeout, got %+v", out)
		}
	})

	t.Run("kill_request", func(t *testing.T) {
		eng := newTestEngine(t, helperPath)
		runSpec := shellSpec(t, "sleep 30")
		finished := make(chan struct{})
		defer close(finished)
		go func() {
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-finished:
					return
				case <-ticker.C:
					_ = eng.Kill(context.Background(), runSpec.RequestID)
				}
			}
		}()
		out, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out.Phase != result.PhaseCancelled {
			t.Fatalf("expected cancelled, got %+v", out)
		}
	})
}

func TestLinuxEngineMissingHelper(t *testing.T) {
	eng := newTestEngine(t, filepath.Join(t.TempDir(), "missing-sandbox-init"))
	out, err := eng.Run(context.Background(), shellSpec(t, "echo hi"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Phase != result.PhaseLaunchError {
		t.Fatalf("expected launch-error, got %+v", out)
	}
}

func TestLinuxEngineRejectsInvalidSpec(t *testing.T) {
	eng := newTestEngine(t, "sandbox-init")
	runSpec := shellSpec(t, "true")
	runSpec.Cmd = nil
	if _, err := eng.Run(context.Background(), runSpec); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestLinuxEngineCancelledBeforeStart(t *testing.T) {
	eng := newTestEngine(t, filepath.Join(t.TempDir(), "never-started"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := eng.Run(ctx, shellSpec(t, "true"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Phase != result.PhaseCancelled {
		t.Fatalf("expected cancelled, got %+v", out)
	}
}

func TestClassify(t *testing.T) {
	limits := spec.ResourceLimit{CPUTimeMs: 1000, WallTimeMs: 2000, MemoryMB: 64, PIDs: 8}
	tests := []struct {
		name   string
		out    result.ExecutionOutcome
		st     runState
		phase  result.Phase
		assert func(t *testing.T, out result.ExecutionOutcome)
	}{
		{
			name:  "completed",
			st:    runState{limits: limits, cgroup: true},
			phase: result.PhaseCompleted,
		},
		{
			name:  "launch error",
			out:   result.ExecutionOutcome{ExitCode: 1},
			st:    runState{launchErr: "resolve command: not found", limits: limits},
			phase: result.PhaseLaunchError,
		},
		{
			name:  "kill during setup is cancellation",
			st:    runState{launchErr: "send init request: broken pipe", killed: true, limits: limits},
			phase: result.PhaseCancelled,
		},
		{
			name:  "oom",
			out:   result.ExecutionOutcome{ExitCode: -1, Signal: "SIGKILL", OomKilled: true},
			st:    runState{limits: limits, cgroup: true, signal: syscall.SIGKILL},
			phase: result.PhaseRuntimeError,
			assert: func(t *testing.T, out result.ExecutionOutcome) {
				if !strings.Contains(out.Diagnostic, "memory limit") {
					t.Fatalf("unexpected diagnostic %q", out.Diagnostic)
				}
			},
		},
		{
			name:  "rss over limit without cgroup",
			out:   result.ExecutionOutcome{ExitCode: 1, PeakMemoryKB: 64 * 1024},
			st:    runState{limits: limits},
			phase: result.PhaseRuntimeError,
			assert: func(t *testing.T, out result.ExecutionOutcome) {
				if !out.OomKilled {
					t.Fatal("expected OomKilled")
				}
			},
		},
		{
			name:  "sigxcpu",
			out:   result.ExecutionOutcome{ExitCode: -1, Signal: "SIGXCPU"},
			st:    runState{limits: limits, signal: syscall.SIGXCPU},
			phase: result.PhaseTimedOut,
			assert: func(t *testing.T, out result.ExecutionOutcome) {
				if !out.CPULimitHit || out.TimeoutSource != result.TimeoutSandbox {
					t.Fatalf("expected sandbox cpu timeout, got %+v", out)
				}
			},
		},
		{
			name:  "pids",
			out:   result.ExecutionOutcome{PidsLimitHit: true},
			st:    runState{limits: limits, cgroup: true},
			phase: result.PhaseRuntimeError,
		},
		{
			name:  "wall timeout",
			out:   result.ExecutionOutcome{ExitCode: -1, Signal: "SIGKILL"},
			st:    runState{timedOut: true, limits: limits},
			phase: result.PhaseTimedOut,
			assert: func(t *testing.T, out result.ExecutionOutcome) {
				if out.TimeoutSource != result.TimeoutSandbox {
					t.Fatalf("unexpected source %q", out.TimeoutSource)
				}
			},
		},
		{
			name:  "request deadline",
			st:    runState{interrupted: true, ctxErr: context.DeadlineExceeded, limits: limits},
			phase: result.PhaseTimedOut,
			assert: func(t *testing.T, out result.ExecutionOutcome) {
				if out.TimeoutSource != result.TimeoutRequest {
					t.Fatalf("unexpected source %q", out.TimeoutSource)
				}
			},
		},
		{
			name:  "killed",
			st:    runState{killed: true, limits: limits},
			phase: result.PhaseCancelled,
		},
		{
			name:  "cancelled after exit is ignored",
			st:    runState{ctxErr: context.Canceled, limits: limits},
			phase: result.PhaseCompleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.out
			classify(&out, tt.st)
			if out.Phase != tt.phase {
				t.Fatalf("phase = %s, want %s", out.Phase, tt.phase)
			}
			if tt.assert != nil {
				tt.assert(t, out)
			}
		})
	}
}

// processAlive treats zombies as dead; an orphan may wait for its reaper.
func processAlive(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	stat := string(data)
	idx := strings.LastIndex(stat, ")")
	if idx < 0 || idx+2 >= len(stat) {
		return false
	}
	return stat[idx+2] != 'Z'
}

// buildSandboxHelper compiles cmd/sandbox-init. Hosts without the libseccomp
// headers cannot build it, so the engine tests are skipped there.
func buildSandboxHelper(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}
	helperPath := filepath.Join(t.TempDir(), "sandbox-init")
	cmd := exec.Command("go", "build", "-o", helperPath, "runbox/cmd/sandbox-init")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Skipf("build sandbox helper: %v: %s", err, string(output))
	}
	return helperPath
}

func finishedState(t *testing.T, name string, args ...string) *os.ProcessState {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	cmd := exec.Command(path, args...)
	_ = cmd.Run()
	if cmd.ProcessState == nil {
		t.Fatalf("%s did not run", name)
	}
	return cmd.ProcessState
}

func TestWatchdogIgnoresTripAfterExit(t *testing.T) {
	kills := 0
	w := &watchdog{kill: func() { kills++ }}
	timedOut, interrupted := w.settle(finishedState(t, "true"))
	w.trip(true)
	w.trip(false)
	if timedOut || interrupted {
		t.Fatalf("settle = %v, %v, want no decision", timedOut, interrupted)
	}
	if kills != 0 {
		t.Fatalf("kill called %d times after exit", kills)
	}
}

func TestWatchdogNormalExitClearsRacedTimeout(t *testing.T) {
	kills := 0
	w := &watchdog{kill: func() { kills++ }}
	w.trip(true)
	if kills != 1 {
		t.Fatalf("kill called %d times, want 1", kills)
	}
	timedOut, interrupted := w.settle(finishedState(t, "true"))
	if timedOut || interrupted {
		t.Fatalf("normal exit reported as timedOut=%v interrupted=%v", timedOut, interrupted)
	}
}

func TestWatchdogKeepsDecisionForSignaledRun(t *testing.T) {
	w := &watchdog{kill: func() {}}
	w.trip(false)
	state := finishedState(t, "sh", "-c", "kill -KILL $$")
	if state.Exited() {
		t.Skip("shell did not die from the signal")
	}
	timedOut, interrupted := w.settle(state)
	if timedOut || !interrupted {
		t.Fatalf("settle = %v, %v, want interrupted", timedOut, interrupted)
	}
}
