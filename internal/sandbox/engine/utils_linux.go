//go:build linux

package engine

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func durationFromMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	usage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	utime := time.Duration(usage.Utime.Sec)*time.Second + time.Duration(usage.Utime.Usec)*time.Microsecond
	stime := time.Duration(usage.Stime.Sec)*time.Second + time.Duration(usage.Stime.Usec)*time.Microsecond
	return (utime + stime).Milliseconds()
}

// exitStatus returns the exit code and, for signal deaths, the signal name.
// A signaled process reports exit code -1.
func exitStatus(state *os.ProcessState) (int, syscall.Signal, string) {
	if state == nil {
		return -1, 0, ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return state.ExitCode(), 0, ""
	}
	if ws.Signaled() {
		sig := ws.Signal()
		return -1, sig, unix.SignalName(sig)
	}
	return ws.ExitStatus(), 0, ""
}

func isRoot() bool {
	return os.Geteuid() == 0
}
