//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"runbox/internal/sandbox/spec"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const cgroupControllers = "+cpu +memory +pids"

func createRunCgroup(root, requestID, task string) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	requestDir := filepath.Join(root, requestID)
	runDir := fmt.Sprintf("%s-%d", task, time.Now().UnixNano())
	cgroupPath := filepath.Join(requestDir, runDir)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup path: %w", err)
	}
	// Best effort: the service manager may already delegate the controllers.
	_ = writeCgroupValue(root, "cgroup.subtree_control", cgroupControllers)
	_ = writeCgroupValue(requestDir, "cgroup.subtree_control", cgroupControllers)
	cleanup := func() {
		// rmdir fails with EBUSY until the killed tasks have exited.
		if !waitCgroupEmpty(cgroupPath, cgroupDrainTimeout) {
			logger.Warn(context.Background(), "cgroup still populated", zap.String("cgroup", cgroupPath))
		}
		if err := os.Remove(cgroupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn(context.Background(), "remove cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
		// Fails while sibling runs of the same request still exist.
		_ = os.Remove(requestDir)
	}
	return cgroupPath, cleanup, nil
}

const (
	cgroupDrainTimeout = 2 * time.Second
	cgroupPollInterval = 10 * time.Millisecond
)

// waitCgroupEmpty polls cgroup.events until no task is left or the timeout
// passes. A missing events file counts as empty.
func waitCgroupEmpty(cgroupPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for readCgroupEvent(cgroupPath, "cgroup.events", "populated") > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(cgroupPollInterval)
	}
	return true
}

func applyCgroupLimits(cgroupPath string, limits spec.ResourceLimit) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryMB*1024*1024, 10)); err != nil {
			return err
		}
		// Missing when swap accounting is off.
		_ = writeCgroupValue(cgroupPath, "memory.swap.max", "0")
	}
	if err := writeCgroupValue(cgroupPath, "cpu.max", cpuMaxValue(limits)); err != nil {
		return err
	}
	return nil
}

const (
	cpuPeriodUs   = 100000
	minCPUQuotaUs = 1000
)

// cpuMaxValue spreads the CPU time budget over the wall limit: a program
// that spins for the whole wall limit consumes at most CPUTimeMs.
func cpuMaxValue(limits spec.ResourceLimit) string {
	if limits.CPUTimeMs <= 0 || limits.WallTimeMs <= 0 {
		return fmt.Sprintf("max %d", cpuPeriodUs)
	}
	quota := limits.CPUTimeMs * cpuPeriodUs / limits.WallTimeMs
	if quota < minCPUQuotaUs {
		quota = minCPUQuotaUs
	}
	return fmt.Sprintf("%d %d", quota, cpuPeriodUs)
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func killCgroup(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func wasOomKilled(cgroupPath string) bool {
	return readCgroupEvent(cgroupPath, "memory.events", "oom_kill") > 0
}

func hitPidsLimit(cgroupPath string) bool {
	return readCgroupEvent(cgroupPath, "pids.events", "max") > 0
}

func readCgroupEvent(cgroupPath, file, key string) int64 {
	if cgroupPath == "" {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, file))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == key {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val
		}
	}
	return 0
}

func memoryPeakKB(cgroupPath string, state *os.ProcessState) int64 {
	if cgroupPath != "" {
		if val, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && val > 0 {
			return val / 1024
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

// cgroupCPUTimeMs reads usage_usec from cpu.stat, which also covers
// descendants that were never waited for.
func cgroupCPUTimeMs(cgroupPath string) int64 {
	usec := readCgroupEvent(cgroupPath, "cpu.stat", "usage_usec")
	return usec / 1000
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(data))
	return strconv.ParseInt(value, 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	return os.WriteFile(path, []byte(value), 0640)
}
