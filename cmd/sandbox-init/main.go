//go:build linux

// Command sandbox-init prepares the sandbox from inside the new namespaces and
// execs the target program. The engine sends the init request on fd 3; any
// failure before exec is written to fd 4, which is closed on exec.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const (
	requestFD = 3
	statusFD  = 4

	defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

func main() {
	syscall.CloseOnExec(requestFD)
	syscall.CloseOnExec(statusFD)
	if err := run(); err != nil {
		status := os.NewFile(statusFD, "status")
		if _, werr := fmt.Fprintln(status, err.Error()); werr != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(1)
	}
}

func run() error {
	reqFile := os.NewFile(requestFD, "init")
	if reqFile == nil {
		return fmt.Errorf("init request fd is missing")
	}
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	// The profile lives on the host filesystem, so read it before chroot.
	var filter *seccomp.ScmpFilter
	if req.EnableSeccomp && req.Isolation.SeccompProfile != "" {
		filter, err = buildSeccompFilter(req.Isolation.SeccompProfile)
		if err != nil {
			return err
		}
		defer filter.Release()
	}

	if !req.EnableNs {
		if req.Isolation.RootFS != "" || len(req.RunSpec.BindMounts) > 0 {
			return fmt.Errorf("namespaces disabled with rootfs or bind mounts")
		}
	} else {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := applyBindMounts(req.Isolation.RootFS, req.RunSpec.BindMounts); err != nil {
			return err
		}
		if req.Isolation.RootFS != "" {
			if err := unix.Chroot(req.Isolation.RootFS); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if err := os.Chdir("/"); err != nil {
				return fmt.Errorf("chdir root: %w", err)
			}
		}
		if err := unix.Sethostname([]byte("sandbox")); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}

	if err := os.Chdir(req.RunSpec.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	if err := applyRlimits(req.RunSpec.Limits, req.CgroupLimits); err != nil {
		return err
	}

	env := buildEnv(req.RunSpec.Env)
	os.Clearenv()
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if err := os.Setenv(parts[0], parts[1]); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	cmdPath, err := exec.LookPath(req.RunSpec.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if filter != nil {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set no new privs: %w", err)
		}
		if err := filter.Load(); err != nil {
			return fmt.Errorf("load seccomp filter: %w", err)
		}
	}
	if err := unix.Exec(cmdPath, req.RunSpec.Cmd, env); err != nil {
		return fmt.Errorf("exec %s: %w", req.RunSpec.Cmd[0], err)
	}
	return nil
}

func decodeRequest(r io.Reader) (initRequest, error) {
	dec := json.NewDecoder(r)
	var req initRequest
	if err := dec.Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.RunSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.RunSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

func applyBindMounts(rootfs string, mounts []mountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		target := m.Target
		if rootfs != "" {
			target = filepath.Join(rootfs, m.Target)
		}
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Target, err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount readonly %s: %w", m.Target, err)
			}
		}
	}
	if rootfs != "" {
		procPath := filepath.Join(rootfs, "proc")
		if err := os.MkdirAll(procPath, 0755); err != nil {
			return fmt.Errorf("mkdir proc: %w", err)
		}
		if err := unix.Mount("proc", procPath, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("mount proc: %w", err)
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

// applyRlimits sets per-process ceilings. Memory and process count fall back
// to RLIMIT_AS and RLIMIT_NPROC only when no cgroup enforces them.
func applyRlimits(limits resourceLimit, cgroupLimits bool) error {
	if seconds := cpuBackstopSeconds(limits); seconds > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later.
		if err := setRlimit(unix.RLIMIT_CPU, seconds, seconds+1, "cpu"); err != nil {
			return err
		}
	}
	if limits.FileSizeMB > 0 {
		bytes := uint64(limits.FileSizeMB * 1024 * 1024)
		if err := setRlimit(unix.RLIMIT_FSIZE, bytes, bytes, "fsize"); err != nil {
			return err
		}
	}
	if limits.StackMB > 0 {
		bytes := uint64(limits.StackMB * 1024 * 1024)
		if err := setRlimit(unix.RLIMIT_STACK, bytes, bytes, "stack"); err != nil {
			return err
		}
	}
	if cgroupLimits {
		return nil
	}
	if limits.MemoryMB > 0 {
		bytes := uint64(limits.MemoryMB * 1024 * 1024)
		if err := setRlimit(unix.RLIMIT_AS, bytes, bytes, "as"); err != nil {
			return err
		}
	}
	if limits.PIDs > 0 {
		val := uint64(limits.PIDs)
		if err := setRlimit(unix.RLIMIT_NPROC, val, val, "nproc"); err != nil {
			return err
		}
	}
	return nil
}

// cpuBackstopSeconds places RLIMIT_CPU one second past the larger of the CPU
// and wall limits, so the engine's wall timer decides a busy loop.
func cpuBackstopSeconds(limits resourceLimit) uint64 {
	if limits.CPUTimeMs <= 0 {
		return 0
	}
	ceiling := limits.CPUTimeMs
	if limits.WallTimeMs > ceiling {
		ceiling = limits.WallTimeMs
	}
	return uint64((ceiling+999)/1000) + 1
}

func setRlimit(resource int, cur, max uint64, name string) error {
	var existing unix.Rlimit
	if err := unix.Getrlimit(resource, &existing); err == nil && existing.Max != unix.RLIM_INFINITY && max > existing.Max {
		max = existing.Max
		if cur > max {
			cur = max
		}
	}
	if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: cur, Max: max}); err != nil {
		return fmt.Errorf("set rlimit %s: %w", name, err)
	}
	return nil
}

func buildEnv(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return env
		}
	}
	return append(append([]string(nil), env...), defaultPath)
}

func buildSeccompFilter(profilePath string) (*seccomp.ScmpFilter, error) {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return nil, fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return nil, err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return nil, fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			filter.Release()
			return nil, err
		}
		if action == defaultAction {
			continue
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Unknown on this architecture.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				filter.Release()
				return nil, fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	return filter, nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

type initRequest struct {
	RunSpec       runSpec          `json:"RunSpec"`
	Isolation     isolationProfile `json:"Isolation"`
	EnableSeccomp bool             `json:"EnableSeccomp"`
	EnableNs      bool             `json:"EnableNs"`
	CgroupLimits  bool             `json:"CgroupLimits"`
}

type runSpec struct {
	WorkDir    string        `json:"WorkDir"`
	Cmd        []string      `json:"Cmd"`
	Env        []string      `json:"Env"`
	BindMounts []mountSpec   `json:"BindMounts"`
	Limits     resourceLimit `json:"Limits"`
}

type mountSpec struct {
	Source   string `json:"Source"`
	Target   string `json:"Target"`
	ReadOnly bool   `json:"ReadOnly"`
}

type resourceLimit struct {
	CPUTimeMs  int64 `json:"cpu_time_ms"`
	WallTimeMs int64 `json:"wall_time_ms"`
	MemoryMB   int64 `json:"memory_mb"`
	StackMB    int64 `json:"stack_mb"`
	FileSizeMB int64 `json:"file_size_mb"`
	PIDs       int64 `json:"pids"`
}

type isolationProfile struct {
	RootFS         string `json:"RootFS"`
	SeccompProfile string `json:"SeccompProfile"`
	DisableNetwork bool   `json:"DisableNetwork"`
}
