// Package spec defines the execution specification and resource limits.
package spec

// ResourceLimit describes hard limits enforced by the sandbox.
// A zero field means "not set"; callers merge it with profile defaults.
type ResourceLimit struct {
	CPUTimeMs   int64 `json:"cpu_time_ms,omitempty" yaml:"cpuTimeMs"`
	WallTimeMs  int64 `json:"wall_time_ms,omitempty" yaml:"wallTimeMs"`
	MemoryMB    int64 `json:"memory_mb,omitempty" yaml:"memoryMB"`
	StackMB     int64 `json:"stack_mb,omitempty" yaml:"stackMB"`
	FileSizeMB  int64 `json:"file_size_mb,omitempty" yaml:"fileSizeMB"`
	OutputBytes int64 `json:"output_bytes,omitempty" yaml:"outputBytes"`
	PIDs        int64 `json:"pids,omitempty" yaml:"pids"`
}

// Merge returns base with every positive field of override applied.
func (base ResourceLimit) Merge(override ResourceLimit) ResourceLimit {
	if override.CPUTimeMs > 0 {
		base.CPUTimeMs = override.CPUTimeMs
	}
	if override.WallTimeMs > 0 {
		base.WallTimeMs = override.WallTimeMs
	}
	if override.MemoryMB > 0 {
		base.MemoryMB = override.MemoryMB
	}
	if override.StackMB > 0 {
		base.StackMB = override.StackMB
	}
	if override.FileSizeMB > 0 {
		base.FileSizeMB = override.FileSizeMB
	}
	if override.OutputBytes > 0 {
		base.OutputBytes = override.OutputBytes
	}
	if override.PIDs > 0 {
		base.PIDs = override.PIDs
	}
	return base
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec is the unified execution specification for one sandboxed process.
type RunSpec struct {
	RequestID string
	// Task names the step ("compile", "run", "lint") for cgroup naming and logs.
	Task string
	// WorkDir is the host path of the request workspace.
	WorkDir    string
	Cmd        []string
	Env        []string
	Stdin      []byte `json:"-"`
	BindMounts []MountSpec
	Profile    string
	Limits     ResourceLimit
}
