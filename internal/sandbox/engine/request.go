package engine

import (
	"runbox/internal/sandbox/security"
	"runbox/internal/sandbox/spec"
)

// initRequest is sent to sandbox-init on fd 3.
type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
	// CgroupLimits is set when memory and pid ceilings are enforced by a
	// cgroup; the helper then skips RLIMIT_AS and RLIMIT_NPROC.
	CgroupLimits bool
}
