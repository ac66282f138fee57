package engine

import (
	"time"

	"runbox/internal/sandbox/security"
)

// ContainerWorkDir is where the workspace appears when a rootfs is used.
const ContainerWorkDir = "/work"

// ProfileResolver resolves a profile name into an isolation profile.
type ProfileResolver interface {
	Resolve(profile string) (security.IsolationProfile, error)
}

// Config controls sandbox engine behavior.
type Config struct {
	CgroupRoot string
	SeccompDir string
	HelperPath string
	// OutputMaxBytes caps each captured stream when the run spec sets no limit.
	OutputMaxBytes   int64
	EnableSeccomp    bool
	EnableCgroup     bool
	EnableNamespaces bool
	// UID and GID are the host identity sandboxed programs run as when the
	// engine runs as root. Negative values keep the engine's identity.
	UID int
	GID int
	// WaitDelay bounds stream draining after the process has exited.
	WaitDelay time.Duration
}

// SandboxWorkDir returns the path under which the program sees its workspace.
func SandboxWorkDir(iso security.IsolationProfile, hostDir string) string {
	if iso.RootFS != "" {
		return ContainerWorkDir
	}
	return hostDir
}
