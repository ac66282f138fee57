// Package security defines sandbox isolation and security profiles.
package security

// IsolationProfile describes namespace, identity and seccomp settings.
type IsolationProfile struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
	// UID and GID are the non-privileged host identity the program runs as.
	// Negative values keep the identity of the engine process.
	UID int
	GID int
}
