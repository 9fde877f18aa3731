// FILE: pkg/common/utils.go
package common

import (
	"os"
	"path/filepath"
)

const (
	AppName = "antisanction"

	// Loopback is the host the local proxy core listens on.
	Loopback = "127.0.0.1"

	DefaultLocalPort     = 10820
	DefaultPacListenAddr = "0.0.0.0"
	DomainsFileName      = "domains.txt"
)

// StateDir returns the directory generated files (helper scripts, PAC files)
// are written to. An explicit dir wins; otherwise the per-user config dir is
// used, then the temp dir.
func StateDir(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(os.TempDir(), AppName)
}

// ExecutableDir returns the directory of the running binary, or "" when it
// cannot be determined.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}
