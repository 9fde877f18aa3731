package sysproxy

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hectane/go-acl"

	"github.com/haioco/antisanction/pkg/common"
)

// ScriptFileName is the name of the materialized helper.
const ScriptFileName = "proxy_set_linux.sh"

//go:embed proxy_set_linux.sh
var embeddedLinuxScript []byte

// LinuxAdapter drives the desktop proxy settings through a shell helper.
type LinuxAdapter struct {
	stateDir string
	script   []byte
	runner   Runner
	opts     Options

	mu sync.Mutex
}

// NewLinuxAdapter creates the adapter; the helper is written on first use.
func NewLinuxAdapter(opts Options) *LinuxAdapter {
	script := opts.Script
	if len(script) == 0 {
		script = embeddedLinuxScript
	}
	return &LinuxAdapter{
		stateDir: common.StateDir(opts.StateDir),
		script:   script,
		runner:   opts.Runner,
		opts:     opts,
	}
}

// ScriptPath returns where the helper is materialized.
func (a *LinuxAdapter) ScriptPath() string {
	return filepath.Join(a.stateDir, ScriptFileName)
}

func (a *LinuxAdapter) SetManualProxy(ctx context.Context, ep Endpoint, exceptions ExceptionList) error {
	host, port := ep.Host, ep.Port
	if ep.Template != "" {
		// The helper takes one host and port; use the HTTP entry of the template.
		if addr, ok := ep.Protocols()["http"]; ok {
			if h, p, err := splitHostPort(addr); err == nil {
				host, port = h, p
			}
		}
	}
	slog.Info("Setting Linux manual proxy", "host", host, "port", port, "exceptions", exceptions.Join(","))
	return a.exec(ctx, "manual", host, strconv.Itoa(port), exceptions.Join(","))
}

func (a *LinuxAdapter) SetPacURL(ctx context.Context, pacURL string) error {
	slog.Info("Setting Linux PAC proxy", "url", pacURL)
	return a.exec(ctx, "auto", pacURL)
}

func (a *LinuxAdapter) ClearProxy(ctx context.Context) error {
	slog.Info("Clearing Linux proxy")
	return a.exec(ctx, "none")
}

func (a *LinuxAdapter) exec(ctx context.Context, args ...string) error {
	path, err := a.materialize()
	if err != nil {
		return &ScriptError{Path: a.ScriptPath(), Args: args, ExitCode: -1, Err: err}
	}
	out, err := run(ctx, a.runner, a.opts.timeout(), true, path, args...)
	if err != nil {
		slog.Error("Linux proxy helper failed", "mode", args[0], "error", err)
		return err
	}
	slog.Debug("Linux proxy helper output", "mode", args[0], "output", out)
	return nil
}

// materialize writes the helper when it is missing or differs from the
// embedded copy, then makes it executable.
func (a *LinuxAdapter) materialize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.ScriptPath()
	if current, err := os.ReadFile(path); err != nil || !bytes.Equal(current, a.script) {
		if err := os.MkdirAll(a.stateDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create state directory %s: %w", a.stateDir, err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, a.script, 0o755); err != nil {
			return "", fmt.Errorf("failed to write proxy helper %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("failed to install proxy helper %s: %w", path, err)
		}
		slog.Debug("Proxy helper script written", "path", path)
	}
	if err := acl.Chmod(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to make proxy helper executable: %w", err)
	}
	return path, nil
}
