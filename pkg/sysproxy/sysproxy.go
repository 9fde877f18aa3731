// Package sysproxy points the operating system at a local proxy.
//
// Each OS family gets one Adapter implementation, picked once by NewAdapter.
package sysproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrScriptFailed marks a helper process that exited non-zero, could not
	// be started or printed nothing.
	ErrScriptFailed = errors.New("proxy helper failed")
	// ErrOSAPI marks a failed OS settings call.
	ErrOSAPI = errors.New("os proxy settings call failed")
	// ErrUnsupportedOS is returned for platforms without an adapter.
	ErrUnsupportedOS = errors.New("system proxy not supported on this OS")
)

const defaultCommandTimeout = 15 * time.Second

// Adapter applies one of the three proxy modes.
type Adapter interface {
	SetManualProxy(ctx context.Context, ep Endpoint, exceptions ExceptionList) error
	SetPacURL(ctx context.Context, pacURL string) error
	ClearProxy(ctx context.Context) error
}

// Options configures the adapters. Fields irrelevant to an OS are ignored.
type Options struct {
	// StateDir receives the materialized Linux helper script.
	StateDir       string
	CommandTimeout time.Duration
	// Script replaces the embedded Linux helper.
	Script []byte
	// Elevate runs networksetup through an authorization prompt (macOS).
	Elevate bool
	// Services pins the macOS network services; empty means discover.
	Services []string
	// PreferencesPath overrides the macOS SystemConfiguration plist.
	PreferencesPath string
	Runner          Runner
}

func (o Options) timeout() time.Duration {
	if o.CommandTimeout > 0 {
		return o.CommandTimeout
	}
	return defaultCommandTimeout
}

// NewAdapter returns the adapter for goos (a runtime.GOOS value).
func NewAdapter(goos string, opts Options) (Adapter, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return NewLinuxAdapter(opts), nil
	case "darwin":
		return NewDarwinAdapter(opts), nil
	case "windows":
		a, err := NewWindowsAdapter(opts)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOS, goos)
}

// Runner starts helper processes. Output is stdout and stderr combined.
type Runner interface {
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

func (ExecRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- fixed helper binaries, argv not shell-interpreted
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// ScriptError carries the details of a failed helper invocation.
type ScriptError struct {
	Path     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Path, strings.Join(e.Args, " "))
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		b.WriteString(": no output")
	}
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "\n%s", out)
	}
	return b.String()
}

func (e *ScriptError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrScriptFailed}
	}
	return []error{ErrScriptFailed, e.Err}
}

// run executes name with a timeout. requireOutput makes an empty output a
// failure even on exit code 0.
func run(ctx context.Context, r Runner, timeout time.Duration, requireOutput bool, name string, args ...string) (string, error) {
	if r == nil {
		r = ExecRunner{}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.CombinedOutput(ctx, name, args...)
	output := string(out)
	if err != nil {
		se := &ScriptError{Path: name, Args: args, ExitCode: -1, Output: output, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			se.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			se.Err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return output, se
	}
	if requireOutput && strings.TrimSpace(output) == "" {
		return output, &ScriptError{Path: name, Args: args, Output: output}
	}
	return output, nil
}
