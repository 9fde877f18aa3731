//go:build !windows

package sysproxy

import (
	"context"
	"fmt"
	"runtime"
)

// WindowsAdapter is unavailable off Windows.
type WindowsAdapter struct{}

// NewWindowsAdapter always fails off Windows.
func NewWindowsAdapter(Options) (*WindowsAdapter, error) {
	return nil, fmt.Errorf("%w: windows adapter on %s", ErrUnsupportedOS, runtime.GOOS)
}

func (*WindowsAdapter) SetManualProxy(context.Context, Endpoint, ExceptionList) error {
	return ErrUnsupportedOS
}

func (*WindowsAdapter) SetPacURL(context.Context, string) error { return ErrUnsupportedOS }

func (*WindowsAdapter) ClearProxy(context.Context) error { return ErrUnsupportedOS }
