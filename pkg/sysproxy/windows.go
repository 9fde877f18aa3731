//go:build windows

package sysproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

var (
	wininet                       = windows.NewLazySystemDLL("wininet.dll")
	internetSetOption             = wininet.NewProc("InternetSetOptionW")
	internetOptionSettingsChanged = 39
	internetOptionRefresh         = 37
)

// WindowsAdapter writes the per-user Internet Settings and tells WinINet to
// reload them.
type WindowsAdapter struct {
	opts Options
	mu   sync.Mutex
}

// NewWindowsAdapter creates the adapter.
func NewWindowsAdapter(opts Options) (*WindowsAdapter, error) {
	return &WindowsAdapter{opts: opts}, nil
}

func (a *WindowsAdapter) SetManualProxy(_ context.Context, ep Endpoint, exceptions ExceptionList) error {
	server := ep.Server()
	bypass := exceptions.Join(";")
	slog.Info("Setting Windows manual proxy", "server", server, "bypass", bypass)
	return a.apply(func(k registry.Key) error {
		if err := k.SetStringValue("ProxyServer", server); err != nil {
			return fmt.Errorf("set ProxyServer: %w", err)
		}
		if err := k.SetStringValue("ProxyOverride", bypass); err != nil {
			return fmt.Errorf("set ProxyOverride: %w", err)
		}
		if err := deleteValue(k, "AutoConfigURL"); err != nil {
			return err
		}
		if err := k.SetDWordValue("ProxyEnable", 1); err != nil {
			return fmt.Errorf("set ProxyEnable: %w", err)
		}
		return nil
	})
}

func (a *WindowsAdapter) SetPacURL(_ context.Context, pacURL string) error {
	slog.Info("Setting Windows PAC proxy", "url", pacURL)
	return a.apply(func(k registry.Key) error {
		if err := k.SetDWordValue("ProxyEnable", 0); err != nil {
			return fmt.Errorf("set ProxyEnable: %w", err)
		}
		if err := k.SetStringValue("AutoConfigURL", pacURL); err != nil {
			return fmt.Errorf("set AutoConfigURL: %w", err)
		}
		return nil
	})
}

func (a *WindowsAdapter) ClearProxy(_ context.Context) error {
	slog.Info("Clearing Windows proxy")
	return a.apply(func(k registry.Key) error {
		if err := k.SetDWordValue("ProxyEnable", 0); err != nil {
			return fmt.Errorf("set ProxyEnable: %w", err)
		}
		return deleteValue(k, "AutoConfigURL")
	})
}

func (a *WindowsAdapter) apply(fn func(k registry.Key) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("%w: open Internet Settings: %w", ErrOSAPI, err)
	}
	defer k.Close()

	if err := fn(k); err != nil {
		return fmt.Errorf("%w: %w", ErrOSAPI, err)
	}
	if err := callInternetSetOption(internetOptionSettingsChanged); err != nil {
		return err
	}
	return callInternetSetOption(internetOptionRefresh)
}

func deleteValue(k registry.Key, name string) error {
	if err := k.DeleteValue(name); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func callInternetSetOption(dwOption int) error {
	ret, _, err := internetSetOption.Call(0, uintptr(dwOption), 0, 0)
	if ret == 0 {
		return fmt.Errorf("%w: InternetSetOption(%d): %v", ErrOSAPI, dwOption, err)
	}
	return nil
}
