package sysproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"howett.net/plist"
)

const (
	networksetup           = "networksetup"
	defaultPreferencesPath = "/Library/Preferences/SystemConfiguration/preferences.plist"
)

// DarwinAdapter configures every enabled network service with networksetup.
type DarwinAdapter struct {
	runner          Runner
	services        []string
	preferencesPath string
	opts            Options
}

// NewDarwinAdapter creates the adapter.
func NewDarwinAdapter(opts Options) *DarwinAdapter {
	runner := opts.Runner
	if runner == nil {
		if opts.Elevate {
			runner = newElevatedRunner()
		} else {
			runner = ExecRunner{}
		}
	}
	prefs := opts.PreferencesPath
	if prefs == "" {
		prefs = defaultPreferencesPath
	}
	return &DarwinAdapter{runner: runner, services: opts.Services, preferencesPath: prefs, opts: opts}
}

func (a *DarwinAdapter) SetManualProxy(ctx context.Context, ep Endpoint, exceptions ExceptionList) error {
	protos := ep.Protocols()
	bypass := []string(exceptions)
	if len(bypass) == 0 {
		bypass = []string{"Empty"}
	}
	slog.Info("Setting macOS manual proxy", "server", ep.Server(), "exceptions", exceptions.Join(","))

	return a.eachService(ctx, func(ctx context.Context, svc string) error {
		for _, p := range []struct{ proto, set, state string }{
			{"http", "-setwebproxy", "-setwebproxystate"},
			{"https", "-setsecurewebproxy", "-setsecurewebproxystate"},
			{"socks", "-setsocksfirewallproxy", "-setsocksfirewallproxystate"},
		} {
			addr, ok := protos[p.proto]
			if !ok {
				if err := a.networksetup(ctx, p.state, svc, "off"); err != nil {
					return err
				}
				continue
			}
			host, port, err := splitHostPort(addr)
			if err != nil {
				return fmt.Errorf("invalid %s proxy address %q: %w", p.proto, addr, err)
			}
			if err := a.networksetup(ctx, p.set, svc, host, strconv.Itoa(port)); err != nil {
				return err
			}
			if err := a.networksetup(ctx, p.state, svc, "on"); err != nil {
				return err
			}
		}
		if err := a.networksetup(ctx, append([]string{"-setproxybypassdomains", svc}, bypass...)...); err != nil {
			return err
		}
		return a.networksetup(ctx, "-setautoproxystate", svc, "off")
	})
}

func (a *DarwinAdapter) SetPacURL(ctx context.Context, pacURL string) error {
	slog.Info("Setting macOS PAC proxy", "url", pacURL)
	return a.eachService(ctx, func(ctx context.Context, svc string) error {
		for _, state := range []string{"-setwebproxystate", "-setsecurewebproxystate", "-setsocksfirewallproxystate"} {
			if err := a.networksetup(ctx, state, svc, "off"); err != nil {
				return err
			}
		}
		if err := a.networksetup(ctx, "-setautoproxyurl", svc, pacURL); err != nil {
			return err
		}
		return a.networksetup(ctx, "-setautoproxystate", svc, "on")
	})
}

func (a *DarwinAdapter) ClearProxy(ctx context.Context) error {
	slog.Info("Clearing macOS proxy")
	return a.eachService(ctx, func(ctx context.Context, svc string) error {
		for _, state := range []string{"-setwebproxystate", "-setsecurewebproxystate", "-setsocksfirewallproxystate", "-setautoproxystate"} {
			if err := a.networksetup(ctx, state, svc, "off"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *DarwinAdapter) networksetup(ctx context.Context, args ...string) error {
	_, err := run(ctx, a.runner, a.opts.timeout(), false, networksetup, args...)
	return err
}

// eachService runs fn for all services concurrently; the first error wins.
func (a *DarwinAdapter) eachService(ctx context.Context, fn func(ctx context.Context, svc string) error) error {
	services, err := a.Services(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			if err := fn(gctx, svc); err != nil {
				return fmt.Errorf("network service %q: %w", svc, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Services returns the configured services, else those found in the
// SystemConfiguration preferences, else those listed by networksetup.
func (a *DarwinAdapter) Services(ctx context.Context) ([]string, error) {
	if len(a.services) > 0 {
		return a.services, nil
	}
	if data, err := os.ReadFile(a.preferencesPath); err == nil {
		services, perr := ServicesFromPreferences(data)
		if perr == nil && len(services) > 0 {
			return services, nil
		}
		slog.Debug("Could not use network preferences, falling back to networksetup", "path", a.preferencesPath, "error", perr)
	}
	out, err := run(ctx, a.runner, a.opts.timeout(), true, networksetup, "-listallnetworkservices")
	if err != nil {
		return nil, err
	}
	services := ParseNetworkServices(out)
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: no network services found", ErrScriptFailed)
	}
	return services, nil
}

type preferences struct {
	NetworkServices map[string]networkService `plist:"NetworkServices"`
}

type networkService struct {
	UserDefinedName string      `plist:"UserDefinedName"`
	Inactive        interface{} `plist:"__INACTIVE__"`
	Interface       struct {
		DeviceName string `plist:"DeviceName"`
		Type       string `plist:"Type"`
	} `plist:"Interface"`
}

// ServicesFromPreferences returns the names of active network services from
// a SystemConfiguration preferences.plist, sorted.
func ServicesFromPreferences(data []byte) ([]string, error) {
	var prefs preferences
	if _, err := plist.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse network preferences: %w", err)
	}
	if len(prefs.NetworkServices) == 0 {
		return nil, errors.New("no NetworkServices in preferences")
	}
	var names []string
	for _, svc := range prefs.NetworkServices {
		if svc.Inactive != nil || svc.UserDefinedName == "" {
			continue
		}
		names = append(names, svc.UserDefinedName)
	}
	sort.Strings(names)
	return names, nil
}

// ParseNetworkServices parses `networksetup -listallnetworkservices`.
// Disabled services, marked with '*', are skipped.
func ParseNetworkServices(out string) []string {
	var services []string
	for _, line := range strings.Split(out, "\n") {
		s := strings.TrimSpace(line)
		if s == "" || strings.HasPrefix(s, "An asterisk") || strings.HasPrefix(s, "*") {
			continue
		}
		services = append(services, s)
	}
	return services
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
