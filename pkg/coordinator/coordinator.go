// Package coordinator decides which system proxy state to apply for the
// configured mode and OS, and drives the PAC generator, the PAC server and the
// OS adapter to get there.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/haioco/antisanction/pkg/common"
	"github.com/haioco/antisanction/pkg/config"
	"github.com/haioco/antisanction/pkg/domainrules"
	"github.com/haioco/antisanction/pkg/pac"
	"github.com/haioco/antisanction/pkg/pacserver"
	"github.com/haioco/antisanction/pkg/sysproxy"
)

var (
	// ErrPortUnavailable means the proxy core's port is not known yet.
	ErrPortUnavailable = errors.New("proxy port unavailable")
	ErrInvalidStrategy = errors.New("invalid pac strategy")
)

// Strategy is how the PAC script reaches the OS.
type Strategy string

const (
	StrategyAuto   Strategy = "auto"
	StrategyFile   Strategy = "file"
	StrategyServer Strategy = "server"
)

// ResolveStrategy maps the configured strategy to file or server. Auto uses a
// local file where the OS accepts file:// PAC URLs and the live server on
// macOS.
func ResolveStrategy(configured, goos string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(configured))) {
	case StrategyFile:
		return StrategyFile, nil
	case StrategyServer:
		return StrategyServer, nil
	case StrategyAuto, "":
		if goos == "darwin" {
			return StrategyServer, nil
		}
		return StrategyFile, nil
	}
	return "", fmt.Errorf("%w %q, must be one of: auto, file, server", ErrInvalidStrategy, configured)
}

// EffectiveMode applies the force-disable override.
func EffectiveMode(desired config.ProxyMode, forceDisable bool) config.ProxyMode {
	if forceDisable {
		return config.ModeClear
	}
	return desired
}

// PacServer is the subset of *pacserver.Server the coordinator drives.
type PacServer interface {
	Start(port int, script string) error
	Stop()
	Running() bool
}

// RulesProvider yields the current domain rules. A non-nil error comes with
// usable fallback rules.
type RulesProvider interface {
	Load(ctx context.Context) (domainrules.RuleSet, error)
}

// Options wires the collaborators. Nil fields get production defaults.
type Options struct {
	GOOS      string
	Adapter   sysproxy.Adapter
	PacServer PacServer
	// Rules pins the rule source; otherwise one is built from the config on
	// every SetConfig.
	Rules RulesProvider
}

// Coordinator serializes proxy state changes. It is safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	goos       string
	adapter    sysproxy.Adapter
	pac        PacServer
	fixedRules RulesProvider

	cfg   atomic.Pointer[config.Config]
	rules atomic.Pointer[rulesHolder]
	// requested is the last mode asked for, applied the last one that took.
	requested config.ProxyMode
	applied   config.ProxyMode
}

type rulesHolder struct{ p RulesProvider }

// New builds a coordinator for cfg.
func New(cfg *config.Config, opts Options) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("coordinator: nil config")
	}
	if opts.GOOS == "" {
		return nil, errors.New("coordinator: GOOS is required")
	}
	c := &Coordinator{
		goos:       opts.GOOS,
		adapter:    opts.Adapter,
		pac:        opts.PacServer,
		fixedRules: opts.Rules,
	}
	if c.adapter == nil {
		adapter, err := sysproxy.NewAdapter(opts.GOOS, AdapterOptions(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s proxy adapter: %w", opts.GOOS, err)
		}
		c.adapter = adapter
	}
	if c.pac == nil {
		c.pac = pacserver.New(pacserver.Options{ListenAddress: cfg.Pac.ListenAddress})
	}
	c.SetConfig(cfg)
	return c, nil
}

// AdapterOptions maps the config onto sysproxy options.
func AdapterOptions(cfg *config.Config) sysproxy.Options {
	return sysproxy.Options{
		StateDir:       common.StateDir(cfg.StateDir),
		CommandTimeout: cfg.CommandTimeout,
		Elevate:        cfg.Darwin.Elevate,
		Services:       cfg.Darwin.Services,
	}
}

// SourceFromConfig builds the domain rule source described by cfg.
func SourceFromConfig(cfg *config.Config) *domainrules.Source {
	src := &domainrules.Source{
		URL:      cfg.Domains.URL,
		Charset:  cfg.Domains.Charset,
		Fallback: cfg.Domains.Fallback,
		Loader:   domainrules.Loader{BareExact: cfg.Domains.BareExact},
	}
	if cfg.Domains.File != "" {
		src.Path = cfg.Domains.File
	} else {
		src.Candidates = domainrules.DefaultCandidates(cfg.Path)
	}
	return src
}

// SetConfig swaps in a new config. It takes effect at the next Apply.
func (c *Coordinator) SetConfig(cfg *config.Config) {
	c.cfg.Store(cfg)
	rules := c.fixedRules
	if rules == nil {
		rules = SourceFromConfig(cfg)
	}
	c.rules.Store(&rulesHolder{p: rules})
}

// Config returns the active config.
func (c *Coordinator) Config() *config.Config {
	return c.cfg.Load()
}

// Rules returns the active rule source.
func (c *Coordinator) Rules() RulesProvider {
	return c.rules.Load().p
}

// Applied returns the last mode that was applied successfully.
func (c *Coordinator) Applied() config.ProxyMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Update applies the configured mode, or clears the proxy when forceDisable
// is set. It reports whether the OS now reflects the requested state.
func (c *Coordinator) Update(ctx context.Context, forceDisable bool) bool {
	return c.Apply(ctx, c.Config().ProxyMode(), forceDisable)
}

// Apply drives the OS to mode. Failures are logged and reported as false;
// Apply never panics.
func (c *Coordinator) Apply(ctx context.Context, desired config.ProxyMode, forceDisable bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ctx, EffectiveMode(desired, forceDisable))
}

// Refresh re-renders and republishes the PAC script when PAC mode is the last
// mode requested. Other modes do not depend on the rules and are left alone,
// including after a failed switch away from PAC.
func (c *Coordinator) Refresh(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested != config.ModePac {
		return true
	}
	slog.Info("Republishing PAC script")
	return c.applyLocked(ctx, config.ModePac)
}

// Close stops the PAC server. The OS proxy settings are left as they are.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pac.Stop()
}

func (c *Coordinator) applyLocked(ctx context.Context, mode config.ProxyMode) (ok bool) {
	cfg := c.Config()
	log := slog.With("mode", mode.String(), "os", c.goos)

	if mode == config.ModeUnchanged {
		log.Debug("Proxy mode unchanged, nothing to apply")
		return true
	}
	c.requested = mode

	keepServer := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while applying system proxy", "panic", r)
			ok = false
			keepServer = false
		}
		if !keepServer {
			c.pac.Stop()
		}
	}()

	log.Info("Applying system proxy")
	usedServer, err := c.dispatch(ctx, cfg, mode)
	if err != nil {
		log.Error("Failed to apply system proxy", "error", err)
		return false
	}
	keepServer = usedServer
	c.applied = mode
	log.Info("System proxy applied")
	return true
}

// dispatch reports whether the result depends on the PAC server staying up.
func (c *Coordinator) dispatch(ctx context.Context, cfg *config.Config, mode config.ProxyMode) (bool, error) {
	ports := PortsFromConfig(cfg)

	switch mode {
	case config.ModeClear:
		return false, c.adapter.ClearProxy(ctx)

	case config.ModeManual:
		port := ports.Mixed()
		if port <= 0 {
			return false, ErrPortUnavailable
		}
		ep := sysproxy.Endpoint{
			Host:      common.Loopback,
			Port:      port,
			SocksPort: port,
			Template:  cfg.SysProxy.AdvancedProtocol,
		}
		return false, c.adapter.SetManualProxy(ctx, ep, c.exceptions(cfg))

	case config.ModePac:
		port := ports.Mixed()
		if port <= 0 {
			return false, ErrPortUnavailable
		}
		strategy, err := ResolveStrategy(cfg.Pac.Strategy, c.goos)
		if err != nil {
			return false, err
		}
		script := c.render(ctx, cfg, port)

		if strategy == StrategyFile {
			path := PacFilePath(cfg)
			if err := writePacFile(path, script); err != nil {
				return false, err
			}
			return false, c.adapter.SetPacURL(ctx, FileURL(path))
		}

		pacPort := ports.Pac()
		if pacPort <= 0 {
			return false, ErrPortUnavailable
		}
		if err := c.pac.Start(pacPort, script); err != nil {
			return false, err
		}
		return true, c.adapter.SetPacURL(ctx, pacserver.URL(common.Loopback, pacPort))
	}
	return false, fmt.Errorf("unsupported proxy mode %s", mode)
}

func (c *Coordinator) exceptions(cfg *config.Config) sysproxy.ExceptionList {
	list := sysproxy.ParseExceptions(cfg.SysProxy.Exceptions)
	if c.goos == "windows" && cfg.SysProxy.NotProxyLocalAddress {
		list = list.WithLocalBypass()
	}
	return list
}

// RenderPAC renders the script the PAC modes would publish right now.
func (c *Coordinator) RenderPAC(ctx context.Context) (string, error) {
	cfg := c.Config()
	port := PortsFromConfig(cfg).Mixed()
	if port <= 0 {
		return "", ErrPortUnavailable
	}
	return c.render(ctx, cfg, port), nil
}

// render always returns a script; problems degrade to DIRECT-only output.
func (c *Coordinator) render(ctx context.Context, cfg *config.Config, port int) string {
	rules, err := c.Rules().Load(ctx)
	if err != nil {
		slog.Warn("Rendering PAC from fallback rules", "error", err)
	}

	gen := pac.Generator{Mode: pac.RenderAuto}
	if m, err := pac.ParseRenderMode(cfg.Pac.RenderMode); err == nil {
		gen.Mode = m
	}
	if cfg.Pac.TemplateFile != "" {
		tmpl, err := os.ReadFile(cfg.Pac.TemplateFile)
		if err != nil {
			slog.Error("Failed to read PAC template, serving DIRECT-only script", "path", cfg.Pac.TemplateFile, "error", err)
			return pac.DirectScript()
		}
		gen.Template = string(tmpl)
	}
	return gen.Render(rules, common.Loopback, port)
}

// PacFilePath is where the file strategy writes the script.
func PacFilePath(cfg *config.Config) string {
	if cfg.Pac.FilePath != "" {
		if abs, err := filepath.Abs(cfg.Pac.FilePath); err == nil {
			return abs
		}
		return cfg.Pac.FilePath
	}
	return filepath.Join(common.StateDir(cfg.StateDir), PacFileName)
}
