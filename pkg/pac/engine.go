package pac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

const (
	dnsCacheTTL           = 5 * time.Minute
	myIPCacheTTL          = 10 * time.Minute
	defaultPacExecTimeout = 5 * time.Second
	dnsLookupTimeout      = 2 * time.Second
)

var errHalt = errors.New("pac execution halted")

// Resolver is the subset of net.Resolver used by dnsResolve and friends.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type dnsCacheEntry struct {
	ip     string
	expiry time.Time
}

// Engine evaluates FindProxyForURL in an embedded JavaScript VM with the
// standard PAC helper functions installed. The VM is rebuilt whenever the
// script changes so globals of an old script never leak into a new one.
type Engine struct {
	vm          *otto.Otto
	vmMutex     sync.Mutex
	loaded      string
	execTimeout time.Duration
	resolver    Resolver

	dnsCache   map[string]dnsCacheEntry
	dnsCacheMu sync.Mutex

	myIPCache   string
	myIPExpiry  time.Time
	myIPCacheMu sync.Mutex
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithResolver replaces the DNS resolver used by the PAC helpers.
func WithResolver(r Resolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// WithTimeout bounds each script execution.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.execTimeout = d
		}
	}
}

// NewEngine creates a PAC evaluation engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		execTimeout: defaultPacExecTimeout,
		resolver:    net.DefaultResolver,
		dnsCache:    make(map[string]dnsCacheEntry),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// FindProxyForURL loads script (if not already loaded) and returns the raw
// result of FindProxyForURL(targetURL, targetHost).
func (e *Engine) FindProxyForURL(ctx context.Context, script, targetURL, targetHost string) (string, error) {
	e.vmMutex.Lock()
	defer e.vmMutex.Unlock()

	if e.vm == nil || e.loaded != script {
		if err := e.load(ctx, script); err != nil {
			return "", err
		}
	}

	slog.Debug("Executing PAC function call", "url", targetURL, "host", targetHost)
	var result otto.Value
	err := e.guarded(ctx, func() error {
		v, err := e.vm.Call("FindProxyForURL", nil, targetURL, targetHost)
		if err != nil {
			if strings.Contains(err.Error(), "ReferenceError") && strings.Contains(err.Error(), "FindProxyForURL") {
				return errors.New("function 'FindProxyForURL' not found in PAC script")
			}
			return fmt.Errorf("failed to execute FindProxyForURL in PAC script: %w", err)
		}
		result = v
		return nil
	})
	if err != nil {
		return "", err
	}

	s, err := result.ToString()
	if err != nil {
		return "", fmt.Errorf("failed to convert PAC result to string: %w", err)
	}
	return s, nil
}

// Evaluate runs the script for rawURL and parses the result. The host
// argument is taken from the URL.
func (e *Engine) Evaluate(ctx context.Context, script, rawURL string) (PacResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PacResult{}, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		// Bare host names are accepted for convenience.
		host = rawURL
	}
	res, err := e.FindProxyForURL(ctx, script, rawURL, host)
	if err != nil {
		return PacResult{}, err
	}
	return ParseResult(res), nil
}

func (e *Engine) load(ctx context.Context, script string) error {
	vm := otto.New()
	if err := e.registerPacHelpers(vm); err != nil {
		return fmt.Errorf("failed to register PAC helpers: %w", err)
	}
	e.vm = vm
	e.loaded = ""
	err := e.guarded(ctx, func() error {
		if _, err := vm.Run(script); err != nil {
			return fmt.Errorf("failed to load PAC script into JS VM: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.loaded = script
	return nil
}

// guarded runs fn with the execution timeout armed. A timed out or panicking
// VM is discarded.
func (e *Engine) guarded(ctx context.Context, fn func() error) (err error) {
	timeout := e.execTimeout
	if deadline, ok := ctx.Deadline(); ok {
		until := time.Until(deadline)
		if until <= 0 {
			return fmt.Errorf("pac execution not started: %w", context.DeadlineExceeded)
		}
		if until < timeout {
			timeout = until
		}
	}

	interrupt := make(chan func(), 1)
	e.vm.Interrupt = interrupt
	done := make(chan struct{})
	defer close(done)

	var reason error
	var reasonMu sync.Mutex
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	go func() {
		var why error
		select {
		case <-timer.C:
			why = fmt.Errorf("pac script execution timed out after %s", timeout)
		case <-ctx.Done():
			why = fmt.Errorf("pac execution cancelled by parent context: %w", ctx.Err())
		case <-done:
			return
		}
		reasonMu.Lock()
		reason = why
		reasonMu.Unlock()
		interrupt <- func() { panic(errHalt) }
	}()

	defer func() {
		if r := recover(); r != nil {
			e.vm = nil
			e.loaded = ""
			if r == errHalt {
				reasonMu.Lock()
				err = reason
				reasonMu.Unlock()
				slog.Warn("PAC script execution interrupted", "error", err)
				return
			}
			err = fmt.Errorf("panic during PAC script execution: %v", r)
		}
	}()

	return fn()
}

func (e *Engine) getCachedDns(host string) (string, bool) {
	e.dnsCacheMu.Lock()
	defer e.dnsCacheMu.Unlock()
	entry, found := e.dnsCache[host]
	if !found {
		return "", false
	}
	if time.Now().After(entry.expiry) {
		delete(e.dnsCache, host)
		slog.Debug("PAC dnsResolve cache expired", "host", host)
		return "", false
	}
	return entry.ip, true
}

func (e *Engine) setCachedDns(host, ip string) {
	if host == "" || ip == "" {
		return
	}
	e.dnsCacheMu.Lock()
	e.dnsCache[host] = dnsCacheEntry{ip: ip, expiry: time.Now().Add(dnsCacheTTL)}
	e.dnsCacheMu.Unlock()
}

func (e *Engine) getMyIP() (string, bool) {
	e.myIPCacheMu.Lock()
	defer e.myIPCacheMu.Unlock()
	if e.myIPCache != "" && time.Now().Before(e.myIPExpiry) {
		return e.myIPCache, true
	}
	return "", false
}

func (e *Engine) setMyIP(ip string) {
	if ip == "" {
		return
	}
	e.myIPCacheMu.Lock()
	e.myIPCache = ip
	e.myIPExpiry = time.Now().Add(myIPCacheTTL)
	e.myIPCacheMu.Unlock()
}

func (e *Engine) lookup(host string) (string, error) {
	if ip, ok := e.getCachedDns(host); ok {
		return ip, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dnsLookupTimeout)
	defer cancel()
	ips, err := e.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		// PAC scripts expect dotted quads where available.
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			e.setCachedDns(host, ip)
			return ip, nil
		}
	}
	if len(ips) == 0 || ips[0] == "" {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	e.setCachedDns(host, ips[0])
	return ips[0], nil
}
