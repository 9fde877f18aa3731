package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haioco/antisanction/pkg/config"
	"github.com/haioco/antisanction/pkg/coordinator"
	"github.com/haioco/antisanction/pkg/domainrules"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	cfg       *config.Config
	rules     coordinator.RulesProvider
	updates   []bool // forceDisable per call
	refreshes atomic.Int64
	closed    bool
	ok        bool
}

func newFakeCoordinator(cfg *config.Config) *fakeCoordinator {
	return &fakeCoordinator{cfg: cfg, rules: &domainrules.Source{}, ok: true}
}

func (f *fakeCoordinator) Update(_ context.Context, forceDisable bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, forceDisable)
	return f.ok
}

func (f *fakeCoordinator) Refresh(context.Context) bool {
	f.refreshes.Add(1)
	return true
}

func (f *fakeCoordinator) SetConfig(cfg *config.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

func (f *fakeCoordinator) Config() *config.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakeCoordinator) Rules() coordinator.RulesProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules
}

func (f *fakeCoordinator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeCoordinator) Updates() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.updates...)
}

func baseConfig() *config.Config {
	return &config.Config{
		SysProxy: config.SysProxyConfig{Mode: "pac", ClearOnExit: true},
		Inbound:  config.InboundConfig{LocalPort: 10820},
	}
}

func newTestManager(t *testing.T, coord Coordinator, opts Options) *StateManager {
	t.Helper()
	if opts.LogWriter == nil {
		opts.LogWriter = io.Discard
	}
	sm, err := NewStateManager("", coord, opts)
	if err != nil {
		t.Fatalf("NewStateManager: %v", err)
	}
	return sm
}

func runInBackground(t *testing.T, sm *StateManager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Run(ctx) }()
	return cancel, done
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewStateManagerRequiresCoordinator(t *testing.T) {
	if _, err := NewStateManager("", nil, Options{}); err == nil {
		t.Fatal("expected error for nil coordinator")
	}
}

func TestRunAppliesAndClearsOnExit(t *testing.T) {
	coord := newFakeCoordinator(baseConfig())
	sm := newTestManager(t, coord, Options{})

	cancel, done := runInBackground(t, sm)
	waitFor(t, time.Second, func() bool { return len(coord.Updates()) == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	updates := coord.Updates()
	if len(updates) != 2 || updates[0] || !updates[1] {
		t.Errorf("updates = %v, want [false true]", updates)
	}
	if !coord.closed {
		t.Error("coordinator not closed")
	}
}

func TestRunKeepsProxyWhenClearOnExitDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.SysProxy.ClearOnExit = false
	coord := newFakeCoordinator(cfg)
	coord.ok = false // A failed initial apply does not stop the service.
	sm := newTestManager(t, coord, Options{})

	cancel, done := runInBackground(t, sm)
	waitFor(t, time.Second, func() bool { return len(coord.Updates()) == 1 })
	cancel()
	<-done

	if updates := coord.Updates(); len(updates) != 1 {
		t.Errorf("updates = %v, want only the initial apply", updates)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	coord := newFakeCoordinator(baseConfig())
	sm := newTestManager(t, coord, Options{})
	sm.Shutdown(context.Background())
	sm.Shutdown(context.Background())
	if n := len(coord.Updates()); n != 1 {
		t.Errorf("%d clear calls, want 1", n)
	}
}

func TestReload(t *testing.T) {
	coord := newFakeCoordinator(baseConfig())
	next := baseConfig()
	next.SysProxy.Mode = "manual"
	sm := newTestManager(t, coord, Options{Load: func(string) (*config.Config, error) { return next, nil }})

	if err := sm.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if coord.Config() != next {
		t.Error("new config not installed")
	}
	if updates := coord.Updates(); len(updates) != 1 || updates[0] {
		t.Errorf("updates = %v, want one non-forced apply", updates)
	}
	if sm.Reloads() != 1 {
		t.Errorf("Reloads = %d", sm.Reloads())
	}
}

func TestReloadFailureKeepsConfig(t *testing.T) {
	cfg := baseConfig()
	coord := newFakeCoordinator(cfg)
	sm := newTestManager(t, coord, Options{Load: func(string) (*config.Config, error) {
		return nil, errors.New("bad yaml")
	}})

	if err := sm.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if coord.Config() != cfg {
		t.Error("config replaced despite load failure")
	}
	if len(coord.Updates()) != 0 || sm.Reloads() != 0 {
		t.Error("failed reload should not touch the proxy")
	}
}

func TestReloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sysproxy:\n  mode: clear\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	coord := newFakeCoordinator(baseConfig())
	sm, err := NewStateManager(path, coord, Options{LogWriter: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	if err := sm.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := coord.Config().SysProxy.Mode; got != "clear" {
		t.Errorf("mode = %q, want clear", got)
	}
}

func TestDomainWatchRefreshesPac(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "domains.txt")
	if err := os.WriteFile(list, []byte("example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := baseConfig()
	cfg.Domains.Watch = true
	coord := newFakeCoordinator(cfg)
	coord.rules = &domainrules.Source{Path: list}
	sm := newTestManager(t, coord, Options{})

	cancel, done := runInBackground(t, sm)
	defer func() {
		cancel()
		<-done
	}()
	waitFor(t, time.Second, func() bool { return len(coord.Updates()) == 1 })

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(list, []byte("example.com\nblocked.org\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return coord.refreshes.Load() > 0 })
}

type fakeRefresher struct {
	calls atomic.Int64
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestRefreshLoop(t *testing.T) {
	coord := newFakeCoordinator(baseConfig())
	sm := newTestManager(t, coord, Options{})
	r := &fakeRefresher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sm.refreshLoop(ctx, r, 10*time.Millisecond)
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return coord.refreshes.Load() >= 2 })
	cancel()
	<-done
}

func TestRefreshFailureSkipsRepublish(t *testing.T) {
	coord := newFakeCoordinator(baseConfig())
	sm := newTestManager(t, coord, Options{})
	r := &fakeRefresher{err: errors.New("503")}

	sm.refreshDomains(context.Background(), r)
	if r.calls.Load() != 1 || coord.refreshes.Load() != 0 {
		t.Errorf("refresh calls %d, republish %d; want 1 and 0", r.calls.Load(), coord.refreshes.Load())
	}
}
