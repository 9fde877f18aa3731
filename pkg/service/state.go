// Package service runs the long-lived proxy orchestration: it applies the
// configured mode, follows config and domain list changes, and restores the
// OS settings on exit.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/haioco/antisanction/pkg/config"
	"github.com/haioco/antisanction/pkg/coordinator"
	"github.com/haioco/antisanction/pkg/logging"
	"github.com/haioco/antisanction/pkg/signals"
)

const defaultShutdownTimeout = 20 * time.Second

// Coordinator is the part of *coordinator.Coordinator the service drives.
type Coordinator interface {
	Update(ctx context.Context, forceDisable bool) bool
	Refresh(ctx context.Context) bool
	SetConfig(cfg *config.Config)
	Config() *config.Config
	Rules() coordinator.RulesProvider
	Close()
}

// Options tunes the service. Zero values are fine.
type Options struct {
	// WatchConfig reloads the config file when it changes on disk.
	WatchConfig     bool
	ShutdownTimeout time.Duration
	// LogWriter receives logs when the config has no log_path.
	LogWriter io.Writer
	// Load replaces config.LoadConfig for reloads.
	Load func(path string) (*config.Config, error)
}

// StateManager owns the coordinator and the background tasks feeding it.
type StateManager struct {
	configPath string
	coord      Coordinator
	opts       Options
	startTime  time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	reloadMu sync.Mutex
	reloads  atomic.Int64

	tasksMu     sync.Mutex
	cancelTasks context.CancelFunc
}

// NewStateManager wires a service around coord. configPath may be empty when
// running on defaults only.
func NewStateManager(configPath string, coord Coordinator, opts Options) (*StateManager, error) {
	if coord == nil {
		return nil, errors.New("coordinator cannot be nil")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.LogWriter == nil {
		opts.LogWriter = os.Stderr
	}
	if opts.Load == nil {
		opts.Load = config.LoadConfig
	}
	return &StateManager{
		configPath: configPath,
		coord:      coord,
		opts:       opts,
		startTime:  time.Now(),
	}, nil
}

// Run applies the configured mode and blocks until ctx is cancelled, then
// shuts down. A failed initial apply is logged, not fatal: reloads and
// refreshes may still fix it.
func (sm *StateManager) Run(ctx context.Context) error {
	slog.Info("Applying initial system proxy state", "mode", sm.coord.Config().SysProxy.Mode)
	if !sm.coord.Update(ctx, false) {
		slog.Warn("Initial system proxy update failed")
	}

	sm.restartBackgroundTasks(ctx)
	signals.NotifyReload(ctx, func() { sm.Reload(ctx) })
	if sm.opts.WatchConfig {
		sm.watchConfig(ctx)
	}

	slog.Info("Service running")
	<-ctx.Done()
	slog.Info("Service context cancelled, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sm.opts.ShutdownTimeout)
	defer cancel()
	sm.Shutdown(shutdownCtx)
	return nil
}

// Reload re-reads the config file and applies it. On error the previous
// config stays active.
func (sm *StateManager) Reload(ctx context.Context) error {
	sm.reloadMu.Lock()
	defer sm.reloadMu.Unlock()

	slog.Info("Reloading configuration...", "path", sm.configPath)
	newCfg, err := sm.opts.Load(sm.configPath)
	if err != nil {
		slog.Error("Failed to reload configuration, keeping previous", "error", err)
		return fmt.Errorf("failed to load new configuration: %w", err)
	}
	oldCfg := sm.coord.Config()

	logging.Setup(newCfg.LogLevel, newCfg.LogPath, sm.opts.LogWriter)

	sm.coord.SetConfig(newCfg)
	sm.reloads.Add(1)
	if !sm.coord.Update(ctx, false) {
		slog.Warn("System proxy update after reload failed")
	}
	if !reflect.DeepEqual(oldCfg.Domains, newCfg.Domains) {
		slog.Info("Domain list settings changed, restarting domain tasks")
		sm.restartBackgroundTasks(ctx)
	}
	slog.Info("Configuration reloaded")
	return nil
}

// Reloads counts successful reloads.
func (sm *StateManager) Reloads() int64 {
	return sm.reloads.Load()
}

// Shutdown clears the proxy when configured to and stops every task. Safe to
// call more than once.
func (sm *StateManager) Shutdown(ctx context.Context) {
	sm.stopOnce.Do(func() {
		slog.Info("Shutting down service", "uptime", time.Since(sm.startTime).Round(time.Second))
		sm.stopBackgroundTasks()

		if sm.coord.Config().SysProxy.ClearOnExit {
			slog.Info("Clearing system proxy on exit")
			if !sm.coord.Update(ctx, true) {
				slog.Warn("Failed to clear system proxy on exit")
			}
		}
		sm.coord.Close()

		done := make(chan struct{})
		go func() {
			sm.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Service stopped")
		case <-ctx.Done():
			slog.Warn("Timed out waiting for background tasks")
		}
	})
}

// watchConfig re-reads the file through viper's watcher. The watcher cannot
// be stopped; events after shutdown are ignored.
func (sm *StateManager) watchConfig(ctx context.Context) {
	if sm.configPath == "" {
		slog.Debug("No config file, config watch disabled")
		return
	}
	v := viper.New()
	v.SetConfigFile(sm.configPath)
	v.SetConfigType("yaml")
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		slog.Info("Config file changed", "path", e.Name, "op", e.Op.String())
		sm.Reload(ctx)
	})
	v.WatchConfig()
	slog.Info("Watching config file", "path", sm.configPath)
}
