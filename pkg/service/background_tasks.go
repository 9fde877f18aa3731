package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haioco/antisanction/pkg/domainrules"
)

// Refresher is a rule source that can re-download its list.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Resolver reports the file a rule source reads.
type Resolver interface {
	ResolvePath() (string, error)
}

// restartBackgroundTasks replaces the domain watch and refresh tasks with
// ones built from the current config.
func (sm *StateManager) restartBackgroundTasks(ctx context.Context) {
	sm.tasksMu.Lock()
	defer sm.tasksMu.Unlock()
	if sm.cancelTasks != nil {
		sm.cancelTasks()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	sm.cancelTasks = cancel

	cfg := sm.coord.Config()
	rules := sm.coord.Rules()

	if cfg.Domains.Watch {
		if r, ok := rules.(Resolver); ok {
			sm.startDomainWatch(taskCtx, r)
		}
	}
	if interval := time.Duration(cfg.Domains.RefreshInterval) * time.Second; interval > 0 && cfg.Domains.URL != "" {
		if r, ok := rules.(Refresher); ok {
			sm.wg.Add(1)
			go func() {
				defer sm.wg.Done()
				defer slog.Info("Domain list refresher stopped")
				sm.refreshLoop(taskCtx, r, interval)
			}()
		}
	}
}

func (sm *StateManager) stopBackgroundTasks() {
	sm.tasksMu.Lock()
	defer sm.tasksMu.Unlock()
	if sm.cancelTasks != nil {
		sm.cancelTasks()
		sm.cancelTasks = nil
	}
}

func (sm *StateManager) startDomainWatch(ctx context.Context, r Resolver) {
	path, err := r.ResolvePath()
	if errors.Is(err, domainrules.ErrNotFound) {
		// A pinned path is watched before it exists so a later download is seen.
		src, ok := r.(*domainrules.Source)
		if !ok || src.Path == "" {
			slog.Info("No domain list file to watch")
			return
		}
		path, err = src.Path, nil
	}
	if err != nil {
		slog.Warn("Cannot resolve domain list path, watch disabled", "error", err)
		return
	}

	err = domainrules.Watch(ctx, path, domainrules.DefaultWatchDebounce, func() {
		slog.Info("Domain list changed", "path", path)
		sm.coord.Refresh(ctx)
	})
	if err != nil {
		slog.Warn("Domain list watch disabled", "path", path, "error", err)
	}
}

func (sm *StateManager) refreshLoop(ctx context.Context, r Refresher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.refreshDomains(ctx, r)
		}
	}
}

func (sm *StateManager) refreshDomains(ctx context.Context, r Refresher) {
	slog.Debug("Performing periodic domain list refresh...")
	if err := r.Refresh(ctx); err != nil {
		slog.Warn("Periodic domain list refresh failed", "error", err)
		return
	}
	slog.Debug("Domain list refreshed")
	sm.coord.Refresh(ctx)
}
