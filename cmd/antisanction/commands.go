package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/haioco/antisanction/pkg/config"
	"github.com/haioco/antisanction/pkg/coordinator"
	"github.com/haioco/antisanction/pkg/domainrules"
	"github.com/haioco/antisanction/pkg/pac"
	"github.com/haioco/antisanction/pkg/service"
)

type commandFunc func(ctx context.Context, cfg *config.Config, flags cliFlags, args []string) error

var commands = map[string]commandFunc{
	"run":     runService,
	"set":     setMode,
	"clear":   clearProxy,
	"render":  renderPAC,
	"check":   checkURL,
	"routing": printRouting,
	"config":  printConfig,
}

var errApplyFailed = errors.New("system proxy was not applied")

func newCoordinator(cfg *config.Config) (*coordinator.Coordinator, error) {
	return coordinator.New(cfg, coordinator.Options{GOOS: runtime.GOOS})
}

func runService(ctx context.Context, cfg *config.Config, flags cliFlags, _ []string) error {
	coord, err := newCoordinator(cfg)
	if err != nil {
		return err
	}
	sm, err := service.NewStateManager(cfg.Path, coord, service.Options{
		WatchConfig: cfg.Path != "",
		Load:        configLoader(flags.set),
	})
	if err != nil {
		return err
	}
	slog.Info("Starting antisanction", "version", version, "commit", commit, "pid", os.Getpid(), "config", cfg.Path)
	return sm.Run(ctx)
}

func setMode(ctx context.Context, cfg *config.Config, _ cliFlags, args []string) error {
	mode := cfg.ProxyMode()
	if len(args) > 0 {
		m, err := config.ParseProxyMode(args[0])
		if err != nil {
			return err
		}
		mode = m
	}
	return applyOnce(ctx, cfg, mode)
}

func clearProxy(ctx context.Context, cfg *config.Config, _ cliFlags, _ []string) error {
	return applyOnce(ctx, cfg, config.ModeClear)
}

// applyOnce applies mode and exits, except when the OS was pointed at the
// in-process PAC server: then it serves until interrupted.
func applyOnce(ctx context.Context, cfg *config.Config, mode config.ProxyMode) error {
	coord, err := newCoordinator(cfg)
	if err != nil {
		return err
	}
	defer coord.Close()

	if !coord.Apply(ctx, mode, false) {
		return errApplyFailed
	}
	strategy, err := coordinator.ResolveStrategy(cfg.Pac.Strategy, runtime.GOOS)
	if err != nil || mode != config.ModePac || strategy != coordinator.StrategyServer {
		fmt.Printf("System proxy set to %s\n", mode)
		return nil
	}

	fmt.Printf("System proxy set to %s, serving PAC script until interrupted\n", mode)
	<-ctx.Done()
	if cfg.SysProxy.ClearOnExit {
		coord.Apply(context.Background(), config.ModeClear, false)
	}
	return nil
}

func renderPAC(ctx context.Context, cfg *config.Config, flags cliFlags, _ []string) error {
	script, err := currentScript(ctx, cfg)
	if err != nil {
		return err
	}
	if flags.output == "" {
		_, err := fmt.Print(script)
		return err
	}
	if err := os.WriteFile(flags.output, []byte(script), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", flags.output, err)
	}
	slog.Info("PAC script written", "path", flags.output, "bytes", len(script))
	return nil
}

func checkURL(ctx context.Context, cfg *config.Config, flags cliFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: check <url>")
	}
	var script string
	if flags.script != "" {
		data, err := os.ReadFile(flags.script)
		if err != nil {
			return fmt.Errorf("failed to read PAC script: %w", err)
		}
		script = string(data)
	} else {
		var err error
		if script, err = currentScript(ctx, cfg); err != nil {
			return err
		}
	}

	res, err := pac.NewEngine().Evaluate(ctx, script, args[0])
	if err != nil {
		return err
	}
	fmt.Println(res.String())
	return nil
}

func printRouting(ctx context.Context, cfg *config.Config, _ cliFlags, _ []string) error {
	out, err := routingJSON(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// routingJSON exports the domain list for the proxy core. Bare entries always
// yield both full: and domain: rules there; domains.bare_exact only affects
// PAC rendering.
func routingJSON(ctx context.Context, cfg *config.Config) ([]byte, error) {
	src := coordinator.SourceFromConfig(cfg)
	src.Loader.BareExact = true
	rules, err := src.Load(ctx)
	if err != nil {
		slog.Warn("Using fallback rules", "error", err)
	}
	return domainrules.RoutingRuleSet(rules)
}

func printConfig(_ context.Context, cfg *config.Config, flags cliFlags, _ []string) error {
	if flags.output != "" {
		return config.SaveConfig(cfg, flags.output)
	}
	out, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// currentScript renders without touching the OS, so no adapter is needed.
func currentScript(ctx context.Context, cfg *config.Config) (string, error) {
	coord, err := coordinator.New(cfg, coordinator.Options{GOOS: runtime.GOOS, Adapter: noopAdapter{}})
	if err != nil {
		return "", err
	}
	return coord.RenderPAC(ctx)
}
