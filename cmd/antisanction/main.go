package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/haioco/antisanction/pkg/config"
	"github.com/haioco/antisanction/pkg/logging"
	"github.com/haioco/antisanction/pkg/signals"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usageText = `Usage: antisanction [flags] <command> [args]

Commands:
  run              apply the configured mode and keep it up to date
  set [mode]       apply a mode once (manual, pac, clear); defaults to the config
  clear            remove the system proxy
  render           print the PAC script
  check <url>      evaluate the PAC script for a URL
  routing          print the domain list as proxy-core routing rules
  config           print (or with -o save) the effective configuration
  version          print version information

Flags:
`

type cliFlags struct {
	configPath string
	output     string
	script     string

	// set holds the parsed flags so reloads can re-apply the overrides.
	set *pflag.FlagSet
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, string(debug.Stack()))
			os.Exit(1)
		}
	}()

	os.Exit(run(os.Args[1:]))
}

func newFlagSet(flags *cliFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("antisanction", pflag.ContinueOnError)
	fs.StringVarP(&flags.configPath, "config", "c", "config.yaml", "Path to config file")
	fs.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	fs.StringP("mode", "m", "", "Proxy mode override (unchanged, manual, clear, pac)")
	fs.IntP("local-port", "p", 0, "Local port of the proxy core")
	fs.StringVarP(&flags.output, "output", "o", "", "Write render or config output to a file instead of stdout")
	fs.StringVar(&flags.script, "script", "", "PAC file for check; defaults to the rendered script")
	flags.set = fs
	return fs
}

func run(args []string) int {
	var flags cliFlags
	fs := newFlagSet(&flags)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	command := "run"
	rest := fs.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}
	if command == "version" {
		fmt.Printf("antisanction %s, commit %s, built at %s (%s/%s)\n", version, commit, date, runtime.GOOS, runtime.GOARCH)
		return 0
	}

	cfg, err := configLoader(fs)(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration %s: %v\n", flags.configPath, err)
		return 1
	}
	logging.Setup(cfg.LogLevel, cfg.LogPath, os.Stderr)
	defer logging.Close()
	slog.Debug("Configuration loaded", "path", cfg.Path, "mode", cfg.SysProxy.Mode)

	var shutdownOnce sync.Once
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals.SetupHandler(ctx, cancel, &shutdownOnce)

	cmdFn, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		fs.Usage()
		return 2
	}
	if err := cmdFn(ctx, cfg, flags, rest); err != nil {
		slog.Error("Command failed", "command", command, "error", err)
		return 1
	}
	return 0
}

// configLoader reads the config with the explicitly set flags layered on
// top. It is used at startup and for every reload.
func configLoader(fs *pflag.FlagSet) func(path string) (*config.Config, error) {
	return func(path string) (*config.Config, error) {
		v := config.NewViper()
		bindFlags(v, fs)
		return config.LoadWith(v, path)
	}
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	for key, name := range map[string]string{
		"log_level":          "log-level",
		"sysproxy.mode":      "mode",
		"inbound.local_port": "local-port",
	} {
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				slog.Warn("Failed to bind flag", "flag", name, "error", err)
			}
		}
	}
}
