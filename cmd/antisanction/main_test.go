package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haioco/antisanction/pkg/coordinator"
	"github.com/haioco/antisanction/pkg/service"
)

func TestRunExitCodes(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"version"}, 0},
		{"help", []string{"--help"}, 0},
		{"bad flag", []string{"--nope"}, 2},
		{"unknown command", []string{"-c", missing, "frobnicate"}, 2},
		{"config dump", []string{"-c", missing, "config"}, 0},
		{"bad mode", []string{"-c", missing, "--mode", "sideways", "config"}, 1},
		{"check needs url", []string{"-c", missing, "check"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestRenderToFile(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "domains.txt")
	if err := os.WriteFile(list, []byte("example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "domains:\n  file: " + list + "\n  watch: false\nstate_dir: " + dir + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.pac")

	if code := run([]string{"-c", cfgPath, "-o", out, "render"}); code != 0 {
		t.Fatalf("render exit code %d", code)
	}
	script, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(script), "example.com") || !strings.Contains(string(script), "PROXY 127.0.0.1:10826") {
		t.Errorf("unexpected script:\n%s", script)
	}

	if code := run([]string{"-c", cfgPath, "--script", out, "check", "https://www.example.com/"}); code != 0 {
		t.Errorf("check exit code %d", code)
	}
}

func TestRoutingExportsBareDomainsAsFullAndDomain(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "domains.txt")
	if err := os.WriteFile(list, []byte("example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var flags cliFlags
	fs := newFlagSet(&flags)
	cfg, err := configLoader(fs)(filepath.Join(dir, "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Domains.BareExact {
		t.Fatal("bare_exact should default to false")
	}
	cfg.Domains.File = list

	out, err := routingJSON(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"full:example.com"`, `"domain:example.com"`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("routing output lacks %s:\n%s", want, out)
		}
	}
}

func TestReloadKeepsFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := "sysproxy:\n  mode: clear\n  clear_on_exit: false\ninbound:\n  local_port: 10820\nstate_dir: " + dir + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	var flags cliFlags
	fs := newFlagSet(&flags)
	if err := fs.Parse([]string{"-c", cfgPath, "--local-port", "20000"}); err != nil {
		t.Fatal(err)
	}
	load := configLoader(fs)
	cfg, err := load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Inbound.LocalPort != 20000 {
		t.Fatalf("startup local_port = %d, want 20000", cfg.Inbound.LocalPort)
	}

	coord, err := coordinator.New(cfg, coordinator.Options{GOOS: "linux", Adapter: noopAdapter{}})
	if err != nil {
		t.Fatal(err)
	}
	sm, err := service.NewStateManager(cfgPath, coord, service.Options{Load: load, LogWriter: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	if err := sm.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := coord.Config().Inbound.LocalPort; got != 20000 {
		t.Errorf("local_port after reload = %d, want 20000", got)
	}
	if got := coordinator.PortsFromConfig(coord.Config()).Mixed(); got != 20006 {
		t.Errorf("mixed port after reload = %d, want 20006", got)
	}
}
