// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default values for configuration
const (
	DefaultMode                 = "pac"
	DefaultExceptions           = "localhost,127.*,10.*,172.16.*,172.17.*,172.18.*,172.19.*,172.2*,172.30.*,172.31.*,192.168.*"
	DefaultNotProxyLocalAddress = true
	DefaultClearOnExit          = true
	DefaultLocalPort            = 10820
	DefaultPacListenAddress     = "0.0.0.0"
	DefaultPacStrategy          = "auto"
	DefaultPacRenderMode        = "auto"
	DefaultDomainsWatch         = true
	DefaultLogLevel             = "info"
	DefaultCommandTimeout       = 15 // seconds
	EnvPrefix                   = "AS"
)

// ProxyMode is the desired system proxy state.
type ProxyMode int

const (
	ModeUnchanged ProxyMode = iota
	ModeManual
	ModeClear
	ModePac
)

var modeNames = map[ProxyMode]string{
	ModeUnchanged: "unchanged",
	ModeManual:    "manual",
	ModeClear:     "clear",
	ModePac:       "pac",
}

func (m ProxyMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("ProxyMode(%d)", int(m))
}

// ParseProxyMode accepts the config spelling of a mode. "none" is an alias of
// clear and "forced_change" an alias of manual.
func ParseProxyMode(s string) (ProxyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unchanged", "":
		return ModeUnchanged, nil
	case "manual", "forced_change":
		return ModeManual, nil
	case "clear", "none", "forced_clear":
		return ModeClear, nil
	case "pac", "auto":
		return ModePac, nil
	}
	return ModeUnchanged, fmt.Errorf("invalid proxy mode %q, must be one of: unchanged, manual, clear, pac", s)
}

// Config holds the main application configuration.
type Config struct {
	SysProxy       SysProxyConfig `mapstructure:"sysproxy" yaml:"sysproxy"`
	Inbound        InboundConfig  `mapstructure:"inbound" yaml:"inbound"`
	Pac            PacConfig      `mapstructure:"pac" yaml:"pac"`
	Domains        DomainsConfig  `mapstructure:"domains" yaml:"domains"`
	Darwin         DarwinConfig   `mapstructure:"darwin" yaml:"darwin"`
	LogLevel       string         `mapstructure:"log_level" yaml:"log_level"`
	LogPath        string         `mapstructure:"log_path" yaml:"log_path"`
	StateDir       string         `mapstructure:"state_dir" yaml:"state_dir"`
	CommandTimeout time.Duration  `mapstructure:"command_timeout" yaml:"-"` // Parsed separately

	// Path the config was loaded from; empty when running on defaults only.
	Path string `mapstructure:"-" yaml:"-"`
}

// SysProxyConfig describes what the OS should be told.
type SysProxyConfig struct {
	Mode                 string `mapstructure:"mode" yaml:"mode"`
	Exceptions           string `mapstructure:"exceptions" yaml:"exceptions"`
	NotProxyLocalAddress bool   `mapstructure:"not_proxy_local_address" yaml:"not_proxy_local_address"`
	AdvancedProtocol     string `mapstructure:"advanced_protocol" yaml:"advanced_protocol"` // {ip}, {http_port}, {socks_port}
	ClearOnExit          bool   `mapstructure:"clear_on_exit" yaml:"clear_on_exit"`
}

// InboundConfig locates the proxy core's local listeners.
type InboundConfig struct {
	LocalPort int `mapstructure:"local_port" yaml:"local_port"` // socks = +0, pac = +3, mixed = +6
	MixedPort int `mapstructure:"mixed_port" yaml:"mixed_port"` // Explicit override when > 0
}

// PacConfig controls PAC generation and serving.
type PacConfig struct {
	Port          int    `mapstructure:"port" yaml:"port"` // Explicit override when > 0
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	Strategy      string `mapstructure:"strategy" yaml:"strategy"`       // auto, file, server
	RenderMode    string `mapstructure:"render_mode" yaml:"render_mode"` // auto, lookup, sequential
	FilePath      string `mapstructure:"file_path" yaml:"file_path"`
	TemplateFile  string `mapstructure:"template_file" yaml:"template_file"` // Optional legacy template with __PROXY__
}

// DomainsConfig locates the list of domains routed through the proxy.
type DomainsConfig struct {
	File            string   `mapstructure:"file" yaml:"file"`
	URL             string   `mapstructure:"url" yaml:"url"`
	Charset         string   `mapstructure:"charset" yaml:"charset"`
	RefreshInterval int      `mapstructure:"refresh_interval" yaml:"refresh_interval"` // Seconds, 0 disables
	Fallback        []string `mapstructure:"fallback" yaml:"fallback"`
	Watch           bool     `mapstructure:"watch" yaml:"watch"`
	BareExact       bool     `mapstructure:"bare_exact" yaml:"bare_exact"` // Bare entries also emit an exact rule
}

// DarwinConfig holds macOS specific knobs.
type DarwinConfig struct {
	Elevate  bool     `mapstructure:"elevate" yaml:"elevate"`
	Services []string `mapstructure:"services" yaml:"services"`
}

// ProxyMode returns the parsed configured mode. The value was validated on
// load, so an error here means the struct was built by hand.
func (c *Config) ProxyMode() ProxyMode {
	m, err := ParseProxyMode(c.SysProxy.Mode)
	if err != nil {
		slog.Warn("Invalid proxy mode in config, treating as unchanged", "mode", c.SysProxy.Mode)
		return ModeUnchanged
	}
	return m
}

// LoadConfig reads configuration from a file, environment variables, and defaults.
// An empty configPath runs on defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	return load(NewViper(), configPath)
}

// LoadWith decodes the config using an existing viper instance. It lets the
// CLI bind flags before reading, both at startup and on every reload.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	return load(v, configPath)
}

// NewViper returns a viper instance with defaults and env overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	var absPath string
	if configPath != "" {
		var err error
		absPath, err = filepath.Abs(configPath)
		if err != nil {
			slog.Warn("Could not get absolute config path, using provided path", "path", configPath, "error", err)
			absPath = configPath
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")

		err = v.ReadInConfig()
		if err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				slog.Warn("Config file not found, using defaults and environment variables.", "path", absPath)
				absPath = ""
			} else {
				return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
			}
		} else {
			slog.Info("Loaded configuration file", "path", absPath)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	config.CommandTimeout = time.Duration(v.GetInt("command_timeout")) * time.Second
	config.Path = absPath

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// validateConfig checks the consistency and validity of the configuration.
func validateConfig(cfg *Config) error {
	if _, err := ParseProxyMode(cfg.SysProxy.Mode); err != nil {
		return fmt.Errorf("sysproxy.mode: %w", err)
	}

	if cfg.Inbound.LocalPort < 0 || cfg.Inbound.LocalPort > 65535 {
		return fmt.Errorf("inbound.local_port %d out of range (0-65535)", cfg.Inbound.LocalPort)
	}
	if cfg.Inbound.MixedPort < 0 || cfg.Inbound.MixedPort > 65535 {
		return fmt.Errorf("inbound.mixed_port %d out of range (0-65535)", cfg.Inbound.MixedPort)
	}
	if cfg.Pac.Port < 0 || cfg.Pac.Port > 65535 {
		return fmt.Errorf("pac.port %d out of range (0-65535)", cfg.Pac.Port)
	}

	validStrategies := map[string]bool{"auto": true, "file": true, "server": true}
	if !validStrategies[strings.ToLower(cfg.Pac.Strategy)] {
		return fmt.Errorf("invalid pac.strategy '%s', must be one of: auto, file, server", cfg.Pac.Strategy)
	}
	validRenderModes := map[string]bool{"auto": true, "lookup": true, "sequential": true}
	if !validRenderModes[strings.ToLower(cfg.Pac.RenderMode)] {
		return fmt.Errorf("invalid pac.render_mode '%s', must be one of: auto, lookup, sequential", cfg.Pac.RenderMode)
	}

	if cfg.Domains.RefreshInterval < 0 {
		return errors.New("domains.refresh_interval cannot be negative")
	}
	if cfg.Domains.RefreshInterval > 0 && cfg.Domains.URL == "" {
		slog.Warn("domains.refresh_interval is set but domains.url is empty, periodic refresh disabled")
	}

	if cfg.CommandTimeout <= 0 {
		return errors.New("command_timeout must be a positive number of seconds")
	}
	return nil
}

// setDefaults configures the default values in viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("sysproxy.mode", DefaultMode)
	v.SetDefault("sysproxy.exceptions", DefaultExceptions)
	v.SetDefault("sysproxy.not_proxy_local_address", DefaultNotProxyLocalAddress)
	v.SetDefault("sysproxy.advanced_protocol", "")
	v.SetDefault("sysproxy.clear_on_exit", DefaultClearOnExit)

	v.SetDefault("inbound.local_port", DefaultLocalPort)
	v.SetDefault("inbound.mixed_port", 0)

	v.SetDefault("pac.port", 0)
	v.SetDefault("pac.listen_address", DefaultPacListenAddress)
	v.SetDefault("pac.strategy", DefaultPacStrategy)
	v.SetDefault("pac.render_mode", DefaultPacRenderMode)
	v.SetDefault("pac.file_path", "")
	v.SetDefault("pac.template_file", "")

	v.SetDefault("domains.file", "")
	v.SetDefault("domains.url", "")
	v.SetDefault("domains.charset", "")
	v.SetDefault("domains.refresh_interval", 0)
	v.SetDefault("domains.fallback", []string{})
	v.SetDefault("domains.watch", DefaultDomainsWatch)
	v.SetDefault("domains.bare_exact", false)

	v.SetDefault("darwin.elevate", false)
	v.SetDefault("darwin.services", []string{})

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_path", "")
	v.SetDefault("state_dir", "")
	v.SetDefault("command_timeout", DefaultCommandTimeout)
}

// toMap converts the config into the key layout used in the YAML file.
func toMap(cfg *Config) (map[string]interface{}, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	cfgMap := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &cfgMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config map: %w", err)
	}
	cfgMap["command_timeout"] = int(cfg.CommandTimeout.Seconds())
	return cfgMap, nil
}

// Dump renders the effective configuration as YAML.
func Dump(cfg *Config) ([]byte, error) {
	cfgMap, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(cfgMap)
}

// SaveConfig saves the configuration struct back to a file.
func SaveConfig(cfg *Config, path string) error {
	slog.Info("Saving configuration", "path", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	cfgMap, err := toMap(cfg)
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(cfgMap); err != nil {
		return fmt.Errorf("failed to prepare config map for saving: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to save configuration to %s: %w", path, err)
	}
	if err := os.Chmod(path, 0640); err != nil {
		slog.Warn("Failed to set permissions on saved config file", "path", path, "error", err)
	}

	slog.Info("Configuration saved successfully", "path", path)
	return nil
}
