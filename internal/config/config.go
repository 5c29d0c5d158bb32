package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "/etc/otad/otad.conf"
const envOverride = "OTAD_CONFIG"

// Config is the static configuration supplied at process start. Per
// spec, install root, service start order, and the destination
// whitelist are environment/configuration, never the HTTP API.
type Config struct {
	Engine  EngineConfig  `toml:"engine"`
	HTTP    HTTPConfig    `toml:"http"`
	Service ServiceConfig `toml:"service"`
	Logging LoggingConfig `toml:"logging"`
}

type EngineConfig struct {
	InstallRoot    string   `toml:"install_root"`
	WhitelistRoots []string `toml:"whitelist_roots"`
	CallbackURL    string   `toml:"callback_url"`
	HistoryDBPath  string   `toml:"history_db_path"`
}

type HTTPConfig struct {
	Port int `toml:"port"`
}

// ServiceConfig declares the ordered set of services the Deployer's
// manifest module list is expected to start, and how long the
// Service Controller waits for the health gate.
type ServiceConfig struct {
	StartOrder          []string `toml:"start_order"`
	StartTimeoutSeconds int      `toml:"start_timeout_seconds"`
	StopTimeoutSeconds  int      `toml:"stop_timeout_seconds"`
}

type LoggingConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	Level      string `toml:"level"`
}

// DefaultPath returns the default configuration file path, honoring an
// environment override.
func DefaultPath() string {
	if p := os.Getenv(envOverride); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from the default path.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom reads and validates configuration from the given path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8443
	}
	if cfg.Service.StartTimeoutSeconds == 0 {
		cfg.Service.StartTimeoutSeconds = 30
	}
	if cfg.Service.StopTimeoutSeconds == 0 {
		cfg.Service.StopTimeoutSeconds = 10
	}
	if cfg.Logging.Path == "" {
		cfg.Logging.Path = "logs/updater.log"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Engine.HistoryDBPath == "" {
		cfg.Engine.HistoryDBPath = "history.db"
	}

	if cfg.Engine.InstallRoot == "" {
		return nil, fmt.Errorf("config: engine.install_root is required")
	}
	if len(cfg.Service.StartOrder) == 0 {
		return nil, fmt.Errorf("config: service.start_order must list at least one service")
	}

	return &cfg, nil
}

// TemplateConfig returns a TOML template with placeholder values for
// first-time setup.
func TemplateConfig() string {
	return `[engine]
install_root      = "/opt/otad"
whitelist_roots   = ["/etc/otad-app"]
callback_url      = ""
history_db_path   = "/var/lib/otad/history.db"

[http]
port = 8443

[service]
start_order           = ["app"]
start_timeout_seconds = 30
stop_timeout_seconds  = 10

[logging]
path         = "/var/log/otad/updater.log"
max_size_mb  = 10
max_backups  = 3
level        = "info"
`
}
