// Package config loads the centralseq YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "centralseq.yaml"
	homeConfigDir     = ".centralseq"
	homeConfigName    = "config.yaml"

	envSQLitePath  = "CENTRALSEQ_SQLITE_PATH"
	envIndexAPIKey = "CENTRALSEQ_INDEX_API_KEY"
)

// File is the on-disk configuration shape.
type File struct {
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Index     IndexConfig     `yaml:"index"`
	Resync    ResyncConfig    `yaml:"resync"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the sequence store backend.
type StoreConfig struct {
	// Backend is "sqlite" (default) or "badger".
	Backend string `yaml:"backend"`
	// Path is the SQLite file or the Badger directory.
	Path string `yaml:"path"`
}

// EngineConfig tunes conflict retries.
type EngineConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// Policy is "per_key" (default) or "type_global".
	Policy string `yaml:"policy"`
}

// IndexConfig configures the secondary index. An empty endpoint disables
// index synchronization.
type IndexConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Collection     string        `yaml:"collection"`
	APIKey         string        `yaml:"api_key"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// ResyncConfig schedules periodic resync runs. An empty cron disables them.
type ResyncConfig struct {
	Cron         string   `yaml:"cron"`
	ElementTypes []string `yaml:"element_types"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBody      int64         `yaml:"max_body"`
	CORSOrigin   string        `yaml:"cors_origin"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file is found.
func Default() File {
	return File{
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "centralseq.db",
		},
		Engine: EngineConfig{
			MaxAttempts:    5,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			Policy:         "per_key",
		},
		Index: IndexConfig{
			Collection:     "sequences",
			AttemptTimeout: 3 * time.Second,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			MaxBody:      1 << 20,
		},
	}
}

// DiscoverPath resolves the config location with first-match semantics:
// the explicit path, ./centralseq.yaml, then ~/.centralseq/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found: %w", candidate, err)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and reads the configuration. Defaults fill any value the
// file leaves unset, and environment overrides are applied last.
func Load(explicitPath string) (File, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return File{}, "", err
	}
	cfg := Default()
	if found {
		cfg, err = LoadFile(path)
		if err != nil {
			return File{}, "", err
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, path, nil
}

// LoadFile reads one config file over the defaults. Relative store paths
// are resolved against the file's directory.
func LoadFile(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := Default()
	defaultPath := cfg.Store.Path
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.expandEnv()
	if cfg.Store.Path != "" && cfg.Store.Path != defaultPath {
		cfg.Store.Path = resolveConfigRelative(filepath.Dir(path), cfg.Store.Path)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values that cannot be acted on.
func (f File) Validate() error {
	switch strings.ToLower(f.Store.Backend) {
	case "", "sqlite", "badger":
	default:
		return fmt.Errorf("store.backend %q must be sqlite or badger", f.Store.Backend)
	}
	switch f.Engine.Policy {
	case "", "per_key", "type_global":
	default:
		return fmt.Errorf("engine.policy %q must be per_key or type_global", f.Engine.Policy)
	}
	if f.Engine.MaxAttempts < 0 {
		return fmt.Errorf("engine.max_attempts must be >= 0, got %d", f.Engine.MaxAttempts)
	}
	if f.Server.Port < 0 || f.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", f.Server.Port)
	}
	if f.Resync.Cron != "" && f.Index.Endpoint == "" {
		return errors.New("resync.cron requires index.endpoint")
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (f *File) expandEnv() {
	f.Store.Path = os.ExpandEnv(f.Store.Path)
	f.Index.Endpoint = os.ExpandEnv(f.Index.Endpoint)
	f.Index.APIKey = os.ExpandEnv(f.Index.APIKey)
	f.Telemetry.OTLPEndpoint = os.ExpandEnv(f.Telemetry.OTLPEndpoint)
}

func (f *File) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(envSQLitePath)); v != "" && strings.ToLower(f.Store.Backend) != "badger" {
		f.Store.Path = v
	}
	if v := strings.TrimSpace(getenv(envIndexAPIKey)); v != "" {
		f.Index.APIKey = v
	}
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
