package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"swcache/internal/cache"
	"swcache/internal/filter"
	"swcache/internal/host"
	"swcache/internal/logger"
	"swcache/internal/worker"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"

	DefaultCacheName = "swcache-v1"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Worker struct {
		CacheName       string              `yaml:"cacheName"`
		PreCacheURL     string              `yaml:"preCacheURL"`
		PrecachedAssets []string            `yaml:"precachedAssets"`
		Preload         bool                `yaml:"preload"`
		Trace           bool                `yaml:"trace"`
		InstallRetries  int                 `yaml:"installRetries"`
		InstallBackoff  string              `yaml:"installBackoff"`
		FetchTimeout    string              `yaml:"fetchTimeout"`
		Notification    worker.Notification `yaml:"notification"`
	} `yaml:"worker"`

	Filters []filter.Rule `yaml:"filters"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// parsed
	ramMax         int64
	diskMax        int64
	installBackoff time.Duration
	fetchTimeout   time.Duration
	statsEvery     time.Duration
	level          slog.Level
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes a YAML config, applies defaults and validates every field
// that would otherwise fail later at runtime.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if err := cfg.parseStorage(); err != nil {
		return Config{}, err
	}
	if err := cfg.parseWorker(); err != nil {
		return Config{}, err
	}
	if err := cfg.parseFilters(); err != nil {
		return Config{}, err
	}
	if err := cfg.parseLogging(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) parseStorage() error {
	s := &c.Storage
	if s.Backend == "" {
		s.Backend = BackendMemory
	}
	switch s.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if s.Path == "" {
			s.Path = "./data/leveldb"
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", s.Backend)
	}

	var err error
	if s.RAM.Max != "" {
		if c.ramMax, err = cache.ParseBytes(s.RAM.Max); err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
	}
	if s.Disk.Max != "" {
		if c.diskMax, err = cache.ParseBytes(s.Disk.Max); err != nil {
			return fmt.Errorf("storage.disk.max: %w", err)
		}
	}
	return nil
}

func (c *Config) parseWorker() error {
	w := &c.Worker
	if w.CacheName == "" {
		w.CacheName = DefaultCacheName
	}
	if w.InstallRetries < 0 {
		return fmt.Errorf("worker.installRetries: must not be negative")
	}

	var err error
	if c.installBackoff, err = parseDuration(w.InstallBackoff, time.Second); err != nil {
		return fmt.Errorf("worker.installBackoff: %w", err)
	}
	if c.fetchTimeout, err = parseDuration(w.FetchTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("worker.fetchTimeout: %w", err)
	}
	return nil
}

func (c *Config) parseFilters() error {
	seen := map[string]bool{}
	for i, r := range c.Filters {
		if r.Name == "" {
			return fmt.Errorf("filters[%d]: name is required", i)
		}
		key := fmt.Sprintf("%t/%s", r.Ignore, r.Name)
		if seen[key] {
			return fmt.Errorf("filters[%d]: %w: %s", i, filter.ErrDuplicateRule, r.Name)
		}
		seen[key] = true
		if _, err := filter.Compile(r); err != nil {
			return fmt.Errorf("filters[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) parseLogging() error {
	l := &c.Logging
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Format != "text" && l.Format != "json" {
		return fmt.Errorf("logging.format: must be text or json, got %q", l.Format)
	}

	var err error
	if c.level, err = logger.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.statsEvery, err = parseDuration(l.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func (c Config) RAMMax() int64                 { return c.ramMax }
func (c Config) DiskMax() int64                { return c.diskMax }
func (c Config) FetchTimeout() time.Duration   { return c.fetchTimeout }
func (c Config) InstallBackoff() time.Duration { return c.installBackoff }
func (c Config) StatsEvery() time.Duration     { return c.statsEvery }
func (c Config) Level() slog.Level             { return c.level }

// NewLogger builds the process logger described by the logging section.
func (c Config) NewLogger() *logger.Logger {
	return logger.New(os.Stderr, c.Logging.Format, c.level)
}

func (c Config) WorkerOptions() worker.Options {
	return worker.Options{
		CacheName:       c.Worker.CacheName,
		Scope:           c.Server.Origin + "/",
		Filters:         append([]filter.Rule(nil), c.Filters...),
		PreCacheURL:     c.Worker.PreCacheURL,
		PrecachedAssets: append([]string(nil), c.Worker.PrecachedAssets...),
		Preload:         c.Worker.Preload,
		Trace:           c.Worker.Trace,
		Notification:    c.Worker.Notification,
	}
}

func (c Config) HostConfig() host.Config {
	return host.Config{
		Origin:         c.Server.Origin,
		InstallRetries: c.Worker.InstallRetries,
		InstallBackoff: c.installBackoff,
		StatsEvery:     c.statsEvery,
	}
}

// OpenStorage opens the configured backend. The returned close func is
// never nil.
func (c Config) OpenStorage(log *logger.Logger) (cache.Storage, func() error, error) {
	switch c.Storage.Backend {
	case BackendLevelDB:
		s, err := cache.NewLevelDBStorage(c.Storage.Path, cache.LevelDBOptions{
			MaxBytes:    c.diskMax,
			RAMMaxBytes: c.ramMax,
			Log:         log,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return cache.NewMemoryStorage(c.ramMax), func() error { return nil }, nil
	}
}
