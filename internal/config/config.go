// Package config loads the agent configuration from a YAML file, the
// environment (LOTUS_AGENT_*) and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/lotus-agent/internal/model"
	"github.com/tinytelemetry/lotus-agent/internal/overflow"
	"github.com/tinytelemetry/lotus-agent/internal/pipeline"
)

// ConfigurationError is returned for any setup the agent cannot run with.
type ConfigurationError = model.ConfigurationError

const (
	EnvPrefix = "LOTUS_AGENT"

	defaultBindHost         = "127.0.0.1"
	defaultAPIPort          = 9464
	defaultBackoff          = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultDrainTimeout     = 5 * time.Second
	defaultSinkTimeout      = 10 * time.Second
	defaultOverflowCapacity = 100_000
	defaultRetentionDays    = 30
	defaultBackupInterval   = 6 * time.Hour
	defaultBackupKeepLast   = 24
)

// Config is the full agent configuration.
type Config struct {
	Token      string `mapstructure:"token"`
	Host       string `mapstructure:"host"`
	APIEnabled bool   `mapstructure:"api-enabled"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`

	Log      LogConfig      `mapstructure:"log"`
	Source   SourceConfig   `mapstructure:"source"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Sink     SinkConfig     `mapstructure:"sink"`

	// MetricTypesFile is a YAML type table shared by every collector.
	MetricTypesFile string            `mapstructure:"metric-types-file"`
	Collectors      []CollectorConfig `mapstructure:"collectors"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
	File     string `mapstructure:"file"`
}

// SourceConfig holds the circuit defaults applied to every collector.
type SourceConfig struct {
	FreshFraction    float64       `mapstructure:"fresh-fraction"`
	FailureThreshold int           `mapstructure:"failure-threshold"`
	PauseWindow      time.Duration `mapstructure:"pause-window"`
}

type ChannelConfig struct {
	Capacity         int    `mapstructure:"capacity"`
	Overflow         string `mapstructure:"overflow"`
	OverflowPath     string `mapstructure:"overflow-path"`
	OverflowCapacity int    `mapstructure:"overflow-capacity"`
}

type DeliveryConfig struct {
	BatchSize        int           `mapstructure:"batch-size"`
	MaxBatchInterval time.Duration `mapstructure:"max-batch-interval"`
	Backoff          time.Duration `mapstructure:"backoff"`
	MaxBackoff       time.Duration `mapstructure:"max-backoff"`
	DrainTimeout     time.Duration `mapstructure:"drain-timeout"`
}

// SinkConfig selects the delivery target: "http" posts to URL, "duckdb"
// archives into Path.
type SinkConfig struct {
	Type          string        `mapstructure:"type"`
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Gzip          bool          `mapstructure:"gzip"`
	Path          string        `mapstructure:"path"`
	RetentionDays int           `mapstructure:"retention-days"`
	Backup        BackupConfig  `mapstructure:"backup"`
}

// BackupConfig controls periodic snapshots of the duckdb archive.
type BackupConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	LocalDir       string        `mapstructure:"local-dir"`
	KeepLast       int           `mapstructure:"keep-last"`
	BucketURL      string        `mapstructure:"bucket-url"`
	S3Endpoint     string        `mapstructure:"s3-endpoint"`
	S3Region       string        `mapstructure:"s3-region"`
	S3AccessKey    string        `mapstructure:"s3-access-key"`
	S3SecretKey    string        `mapstructure:"s3-secret-key"`
	S3SessionToken string        `mapstructure:"s3-session-token"`
	S3UseSSL       bool          `mapstructure:"s3-use-ssl"`
}

// CollectorConfig describes one monitored endpoint. Use lower-case metric
// names: the config loader may fold the case of map keys.
type CollectorConfig struct {
	Name         string            `mapstructure:"name"`
	Namespace    string            `mapstructure:"namespace"`
	App          string            `mapstructure:"app"`
	URL          string            `mapstructure:"url"`
	Interval     time.Duration     `mapstructure:"interval"`
	FetchTimeout time.Duration     `mapstructure:"fetch-timeout"`
	Background   bool              `mapstructure:"background"`
	Headers      map[string]string `mapstructure:"headers"`
	Metrics      map[string]string `mapstructure:"metrics"`
	Types        map[string]string `mapstructure:"types"`
	Percentiles  map[string][]int  `mapstructure:"percentiles"`
	Tags         map[string]string `mapstructure:"tags"`
}

// DefaultPath returns ~/.config/lotus-agent/config.yml.
func DefaultPath(home string) string {
	return filepath.Join(home, ".config", "lotus-agent", "config.yml")
}

// Load reads configPath, or the default path when empty. A missing default
// file is not an error; a missing explicit file is.
func Load(configPath string) (Config, error) {
	var cfg Config

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	setDefaults(v, home)

	explicit := configPath != ""
	if !explicit {
		configPath = DefaultPath(home)
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if !missing || explicit {
			return cfg, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	cfg.Sink.Path = expandHome(cfg.Sink.Path, home)
	cfg.Sink.Backup.LocalDir = expandHome(cfg.Sink.Backup.LocalDir, home)
	cfg.Channel.OverflowPath = expandHome(cfg.Channel.OverflowPath, home)
	cfg.Log.File = expandHome(cfg.Log.File, home)
	cfg.MetricTypesFile = expandHome(cfg.MetricTypesFile, home)

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	for i := range cfg.Collectors {
		if cfg.Collectors[i].Interval <= 0 {
			cfg.Collectors[i].Interval = model.DefaultCollectInterval
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, home string) {
	state := filepath.Join(home, ".local", "state", "lotus-agent")

	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.file", filepath.Join(state, "agent.log"))

	v.SetDefault("source.fresh-fraction", model.DefaultFreshFraction)
	v.SetDefault("source.failure-threshold", model.DefaultFailureThreshold)
	v.SetDefault("source.pause-window", model.DefaultPauseWindow)

	v.SetDefault("channel.capacity", model.DefaultChannelCapacity)
	v.SetDefault("channel.overflow", string(overflow.KindJournal))
	v.SetDefault("channel.overflow-path", filepath.Join(state, "overflow.journal"))
	v.SetDefault("channel.overflow-capacity", defaultOverflowCapacity)

	v.SetDefault("delivery.batch-size", model.DefaultBatchSize)
	v.SetDefault("delivery.max-batch-interval", model.DefaultMaxBatchInterval)
	v.SetDefault("delivery.backoff", defaultBackoff)
	v.SetDefault("delivery.max-backoff", defaultMaxBackoff)
	v.SetDefault("delivery.drain-timeout", defaultDrainTimeout)

	v.SetDefault("sink.type", "http")
	v.SetDefault("sink.timeout", defaultSinkTimeout)
	v.SetDefault("sink.gzip", true)
	v.SetDefault("sink.path", filepath.Join(home, ".local", "share", "lotus-agent", "archive.duckdb"))
	v.SetDefault("sink.retention-days", defaultRetentionDays)
	v.SetDefault("sink.backup.enabled", false)
	v.SetDefault("sink.backup.interval", defaultBackupInterval)
	v.SetDefault("sink.backup.local-dir", filepath.Join(home, ".local", "share", "lotus-agent", "backups"))
	v.SetDefault("sink.backup.keep-last", defaultBackupKeepLast)
	v.SetDefault("sink.backup.s3-use-ssl", true)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks everything that can be checked without network access.
func (c Config) Validate() error {
	if c.APIEnabled && (c.APIPort <= 0 || c.APIPort > 65535) {
		return model.ConfigErrorf("api-port", "invalid port %d", c.APIPort)
	}
	if c.Channel.Capacity <= 0 {
		return model.ConfigErrorf("channel.capacity", "must be positive, got %d", c.Channel.Capacity)
	}
	if _, err := overflow.ParseKind(c.Channel.Overflow); err != nil {
		return &ConfigurationError{Field: "channel.overflow", Err: err}
	}
	if c.Delivery.BatchSize <= 0 {
		return model.ConfigErrorf("delivery.batch-size", "must be positive, got %d", c.Delivery.BatchSize)
	}

	switch c.Sink.Type {
	case "http":
		if strings.TrimSpace(c.Sink.URL) == "" {
			return model.ConfigErrorf("sink.url", "is required for the http sink")
		}
		if c.Token == "" {
			return model.ConfigErrorf("token", "is required for the http sink")
		}
	case "duckdb":
	default:
		return model.ConfigErrorf("sink.type", "unknown sink %q (want http or duckdb)", c.Sink.Type)
	}
	if c.Sink.Backup.Enabled {
		if c.Sink.Type != "duckdb" {
			return model.ConfigErrorf("sink.backup.enabled", "backups need the duckdb sink")
		}
		if strings.TrimSpace(c.Sink.Backup.LocalDir) == "" {
			return model.ConfigErrorf("sink.backup.local-dir", "is required when backups are enabled")
		}
	}

	if len(c.Collectors) == 0 {
		return model.ConfigErrorf("collectors", "at least one collector is required")
	}
	seen := make(map[string]bool, len(c.Collectors))
	for i, col := range c.Collectors {
		field := "collectors[" + strconv.Itoa(i) + "]"
		if col.Name == "" {
			return model.ConfigErrorf(field+".name", "is required")
		}
		if seen[col.Name] {
			return model.ConfigErrorf(field+".name", "duplicate collector %q", col.Name)
		}
		seen[col.Name] = true
		if col.Namespace == "" {
			return model.ConfigErrorf(field+".namespace", "is required")
		}
		if col.URL == "" {
			return model.ConfigErrorf(field+".url", "is required")
		}
		if col.Interval <= 0 {
			return model.ConfigErrorf(field+".interval", "must be positive, got %s", col.Interval)
		}
		if len(col.Metrics) == 0 {
			return model.ConfigErrorf(field+".metrics", "at least one metric path is required")
		}
		for metric, ranks := range col.Percentiles {
			for _, p := range ranks {
				if p < 1 || p > 100 {
					return model.ConfigErrorf(field+".percentiles."+metric, "rank %d outside 1..100", p)
				}
			}
		}
		if _, err := pipeline.NewTypeTable(col.Types); err != nil {
			return err
		}
	}
	return nil
}

// TypeTable builds the type table of one collector: the shared file, if
// any, overridden by the collector's own entries.
func (c Config) TypeTable(col CollectorConfig) (*pipeline.TypeTable, error) {
	var shared *pipeline.TypeTable
	if c.MetricTypesFile != "" {
		t, err := pipeline.LoadTypeTable(c.MetricTypesFile)
		if err != nil {
			return nil, err
		}
		shared = t
	}
	own, err := pipeline.NewTypeTable(col.Types)
	if err != nil {
		return nil, err
	}
	return shared.Merge(own), nil
}
