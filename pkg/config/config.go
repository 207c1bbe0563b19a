// Package config loads histogram configuration from file, environment and defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

// EnvPrefix prefixes every environment override, e.g. HISTOGRAM_RUN_STRATEGY.
const EnvPrefix = "HISTOGRAM"

// Config holds all configuration for the application.
type Config struct {
	Histogram HistogramConfig `mapstructure:"histogram"`
	Run       RunConfig       `mapstructure:"run"`
	Output    OutputConfig    `mapstructure:"output"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// HistogramConfig describes the bins.
type HistogramConfig struct {
	Min        float64 `mapstructure:"min"`
	Max        float64 `mapstructure:"max"`
	Bins       int     `mapstructure:"bins"`
	EdgePolicy string  `mapstructure:"edge_policy"` // inclusive or half_open
}

// RunConfig holds coordinator and worker settings.
type RunConfig struct {
	Strategy           string        `mapstructure:"strategy"`  // disjoint or shared
	Substrate          string        `mapstructure:"substrate"` // process or goroutine
	NamespaceDir       string        `mapstructure:"namespace_dir"`
	NamePrefix         string        `mapstructure:"name_prefix"`
	ArtifactDir        string        `mapstructure:"artifact_dir"`
	ArtifactPrefix     string        `mapstructure:"artifact_prefix"`
	KeepArtifacts      bool          `mapstructure:"keep_artifacts"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
	SpawnJitter        time.Duration `mapstructure:"spawn_jitter"`
	BinningParallelism int           `mapstructure:"binning_parallelism"`
}

// OutputConfig controls where the final histogram goes.
type OutputConfig struct {
	Path        string `mapstructure:"path"` // empty or "-" means stdout
	BinNumbers  bool   `mapstructure:"bin_numbers"`
	Archive     string `mapstructure:"archive"` // storage key for a compressed copy
	Compression string `mapstructure:"compression"`
}

// StorageConfig holds artifact/object storage configuration.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // local or cos
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
	Domain    string `mapstructure:"domain"`     // e.g., "myqcloud.com"
	Scheme    string `mapstructure:"scheme"`     // e.g., "https" or "http"
	LocalPath string `mapstructure:"local_path"` // root for local storage
}

// LedgerConfig holds the run ledger database configuration.
type LedgerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // sqlite, postgres or mysql
	Path     string `mapstructure:"path"` // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
}

// MetricsConfig controls where run metrics are exported. Both exports are
// optional and independent.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"` // node_exporter textfile collector
	PushGateway  string `mapstructure:"push_gateway"`  // e.g. http://pushgateway:9091
	Job          string `mapstructure:"job"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads configuration from configPath. With an empty path the standard
// locations are searched; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("histogram")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/histogram")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.CodeConfigError, "failed to read config file", err)
		}
	}

	return unmarshal(v)
}

// LoadFromReader loads configuration from raw content (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigError, "failed to read config", err)
	}
	return unmarshal(v)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := unmarshal(newViper())
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigError, "failed to unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Histogram defaults
	v.SetDefault("histogram.min", 0.0)
	v.SetDefault("histogram.max", 0.0)
	v.SetDefault("histogram.bins", 10)
	v.SetDefault("histogram.edge_policy", model.EdgeInclusive.String())

	// Run defaults
	v.SetDefault("run.strategy", string(model.StrategyDisjoint))
	v.SetDefault("run.substrate", string(model.SubstrateProcess))
	v.SetDefault("run.namespace_dir", "")
	v.SetDefault("run.name_prefix", "histogram")
	v.SetDefault("run.artifact_dir", "")
	v.SetDefault("run.artifact_prefix", model.DefaultArtifactPrefix)
	v.SetDefault("run.keep_artifacts", false)
	v.SetDefault("run.lock_timeout", time.Duration(0))
	v.SetDefault("run.spawn_jitter", time.Duration(0))
	v.SetDefault("run.binning_parallelism", 1)

	// Output defaults
	v.SetDefault("output.path", "")
	v.SetDefault("output.bin_numbers", true)
	v.SetDefault("output.archive", "")
	v.SetDefault("output.compression", "zstd")

	// Storage defaults
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.secret_id", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.domain", "")
	v.SetDefault("storage.scheme", "https")
	v.SetDefault("storage.local_path", ".")

	// Ledger defaults
	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.type", "sqlite")
	v.SetDefault("ledger.path", "histogram-runs.db")
	v.SetDefault("ledger.host", "localhost")
	v.SetDefault("ledger.port", 0)
	v.SetDefault("ledger.database", "histogram")
	v.SetDefault("ledger.user", "")
	v.SetDefault("ledger.password", "")
	v.SetDefault("ledger.max_conns", 4)

	// Metrics defaults
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("metrics.push_gateway", "")
	v.SetDefault("metrics.job", "histogram")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Histogram.Bins < 1 {
		return apperrors.Newf(apperrors.CodeConfigError, "histogram.bins must be at least 1, got %d", c.Histogram.Bins)
	}
	if c.Histogram.Bins > model.MaxBinCount {
		return apperrors.Newf(apperrors.CodeConfigError, "histogram.bins must be at most %d, got %d", model.MaxBinCount, c.Histogram.Bins)
	}
	if _, err := model.ParseEdgePolicy(c.Histogram.EdgePolicy); err != nil {
		return apperrors.Wrap(apperrors.CodeConfigError, "histogram.edge_policy", err)
	}
	if _, err := model.ParseStrategy(c.Run.Strategy); err != nil {
		return apperrors.Wrap(apperrors.CodeConfigError, "run.strategy", err)
	}
	if _, err := model.ParseSubstrate(c.Run.Substrate); err != nil {
		return apperrors.Wrap(apperrors.CodeConfigError, "run.substrate", err)
	}
	if c.Run.NamePrefix == "" || strings.ContainsRune(c.Run.NamePrefix, '/') {
		return apperrors.Newf(apperrors.CodeConfigError, "run.name_prefix %q is not a valid name prefix", c.Run.NamePrefix)
	}
	if c.Run.LockTimeout < 0 || c.Run.SpawnJitter < 0 {
		return apperrors.New(apperrors.CodeConfigError, "run.lock_timeout and run.spawn_jitter must not be negative")
	}

	switch c.Output.Compression {
	case "gzip", "zstd", "none":
	default:
		return apperrors.Newf(apperrors.CodeConfigError, "unsupported output.compression: %s", c.Output.Compression)
	}

	switch c.Storage.Type {
	case "local", "cos":
	default:
		return apperrors.Newf(apperrors.CodeConfigError, "unsupported storage type: %s", c.Storage.Type)
	}

	if c.Ledger.Enabled {
		switch c.Ledger.Type {
		case "sqlite", "postgres", "mysql":
		default:
			return apperrors.Newf(apperrors.CodeConfigError, "unsupported ledger type: %s", c.Ledger.Type)
		}
	}
	return nil
}

// RunSpec builds the immutable spec of one run from the configuration.
// Shared resource names are derived from the name prefix and the run ID so
// that concurrent runs never collide.
func (c *Config) RunSpec(runID string, inputs []string) (model.RunSpec, error) {
	policy, err := model.ParseEdgePolicy(c.Histogram.EdgePolicy)
	if err != nil {
		return model.RunSpec{}, err
	}
	strategy, err := model.ParseStrategy(c.Run.Strategy)
	if err != nil {
		return model.RunSpec{}, err
	}
	substrate, err := model.ParseSubstrate(c.Run.Substrate)
	if err != nil {
		return model.RunSpec{}, err
	}

	spec := model.RunSpec{
		RunID:              runID,
		Range:              model.Range{Min: c.Histogram.Min, Max: c.Histogram.Max},
		BinCount:           c.Histogram.Bins,
		EdgePolicy:         policy,
		Strategy:           strategy,
		Substrate:          substrate,
		Inputs:             inputs,
		ArtifactDir:        c.Run.ArtifactDir,
		ArtifactPrefix:     c.Run.ArtifactPrefix,
		NamespaceDir:       c.Run.NamespaceDir,
		SegmentName:        fmt.Sprintf("%s-%s-shm", c.Run.NamePrefix, runID),
		SemaphoreName:      fmt.Sprintf("%s-%s-lock", c.Run.NamePrefix, runID),
		LockTimeout:        c.Run.LockTimeout,
		SpawnJitter:        c.Run.SpawnJitter,
		BinningParallelism: c.Run.BinningParallelism,
	}
	if spec.ArtifactDir == "" {
		spec.ArtifactDir = "runs/" + runID
	}
	return spec, spec.Validate()
}
