// Package config loads the engine configuration from layered sources:
// built-in defaults, an optional YAML file, then environment variables.
// Precedence is ENV > file > defaults. Environment variables use the GSC_
// prefix with double underscores for nesting: GSC_KAFKA__BROKERS maps to
// kafka.brokers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/couchcryptid/geosignal-correlator/internal/feature"
	"github.com/couchcryptid/geosignal-correlator/internal/linker"
	"github.com/couchcryptid/geosignal-correlator/internal/quality"
	"github.com/couchcryptid/geosignal-correlator/internal/score"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "GSC_"

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "GSC_CONFIG"

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/geosignal-correlator/config.yaml",
}

// InputsConfig locates the catalog, station registry, and record feeds.
type InputsConfig struct {
	StationRegistry string `koanf:"station_registry"` // JSON station file
	EventCatalog    string `koanf:"event_catalog"`    // JSON event catalog
	RecordDir       string `koanf:"record_dir"`       // directory of canonical record JSON files
}

// StoreConfig configures the standardized record store.
type StoreConfig struct {
	Dir       string `koanf:"dir"`
	CacheSize int    `koanf:"cache_size"` // LRU entries for repeated event-window reads
}

// RunnerConfig bounds the pipeline's concurrency.
type RunnerConfig struct {
	Workers   int  `koanf:"workers"`
	QueueSize int  `koanf:"queue_size"`
	Resume    bool `koanf:"resume"` // skip partitions/events already done under the same params
}

// KafkaConfig configures the optional record intake and anomaly publishing.
type KafkaConfig struct {
	Enabled     bool     `koanf:"enabled"`
	Brokers     []string `koanf:"brokers"`
	SourceTopic string   `koanf:"source_topic"`
	SinkTopic   string   `koanf:"sink_topic"`
	GroupID     string   `koanf:"group_id"`
	BatchSize   int      `koanf:"batch_size"`
}

// ServerConfig configures the health and metrics HTTP listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or text
}

// Config is the root configuration.
type Config struct {
	Inputs    InputsConfig           `koanf:"inputs"`
	Store     StoreConfig            `koanf:"store"`
	Artifacts string                 `koanf:"artifacts"` // output root directory
	Runner    RunnerConfig           `koanf:"runner"`
	Quality   quality.Config         `koanf:"quality"`
	Link      linker.Config          `koanf:"link"`
	Feature   feature.Config         `koanf:"feature"`
	Waveform  feature.WaveformConfig `koanf:"waveform"`
	Score     score.Config           `koanf:"score"`
	Kafka     KafkaConfig            `koanf:"kafka"`
	Server    ServerConfig           `koanf:"server"`
	Logging   LoggingConfig          `koanf:"logging"`
}

func defaultConfig() *Config {
	return &Config{
		Inputs: InputsConfig{
			StationRegistry: "stations.json",
			EventCatalog:    "catalog.json",
		},
		Store:     StoreConfig{Dir: "data/store", CacheSize: 256},
		Artifacts: "data/artifacts",
		Runner:    RunnerConfig{Workers: 4, QueueSize: 64, Resume: true},
		Quality:   quality.DefaultConfig(),
		Link:      linker.DefaultConfig(),
		Feature:   feature.DefaultConfig(),
		Waveform:  feature.DefaultWaveform(),
		Score:     score.DefaultConfig(),
		Kafka: KafkaConfig{
			Enabled:     false,
			Brokers:     []string{"localhost:9092"},
			SourceTopic: "canonical-records",
			SinkTopic:   "anomaly-scores",
			GroupID:     "geosignal-correlator",
			BatchSize:   500,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// GSC_-prefixed environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitBrokerList(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first fatal configuration error. All config errors
// are fatal at startup; nothing degrades silently.
func (c *Config) Validate() error {
	if c.Inputs.StationRegistry == "" {
		return fmt.Errorf("inputs.station_registry is required")
	}
	if c.Inputs.EventCatalog == "" {
		return fmt.Errorf("inputs.event_catalog is required")
	}
	if c.Inputs.RecordDir == "" && !c.Kafka.Enabled {
		return fmt.Errorf("either inputs.record_dir or kafka intake must be configured")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if c.Store.CacheSize <= 0 {
		return fmt.Errorf("store.cache_size must be positive, got %d", c.Store.CacheSize)
	}
	if c.Artifacts == "" {
		return fmt.Errorf("artifacts directory is required")
	}
	if c.Runner.Workers <= 0 {
		return fmt.Errorf("runner.workers must be positive, got %d", c.Runner.Workers)
	}
	if c.Runner.QueueSize <= 0 {
		return fmt.Errorf("runner.queue_size must be positive, got %d", c.Runner.QueueSize)
	}
	if err := c.Quality.Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := c.Score.Validate(); err != nil {
		return fmt.Errorf("score: %w", err)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.SourceTopic == "" {
			return fmt.Errorf("kafka.source_topic is required when kafka is enabled")
		}
		if c.Kafka.BatchSize <= 0 {
			return fmt.Errorf("kafka.batch_size must be positive, got %d", c.Kafka.BatchSize)
		}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	return nil
}

// Params returns the full processing-relevant parameter snapshot used for
// idempotence hashing. Service-level settings (addresses, concurrency,
// logging) are excluded: they do not change output bytes.
func (c *Config) Params() map[string]any {
	params := c.Quality.Params()
	for k, v := range c.Link.Params() {
		params[k] = v
	}
	for k, v := range c.Score.Params() {
		params[k] = v
	}
	params["feature_max_nan_fraction"] = c.Feature.MaxNaNFraction
	params["feature_short_window"] = c.Feature.ShortWindow
	params["feature_band_low_hz"] = c.Feature.BandLowHz
	params["feature_band_high_hz"] = c.Feature.BandHighHz
	params["waveform_window_ms"] = c.Waveform.WindowMS
	params["waveform_sta"] = c.Waveform.STASamples
	params["waveform_lta"] = c.Waveform.LTASamples
	params["waveform_trigger_on"] = c.Waveform.TriggerOn
	return params
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// splitBrokerList converts a comma-separated GSC_KAFKA__BROKERS value into a
// slice; YAML files already provide a list.
func splitBrokerList(k *koanf.Koanf) error {
	val := k.Get("kafka.brokers")
	s, ok := val.(string)
	if !ok || s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return k.Set("kafka.brokers", brokers)
}
