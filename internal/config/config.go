package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Rules       RulesConfig       `yaml:"rules" mapstructure:"rules"`
	Attribution AttributionConfig `yaml:"attribution" mapstructure:"attribution"`
	Gate        GateConfig        `yaml:"gate" mapstructure:"gate"`
	Engine      EngineConfig      `yaml:"engine" mapstructure:"engine"`
	Review      ReviewConfig      `yaml:"review" mapstructure:"review"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RulesConfig points at the versioned rule-set file.
type RulesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AttributionConfig configures the scoring collaborator. An empty BaseURL
// selects the built-in rule-based scorer.
type AttributionConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// GateConfig configures the quality-gate thresholds.
type GateConfig struct {
	STPConfidence    float64 `yaml:"stp_confidence" mapstructure:"stp_confidence"`
	ExpeditedMin     float64 `yaml:"expedited_min" mapstructure:"expedited_min"`
	StandardMin      float64 `yaml:"standard_min" mapstructure:"standard_min"`
	MonetaryOverride float64 `yaml:"monetary_override" mapstructure:"monetary_override"`
}

// EngineConfig configures run sharding and checkpointing.
type EngineConfig struct {
	Shards               int `yaml:"shards" mapstructure:"shards"`
	AttributionBatchSize int `yaml:"attribution_batch_size" mapstructure:"attribution_batch_size"`
	CheckpointEvery      int `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
}

// ReviewConfig configures the governance webhook. An empty URL disables
// enqueueing; queued decisions are still persisted.
type ReviewConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "recon.db")
	v.SetDefault("rules.path", "rules.yaml")
	v.SetDefault("attribution.rate_limit", 10)
	v.SetDefault("attribution.rate_burst", 10)
	v.SetDefault("attribution.max_attempts", 3)
	v.SetDefault("gate.stp_confidence", 0.90)
	v.SetDefault("gate.expedited_min", 0.70)
	v.SetDefault("gate.standard_min", 0.50)
	v.SetDefault("engine.shards", 4)
	v.SetDefault("engine.attribution_batch_size", 50)
	v.SetDefault("engine.checkpoint_every", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
