package config

import (
	"log"
	"time"

	"github.com/contributor-info/capture-router/internal/executor"
	"github.com/contributor-info/capture-router/internal/health"
	"github.com/contributor-info/capture-router/internal/router"
	"github.com/spf13/viper"
)

type CaptureAPIConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Token    string `mapstructure:"token"`
	PageSize int    `mapstructure:"page_size"`
}

type RolloutConfig struct {
	Feature  string        `mapstructure:"feature"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ReconcileConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ClassifierConfig struct {
	Schedule    string `mapstructure:"schedule"`
	Concurrency int    `mapstructure:"concurrency"`
}

type Config struct {
	DatabaseURL      string `mapstructure:"database_url"`
	ServerPort       string `mapstructure:"server_port"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	TemporalHostPort string `mapstructure:"temporal_host_port"`

	// OperatorKeyHash is the bcrypt hash of the shared operator API key
	// exchanged for bearer tokens.
	OperatorKeyHash string `mapstructure:"operator_key_hash"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	CaptureAPI CaptureAPIConfig        `mapstructure:"capture_api"`
	Realtime   executor.RealtimeConfig `mapstructure:"realtime"`
	Router     router.Config           `mapstructure:"router"`
	Rollout    RolloutConfig           `mapstructure:"rollout"`
	Health     health.Config           `mapstructure:"health"`
	Reconcile  ReconcileConfig         `mapstructure:"reconcile"`
	Classifier ClassifierConfig        `mapstructure:"classifier"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.JWTSecret == "" {
		log.Fatal("JWT secret must be set in the config file")
	}
	if config.OperatorKeyHash == "" {
		log.Fatal("Operator key hash must be set in the config file")
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if config.Reconcile.PollInterval <= 0 {
		config.Reconcile.PollInterval = time.Minute
	}
	if config.Health.Schedule == "" {
		config.Health.Schedule = health.DefaultConfig().Schedule
	}
	if config.Classifier.Schedule == "" {
		config.Classifier.Schedule = "0 3 * * *"
	}
	if config.Classifier.Concurrency <= 0 {
		config.Classifier.Concurrency = 8
	}
	if config.CaptureAPI.BaseURL == "" {
		config.CaptureAPI.BaseURL = "https://api.github.com"
	}

	return &config
}
