package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omicronlabs/browserbroker/broker"
)

// Config holds the controller's runtime configuration. Values come from an
// optional YAML file overridden by environment variables, so deployments can
// ship a checked-in baseline and inject secrets through the environment.
type Config struct {
	Addr string `yaml:"addr"`

	MongoURI          string `yaml:"mongo_uri"`
	MongoDatabase     string `yaml:"mongo_database"`
	SessionCollection string `yaml:"session_collection"`
	VaultCollection   string `yaml:"vault_collection"`

	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`

	CallerJWTSecret   string `yaml:"caller_jwt_secret"`
	CallerJWTAudience string `yaml:"caller_jwt_audience"`
	RunnerJWTSecret   string `yaml:"runner_jwt_secret"`
	RunnerJWTAudience string `yaml:"runner_jwt_audience"`

	RunnerNamespace      string `yaml:"runner_namespace"`
	RunnerImage          string `yaml:"runner_image"`
	RunnerPort           int    `yaml:"runner_port"`
	RunnerServiceAccount string `yaml:"runner_service_account"`
	ControllerURL        string `yaml:"controller_internal_url"`

	ArtifactsBucket     string `yaml:"artifacts_s3_bucket"`
	ArtifactsPrefixBase string `yaml:"artifacts_s3_prefix_base"`

	TTL            time.Duration `yaml:"session_ttl"`
	MaxTTL         time.Duration `yaml:"session_max_ttl"`
	StaleStarting  time.Duration `yaml:"starting_stale"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollDeadline   time.Duration `yaml:"poll_deadline"`

	VaultSecretPrefix string `yaml:"vault_secret_prefix"`

	RateLimit float64 `yaml:"rate_limit"`
}

// LoadConfig reads the YAML file at path (when non-empty), applies
// environment overrides and fills in defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Addr = envOr("CONTROLLER_ADDR", defaultStr(cfg.Addr, ":8000"))
	cfg.MongoURI = envOr("MONGO_URI", defaultStr(cfg.MongoURI, "mongodb://localhost:27017"))
	cfg.MongoDatabase = envOr("MONGO_DATABASE", defaultStr(cfg.MongoDatabase, "browserbroker"))
	cfg.SessionCollection = envOr("SESSION_COLLECTION", defaultStr(cfg.SessionCollection, "browser_sessions"))
	cfg.VaultCollection = envOr("VAULT_COLLECTION", defaultStr(cfg.VaultCollection, "vault_secrets"))
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)

	cfg.CallerJWTSecret = envOr("CALLER_JWT_SECRET", cfg.CallerJWTSecret)
	cfg.CallerJWTAudience = envOr("CALLER_JWT_AUDIENCE", defaultStr(cfg.CallerJWTAudience, "browser-session-controller"))
	cfg.RunnerJWTSecret = envOr("RUNNER_JWT_SECRET", cfg.RunnerJWTSecret)
	cfg.RunnerJWTAudience = envOr("RUNNER_JWT_AUDIENCE", defaultStr(cfg.RunnerJWTAudience, "runner"))

	cfg.RunnerNamespace = envOr("RUNNER_NAMESPACE", defaultStr(cfg.RunnerNamespace, "omicron-browser"))
	cfg.RunnerImage = envOr("RUNNER_IMAGE", cfg.RunnerImage)
	cfg.RunnerPort = envIntOr("RUNNER_PORT", defaultInt(cfg.RunnerPort, broker.DefaultRunnerPort))
	cfg.RunnerServiceAccount = envOr("RUNNER_SERVICE_ACCOUNT", defaultStr(cfg.RunnerServiceAccount, "pw-runner"))
	cfg.ControllerURL = envOr("CONTROLLER_INTERNAL_URL", cfg.ControllerURL)

	cfg.ArtifactsBucket = envOr("ARTIFACTS_S3_BUCKET", cfg.ArtifactsBucket)
	cfg.ArtifactsPrefixBase = envOr("ARTIFACTS_S3_PREFIX_BASE", defaultStr(cfg.ArtifactsPrefixBase, "pw-videos"))

	cfg.TTL = envDurationOr("SESSION_TTL", defaultDur(cfg.TTL, broker.DefaultTTL))
	cfg.MaxTTL = envDurationOr("SESSION_MAX_TTL", defaultDur(cfg.MaxTTL, broker.DefaultMaxTTL))
	cfg.StaleStarting = envDurationOr("STARTING_STALE", defaultDur(cfg.StaleStarting, broker.DefaultStaleStarting))
	cfg.StartupTimeout = envDurationOr("STARTUP_TIMEOUT", defaultDur(cfg.StartupTimeout, broker.DefaultStartup))
	cfg.ReaperInterval = envDurationOr("REAPER_INTERVAL", defaultDur(cfg.ReaperInterval, broker.DefaultReaperInterval))
	cfg.PollInterval = envDurationOr("POLL_INTERVAL", defaultDur(cfg.PollInterval, broker.DefaultPollInterval))
	cfg.PollDeadline = envDurationOr("POLL_DEADLINE", defaultDur(cfg.PollDeadline, broker.DefaultPollDeadline))

	cfg.VaultSecretPrefix = envOr("VAULT_SECRET_PREFIX", defaultStr(cfg.VaultSecretPrefix, broker.DefaultVaultPrefix))
	cfg.RateLimit = envFloatOr("RATE_LIMIT", cfg.RateLimit)

	if cfg.CallerJWTSecret == "" {
		return Config{}, fmt.Errorf("CALLER_JWT_SECRET is required")
	}
	if cfg.RunnerJWTSecret == "" {
		return Config{}, fmt.Errorf("RUNNER_JWT_SECRET is required")
	}
	if cfg.RunnerImage == "" {
		return Config{}, fmt.Errorf("RUNNER_IMAGE is required")
	}
	if cfg.ControllerURL == "" {
		return Config{}, fmt.Errorf("CONTROLLER_INTERNAL_URL is required")
	}
	return cfg, nil
}

func defaultStr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func defaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func defaultDur(v, def time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return def
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
// Bare integers are read as seconds.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
