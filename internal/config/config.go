package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are mapped
// onto config keys: BG_SCORING_SIMILARITY_THRESHOLD -> scoring.similarity_threshold.
const EnvPrefix = "BG_"

type Config struct {
	Environment string `koanf:"environment"`

	Server     ServerConfig        `koanf:"server"`
	Logging    LoggingConfig       `koanf:"logging"`
	Storage    StorageConfig       `koanf:"storage"`
	Redis      RedisConfig         `koanf:"redis"`
	Scylla     ScyllaConfig        `koanf:"scylla"`
	Kafka      KafkaConfig         `koanf:"kafka"`
	Clickhouse ClickhouseConfig    `koanf:"clickhouse"`
	Elastic    ElasticsearchConfig `koanf:"elasticsearch"`
	KMS        KMSConfig           `koanf:"kms"`
	Bucketing  BucketingConfig     `koanf:"bucketing"`
	Auth       AuthConfig          `koanf:"auth"`

	Capture    CaptureConfig    `koanf:"capture"`
	Scoring    ScoringConfig    `koanf:"scoring"`
	Escalation EscalationConfig `koanf:"escalation"`
}

type ServerConfig struct {
	Port         int           `koanf:"port"`
	TLSPort      int           `koanf:"tls_port"`
	EnableTLS    bool          `koanf:"enable_tls"`
	AutoCert     bool          `koanf:"auto_cert"`
	Domain       string        `koanf:"domain"`
	CertFile     string        `koanf:"cert_file"`
	KeyFile      string        `koanf:"key_file"`
	AutoCertDir  string        `koanf:"auto_cert_dir"`
	Email        string        `koanf:"email"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	RateLimit    float64       `koanf:"rate_limit"`
	RateBurst    int           `koanf:"rate_burst"`

	// Reported anomalies per user per window, shared across replicas.
	ReportLimit  int           `koanf:"report_limit"`
	ReportWindow time.Duration `koanf:"report_window"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StorageConfig selects the profile/audit backend: "scylla" for production
// clusters, "buntdb" for a single-node embedded store.
type StorageConfig struct {
	Backend    string `koanf:"backend"`
	BuntDBPath string `koanf:"buntdb_path"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	PoolSize int    `koanf:"pool_size"`
}

type ScyllaConfig struct {
	Nodes    []string `koanf:"nodes"`
	Keyspace string   `koanf:"keyspace"`
	Username string   `koanf:"username"`
	Password string   `koanf:"password"`
}

type KafkaConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Brokers        []string `koanf:"brokers"`
	DecisionsTopic string   `koanf:"decisions_topic"`
}

type ClickhouseConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Index    string `koanf:"index"`
}

type KMSConfig struct {
	Enabled bool   `koanf:"enabled"`
	Region  string `koanf:"region"`
	KeyID   string `koanf:"key_id"`

	// LocalKey is a base64 AES-256 key used when KMS is disabled.
	LocalKey string `koanf:"local_key"`
}

type BucketingConfig struct {
	UserBuckets int `koanf:"user_buckets"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
	AdminRole string `koanf:"admin_role"`
}

type CaptureConfig struct {
	OneShotDuration      time.Duration `koanf:"one_shot_duration"`
	MonitorInterval      time.Duration `koanf:"monitor_interval"`
	BufferSize           int           `koanf:"buffer_size"`
	DoubleClickThreshold time.Duration `koanf:"double_click_threshold"`
	// IdleTimeout expires sessions with no pushed events; zero disables it.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	// MaxSessionsPerUser caps open sessions per user; zero means no cap.
	MaxSessionsPerUser int `koanf:"max_sessions_per_user"`
}

// ScoringConfig holds the anomaly thresholds. WeightPreset is "standard" or "dna".
type ScoringConfig struct {
	SimilarityThreshold  float64 `koanf:"similarity_threshold"`
	WeightPreset         string  `koanf:"weight_preset"`
	ZScoreThreshold      float64 `koanf:"zscore_threshold"`
	MinAnomalousMetrics  int     `koanf:"min_anomalous_metrics"`
	HistoryLimit         int     `koanf:"history_limit"`
	MaxRhythmDeltaMs     float64 `koanf:"max_rhythm_delta_ms"`
	MaxVelocityDelta     float64 `koanf:"max_velocity_delta"`
	ConfidenceMultiplier float64 `koanf:"confidence_multiplier"`
}

type EscalationConfig struct {
	MaxWarnings          int           `koanf:"max_warnings"`
	ResetOnNormal        bool          `koanf:"reset_on_normal"`
	StateTTL             time.Duration `koanf:"state_ttl"`
	NavigationMinVisits  int           `koanf:"navigation_min_visits"`
	NavigationStaleAfter time.Duration `koanf:"navigation_stale_after"`
}

var (
	current *Config
	mu      sync.RWMutex
)

// Defaults returns the canonical configuration. Every threshold the scoring and
// escalation code uses is defined here rather than inline.
func Defaults() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:         8080,
			TLSPort:      8443,
			AutoCertDir:  "/var/lib/behavior-guard/certs",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimit:    5,
			RateBurst:    20,
			ReportLimit:  30,
			ReportWindow: time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Backend: "buntdb", BuntDBPath: "behavior-guard.db"},
		Redis: RedisConfig{
			URL:      "redis://localhost:6379/0",
			PoolSize: 50,
		},
		Scylla: ScyllaConfig{
			Nodes:    []string{"localhost:9042"},
			Keyspace: "behavior_guard",
		},
		Kafka: KafkaConfig{
			Brokers:        []string{"localhost:9092"},
			DecisionsTopic: "behavior.decisions",
		},
		Clickhouse: ClickhouseConfig{
			URL:      "localhost:9000",
			Database: "behavior_guard",
		},
		Elastic: ElasticsearchConfig{
			URL:   "http://localhost:9200",
			Index: "anomaly-records",
		},
		KMS:       KMSConfig{Region: "us-east-1"},
		Bucketing: BucketingConfig{UserBuckets: 256},
		Auth:      AuthConfig{Issuer: "behavior-guard", AdminRole: "security_admin"},
		Capture: CaptureConfig{
			OneShotDuration:      30 * time.Second,
			MonitorInterval:      30 * time.Second,
			BufferSize:           4096,
			DoubleClickThreshold: 300 * time.Millisecond,
			IdleTimeout:          30 * time.Minute,
			MaxSessionsPerUser:   5,
		},
		Scoring: ScoringConfig{
			SimilarityThreshold:  0.65,
			WeightPreset:         "standard",
			ZScoreThreshold:      1.0,
			MinAnomalousMetrics:  2,
			HistoryLimit:         100,
			MaxRhythmDeltaMs:     1000,
			MaxVelocityDelta:     2.0,
			ConfidenceMultiplier: 20,
		},
		Escalation: EscalationConfig{
			MaxWarnings:          3,
			ResetOnNormal:        true,
			StateTTL:             30 * 24 * time.Hour,
			NavigationMinVisits:  3,
			NavigationStaleAfter: 7 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads .env (if present), then layers defaults, an optional YAML
// file named by BG_CONFIG_FILE, and BG_* environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		key = envKey(key)
		if strings.Contains(value, ",") {
			return key, strings.Split(value, ",")
		}
		return key, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg, nil
}

// envKey maps BG_SCORING_SIMILARITY_THRESHOLD to scoring.similarity_threshold.
// Only the first underscore separates the section from the field name.
func envKey(raw string) string {
	s := strings.ToLower(strings.TrimPrefix(raw, EnvPrefix))
	if section, field, ok := strings.Cut(s, "_"); ok {
		return section + "." + field
	}
	return s
}

// Get returns the last loaded config, falling back to defaults.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Defaults()
	}
	return current
}

func (c *Config) Validate() error {
	s := c.Scoring
	if s.SimilarityThreshold <= 0 || s.SimilarityThreshold >= 1 {
		return fmt.Errorf("scoring.similarity_threshold must be in (0,1), got %v", s.SimilarityThreshold)
	}
	if s.WeightPreset != "standard" && s.WeightPreset != "dna" {
		return fmt.Errorf("scoring.weight_preset must be standard or dna, got %q", s.WeightPreset)
	}
	if s.ZScoreThreshold <= 0 {
		return fmt.Errorf("scoring.zscore_threshold must be positive")
	}
	if s.MinAnomalousMetrics < 1 {
		return fmt.Errorf("scoring.min_anomalous_metrics must be at least 1")
	}
	if s.HistoryLimit < 1 || s.HistoryLimit > 100 {
		return fmt.Errorf("scoring.history_limit must be in [1,100], got %d", s.HistoryLimit)
	}
	if s.MaxRhythmDeltaMs <= 0 {
		return fmt.Errorf("scoring.max_rhythm_delta_ms must be positive")
	}
	if s.MaxVelocityDelta <= 0 {
		return fmt.Errorf("scoring.max_velocity_delta must be positive")
	}
	if s.ConfidenceMultiplier <= 0 {
		return fmt.Errorf("scoring.confidence_multiplier must be positive")
	}
	if c.Escalation.MaxWarnings < 1 {
		return fmt.Errorf("escalation.max_warnings must be at least 1")
	}
	if err := c.Capture.validate(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_limit and server.rate_burst must be positive")
	}
	if c.Server.ReportLimit < 1 || c.Server.ReportWindow <= 0 {
		return fmt.Errorf("server.report_limit and server.report_window must be positive")
	}
	switch c.Storage.Backend {
	case "scylla", "buntdb":
	default:
		return fmt.Errorf("storage.backend must be scylla or buntdb, got %q", c.Storage.Backend)
	}
	return nil
}

func (c CaptureConfig) validate() error {
	if c.BufferSize < 1 {
		return fmt.Errorf("capture.buffer_size must be at least 1")
	}
	if c.OneShotDuration <= 0 {
		return fmt.Errorf("capture.one_shot_duration must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("capture.monitor_interval must be positive")
	}
	if c.DoubleClickThreshold <= 0 {
		return fmt.Errorf("capture.double_click_threshold must be positive")
	}
	if c.IdleTimeout < 0 || c.MaxSessionsPerUser < 0 {
		return fmt.Errorf("capture.idle_timeout and capture.max_sessions_per_user must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
