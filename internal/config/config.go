package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/inference"
	"github.com/miradorstack/mirador-triage/internal/models"
)

// EnvConfigPath names the variable consulted when Load receives an empty path.
const EnvConfigPath = "MIRADOR_TRIAGE_CONFIG"

var configValidate = validator.New()

// Config captures every setting of the triage engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Budget     BudgetConfig     `yaml:"budget"`
	Escalation EscalationConfig `yaml:"escalation"`
	Redaction  RedactionConfig  `yaml:"redaction"`
	Inference  InferenceConfig  `yaml:"inference"`
	Provider   ProviderConfig   `yaml:"provider"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	History    HistoryConfig    `yaml:"history"`
}

// ServerConfig controls the gRPC and HTTP listeners.
type ServerConfig struct {
	GRPCAddress     string        `yaml:"grpcAddress" validate:"required"`
	HTTPAddress     string        `yaml:"httpAddress" validate:"required"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
	Reflection      bool          `yaml:"reflection"`
	// MaxBodyBytes caps HTTP request bodies.
	MaxBodyBytes int64 `yaml:"maxBodyBytes" validate:"gte=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio" validate:"gte=0,lte=1"`
	Pretty      bool    `yaml:"pretty"`
}

// PipelineConfig controls batching and clustering.
type PipelineConfig struct {
	Sensitivity         models.Sensitivity `yaml:"sensitivity" validate:"oneof=conservative normal aggressive"`
	BatchInterval       time.Duration      `yaml:"batchInterval" validate:"gt=0"`
	MaxEvents           int                `yaml:"maxEvents" validate:"gte=0"`
	BatchWallClock      time.Duration      `yaml:"batchWallClock" validate:"gte=0"`
	BufferCapacity      int                `yaml:"bufferCapacity" validate:"gt=0"`
	MaintenanceInterval time.Duration      `yaml:"maintenanceInterval" validate:"gt=0"`
	ClusterRetention    time.Duration      `yaml:"clusterRetention" validate:"gt=0"`
	MaxExemplars        int                `yaml:"maxExemplars" validate:"gte=0"`
	DiversityWindow     time.Duration      `yaml:"diversityWindow" validate:"gte=0"`
	LockTTL             time.Duration      `yaml:"lockTTL" validate:"gte=0"`
}

// TenantBudget caps one tenant's token usage.
type TenantBudget struct {
	DailyTokens   int `yaml:"dailyTokens" validate:"gte=0"`
	MonthlyTokens int `yaml:"monthlyTokens" validate:"gte=0"`
}

// BudgetConfig holds provider-wide limits, tenant limits and optimization flags.
type BudgetConfig struct {
	MonthlyTokens           int                     `yaml:"monthlyTokens" validate:"gte=0"`
	DailyTokens             int                     `yaml:"dailyTokens" validate:"gte=0"`
	PerMinuteTokens         int                     `yaml:"perMinuteTokens" validate:"gte=0"`
	HardStop                bool                    `yaml:"hardStop"`
	ThrottleUtilization     float64                 `yaml:"throttleUtilization" validate:"gte=0,lte=1"`
	VelocityTokensPerMinute int                     `yaml:"velocityTokensPerMinute" validate:"gte=0"`
	TierACallTokens         int                     `yaml:"tierACallTokens" validate:"gte=0"`
	TierBCallTokens         int                     `yaml:"tierBCallTokens" validate:"gte=0"`
	TenantDefault           TenantBudget            `yaml:"tenantDefault"`
	Tenants                 map[string]TenantBudget `yaml:"tenants" validate:"dive"`

	IncreaseSamplingWhenOverBudget bool          `yaml:"increaseSamplingWhenOverBudget"`
	AutoAdjustBatching             bool          `yaml:"autoAdjustBatching"`
	SkipLowSeverityWhenOverBudget  bool          `yaml:"skipLowSeverityWhenOverBudget"`
	BaseSamplingRate               float64       `yaml:"baseSamplingRate" validate:"gt=0,lte=1"`
	BaseBatchInterval              time.Duration `yaml:"baseBatchInterval" validate:"gte=0"`

	Prices inference.Pricing `yaml:"prices"`
}

// EscalationConfig holds candidate and escalation thresholds.
type EscalationConfig struct {
	Severities            []models.Severity `yaml:"severities" validate:"min=1,dive,oneof=low medium high critical"`
	ConfidenceThreshold   float64           `yaml:"confidenceThreshold" validate:"gt=0,lte=1"`
	VelocityThreshold     float64           `yaml:"velocityThreshold" validate:"gt=0"`
	NoveltyWindow         time.Duration     `yaml:"noveltyWindow" validate:"gt=0"`
	UserImpactThreshold   int               `yaml:"userImpactThreshold" validate:"gt=0"`
	BusinessCriticalAreas []string          `yaml:"businessCriticalAreas"`
	ProviderConfidence    float64           `yaml:"providerConfidence" validate:"gte=0,lte=1"`
	RetentionDays         int               `yaml:"retentionDays" validate:"gt=0"`
	SnapshotEvents        int               `yaml:"snapshotEvents" validate:"gt=0"`
	SuddenOnset           time.Duration     `yaml:"suddenOnset" validate:"gt=0"`
	DashboardTemplates    []string          `yaml:"dashboardTemplates" validate:"dive,required"`
}

// RedactionConfig points at the redaction rule set.
type RedactionConfig struct {
	RulesPath  string `yaml:"rulesPath"`
	FailClosed bool   `yaml:"failClosed"`
}

// InferenceConfig configures the OpenAI-compatible model endpoint.
type InferenceConfig struct {
	BaseURL           string        `yaml:"baseURL" validate:"omitempty,url"`
	APIKey            string        `yaml:"apiKey"`
	OrgID             string        `yaml:"orgID"`
	TierAModel        string        `yaml:"tierAModel" validate:"required"`
	TierBModel        string        `yaml:"tierBModel" validate:"required"`
	TierAMaxTokens    int           `yaml:"tierAMaxTokens" validate:"gt=0"`
	TierBMaxTokens    int           `yaml:"tierBMaxTokens" validate:"gt=0"`
	TierATimeout      time.Duration `yaml:"tierATimeout" validate:"gt=0"`
	TierBTimeout      time.Duration `yaml:"tierBTimeout" validate:"gt=0"`
	Temperature       float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	SubBatchSize      int           `yaml:"subBatchSize" validate:"gt=0,lte=20"`
	Concurrency       int           `yaml:"concurrency" validate:"gt=0"`
	ContextBytes      int           `yaml:"contextBytes" validate:"gt=0"`
	HistoryLimit      int           `yaml:"historyLimit" validate:"gte=0"`
	FallbackRulesPath string        `yaml:"fallbackRulesPath"`
}

// ProviderConfig configures the escalation endpoint.
type ProviderConfig struct {
	URL           string        `yaml:"url" validate:"omitempty,url"`
	SigningKey    string        `yaml:"signingKey"`
	EncryptionKey string        `yaml:"encryptionKey" validate:"omitempty,base64"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts   int           `yaml:"maxAttempts" validate:"gt=0"`
	BaseBackoff   time.Duration `yaml:"baseBackoff" validate:"gte=0"`
	RatePerSecond float64       `yaml:"ratePerSecond" validate:"gte=0"`
	Burst         int           `yaml:"burst" validate:"gte=0"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string        `yaml:"driver" validate:"oneof=memory badger postgres"`
	BadgerPath  string        `yaml:"badgerPath" validate:"required_if=Driver badger"`
	PostgresDSN string        `yaml:"postgresDSN" validate:"required_if=Driver postgres"`
	SyncWrites  bool          `yaml:"syncWrites"`
	GCInterval  time.Duration `yaml:"gcInterval" validate:"gte=0"`
}

// CacheConfig controls the Valkey-backed cache used for locks, idempotence and history lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" validate:"required_if=Enabled true"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries" validate:"gte=0"`
	TLS          bool          `yaml:"tls"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	PoolSize     int           `yaml:"poolSize" validate:"gte=0"`
	HistoryTTL   time.Duration `yaml:"historyTTL" validate:"gte=0"`
}

// HistoryConfig configures the resolution history store. An empty endpoint disables it.
type HistoryConfig struct {
	Endpoint string        `yaml:"endpoint" validate:"omitempty,url"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Load initialises Config from a YAML file and optional environment overrides, then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Enum fields reject unknown values while decoding, so decode failures are validation
		// failures of the file.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &errs.ValidationError{Reason: "parse config " + path, Err: err}
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return &errs.ValidationError{Reason: "invalid config", Err: err}
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			GRPCAddress:     ":50051",
			HTTPAddress:     ":8080",
			GracefulTimeout: 10 * time.Second,
			MaxBodyBytes:    8 << 20,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Tracing: TracingConfig{ServiceName: "mirador-triage", SampleRatio: 1},
		Pipeline: PipelineConfig{
			Sensitivity:         models.SensitivityNormal,
			BatchInterval:       time.Minute,
			MaxEvents:           5000,
			BatchWallClock:      2 * time.Minute,
			BufferCapacity:      10000,
			MaintenanceInterval: 5 * time.Minute,
			ClusterRetention:    7 * 24 * time.Hour,
			MaxExemplars:        5,
			DiversityWindow:     time.Minute,
			LockTTL:             30 * time.Second,
		},
		Budget: BudgetConfig{
			MonthlyTokens:                  5_000_000,
			DailyTokens:                    250_000,
			PerMinuteTokens:                20_000,
			HardStop:                       true,
			ThrottleUtilization:            0.9,
			TierACallTokens:                8_000,
			TierBCallTokens:                6_000,
			IncreaseSamplingWhenOverBudget: true,
			AutoAdjustBatching:             true,
			SkipLowSeverityWhenOverBudget:  true,
			BaseSamplingRate:               1,
			BaseBatchInterval:              time.Minute,
		},
		Escalation: EscalationConfig{
			Severities:          []models.Severity{models.SeverityHigh, models.SeverityCritical},
			ConfidenceThreshold: 0.6,
			VelocityThreshold:   10,
			NoveltyWindow:       24 * time.Hour,
			UserImpactThreshold: 100,
			ProviderConfidence:  0.5,
			RetentionDays:       30,
			SnapshotEvents:      10,
			SuddenOnset:         2 * time.Hour,
		},
		Redaction: RedactionConfig{FailClosed: true},
		Inference: InferenceConfig{
			TierAModel:     "gpt-4o-mini",
			TierBModel:     "gpt-4o",
			TierAMaxTokens: 1200,
			TierBMaxTokens: 1500,
			TierATimeout:   20 * time.Second,
			TierBTimeout:   45 * time.Second,
			Temperature:    0.2,
			SubBatchSize:   20,
			Concurrency:    4,
			ContextBytes:   2048,
			HistoryLimit:   3,
		},
		Provider: ProviderConfig{
			Timeout:       10 * time.Second,
			MaxAttempts:   3,
			BaseBackoff:   500 * time.Millisecond,
			RatePerSecond: 2,
			Burst:         1,
		},
		Store: StoreConfig{Driver: "memory", GCInterval: 10 * time.Minute},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			KeyPrefix:    "mirador-triage:",
			PoolSize:     8,
			HistoryTTL:   10 * time.Minute,
		},
		History: HistoryConfig{Timeout: 5 * time.Second},
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("MIRADOR_TRIAGE_GRPC_ADDRESS", &cfg.Server.GRPCAddress)
	envString("MIRADOR_TRIAGE_HTTP_ADDRESS", &cfg.Server.HTTPAddress)
	envString("MIRADOR_TRIAGE_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("MIRADOR_TRIAGE_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
	envBool("MIRADOR_TRIAGE_TRACING_ENABLED", &cfg.Tracing.Enabled)

	if v := os.Getenv("MIRADOR_TRIAGE_SENSITIVITY"); v != "" {
		cfg.Pipeline.Sensitivity = models.Sensitivity(strings.ToLower(v))
	}
	envDuration("MIRADOR_TRIAGE_BATCH_INTERVAL", &cfg.Pipeline.BatchInterval)
	envInt("MIRADOR_TRIAGE_MAX_EVENTS", &cfg.Pipeline.MaxEvents)

	envInt("MIRADOR_TRIAGE_MONTHLY_TOKENS", &cfg.Budget.MonthlyTokens)
	envInt("MIRADOR_TRIAGE_DAILY_TOKENS", &cfg.Budget.DailyTokens)
	envBool("MIRADOR_TRIAGE_HARD_STOP", &cfg.Budget.HardStop)

	envString("MIRADOR_TRIAGE_REDACTION_RULES", &cfg.Redaction.RulesPath)
	envBool("MIRADOR_TRIAGE_REDACTION_FAIL_CLOSED", &cfg.Redaction.FailClosed)

	envString("MIRADOR_TRIAGE_INFERENCE_URL", &cfg.Inference.BaseURL)
	envString("MIRADOR_TRIAGE_INFERENCE_API_KEY", &cfg.Inference.APIKey)
	envString("MIRADOR_TRIAGE_TIER_A_MODEL", &cfg.Inference.TierAModel)
	envString("MIRADOR_TRIAGE_TIER_B_MODEL", &cfg.Inference.TierBModel)

	envString("MIRADOR_TRIAGE_PROVIDER_URL", &cfg.Provider.URL)
	envString("MIRADOR_TRIAGE_PROVIDER_SIGNING_KEY", &cfg.Provider.SigningKey)
	envString("MIRADOR_TRIAGE_PROVIDER_ENCRYPTION_KEY", &cfg.Provider.EncryptionKey)

	envString("MIRADOR_TRIAGE_STORE_DRIVER", &cfg.Store.Driver)
	envString("MIRADOR_TRIAGE_BADGER_PATH", &cfg.Store.BadgerPath)
	envString("MIRADOR_TRIAGE_POSTGRES_DSN", &cfg.Store.PostgresDSN)

	envBool("MIRADOR_TRIAGE_CACHE_ENABLED", &cfg.Cache.Enabled)
	envString("MIRADOR_TRIAGE_CACHE_ADDR", &cfg.Cache.Addr)
	envString("MIRADOR_TRIAGE_CACHE_USERNAME", &cfg.Cache.Username)
	envString("MIRADOR_TRIAGE_CACHE_PASSWORD", &cfg.Cache.Password)
	envInt("MIRADOR_TRIAGE_CACHE_DB", &cfg.Cache.DB)
	envBool("MIRADOR_TRIAGE_CACHE_TLS", &cfg.Cache.TLS)

	envString("MIRADOR_TRIAGE_WEAVIATE_URL", &cfg.History.Endpoint)
	envString("MIRADOR_TRIAGE_WEAVIATE_API_KEY", &cfg.History.APIKey)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
