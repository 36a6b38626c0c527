package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the sentinel engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bus       BusConfig       `yaml:"bus"`
	Cache     CacheConfig     `yaml:"cache"`
	State     StateConfig     `yaml:"state"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Notify    NotifyConfig    `yaml:"notify"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Security  SecurityConfig  `yaml:"security"`
	Diagnosis DiagnosisConfig `yaml:"diagnosis"`
	Repair    RepairConfig    `yaml:"repair"`
	Learning  LearningConfig  `yaml:"learning"`
	Predict   PredictConfig   `yaml:"predict"`
	Perf      PerfConfig      `yaml:"perf"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// BusConfig controls the in-process event bus and its optional mirror.
type BusConfig struct {
	RingSize      int           `yaml:"ringSize"`
	QueueSize     int           `yaml:"queueSize"`
	Origin        string        `yaml:"origin"`
	Mirror        MirrorConfig  `yaml:"mirror"`
	MirrorTimeout time.Duration `yaml:"mirrorTimeout"`
}

// MirrorConfig selects the backend that fans events out to other instances.
type MirrorConfig struct {
	Type          string `yaml:"type"`
	NATSUrl       string `yaml:"natsUrl"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// CacheConfig controls the Valkey-backed shared cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// StateConfig selects the durable store backend.
type StateConfig struct {
	Type          string `yaml:"type"`
	Path          string `yaml:"path"`
	MaxPerFamily  int    `yaml:"maxPerFamily"`
	SampleTTLDays int    `yaml:"sampleTTLDays"`
}

// TelemetryConfig bounds the in-memory metric store.
type TelemetryConfig struct {
	MaxSamplesPerName int           `yaml:"maxSamplesPerName"`
	MaxAge            time.Duration `yaml:"maxAge"`
	FlushInterval     time.Duration `yaml:"flushInterval"`
	BroadcastInterval time.Duration `yaml:"broadcastInterval"`
}

// AlertingConfig controls alert lifecycle and the notification queue.
type AlertingConfig struct {
	QueueSize    int           `yaml:"queueSize"`
	MaxRetries   int           `yaml:"maxRetries"`
	RetryBackoff time.Duration `yaml:"retryBackoff"`
}

// NotifyConfig configures outbound notification sinks. The log sink is
// always active.
type NotifyConfig struct {
	Webhook  WebhookConfig  `yaml:"webhook"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// WebhookConfig posts alerts as JSON to an HTTP endpoint.
type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TelegramConfig sends alerts to a Telegram chat.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chatId"`
}

// MonitorConfig drives the health and resource sampling loops.
type MonitorConfig struct {
	HealthInterval  time.Duration    `yaml:"healthInterval"`
	MetricsInterval time.Duration    `yaml:"metricsInterval"`
	ProbeTimeout    time.Duration    `yaml:"probeTimeout"`
	Endpoints       []EndpointConfig `yaml:"endpoints"`
	Dependencies    []EndpointConfig `yaml:"dependencies"`
	Thresholds      ThresholdConfig  `yaml:"thresholds"`
}

// EndpointConfig names one HTTP target to probe.
type EndpointConfig struct {
	Name string        `yaml:"name"`
	URL  string        `yaml:"url"`
	Slow time.Duration `yaml:"slow"`
}

// ThresholdConfig holds alerting cut-offs for probes and resource samples.
type ThresholdConfig struct {
	CPUPercent    float64       `yaml:"cpuPercent"`
	MemoryPercent float64       `yaml:"memoryPercent"`
	DiskPercent   float64       `yaml:"diskPercent"`
	Load1         float64       `yaml:"load1"`
	HeapLimitMB   float64       `yaml:"heapLimitMb"`
	HeapPercent   float64       `yaml:"heapPercent"`
	DBSlow        time.Duration `yaml:"dbSlow"`
	CacheSlow     time.Duration `yaml:"cacheSlow"`
	EndpointSlow  time.Duration `yaml:"endpointSlow"`
}

// SecurityConfig controls threat detection and mitigation.
type SecurityConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxFailedLogins   int           `yaml:"maxFailedLogins"`
	FailedLoginWindow time.Duration `yaml:"failedLoginWindow"`
	BruteForceBlock   time.Duration `yaml:"bruteForceBlock"`
	TimedBlock        time.Duration `yaml:"timedBlock"`
	MaxRequests       int           `yaml:"maxRequests"`
	RequestWindow     time.Duration `yaml:"requestWindow"`
	ThrottleFor       time.Duration `yaml:"throttleFor"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

// DiagnosisConfig controls root cause assessment and routing.
type DiagnosisConfig struct {
	SeverityFloor       string        `yaml:"severityFloor"`
	CacheTTL            time.Duration `yaml:"cacheTTL"`
	AutoFixConfidence   float64       `yaml:"autoFixConfidence"`
	EscalationThreshold float64       `yaml:"escalationThreshold"`
	RulesPath           string        `yaml:"rulesPath"`
	AI                  AIConfig      `yaml:"ai"`
}

// AIConfig configures the OpenAI-compatible reasoner.
type AIConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKey    string        `yaml:"apiKey"`
	BaseURL   string        `yaml:"baseURL"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"maxTokens"`
}

// RepairConfig bounds what the repair agent may execute.
type RepairConfig struct {
	Enabled         bool          `yaml:"enabled"`
	AllowedFixTypes []string      `yaml:"allowedFixTypes"`
	SettleDelay     time.Duration `yaml:"settleDelay"`
	VerifyTimeout   time.Duration `yaml:"verifyTimeout"`
	LockTTL         time.Duration `yaml:"lockTTL"`
	DrainTimeout    time.Duration `yaml:"drainTimeout"`
}

// LearningConfig tunes pattern accumulation and auto-fix promotion.
type LearningConfig struct {
	MinSuccessRate        float64       `yaml:"minSuccessRate"`
	MinOccurrences        int           `yaml:"minOccurrences"`
	FuzzyThreshold        float64       `yaml:"fuzzyThreshold"`
	PatternExpiry         time.Duration `yaml:"patternExpiry"`
	ConsolidationInterval time.Duration `yaml:"consolidationInterval"`
}

// PredictConfig tunes trend forecasting.
type PredictConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Lookback       time.Duration `yaml:"lookback"`
	MinPoints      int           `yaml:"minPoints"`
	Horizon        time.Duration `yaml:"horizon"`
	HighConfidence float64       `yaml:"highConfidence"`
	HeapPercent    float64       `yaml:"heapPercent"`
	DiskPercent    float64       `yaml:"diskPercent"`
	CPUPercent     float64       `yaml:"cpuPercent"`
	DBQueryMS      float64       `yaml:"dbQueryMs"`
}

// PerfConfig tunes the performance review loop.
type PerfConfig struct {
	Interval     time.Duration `yaml:"interval"`
	SlowQuery    time.Duration `yaml:"slowQuery"`
	MinHitRate   float64       `yaml:"minHitRate"`
	APIp99       time.Duration `yaml:"apiP99"`
	MaxErrorRate float64       `yaml:"maxErrorRate"`
	HistorySize  int           `yaml:"historySize"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
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
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Bus: BusConfig{
			RingSize:      1000,
			QueueSize:     256,
			MirrorTimeout: 2 * time.Second,
			Mirror:        MirrorConfig{SubjectPrefix: "sentinel.events"},
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		State: StateConfig{
			Type:          "memory",
			Path:          "data/sentinel",
			MaxPerFamily:  5000,
			SampleTTLDays: 7,
		},
		Telemetry: TelemetryConfig{
			MaxSamplesPerName: 1000,
			MaxAge:            24 * time.Hour,
			FlushInterval:     5 * time.Minute,
			BroadcastInterval: time.Second,
		},
		Alerting: AlertingConfig{
			QueueSize:    128,
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
		},
		Notify: NotifyConfig{
			Webhook:  WebhookConfig{Timeout: 5 * time.Second},
			Telegram: TelegramConfig{},
		},
		Monitor: MonitorConfig{
			HealthInterval:  30 * time.Second,
			MetricsInterval: 60 * time.Second,
			ProbeTimeout:    5 * time.Second,
			Thresholds: ThresholdConfig{
				CPUPercent:    85,
				MemoryPercent: 90,
				DiskPercent:   90,
				Load1:         4,
				HeapLimitMB:   1024,
				HeapPercent:   85,
				DBSlow:        500 * time.Millisecond,
				CacheSlow:     100 * time.Millisecond,
				EndpointSlow:  750 * time.Millisecond,
			},
		},
		Security: SecurityConfig{
			Enabled:           true,
			MaxFailedLogins:   5,
			FailedLoginWindow: 15 * time.Minute,
			BruteForceBlock:   time.Hour,
			TimedBlock:        24 * time.Hour,
			MaxRequests:       120,
			RequestWindow:     time.Minute,
			ThrottleFor:       10 * time.Minute,
			SweepInterval:     5 * time.Minute,
		},
		Diagnosis: DiagnosisConfig{
			SeverityFloor:       "medium",
			CacheTTL:            5 * time.Minute,
			AutoFixConfidence:   0.8,
			EscalationThreshold: 0.5,
			RulesPath:           "configs/rules/default.yaml",
			AI: AIConfig{
				Model:     "gpt-4o-mini",
				Timeout:   20 * time.Second,
				MaxTokens: 600,
			},
		},
		Repair: RepairConfig{
			Enabled: true,
			AllowedFixTypes: []string{
				"DATABASE_INDEX",
				"CACHE_CLEAR",
				"MEMORY_CLEANUP",
				"CONNECTION_POOL_EXPAND",
				"RATE_LIMIT_ADJUST",
			},
			SettleDelay:   2 * time.Second,
			VerifyTimeout: 10 * time.Second,
			LockTTL:       2 * time.Minute,
			DrainTimeout:  15 * time.Second,
		},
		Learning: LearningConfig{
			MinSuccessRate:        0.7,
			MinOccurrences:        3,
			FuzzyThreshold:        0.8,
			PatternExpiry:         30 * 24 * time.Hour,
			ConsolidationInterval: 10 * time.Minute,
		},
		Predict: PredictConfig{
			Interval:       5 * time.Minute,
			Lookback:       3 * time.Hour,
			MinPoints:      10,
			Horizon:        24 * time.Hour,
			HighConfidence: 0.7,
			HeapPercent:    90,
			DiskPercent:    95,
			CPUPercent:     95,
			DBQueryMS:      500,
		},
		Perf: PerfConfig{
			Interval:     10 * time.Minute,
			SlowQuery:    250 * time.Millisecond,
			MinHitRate:   0.8,
			APIp99:       800 * time.Millisecond,
			MaxErrorRate: 0.02,
			HistorySize:  50,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_BUS_ORIGIN"); v != "" {
		cfg.Bus.Origin = v
	}
	if v := os.Getenv("SENTINEL_BUS_MIRROR"); v != "" {
		cfg.Bus.Mirror.Type = v
	}
	if v := os.Getenv("SENTINEL_NATS_URL"); v != "" {
		cfg.Bus.Mirror.NATSUrl = v
	}
	if v := os.Getenv("SENTINEL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SENTINEL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SENTINEL_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("SENTINEL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SENTINEL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("SENTINEL_STATE_TYPE"); v != "" {
		cfg.State.Type = v
	}
	if v := os.Getenv("SENTINEL_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}
	if v := os.Getenv("SENTINEL_TELEMETRY_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Telemetry.MaxAge = d
		}
	}
	if v := os.Getenv("SENTINEL_TELEMETRY_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Telemetry.FlushInterval = d
		}
	}
	if v := os.Getenv("SENTINEL_WEBHOOK_URL"); v != "" {
		cfg.Notify.Webhook.Enabled = true
		cfg.Notify.Webhook.URL = v
	}
	if v := os.Getenv("SENTINEL_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.Telegram.Enabled = true
		cfg.Notify.Telegram.Token = v
	}
	if v := os.Getenv("SENTINEL_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notify.Telegram.ChatID = v
	}
	if v := os.Getenv("SENTINEL_MONITOR_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.HealthInterval = d
		}
	}
	if v := os.Getenv("SENTINEL_MONITOR_METRICS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.MetricsInterval = d
		}
	}
	if v := os.Getenv("SENTINEL_SECURITY_ENABLED"); v != "" {
		cfg.Security.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SENTINEL_DIAGNOSIS_SEVERITY_FLOOR"); v != "" {
		cfg.Diagnosis.SeverityFloor = v
	}
	if v := os.Getenv("SENTINEL_RULES_PATH"); v != "" {
		cfg.Diagnosis.RulesPath = v
	}
	if v := os.Getenv("SENTINEL_OPENAI_API_KEY"); v != "" {
		cfg.Diagnosis.AI.Enabled = true
		cfg.Diagnosis.AI.APIKey = v
	}
	if v := os.Getenv("SENTINEL_OPENAI_BASE_URL"); v != "" {
		cfg.Diagnosis.AI.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_OPENAI_MODEL"); v != "" {
		cfg.Diagnosis.AI.Model = v
	}
	if v := os.Getenv("SENTINEL_REPAIR_ENABLED"); v != "" {
		cfg.Repair.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SENTINEL_REPAIR_ALLOWED_FIX_TYPES"); v != "" {
		parts := strings.Split(v, ",")
		allowed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				allowed = append(allowed, strings.ToUpper(p))
			}
		}
		if len(allowed) > 0 {
			cfg.Repair.AllowedFixTypes = allowed
		}
	}
	if v := os.Getenv("SENTINEL_PREDICT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Predict.Interval = d
		}
	}
}
