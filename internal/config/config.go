// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, webhook
// verification, pipeline concurrency, quota, the automation dispatcher, and
// observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-bizchat-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WhatsAppConfig defines the Cloud API webhook and Graph send settings.
type WhatsAppConfig struct {
	VerifyToken string // WA_VERIFY_TOKEN: echo handshake secret for GET /webhook
	AppSecret   string // WA_APP_SECRET: HMAC key for X-Hub-Signature-256 ("" disables verification)
	GraphBase   string // WA_GRAPH_BASE: Graph API base URL (overridable for tests)
	SendTimeout time.Duration
}

// PipelineConfig bounds the asynchronous inbound-processing stage.
type PipelineConfig struct {
	Workers   int // concurrent pipeline workers
	QueueSize int // buffered job queue capacity
}

// DispatcherConfig tunes the automation-event polling loop.
type DispatcherConfig struct {
	Endpoint    string        // AUTOMATION_ENDPOINT: workflow-engine delivery URL
	Secret      string        // AUTOMATION_SECRET: shared-secret header value
	Interval    time.Duration // poll interval
	BatchSize   int           // events delivered concurrently per poll
	MaxAttempts int           // terminal failure threshold
	HTTPTimeout time.Duration
}

// ModelConfig configures the remote-model fallback for classification and
// reply generation.
type ModelConfig struct {
	APIKey        string        // MODEL_API_KEY ("" disables model calls globally)
	BaseURL       string        // MODEL_BASE_URL (optional override)
	Name          string        // MODEL_NAME, e.g. "gpt-4o-mini"
	Timeout       time.Duration // per-call deadline
	MaxAttempts   int           // bounded retry (includes the first attempt)
	MaxReplyRunes int           // hard cap on generated replies
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath string // SQLite path

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Domain
	WhatsApp   WhatsAppConfig
	Pipeline   PipelineConfig
	Dispatcher DispatcherConfig
	Model      ModelConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "app.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 25.0),
		RateBurst: getint("RATE_BURST", 50),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// WhatsApp Cloud API
		WhatsApp: WhatsAppConfig{
			VerifyToken: getenv("WA_VERIFY_TOKEN", ""),
			AppSecret:   getenv("WA_APP_SECRET", ""),
			GraphBase:   getenv("WA_GRAPH_BASE", "https://graph.facebook.com/v21.0"),
			SendTimeout: getdur("WA_SEND_TIMEOUT", 15*time.Second),
		},

		// Pipeline
		Pipeline: PipelineConfig{
			Workers:   getint("PIPELINE_WORKERS", 10),
			QueueSize: getint("PIPELINE_QUEUE_SIZE", 1000),
		},

		// Automation dispatcher
		Dispatcher: DispatcherConfig{
			Endpoint:    getenv("AUTOMATION_ENDPOINT", ""),
			Secret:      getenv("AUTOMATION_SECRET", ""),
			Interval:    getdur("AUTOMATION_POLL_INTERVAL", 30*time.Second),
			BatchSize:   getint("AUTOMATION_BATCH_SIZE", 5),
			MaxAttempts: getint("AUTOMATION_MAX_ATTEMPTS", 5),
			HTTPTimeout: getdur("AUTOMATION_HTTP_TIMEOUT", 10*time.Second),
		},

		// Remote model
		Model: ModelConfig{
			APIKey:        getenv("MODEL_API_KEY", ""),
			BaseURL:       getenv("MODEL_BASE_URL", ""),
			Name:          getenv("MODEL_NAME", "gpt-4o-mini"),
			Timeout:       getdur("MODEL_TIMEOUT", 10*time.Second),
			MaxAttempts:   getint("MODEL_MAX_ATTEMPTS", 2),
			MaxReplyRunes: getint("MODEL_MAX_REPLY_RUNES", 600),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-bizchat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.WhatsApp.GraphBase = strings.TrimRight(cfg.WhatsApp.GraphBase, "/")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.Pipeline.Workers < 1 {
		return cfg, errors.New("PIPELINE_WORKERS must be >= 1")
	}
	if cfg.Pipeline.QueueSize < 1 {
		return cfg, errors.New("PIPELINE_QUEUE_SIZE must be >= 1")
	}
	if cfg.Dispatcher.Interval <= 0 {
		return cfg, errors.New("AUTOMATION_POLL_INTERVAL must be > 0")
	}
	if cfg.Dispatcher.BatchSize < 1 {
		return cfg, errors.New("AUTOMATION_BATCH_SIZE must be >= 1")
	}
	if cfg.Dispatcher.MaxAttempts < 1 {
		return cfg, errors.New("AUTOMATION_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Model.MaxAttempts < 1 {
		return cfg, errors.New("MODEL_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Model.MaxReplyRunes < 1 {
		return cfg, errors.New("MODEL_MAX_REPLY_RUNES must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
