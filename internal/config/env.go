package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// StorageConfig selects and configures the artifact backend.
type StorageConfig struct {
	Backend       string // "local"|"s3"
	LocalRoot     string
	PublicBaseURL string
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PresignTTL    time.Duration
	EncryptionKey string
}

// RetryConfig bounds consistency retries on storage reads.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// SessionConfig controls idle-session cleanup.
type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// UploadConfig bounds chunked uploads.
type UploadConfig struct {
	TTL       time.Duration
	MaxChunks int
	MaxSize   int64
	Manifests string // "memory"|"redis"
}

// OrchestratorConfig defines how pages are driven through recognition.
type OrchestratorConfig struct {
	Strategy        string // "local"|"queue"
	Concurrency     int
	BatchSize       int
	PageMaxAttempts int
	FailurePolicy   string // "fail_fast"|"continue"
	RetryDelay      time.Duration
}

// RecognizerConfig selects the text recognition engine.
type RecognizerConfig struct {
	Engine          string // "tesseract"|"openai"|"anthropic"
	Languages       []string
	OpenAIKey       string
	OpenAIModel     string
	AnthropicKey    string
	AnthropicModel  string
	RequestTimeout  time.Duration
	RenderDPI       float64
	RenderQuality   int
	ConvertTimeout  time.Duration
	MaxConversions  int
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	// ChainTTL is how long a job's task chain may go without progress
	// before recovery starts a new one. Recovery also runs this often.
	ChainTTL time.Duration
}

// Config is the top-level configuration.
type Config struct {
	Port         string
	Logging      LoggingConfig
	Axiom        AxiomConfig
	Storage      StorageConfig
	Retry        RetryConfig
	Session      SessionConfig
	Upload       UploadConfig
	Orchestrator OrchestratorConfig
	Recognizer   RecognizerConfig
	Queue        QueueConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{Port: getEnv("PORT", "8080")}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/pagetrack.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_pagetrack",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Storage = StorageConfig{
		Backend:       strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		LocalRoot:     getEnv("STORAGE_LOCAL_ROOT", "data"),
		PublicBaseURL: getEnv("STORAGE_PUBLIC_BASE_URL", ""),
		Bucket:        getEnv("AWS_S3_BUCKET", ""),
		Region:        getEnv("AWS_REGION", "us-east-1"),
		Endpoint:      getEnv("S3_ENDPOINT", ""),
		AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		SecretKey:     getEnv("S3_SECRET_KEY", ""),
		PathStyle:     parseBool(getEnv("S3_PATH_STYLE", "false")),
		PresignTTL:    parseDuration(getEnv("S3_PRESIGN_TTL", "15m"), 15*time.Minute),
		EncryptionKey: getEnv("STORAGE_ENCRYPTION_KEY", ""),
	}

	cfg.Retry = RetryConfig{
		Attempts:  parseInt(getEnv("RETRY_ATTEMPTS", "3"), 3),
		BaseDelay: parseDuration(getEnv("RETRY_BASE_DELAY", "200ms"), 200*time.Millisecond),
		MaxDelay:  parseDuration(getEnv("RETRY_MAX_DELAY", "2s"), 2*time.Second),
	}

	cfg.Session = SessionConfig{
		IdleTimeout:   parseDuration(getEnv("SESSION_IDLE_TIMEOUT", "24h"), 24*time.Hour),
		SweepInterval: parseDuration(getEnv("SWEEP_INTERVAL", "10m"), 10*time.Minute),
	}

	cfg.Upload = UploadConfig{
		TTL:       parseDuration(getEnv("UPLOAD_TTL", "2h"), 2*time.Hour),
		MaxChunks: parseInt(getEnv("UPLOAD_MAX_CHUNKS", "10000"), 10000),
		MaxSize:   parseInt64(getEnv("UPLOAD_MAX_SIZE", ""), 2<<30),
		Manifests: strings.ToLower(getEnv("UPLOAD_MANIFESTS", "memory")),
	}

	cfg.Orchestrator = OrchestratorConfig{
		Strategy:        strings.ToLower(getEnv("ORCHESTRATOR_STRATEGY", "local")),
		Concurrency:     parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		BatchSize:       parseInt(getEnv("PAGE_BATCH_SIZE", "2"), 2),
		PageMaxAttempts: parseInt(getEnv("PAGE_MAX_ATTEMPTS", "2"), 2),
		FailurePolicy:   strings.ToLower(getEnv("FAILURE_POLICY", "fail_fast")),
		RetryDelay:      parseDuration(getEnv("PAGE_RETRY_DELAY", "2s"), 2*time.Second),
	}
	if cfg.Orchestrator.BatchSize <= 0 {
		cfg.Orchestrator.BatchSize = 1
	}
	if cfg.Orchestrator.PageMaxAttempts <= 0 {
		cfg.Orchestrator.PageMaxAttempts = 1
	}

	cfg.Recognizer = RecognizerConfig{
		Engine:         strings.ToLower(getEnv("RECOGNIZER", "tesseract")),
		Languages:      splitList(getEnv("TESSERACT_LANGS", "eng")),
		OpenAIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4.1-mini"),
		AnthropicKey:   getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel: getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
		RequestTimeout: parseDuration(getEnv("REQUEST_TIMEOUT", "60s"), 60*time.Second),
		RenderDPI:      parseFloat(getEnv("RENDER_DPI", "150"), 150),
		RenderQuality:  parseInt(getEnv("RENDER_QUALITY", "85"), 85),
		ConvertTimeout: parseDuration(getEnv("CONVERT_TIMEOUT", "120s"), 120*time.Second),
		MaxConversions: parseInt(getEnv("MAX_CONVERSIONS", "2"), 2),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "pagetrack:tasks"),
		Group:        getEnv("QUEUE_GROUP", "pagetrack:workers"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "100ms"), 100*time.Millisecond),
		LeaseTTL:     parseDuration(getEnv("QUEUE_LEASE_TTL", "5m"), 5*time.Minute),
		ChainTTL:     parseDuration(getEnv("QUEUE_CHAIN_TTL", "30m"), 30*time.Minute),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
