package config

import (
	"encoding/json"
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

// AxiomConfig holds Axiom log forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// StorageConfig holds the local data root and remote source fetch settings.
type StorageConfig struct {
	Root         string
	FetchTimeout time.Duration
}

// ConverterConfig points at the external document conversion service.
type ConverterConfig struct {
	BaseURL string
	Timeout time.Duration
}

// VisionConfig holds the OCR model endpoint and page pipeline limits.
type VisionConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	PageTimeout     time.Duration
	PageConcurrency int
	RenderDPI       int
	MaxImageDim     int
}

// ScanConfig tunes the scanned-PDF probe.
type ScanConfig struct {
	ProbePages    int
	TextThreshold int
}

// KBConfig holds knowledge-base service connectivity and polling cadence.
type KBConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	PollInterval   time.Duration
}

// ReportConfig holds the report workflow endpoint.
type ReportConfig struct {
	WorkflowURL string
	APIKey      string
	Timeout     time.Duration
}

// WorkerConfig defines processing pool size.
type WorkerConfig struct {
	Concurrency int
}

// QueueConfig defines queue connectivity and names. An empty RedisURL selects
// the in-memory queue and store.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// WatcherConfig controls the inbox drop-folder watcher.
type WatcherConfig struct {
	Enabled     bool
	SettleDelay time.Duration
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Storage   StorageConfig
	Converter ConverterConfig
	Vision    VisionConfig
	Scan      ScanConfig
	KB        KBConfig
	Report    ReportConfig
	Worker    WorkerConfig
	Queue     QueueConfig
	Watcher   WatcherConfig
	OpsAddr   string
	// Labels maps label keys to the display names used when prefixing
	// document names.
	Labels map[string]string
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/docpipe.log"),
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
		Dataset:       baseDataset + "_docpipe",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Storage = StorageConfig{
		Root:         getEnv("DATA_ROOT", "data"),
		FetchTimeout: parseDuration(getEnv("SOURCE_FETCH_TIMEOUT", "2m"), 2*time.Minute),
	}

	cfg.Converter = ConverterConfig{
		BaseURL: getEnv("CONVERTER_URL", "http://localhost:8011"),
		Timeout: parseDuration(getEnv("CONVERTER_TIMEOUT", "5m"), 5*time.Minute),
	}
	// Conversions of large spreadsheets routinely take minutes.
	if cfg.Converter.Timeout < 5*time.Minute {
		cfg.Converter.Timeout = 5 * time.Minute
	}

	cfg.Vision = VisionConfig{
		BaseURL:         getEnv("VISION_BASE_URL", "https://api.openai.com"),
		APIKey:          getEnv("VISION_API_KEY", ""),
		Model:           getEnv("VISION_MODEL", "gpt-4o"),
		PageTimeout:     parseDuration(getEnv("VISION_PAGE_TIMEOUT", "90s"), 90*time.Second),
		PageConcurrency: parseInt(getEnv("VISION_PAGE_CONCURRENCY", "4"), 4),
		RenderDPI:       parseInt(getEnv("VISION_RENDER_DPI", "144"), 144),
		MaxImageDim:     parseInt(getEnv("VISION_MAX_IMAGE_DIM", "2000"), 2000),
	}
	if cfg.Vision.PageTimeout < 60*time.Second {
		cfg.Vision.PageTimeout = 60 * time.Second
	}

	cfg.Scan = ScanConfig{
		ProbePages:    parseInt(getEnv("SCAN_PROBE_PAGES", "3"), 3),
		TextThreshold: parseInt(getEnv("SCAN_TEXT_THRESHOLD", "50"), 50),
	}

	cfg.KB = KBConfig{
		BaseURL:        getEnv("KB_BASE_URL", "http://localhost:9380"),
		APIKey:         getEnv("KB_API_KEY", ""),
		RequestTimeout: parseDuration(getEnv("KB_REQUEST_TIMEOUT", "60s"), 60*time.Second),
		UploadTimeout:  parseDuration(getEnv("KB_UPLOAD_TIMEOUT", "120s"), 120*time.Second),
		PollInterval:   parseDuration(getEnv("KB_POLL_INTERVAL", "5s"), 5*time.Second),
	}

	cfg.Report = ReportConfig{
		WorkflowURL: getEnv("WORKFLOW_URL", ""),
		APIKey:      getEnv("WORKFLOW_API_KEY", ""),
		Timeout:     parseDuration(getEnv("WORKFLOW_TIMEOUT", "20m"), 20*time.Minute),
	}

	cfg.Worker = WorkerConfig{
		Concurrency: parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", ""),
		Stream:       getEnv("QUEUE_STREAM", "docpipe:process"),
		Group:        getEnv("QUEUE_GROUP", "docpipe:workers"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "1s"), time.Second),
	}

	cfg.Watcher = WatcherConfig{
		Enabled:     parseBool(getEnv("WATCH_INBOX", "false")),
		SettleDelay: parseDuration(getEnv("WATCH_SETTLE_DELAY", "2s"), 2*time.Second),
	}

	cfg.OpsAddr = getEnv("OPS_ADDR", ":8090")
	cfg.Labels = parseStringMap(getEnv("DOC_LABEL_NAMES", ""))

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

// parseStringMap decodes a JSON object of string pairs; malformed input
// yields an empty map.
func parseStringMap(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]string{}
	}
	return m
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
