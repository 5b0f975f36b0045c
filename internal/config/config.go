// Package config provides configuration management for the inference
// gateway, handling environment variables, .env files, and runtime settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Metadata  MetadataConfig  `json:"metadata"`
	Vector    VectorConfig    `json:"vector"`
	Model     ModelConfig     `json:"model"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Context   ContextConfig   `json:"context"`
	Session   SessionConfig   `json:"session"`
	VKP       VKPConfig       `json:"vkp"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Embedding EmbeddingConfig `json:"embedding"`
	Logging   LoggingConfig   `json:"logging"`
	Locale    LocaleConfig    `json:"locale"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port         int    `json:"port"`
	Host         string `json:"host"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// MetadataConfig represents C1's SQLite-backed metadata store configuration
type MetadataConfig struct {
	Path               string        `json:"path"`
	MaxOpenConns       int           `json:"max_open_conns"`
	ConnTimeout        time.Duration `json:"conn_timeout"`
	SessionSweepPeriod time.Duration `json:"session_sweep_period"`
	SpillDir           string        `json:"spill_dir"`
	SpillMaxEntries    int           `json:"spill_max_entries"`
}

// VectorConfig represents C2 Qdrant vector store gateway configuration
type VectorConfig struct {
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	APIKey           string        `json:"-"`
	UseTLS           bool          `json:"use_tls"`
	VectorSize       int           `json:"vector_size"`
	RetryAttempts    int           `json:"retry_attempts"`
	TimeoutSeconds   int           `json:"timeout_seconds"`
	WriterWaitBudget time.Duration `json:"writer_wait_budget"`
	GraceDays        int           `json:"grace_days"`
}

// ModelConfig represents C4 inference adapter configuration
type ModelConfig struct {
	ModelPath          string        `json:"model_path"`
	RequireModel       bool          `json:"require_model"`
	MaxOutputTokens    int           `json:"max_output_tokens"`
	Temperature        float64       `json:"temperature"`
	TopP               float64       `json:"top_p"`
	PerCallTimeout     time.Duration `json:"per_call_timeout"`
	InferenceServerURL string        `json:"inference_server_url"`
}

// DispatchConfig represents C5 dispatcher configuration
type DispatchConfig struct {
	MaxConcurrent   int           `json:"max_concurrent"`
	MaxQueueDepth   int           `json:"max_queue_depth"`
	RequestDeadline time.Duration `json:"request_deadline"`
}

// ContextConfig represents C3 context assembler configuration
type ContextConfig struct {
	WindowTokens  int `json:"context_window_tokens"`
	BudgetTokens  int `json:"retrieval_budget_tokens"`
	TopK          int `json:"retrieval_top_k"`
	BudgetFloor   int `json:"budget_floor_tokens"`
}

// SessionConfig represents C11 auth & session configuration
type SessionConfig struct {
	TTL time.Duration `json:"session_ttl"`
}

// VKPConfig represents C8 VKP lifecycle manager configuration
type VKPConfig struct {
	PollInterval    time.Duration `json:"poll_interval"`
	GraceDays       int           `json:"grace_period_days"`
	RemoteIndexURL  string        `json:"remote_index_url"`
	StagingDir      string        `json:"staging_dir"`
	RetryBaseDelay  time.Duration `json:"retry_base_delay"`
	RetryMaxDelay   time.Duration `json:"retry_max_delay"`
	MaxRetries      int           `json:"max_retries"`
}

// TelemetryConfig represents C9 telemetry aggregator configuration
type TelemetryConfig struct {
	UploadInterval time.Duration `json:"upload_interval"`
	RetentionDays  int           `json:"retention_days"`
	SinkURL        string        `json:"sink_url"`
	RedisAddr      string        `json:"redis_addr"`
}

// EmbeddingConfig represents the embedding provider configuration (§6)
type EmbeddingConfig struct {
	Provider   string  `json:"provider"` // "openai", "local", "mock"
	APIKey     string  `json:"-"`
	Model      string  `json:"model"`
	Dimensions int     `json:"dimensions"`
	Timeout    time.Duration `json:"timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
	Dir   string `json:"dir"`
}

// LocaleConfig represents C3's localization configuration
type LocaleConfig struct {
	InstructionalLanguage string `json:"instructional_language"`
}

// DefaultConfig returns a default configuration with sane edge-deployment values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Metadata: MetadataConfig{
			Path:               "./data/gateway.db",
			MaxOpenConns:       10,
			ConnTimeout:        5 * time.Second,
			SessionSweepPeriod: 5 * time.Minute,
			SpillDir:           "./data/spill",
			SpillMaxEntries:    10000,
		},
		Vector: VectorConfig{
			Host:             "localhost",
			Port:             6334,
			UseTLS:           false,
			VectorSize:       1536,
			RetryAttempts:    3,
			TimeoutSeconds:   10,
			WriterWaitBudget: 2 * time.Second,
			GraceDays:        7,
		},
		Model: ModelConfig{
			ModelPath:          "./models/model.gguf",
			RequireModel:       true,
			MaxOutputTokens:    512,
			Temperature:        0.7,
			TopP:               0.95,
			PerCallTimeout:     45 * time.Second,
			InferenceServerURL: "http://127.0.0.1:8081/v1",
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:   5,
			MaxQueueDepth:   1000,
			RequestDeadline: 60 * time.Second,
		},
		Context: ContextConfig{
			WindowTokens: 4096,
			BudgetTokens: 3000,
			TopK:         5,
			BudgetFloor:  200,
		},
		Session: SessionConfig{
			TTL: 24 * time.Hour,
		},
		VKP: VKPConfig{
			PollInterval:   time.Hour,
			GraceDays:      7,
			StagingDir:     "./data/vkp-staging",
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  60 * time.Second,
			MaxRetries:     5,
		},
		Telemetry: TelemetryConfig{
			UploadInterval: time.Hour,
			RetentionDays:  7,
			RedisAddr:      "localhost:6379",
		},
		Embedding: EmbeddingConfig{
			Provider:   "mock",
			Dimensions: 1536,
			Timeout:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "INFO",
			JSON:  true,
			Dir:   "./logs",
		},
		Locale: LocaleConfig{
			InstructionalLanguage: "en",
		},
	}
}

// LoadConfig loads configuration from .env and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadFromEnv(config *Config) {
	loadServerConfig(config)
	loadMetadataConfig(config)
	loadVectorConfig(config)
	loadModelConfig(config)
	loadDispatchConfig(config)
	loadContextConfig(config)
	loadSessionConfig(config)
	loadVKPConfig(config)
	loadTelemetryConfig(config)
	loadEmbeddingConfig(config)
	loadLoggingConfig(config)
	loadLocaleConfig(config)
}

func loadServerConfig(config *Config) {
	setIntFromEnv("GATEWAY_PORT", &config.Server.Port)
	if host := os.Getenv("GATEWAY_HOST"); host != "" {
		config.Server.Host = host
	}
	setIntFromEnv("GATEWAY_READ_TIMEOUT_SECONDS", &config.Server.ReadTimeout)
	setIntFromEnv("GATEWAY_WRITE_TIMEOUT_SECONDS", &config.Server.WriteTimeout)
}

func loadMetadataConfig(config *Config) {
	if path := os.Getenv("GATEWAY_METADATA_PATH"); path != "" {
		config.Metadata.Path = path
	}
	setIntFromEnv("GATEWAY_METADATA_MAX_OPEN_CONNS", &config.Metadata.MaxOpenConns)
	if v := os.Getenv("GATEWAY_METADATA_CONN_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Metadata.ConnTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("GATEWAY_SESSION_SWEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Metadata.SessionSweepPeriod = time.Duration(n) * time.Second
		}
	}
	if dir := os.Getenv("GATEWAY_SPILL_DIR"); dir != "" {
		config.Metadata.SpillDir = dir
	}
	setIntFromEnv("GATEWAY_SPILL_MAX_ENTRIES", &config.Metadata.SpillMaxEntries)
}

func loadVectorConfig(config *Config) {
	if host := getStringEnvWithFallback("GATEWAY_VECTOR_HOST", "QDRANT_HOST", config.Vector.Host); host != "" {
		config.Vector.Host = host
	}
	config.Vector.Port = getIntEnvWithFallback("GATEWAY_VECTOR_PORT", "QDRANT_PORT", config.Vector.Port)
	if key := os.Getenv("GATEWAY_VECTOR_API_KEY"); key != "" {
		config.Vector.APIKey = key
	}
	config.Vector.UseTLS = getBoolEnvWithDefault("GATEWAY_VECTOR_USE_TLS", config.Vector.UseTLS)
	setIntFromEnv("GATEWAY_VECTOR_SIZE", &config.Vector.VectorSize)
	setIntFromEnv("GATEWAY_VECTOR_RETRY_ATTEMPTS", &config.Vector.RetryAttempts)
	setIntFromEnv("GATEWAY_VECTOR_TIMEOUT_SECONDS", &config.Vector.TimeoutSeconds)
	setIntFromEnv("GATEWAY_VECTOR_GRACE_DAYS", &config.Vector.GraceDays)
}

func loadModelConfig(config *Config) {
	if path := os.Getenv("GATEWAY_MODEL_PATH"); path != "" {
		config.Model.ModelPath = path
	}
	config.Model.RequireModel = getBoolEnvWithDefault("GATEWAY_REQUIRE_MODEL", config.Model.RequireModel)
	setIntFromEnv("GATEWAY_MAX_OUTPUT_TOKENS", &config.Model.MaxOutputTokens)
	if v := os.Getenv("GATEWAY_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Model.Temperature = f
		}
	}
	if v := os.Getenv("GATEWAY_TOP_P"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Model.TopP = f
		}
	}
	if v := os.Getenv("GATEWAY_PER_CALL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Model.PerCallTimeout = time.Duration(n) * time.Second
		}
	}
	if url := os.Getenv("GATEWAY_INFERENCE_SERVER_URL"); url != "" {
		config.Model.InferenceServerURL = url
	}
}

func loadDispatchConfig(config *Config) {
	config.Dispatch.MaxConcurrent = getIntEnvWithDefault("max_concurrent_inferences", config.Dispatch.MaxConcurrent)
	config.Dispatch.MaxQueueDepth = getIntEnvWithDefault("max_queue_depth", config.Dispatch.MaxQueueDepth)
	if v := os.Getenv("GATEWAY_REQUEST_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Dispatch.RequestDeadline = time.Duration(n) * time.Second
		}
	}
}

func loadContextConfig(config *Config) {
	config.Context.WindowTokens = getIntEnvWithDefault("context_window_tokens", config.Context.WindowTokens)
	setIntFromEnv("GATEWAY_RETRIEVAL_BUDGET_TOKENS", &config.Context.BudgetTokens)
	config.Context.TopK = getIntEnvWithDefault("retrieval_top_k", config.Context.TopK)
	setIntFromEnv("GATEWAY_BUDGET_FLOOR_TOKENS", &config.Context.BudgetFloor)
}

func loadSessionConfig(config *Config) {
	ttl := getIntEnvWithDefault("session_ttl_seconds", int(config.Session.TTL.Seconds()))
	config.Session.TTL = time.Duration(ttl) * time.Second
}

func loadVKPConfig(config *Config) {
	poll := getIntEnvWithDefault("vkp_poll_interval_seconds", int(config.VKP.PollInterval.Seconds()))
	config.VKP.PollInterval = time.Duration(poll) * time.Second
	setIntFromEnv("GATEWAY_VKP_GRACE_DAYS", &config.VKP.GraceDays)
	if url := os.Getenv("GATEWAY_VKP_REMOTE_INDEX_URL"); url != "" {
		config.VKP.RemoteIndexURL = url
	}
	if dir := os.Getenv("GATEWAY_VKP_STAGING_DIR"); dir != "" {
		config.VKP.StagingDir = dir
	}
	setIntFromEnv("GATEWAY_VKP_MAX_RETRIES", &config.VKP.MaxRetries)
}

func loadTelemetryConfig(config *Config) {
	upload := getIntEnvWithDefault("telemetry_upload_interval_seconds", int(config.Telemetry.UploadInterval.Seconds()))
	config.Telemetry.UploadInterval = time.Duration(upload) * time.Second
	setIntFromEnv("GATEWAY_TELEMETRY_RETENTION_DAYS", &config.Telemetry.RetentionDays)
	if url := os.Getenv("GATEWAY_TELEMETRY_SINK_URL"); url != "" {
		config.Telemetry.SinkURL = url
	}
	if addr := getStringEnvWithFallback("GATEWAY_REDIS_ADDR", "REDIS_ADDR", config.Telemetry.RedisAddr); addr != "" {
		config.Telemetry.RedisAddr = addr
	}
}

func loadEmbeddingConfig(config *Config) {
	if p := os.Getenv("GATEWAY_EMBEDDING_PROVIDER"); p != "" {
		config.Embedding.Provider = p
	}
	if k := os.Getenv("GATEWAY_EMBEDDING_API_KEY"); k != "" {
		config.Embedding.APIKey = k
	}
	if m := os.Getenv("GATEWAY_EMBEDDING_MODEL"); m != "" {
		config.Embedding.Model = m
	}
	setIntFromEnv("GATEWAY_EMBEDDING_DIMENSIONS", &config.Embedding.Dimensions)
}

func loadLoggingConfig(config *Config) {
	if level := os.Getenv("GATEWAY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	config.Logging.JSON = getBoolEnvWithDefault("LOG_JSON", config.Logging.JSON)
	if dir := os.Getenv("GATEWAY_LOG_DIR"); dir != "" {
		config.Logging.Dir = dir
	}
}

func loadLocaleConfig(config *Config) {
	if lang := getStringEnvWithFallback("instructional_language", "GATEWAY_LOCALE", config.Locale.InstructionalLanguage); lang != "" {
		config.Locale.InstructionalLanguage = lang
	}
}

func getStringEnvWithFallback(primaryKey, fallbackKey, defaultValue string) string {
	if v := os.Getenv(primaryKey); v != "" {
		return v
	}
	if v := os.Getenv(fallbackKey); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnvWithFallback(primaryKey, fallbackKey string, defaultValue int) int {
	if v := os.Getenv(primaryKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(fallbackKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnvWithDefault(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	return v == "true" || v == "1"
}

func getIntEnvWithDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func setIntFromEnv(envKey string, target *int) {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// Validate checks the configuration for consistency, aggregating every
// section's errors instead of failing on the first one.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateServerConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDispatchConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateContextConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateModelConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateVectorConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	return nil
}

func (c *Config) validateDispatchConfig() error {
	if c.Dispatch.MaxConcurrent <= 0 {
		return errors.New("dispatch.max_concurrent must be positive")
	}
	if c.Dispatch.MaxQueueDepth <= 0 {
		return errors.New("dispatch.max_queue_depth must be positive")
	}
	return nil
}

func (c *Config) validateContextConfig() error {
	if c.Context.BudgetTokens <= 0 {
		return errors.New("context.retrieval_budget_tokens must be positive")
	}
	if c.Context.BudgetFloor < 0 || c.Context.BudgetFloor > c.Context.BudgetTokens {
		return errors.New("context.budget_floor_tokens must be between 0 and the retrieval budget")
	}
	if c.Context.TopK <= 0 {
		return errors.New("context.retrieval_top_k must be positive")
	}
	return nil
}

func (c *Config) validateModelConfig() error {
	if c.Model.MaxOutputTokens < 0 {
		return errors.New("model.max_output_tokens cannot be negative")
	}
	if c.Model.RequireModel && c.Model.ModelPath == "" {
		return errors.New("model.model_path is required when model.require_model is set")
	}
	return nil
}

func (c *Config) validateVectorConfig() error {
	if c.Vector.VectorSize <= 0 {
		return errors.New("vector.vector_size must be positive")
	}
	return nil
}

// DataDir returns the base data directory, creating it if necessary.
func (c *Config) DataDir() (string, error) {
	dir := filepath.Dir(c.Metadata.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}
