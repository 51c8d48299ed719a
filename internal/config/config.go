// Package config provides application configuration.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreAirtable = "airtable"
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
)

// Session id sources for pages whose backend assigns conversation ids.
const (
	SessionSourceResponse = "response"
	SessionSourceTrace    = "trace"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	FileUploadMessage string
	ParamPrefix       string // SSM prefix for secrets; empty disables lookup
	Backend           BackendConfig
	RecordStore       RecordStoreConfig
	History           HistoryConfig
	Trace             TraceConfig
	Session           SessionConfig
	RateLimit         RateLimitConfig
}

// BackendConfig describes the Flowise chat backend.
type BackendConfig struct {
	BaseURL       string
	APIKey        string
	FlowID        string
	CustomAPIURL  string
	Timeout       time.Duration
	SessionSource string
}

// RecordStoreConfig describes where users (and by default history) live.
type RecordStoreConfig struct {
	Kind      string
	APIKey    string
	BaseID    string
	UserTable string
	ChatTable string
	PageField string
}

// HistoryConfig controls transcript persistence and replay.
type HistoryConfig struct {
	Kind           string
	DBPath         string
	DynamoTable    string
	ReplayLimit    int
	PersistTimeout time.Duration
}

// TraceConfig holds Langfuse credentials.
type TraceConfig struct {
	PublicKey string
	SecretKey string
	Host      string
}

// SessionConfig controls auth tokens and in-memory state lifetime.
type SessionConfig struct {
	AuthTTL       time.Duration
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig throttles chat submissions per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	recordKind := strings.ToLower(getEnv("RECORD_STORE", StoreAirtable))

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		FileUploadMessage: getEnv("ENABLED_FILE_UPLOAD_MESSAGE", "Upload a file"),
		ParamPrefix:       strings.TrimRight(strings.TrimSpace(getEnv("PARAM_PREFIX", "")), "/"),
		Backend: BackendConfig{
			BaseURL:       strings.TrimRight(getEnv("FLOWISE_BASE_URL", ""), "/"),
			APIKey:        getEnv("FLOWISE_API_KEY", ""),
			FlowID:        getEnv("FLOW_ID", ""),
			CustomAPIURL:  getEnv("CUSTOM_API_URL", ""),
			Timeout:       getEnvDuration("BACKEND_TIMEOUT", 120*time.Second),
			SessionSource: strings.ToLower(getEnv("SESSION_ID_SOURCE", SessionSourceResponse)),
		},
		RecordStore: RecordStoreConfig{
			Kind:      recordKind,
			APIKey:    getEnv("AIRTABLE_API_KEY", ""),
			BaseID:    getEnv("BASE_ID", ""),
			UserTable: getEnv("USER_TABLE_NAME", "Users"),
			ChatTable: getEnv("CHAT_TABLE_NAME", "Chat History"),
			PageField: getEnv("AIRTABLE_PAGE_FIELD", ""),
		},
		History: HistoryConfig{
			Kind:           strings.ToLower(getEnv("HISTORY_STORE", recordKind)),
			DBPath:         getEnv("DB_PATH", "./data/dala.db"),
			DynamoTable:    getEnv("HISTORY_TABLE", ""),
			ReplayLimit:    getEnvInt("HISTORY_REPLAY_LIMIT", 50),
			PersistTimeout: getEnvDuration("HISTORY_PERSIST_TIMEOUT", 10*time.Second),
		},
		Trace: TraceConfig{
			PublicKey: getEnv("LANGFUSE_PUBLIC_KEY", ""),
			SecretKey: getEnv("LANGFUSE_SECRET_KEY", ""),
			Host:      getEnv("LANGFUSE_HOST", "https://cloud.langfuse.com"),
		},
		Session: SessionConfig{
			AuthTTL:       7 * 24 * time.Hour,
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 12*time.Hour),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if cfg.Backend.CustomAPIURL == "" && cfg.Backend.BaseURL != "" && cfg.Backend.FlowID != "" {
		cfg.Backend.CustomAPIURL = cfg.Backend.BaseURL + "/api/v1/prediction/" + cfg.Backend.FlowID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required non-secret configuration fields are set.
// Secrets are checked by RequireSecrets once they have been resolved.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.RecordStore.Kind {
	case StoreAirtable, StoreSQLite:
	default:
		return fmt.Errorf("RECORD_STORE must be %q or %q, got %q", StoreAirtable, StoreSQLite, c.RecordStore.Kind)
	}
	switch c.History.Kind {
	case StoreAirtable, StoreSQLite, StoreDynamoDB:
	default:
		return fmt.Errorf("HISTORY_STORE must be one of %q, %q, %q, got %q", StoreAirtable, StoreSQLite, StoreDynamoDB, c.History.Kind)
	}
	if c.usesSQLite() && c.History.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.History.Kind == StoreDynamoDB && c.History.DynamoTable == "" {
		return fmt.Errorf("HISTORY_TABLE cannot be empty when HISTORY_STORE=dynamodb")
	}
	if c.History.Kind == StoreAirtable && c.RecordStore.Kind != StoreAirtable && c.RecordStore.BaseID == "" {
		return fmt.Errorf("BASE_ID cannot be empty when HISTORY_STORE=airtable")
	}
	if c.History.ReplayLimit <= 0 {
		return fmt.Errorf("HISTORY_REPLAY_LIMIT must be > 0")
	}
	switch c.Backend.SessionSource {
	case SessionSourceResponse, SessionSourceTrace:
	default:
		return fmt.Errorf("SESSION_ID_SOURCE must be %q or %q", SessionSourceResponse, SessionSourceTrace)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be > 0")
	}
	if c.Session.IdleTTL <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// ParamGetter resolves a single secret parameter by name.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ResolveSecrets fills secrets that were not provided through the
// environment from the parameter store under ParamPrefix.
func (c *Config) ResolveSecrets(ctx context.Context, params ParamGetter) error {
	if c.ParamPrefix == "" || params == nil {
		return nil
	}
	targets := []struct {
		name string
		dst  *string
	}{
		{"airtable-api-key", &c.RecordStore.APIKey},
		{"flowise-api-key", &c.Backend.APIKey},
		{"langfuse-secret-key", &c.Trace.SecretKey},
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		v, err := params.GetParameter(ctx, c.ParamPrefix+"/"+t.name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", t.name, err)
		}
		*t.dst = strings.TrimSpace(v)
	}
	return nil
}

// RequireSecrets fails when a secret the process cannot run without is
// missing. Only the record-store key is fatal; other secrets degrade
// features.
func (c *Config) RequireSecrets() error {
	if c.RecordStore.Kind == StoreAirtable || c.History.Kind == StoreAirtable {
		if c.RecordStore.APIKey == "" {
			return fmt.Errorf("AIRTABLE_API_KEY cannot be empty")
		}
		if c.RecordStore.BaseID == "" {
			return fmt.Errorf("BASE_ID cannot be empty")
		}
	}
	return nil
}

// PredictionEnabled reports whether the streaming prediction backend is configured.
func (c *Config) PredictionEnabled() bool {
	return c.Backend.BaseURL != "" && c.Backend.FlowID != ""
}

// CustomEnabled reports whether the custom HTTP backend is configured.
func (c *Config) CustomEnabled() bool {
	return c.Backend.CustomAPIURL != ""
}

// TraceEnabled reports whether Langfuse credentials are present.
func (c *Config) TraceEnabled() bool {
	return c.Trace.PublicKey != "" && c.Trace.SecretKey != "" && c.Trace.Host != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func (c *Config) usesSQLite() bool {
	return c.RecordStore.Kind == StoreSQLite || c.History.Kind == StoreSQLite
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
