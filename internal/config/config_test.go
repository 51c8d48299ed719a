package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "FRONTEND_URL", "RECORD_STORE", "HISTORY_STORE", "AIRTABLE_API_KEY", "BASE_ID",
		"FLOWISE_BASE_URL", "FLOWISE_API_KEY", "FLOW_ID", "CUSTOM_API_URL", "SESSION_ID_SOURCE",
		"HISTORY_TABLE", "DB_PATH", "PARAM_PREFIX", "BACKEND_TIMEOUT", "RATE_LIMIT_REQUESTS", "HISTORY_REPLAY_LIMIT",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("RECORD_STORE", "airtable")
	t.Setenv("HISTORY_STORE", "airtable")
	t.Setenv("SESSION_ID_SOURCE", "response")
	t.Setenv("DB_PATH", "./data/dala.db")
	t.Setenv("BACKEND_TIMEOUT", "120s")
	t.Setenv("RATE_LIMIT_REQUESTS", "10")
	t.Setenv("HISTORY_REPLAY_LIMIT", "50")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.AuthTTL != 7*24*time.Hour {
		t.Errorf("AuthTTL = %v", cfg.Session.AuthTTL)
	}
	if cfg.RecordStore.UserTable != "Users" || cfg.RecordStore.ChatTable != "Chat History" {
		t.Errorf("tables = %q, %q", cfg.RecordStore.UserTable, cfg.RecordStore.ChatTable)
	}
	if cfg.PredictionEnabled() || cfg.CustomEnabled() {
		t.Error("no backend should be enabled without FLOWISE_BASE_URL")
	}
}

func TestLoad_DerivesCustomURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLOWISE_BASE_URL", "https://flowise.example/")
	t.Setenv("FLOW_ID", "abc")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := "https://flowise.example/api/v1/prediction/abc"; cfg.Backend.CustomAPIURL != want {
		t.Errorf("CustomAPIURL = %q, want %q", cfg.Backend.CustomAPIURL, want)
	}
	if !cfg.PredictionEnabled() || !cfg.CustomEnabled() {
		t.Error("both backends should be enabled")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"RECORD_STORE", "postgres", "RECORD_STORE"},
		{"HISTORY_STORE", "dynamodb", "HISTORY_TABLE"},
		{"SESSION_ID_SOURCE", "magic", "SESSION_ID_SOURCE"},
		{"RATE_LIMIT_REQUESTS", "0", "RATE_LIMIT"},
		{"HISTORY_REPLAY_LIMIT", "0", "HISTORY_REPLAY_LIMIT"},
		{"HISTORY_REPLAY_LIMIT", "-1", "HISTORY_REPLAY_LIMIT"},
	}
	for _, tt := range tests {
		clearEnv(t)
		t.Setenv(tt.key, tt.value)
		_, err := Load()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s=%s: err = %v, want mention of %s", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestRequireSecrets(t *testing.T) {
	cfg := &Config{RecordStore: RecordStoreConfig{Kind: StoreAirtable}, History: HistoryConfig{Kind: StoreSQLite}}
	if err := cfg.RequireSecrets(); err == nil {
		t.Error("missing airtable key should be fatal")
	}
	cfg.RecordStore.APIKey = "pat"
	cfg.RecordStore.BaseID = "app1"
	if err := cfg.RequireSecrets(); err != nil {
		t.Errorf("RequireSecrets: %v", err)
	}

	sqliteOnly := &Config{RecordStore: RecordStoreConfig{Kind: StoreSQLite}, History: HistoryConfig{Kind: StoreSQLite}}
	if err := sqliteOnly.RequireSecrets(); err != nil {
		t.Errorf("sqlite-only config needs no secrets: %v", err)
	}
}

type mapParams map[string]string

func (m mapParams) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errors.New("not found: " + name)
	}
	return v, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := &Config{ParamPrefix: "/dala"}
	cfg.Backend.APIKey = "from-env"
	params := mapParams{
		"/dala/airtable-api-key":    " pat123 \n",
		"/dala/langfuse-secret-key": "sk-lf",
	}
	if err := cfg.ResolveSecrets(context.Background(), params); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.RecordStore.APIKey != "pat123" {
		t.Errorf("airtable key = %q", cfg.RecordStore.APIKey)
	}
	if cfg.Backend.APIKey != "from-env" {
		t.Errorf("env value was overwritten: %q", cfg.Backend.APIKey)
	}
	if cfg.Trace.SecretKey != "sk-lf" {
		t.Errorf("langfuse key = %q", cfg.Trace.SecretKey)
	}
}

func TestResolveSecrets_Error(t *testing.T) {
	cfg := &Config{ParamPrefix: "/dala"}
	err := cfg.ResolveSecrets(context.Background(), mapParams{})
	if err == nil || !strings.Contains(err.Error(), "airtable-api-key") {
		t.Errorf("err = %v", err)
	}
}

func TestResolveSecrets_DisabledWithoutPrefix(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ResolveSecrets(context.Background(), mapParams{}); err != nil {
		t.Errorf("ResolveSecrets: %v", err)
	}
}
