package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PSP_BASE_URL", "https://psp.example.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Queue.MaxRetries = %d, want 3", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.RetryBackoff != 30*time.Second {
		t.Errorf("Queue.RetryBackoff = %v, want 30s", cfg.Queue.RetryBackoff)
	}
	if cfg.Queue.Endpoint != "postgres" {
		t.Errorf("Queue.Endpoint = %q, want postgres", cfg.Queue.Endpoint)
	}
	if cfg.Reconciliation.FuzzyWindowDays != 5 {
		t.Errorf("FuzzyWindowDays = %d, want 5", cfg.Reconciliation.FuzzyWindowDays)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing psp url",
			env:  map[string]string{"PSP_BASE_URL": ""},
		},
		{
			name: "zero retries",
			env:  map[string]string{"PSP_BASE_URL": "https://psp", "QUEUE_MAX_RETRIES": "0"},
		},
		{
			name: "bad backoff",
			env:  map[string]string{"PSP_BASE_URL": "https://psp", "QUEUE_RETRY_BACKOFF": "soon"},
		},
		{
			name: "unknown queue endpoint",
			env:  map[string]string{"PSP_BASE_URL": "https://psp", "QUEUE_ENDPOINT": "kafka"},
		},
		{
			name: "bad workers flag",
			env:  map[string]string{"PSP_BASE_URL": "https://psp", "QUEUE_WORKERS_ENABLED": "sometimes"},
		},
		{
			name: "lock shorter than psp timeout",
			env:  map[string]string{"PSP_BASE_URL": "https://psp", "QUEUE_LOCK_TTL": "20s", "PSP_TIMEOUT": "30s"},
		},
		{
			name: "topic without project",
			env: map[string]string{
				"PSP_BASE_URL":              "https://psp",
				"PUBSUB_ACTION_ITEMS_TOPIC": "action-items",
				"PUBSUB_PROJECT_ID":         "",
				"GOOGLE_CLOUD_PROJECT":      "",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("Load() error = nil, want error")
			}
		})
	}
}

func TestLoadAPIOnlyWithoutPSP(t *testing.T) {
	t.Setenv("PSP_BASE_URL", "")
	t.Setenv("QUEUE_WORKERS_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.WorkersEnabled {
		t.Error("WorkersEnabled = true, want false")
	}
}

func TestConnectionString(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "n", SSLMode: "require"}
	want := "host=db port=5433 user=u password=p dbname=n sslmode=require"
	if got := c.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
