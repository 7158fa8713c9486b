package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Layering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailsync.yaml")
	yamlDoc := `
env: production
queue:
  url: redis://localhost:6379/0
worker:
  concurrency: 4
  message_timeout: 2m
backfill:
  page_size: 25
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("QUOTA_WINDOW_MS", "2000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.IsProduction() {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if cfg.Queue.URL != "redis://localhost:6379/0" {
		t.Errorf("Queue.URL = %q", cfg.Queue.URL)
	}
	// env wins over file
	if cfg.Worker.Concurrency != 16 {
		t.Errorf("Concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.MessageTimeout != 2*time.Minute {
		t.Errorf("MessageTimeout = %v", cfg.Worker.MessageTimeout)
	}
	if cfg.Backfill.PageSize != 25 {
		t.Errorf("PageSize = %d", cfg.Backfill.PageSize)
	}
	if cfg.Quota.Window != 2*time.Second {
		t.Errorf("Quota.Window = %v", cfg.Quota.Window)
	}
	// 파일에 없는 값은 기본값 유지
	if cfg.Quota.UnitsPerWindow != 250 {
		t.Errorf("UnitsPerWindow = %d", cfg.Quota.UnitsPerWindow)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"budget below max cost", func(c *Config) { c.Quota.UnitsPerWindow = 50 }, "quota budget"},
		{"zero page size", func(c *Config) { c.Backfill.PageSize = 0 }, "page size"},
		{"no queue", func(c *Config) { c.Queue.URL = "" }, "QUEUE_URL"},
		{"no concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
