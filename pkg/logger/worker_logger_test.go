package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf, WorkerID: "host-1"})

	ctx := ContextWithJob(ContextWithLink(context.Background(), "link-1"), "job-9")
	l.WithContext(ctx).WithError(errors.New("boom")).WithField("batch", 3).Info("[Lister] page %d", 2)

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if entry.Message != "[Lister] page 2" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.LinkID != "link-1" || entry.JobID != "job-9" || entry.WorkerID != "host-1" {
		t.Errorf("ids = %q/%q/%q", entry.LinkID, entry.JobID, entry.WorkerID)
	}
	if entry.Error != "boom" {
		t.Errorf("Error = %q", entry.Error)
	}
	if entry.Fields["batch"] != float64(3) {
		t.Errorf("Fields = %v", entry.Fields)
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"WARNING", LevelWarn},
		{"error", LevelError},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v", tt.in, got)
			}
		})
	}
}

func TestLogger_CommandFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})

	ctx := ContextWithLink(context.Background(), "link-1")
	l.WithContext(ctx).
		WithFields(map[string]any{"op": "sync history", "queue": "redis"}).
		WithDuration(1500 * time.Microsecond).
		Info("%s done", "sync history")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if entry.LinkID != "link-1" || entry.JobID != "" {
		t.Errorf("ids = %q/%q", entry.LinkID, entry.JobID)
	}
	if entry.Duration != 1.5 {
		t.Errorf("Duration = %v, want 1.5", entry.Duration)
	}
	if entry.Fields["op"] != "sync history" || entry.Fields["queue"] != "redis" {
		t.Errorf("Fields = %v", entry.Fields)
	}
}
