package main

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
)

func TestQueueScheme(t *testing.T) {
	tests := map[string]string{
		"redis://:secret@localhost:6379/0": "redis",
		"postgres://u:p@db/mailsync":       "postgres",
		"memory://":                        "memory",
		"nats://token@nats.internal:4222":  "nats",
		"localhost:6379":                   "localhost:6379",
	}
	for in, want := range tests {
		if got := queueScheme(in); got != want {
			t.Errorf("queueScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCommandName(t *testing.T) {
	root := &cobra.Command{Use: "mailsync"}
	backfill := &cobra.Command{Use: "backfill"}
	backfill.AddCommand(&cobra.Command{Use: "start", RunE: func(*cobra.Command, []string) error { return nil }})
	root.AddCommand(backfill)

	args := os.Args
	defer func() { os.Args = args }()

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"mailsync", "backfill", "start", "--link", "l-1"}, "mailsync backfill start"},
		{[]string{"mailsync"}, "mailsync"},
	}
	for _, tt := range tests {
		os.Args = tt.args
		if got := commandName(root); got != tt.want {
			t.Errorf("commandName(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
