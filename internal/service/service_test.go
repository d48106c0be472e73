package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"secureops/internal/config"
	"secureops/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelineConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.Version = "2.1.0"
	cfg.Pipeline.LookupTimeout = 250 * time.Millisecond
	cfg.Pipeline.Timezone = "Europe/Berlin"
	cfg.Pipeline.RulesPath = "/etc/secureops/rules.yaml"

	pc := PipelineConfig(cfg)
	if pc.Version != "2.1.0" {
		t.Errorf("Version = %s, want 2.1.0", pc.Version)
	}
	if pc.LookupTimeout != 250*time.Millisecond {
		t.Errorf("LookupTimeout = %v, want 250ms", pc.LookupTimeout)
	}
	if pc.Timezone != "Europe/Berlin" {
		t.Errorf("Timezone = %s, want Europe/Berlin", pc.Timezone)
	}
	if pc.RulesPath != "/etc/secureops/rules.yaml" {
		t.Errorf("RulesPath = %s", pc.RulesPath)
	}
}

func TestPipelineConfig_ZeroKeepsDefaults(t *testing.T) {
	cfg := &config.Config{}
	pc := PipelineConfig(cfg)
	if pc.LookupTimeout <= 0 || pc.Concurrency <= 0 || pc.Timezone == "" {
		t.Errorf("PipelineConfig(empty) = %+v, want defaults", pc)
	}
}

func TestRuntime_LocalOutputs(t *testing.T) {
	rt, err := New(config.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := rt.OpenOutputs(context.Background(), false); err != nil {
		t.Fatalf("OpenOutputs() error = %v", err)
	}

	if rt.Sink.Len() != 1 {
		t.Errorf("Sink.Len() = %d, want 1 (log only)", rt.Sink.Len())
	}
	if rt.Storage != nil || rt.Rejections != nil {
		t.Error("storage should be nil when disabled")
	}

	scored, err := rt.Pipeline.Process(context.Background(), map[string]any{
		"source":   "vpn",
		"actor":    map[string]any{"id": "alice", "ip": "203.0.113.7"},
		"action":   "login",
		"resource": map[string]any{"id": "vpn-gw", "type": "network"},
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if err := rt.Sink.Write(context.Background(), []*schema.ScoredEvent{scored}); err != nil {
		t.Errorf("Sink.Write() error = %v", err)
	}

	if err := rt.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestRuntime_EnsureTopicsDisabled(t *testing.T) {
	rt, err := New(config.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer rt.Close()

	if err := rt.EnsureTopics(context.Background()); err != nil {
		t.Errorf("EnsureTopics() error = %v, want nil when disabled", err)
	}
}

func TestNew_BadRulesPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.RulesPath = "/nonexistent/rules.yaml"
	if _, err := New(cfg, testLogger()); err == nil {
		t.Error("New() error = nil, want rule table load failure")
	}
}
