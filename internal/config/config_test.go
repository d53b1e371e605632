// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("QUEUE_WORKER_CONCURRENCY")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.WorkerConcurrency != 2 {
		t.Fatalf("expected default worker concurrency 2, got %d", cfg.Queue.WorkerConcurrency)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if len(cfg.RoleQuotas) != 3 {
		t.Fatalf("expected 3 default role quotas, got %d", len(cfg.RoleQuotas))
	}
	if !cfg.RoleQuotas["internal"].Unlimited {
		t.Fatalf("expected internal role to be unlimited")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("QUEUE_WORKER_CONCURRENCY", "7")
	defer os.Unsetenv("QUEUE_WORKER_CONCURRENCY")

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.WorkerConcurrency != 7 {
		t.Fatalf("expected env override to set worker concurrency to 7, got %d", cfg.Queue.WorkerConcurrency)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.WorkerConcurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for queue.worker_concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Queue.Name = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty queue.name")
	}

	cfg = defaultConfig()
	cfg.Backend.URL = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty backend.url")
	}

	cfg = defaultConfig()
	cfg.RateLimit.Algorithm = "leaky_bucket"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown rate_limit.algorithm")
	}

	cfg = defaultConfig()
	cfg.RoleQuotas["free"] = RoleQuota{ConcurrentLimit: 0}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for zero concurrent limit on a non-unlimited role")
	}
}
