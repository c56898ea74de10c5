package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.JugglerQueueCapacity != 4 {
		t.Fatalf("expected queue capacity 4, got %d", cfg.JugglerQueueCapacity)
	}
	if cfg.BackfillDelay != 3*time.Second {
		t.Fatalf("expected backfill delay 3s, got %s", cfg.BackfillDelay)
	}
	if cfg.DeployMinPrivilege != 3 {
		t.Fatalf("expected min privilege 3, got %d", cfg.DeployMinPrivilege)
	}
	if cfg.ThumbnailsEnabled {
		t.Fatalf("thumbnails should be disabled by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JUGGLER_THROTTLE", "250ms")
	t.Setenv("STORAGE_DRIVER", "S3")
	t.Setenv("THUMBNAILS_ENABLED", "true")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")

	cfg := Load()
	if cfg.JugglerThrottle != 250*time.Millisecond {
		t.Fatalf("expected 250ms throttle, got %s", cfg.JugglerThrottle)
	}
	if cfg.StorageDriver != "s3" {
		t.Fatalf("expected lowercased storage driver, got %q", cfg.StorageDriver)
	}
	if !cfg.ThumbnailsEnabled {
		t.Fatalf("expected thumbnails enabled")
	}
	if cfg.RateLimitRefill != 2.5 {
		t.Fatalf("expected refill 2.5, got %v", cfg.RateLimitRefill)
	}
}
