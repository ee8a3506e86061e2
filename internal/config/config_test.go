package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KB_CHUNK_MAX_TOKENS", "")
	t.Setenv("COCKPIT_ACCESS_TTL_SECONDS", "")
	cfg := Load()
	if cfg.ChunkMaxTokens != 512 || cfg.ChunkOverlapTokens != 64 {
		t.Fatalf("unexpected chunk defaults: %d/%d", cfg.ChunkMaxTokens, cfg.ChunkOverlapTokens)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL = %v", cfg.AccessTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KB_SEARCH_THRESHOLD", "0.5")
	t.Setenv("KB_INGEST_WORKERS", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("COCKPIT_SUPER_ADMINS", " Ops@Example.com, ,root@example.com")

	cfg := Load()
	if cfg.SearchThreshold != 0.5 {
		t.Fatalf("SearchThreshold = %v", cfg.SearchThreshold)
	}
	if cfg.IngestWorkers != 2 {
		t.Fatalf("IngestWorkers = %d, want fallback 2", cfg.IngestWorkers)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("expected MinioUseSSL")
	}
	if !cfg.IsSuperAdmin("ops@example.com") || !cfg.IsSuperAdmin("ROOT@example.com ") {
		t.Fatalf("super admins not parsed: %v", cfg.SuperAdmins)
	}
	if cfg.IsSuperAdmin("") || cfg.IsSuperAdmin("someone@example.com") {
		t.Fatal("unexpected super admin match")
	}
}
