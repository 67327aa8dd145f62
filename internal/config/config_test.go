package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DEFAULT_BRANCH_ID", "")
	t.Setenv("SETTINGS_TTL_SECONDS", "")
	t.Setenv("RECLAIM_INTERVAL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.BranchID != "main-branch" {
		t.Fatalf("expected default branch main-branch, got %q", cfg.BranchID)
	}
	if cfg.SettingsTTLSeconds != 15 {
		t.Fatalf("expected default settings TTL 15, got %d", cfg.SettingsTTLSeconds)
	}
	if cfg.ReclaimIntervalSeconds != 60 {
		t.Fatalf("expected garbage reclaim interval to fall back to 60, got %d", cfg.ReclaimIntervalSeconds)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected address :8080, got %q", cfg.Address())
	}
}
