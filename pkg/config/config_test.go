package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Engine.MinCycles != DefaultMinCycles {
		t.Fatalf("expected default min_cycles %d, got %d", DefaultMinCycles, cfg.Engine.MinCycles)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	body := `{"log_level":"debug","engine":{"min_cycles":5,"locf_horizon_days":7,"model_timeout_ms":100,"request_deadline_ms":500,"cache_ttl_hours":12,"insufficient_confidence_cap":0.3,"critical_windows":3,"feedback_match_days":10}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Engine.MinCycles != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Untouched sections keep defaults
	if cfg.Ensemble.WeightFloor != DefaultWeightFloor {
		t.Fatalf("expected default weight floor, got %v", cfg.Ensemble.WeightFloor)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Ensemble.Defaults.Tier1 = [4]float64{0.5, 0.5, 0.5, 0.5}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for tier1 not summing to 1")
	}
}

func TestValidateRejectsDeadlineUnderTimeout(t *testing.T) {
	cfg := Default()
	cfg.Engine.RequestDeadlineMS = 50
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for deadline below model timeout")
	}
}
