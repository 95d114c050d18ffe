package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestDefaultDetectionConfig(t *testing.T) {
	cfg := DefaultDetectionConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default detection config should validate: %v", err)
	}
	if cfg.SmurfingWindow() != 72*time.Hour {
		t.Errorf("expected 72h smurfing window, got %v", cfg.SmurfingWindow())
	}
	if cfg.VelocityThreshold() != 24*time.Hour {
		t.Errorf("expected 24h velocity threshold, got %v", cfg.VelocityThreshold())
	}
}

func TestDetectionConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DetectionConfig)
	}{
		{"cycle min above max", func(c *DetectionConfig) { c.CycleMinLength = 6 }},
		{"cycle min too small", func(c *DetectionConfig) { c.CycleMinLength = 1 }},
		{"zero window", func(c *DetectionConfig) { c.SmurfingWindowHours = 0 }},
		{"zero connections", func(c *DetectionConfig) { c.SmurfingMinConnections = 0 }},
		{"depth below hops", func(c *DetectionConfig) { c.ShellMaxDepth = 2 }},
		{"cycle length above cap", func(c *DetectionConfig) { c.CycleMaxLength = MaxCycleLength + 1 }},
		{"shell depth above cap", func(c *DetectionConfig) { c.ShellMaxDepth = 50 }},
		{"negative velocity", func(c *DetectionConfig) { c.VelocityThresholdHours = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDetectionConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("overlays values", func(t *testing.T) {
		t.Setenv("RINGWATCH_PORT", "9090")
		t.Setenv("RINGWATCH_CYCLE_MAX_LENGTH", "4")
		t.Setenv("RINGWATCH_SMURFING_WINDOW_HOURS", "48")
		t.Setenv("RINGWATCH_PARALLEL_DETECTION", "true")
		t.Setenv("RINGWATCH_CACHE_RESULT_TTL", "30m")
		t.Setenv("RINGWATCH_DEBUG", "true")

		cfg := DefaultConfig()
		if err := LoadFromEnv(cfg); err != nil {
			t.Fatalf("LoadFromEnv failed: %v", err)
		}

		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Detection.CycleMaxLength != 4 {
			t.Errorf("expected cycle max 4, got %d", cfg.Detection.CycleMaxLength)
		}
		if math.Abs(cfg.Detection.SmurfingWindowHours-48) > 1e-9 {
			t.Errorf("expected 48h window, got %v", cfg.Detection.SmurfingWindowHours)
		}
		if !cfg.Detection.Parallel {
			t.Error("expected parallel detection")
		}
		if cfg.Cache.ResultTTL != 30*time.Minute {
			t.Errorf("expected 30m result TTL, got %v", cfg.Cache.ResultTTL)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug level, got %s", cfg.Logging.Level)
		}
	})

	t.Run("rejects depth above cap", func(t *testing.T) {
		t.Setenv("RINGWATCH_SHELL_MAX_DEPTH", "50")

		err := LoadFromEnv(DefaultConfig())
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("rejects malformed numbers", func(t *testing.T) {
		t.Setenv("RINGWATCH_PORT", "eighty")

		err := LoadFromEnv(DefaultConfig())
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("rejects inconsistent thresholds", func(t *testing.T) {
		t.Setenv("RINGWATCH_CYCLE_MIN_LENGTH", "7")

		if err := LoadFromEnv(DefaultConfig()); err == nil {
			t.Error("expected error for min above max")
		}
	})

	t.Run("pro tier", func(t *testing.T) {
		t.Setenv("RINGWATCH_TIER", "pro")

		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("ConfigFromEnv failed: %v", err)
		}
		if cfg.Tier != TierPro {
			t.Errorf("expected pro tier, got %s", cfg.Tier)
		}
		if cfg.Repository.Driver != "postgres" {
			t.Errorf("expected postgres driver, got %s", cfg.Repository.Driver)
		}
	})
}

func TestTransactionValidate(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := Transaction{ID: "T1", SenderID: "A", ReceiverID: "B", Amount: 10, Timestamp: ts}

	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid transaction, got %v", err)
	}

	bad := map[string]Transaction{
		"missing sender":   {ID: "T", ReceiverID: "B", Amount: 1, Timestamp: ts},
		"missing receiver": {ID: "T", SenderID: "A", Amount: 1, Timestamp: ts},
		"negative amount":  {ID: "T", SenderID: "A", ReceiverID: "B", Amount: -1, Timestamp: ts},
		"nan amount":       {ID: "T", SenderID: "A", ReceiverID: "B", Amount: math.NaN(), Timestamp: ts},
		"zero timestamp":   {ID: "T", SenderID: "A", ReceiverID: "B", Amount: 1},
	}
	for name, tx := range bad {
		t.Run(name, func(t *testing.T) {
			if err := tx.Validate(); !errors.Is(err, ErrInvalidTransaction) {
				t.Errorf("expected ErrInvalidTransaction, got %v", err)
			}
		})
	}
}
