package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
dry_run: true
broker:
  base_url: https://paper-api.example.com
  data_url: https://data.example.com
watchlist:
  symbols: [AAPL, MSFT, NVDA]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Strategy.EMAShort != 9 || cfg.Strategy.EMALong != 21 {
		t.Errorf("EMA defaults = %d/%d, want 9/21", cfg.Strategy.EMAShort, cfg.Strategy.EMALong)
	}
	if cfg.Risk.CircuitBreakerPct != 0.05 {
		t.Errorf("circuit breaker default = %v, want 0.05", cfg.Risk.CircuitBreakerPct)
	}
	if cfg.Executor.FillTimeout != 60*time.Second {
		t.Errorf("fill timeout default = %v, want 60s", cfg.Executor.FillTimeout)
	}
	if cfg.Risk.AIValidationTimeout != 3500*time.Millisecond {
		t.Errorf("ai validation timeout default = %v, want 3.5s", cfg.Risk.AIValidationTimeout)
	}
	if cfg.Engine.EODCutoff != "15:58" {
		t.Errorf("eod cutoff default = %q, want 15:58", cfg.Engine.EODCutoff)
	}
	if cfg.Protector.PartialPct != 0.25 {
		t.Errorf("partial pct default = %v, want 0.25", cfg.Protector.PartialPct)
	}
}

func TestValidateRejectsBadRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"risk per trade too high", func(c *Config) { c.Risk.RiskPerTradePct = 0.2 }},
		{"reward-risk below 1", func(c *Config) { c.Executor.MinRewardRisk = 0.5 }},
		{"ema short >= long", func(c *Config) { c.Strategy.EMAShort = 21; c.Strategy.EMALong = 9 }},
		{"bad timezone", func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }},
		{"ai validation without url", func(c *Config) { c.Risk.EnableAIValidation = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DT_BROKER_KEY", "key-from-env")
	t.Setenv("DT_BROKER_SECRET", "secret-from-env")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APIKey != "key-from-env" {
		t.Errorf("APIKey = %q, want env override", cfg.Broker.APIKey)
	}
	if cfg.Broker.APISecret != "secret-from-env" {
		t.Errorf("APISecret = %q, want env override", cfg.Broker.APISecret)
	}
}

func TestMissingWatchlistRejected(t *testing.T) {
	body := `
dry_run: true
broker:
  base_url: https://paper-api.example.com
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject empty watchlist with no scanner url")
	}
}
