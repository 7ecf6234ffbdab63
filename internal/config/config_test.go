package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "fno-scanner/internal/errors"
	"fno-scanner/internal/models"
	"fno-scanner/internal/ratelimit"
	"fno-scanner/internal/scheduler"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWritesTemplates(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FNO_FEED", "")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Created) != 2 {
		t.Errorf("created = %v", cfg.Created)
	}
	for _, name := range []string{"config.toml", "credentials.toml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	// A second load reads the templates back.
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(cfg.Created) != 0 || !cfg.UseSim() {
		t.Errorf("created = %v, source = %q", cfg.Created, cfg.Feed.Source)
	}
	if len(cfg.Watchlist) != 3 || cfg.Watchlist[0].Token != 256265 {
		t.Errorf("watchlist = %+v", cfg.Watchlist)
	}
	if cfg.Watchlist[2].AlertThreshold != 70 {
		t.Errorf("missing threshold should default, got %v", cfg.Watchlist[2].AlertThreshold)
	}
	if cfg.Fetch.CompressionFloor != 0.005 || cfg.Notify.Cooldown != 15*time.Minute {
		t.Errorf("fetch = %+v, notify = %+v", cfg.Fetch, cfg.Notify)
	}
	if cfg.Breaker.Counts == nil {
		t.Error("breaker classifier should survive unmarshalling")
	}
}

func TestLoadOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.toml", `
[feed]
source = "KITE"

[ratelimit.option_chain]
rate = 5
burst = 6
window = "30s"

[schedule.midday]
priority = "40s"

[pipeline]
workers = 3
ignore_calendar = true

[[watchlist]]
symbol = " reliance "
tier = "priority"
lot_size = 250
`)
	writeFile(t, dir, "credentials.toml", `
[kite]
api_key = "file-key"
access_token = "stale"
`)
	t.Setenv("KITE_ACCESS_TOKEN", "fresh")
	t.Setenv("FNO_PG_DSN", "postgres://scanner@localhost/fno")
	t.Setenv("FNO_FEED", "")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Feed.Source != FeedKite {
		t.Errorf("source = %q", cfg.Feed.Source)
	}
	if cfg.Credentials.Kite.APIKey != "file-key" || cfg.Credentials.Kite.AccessToken != "fresh" {
		t.Errorf("creds = %+v", cfg.Credentials.Kite)
	}
	if cfg.Storage.Postgres.DSN == "" {
		t.Error("FNO_PG_DSN not applied")
	}
	if lim := cfg.RateLimit[ratelimit.ClassOptionChain]; lim.Burst != 6 || lim.Window != 30*time.Second {
		t.Errorf("option_chain = %+v", lim)
	}
	if _, ok := cfg.RateLimit[ratelimit.ClassHistorical]; !ok {
		t.Error("unset classes should keep their defaults")
	}
	if cfg.Pipeline.Workers != 3 || !cfg.Pipeline.IgnoreCalendar || cfg.Pipeline.CycleTimeout != 45*time.Second {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	w := cfg.Watchlist[0]
	if w.Symbol != "RELIANCE" || w.Tier != models.TierPriority {
		t.Errorf("watch item = %+v", w)
	}

	table := cfg.ScheduleTable()
	if got := table[scheduler.PhaseMidday][models.TierPriority]; got != 40*time.Second {
		t.Errorf("midday priority = %v", got)
	}
	if got := table[scheduler.PhaseMidday][models.TierStandard]; got != 180*time.Second {
		t.Errorf("midday standard = %v", got)
	}

	masked := cfg.Masked()
	if masked.Credentials.Kite.AccessToken != "fr***" || masked.Credentials.Kite.APIKey != "fi******" {
		t.Errorf("masked = %+v", masked.Credentials.Kite)
	}
	if cfg.Credentials.Kite.AccessToken != "fresh" {
		t.Error("Masked must not modify the original")
	}

	creds, err := LoadCredentials(dir)
	if err != nil || creds.Kite.AccessToken != "fresh" {
		t.Errorf("LoadCredentials = %+v, %v", creds, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown feed", func(c *Config) { c.Feed.Source = "nse" }},
		{"kite without key", func(c *Config) { c.Feed.Source = FeedKite }},
		{"zero burst", func(c *Config) { c.RateLimit[ratelimit.ClassLTP] = ratelimit.Limit{Window: time.Minute} }},
		{"unknown phase", func(c *Config) { c.Schedule["lunch"] = TierIntervals{} }},
		{"floor", func(c *Config) { c.Fetch.CompressionFloor = 1.5 }},
		{"pair ratio", func(c *Config) { c.Structure.PairRatio = 0 }},
		{"trap threshold", func(c *Config) { c.Verdict.TrapThreshold = 120 }},
		{"trap weights", func(c *Config) { c.Verdict.HedgingWeight = 30 }},
		{"significance ratio", func(c *Config) { c.Structure.SignificantChangePct = 150 }},
		{"workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"duplicate symbol", func(c *Config) {
			c.Watchlist = []models.WatchItem{{Symbol: "NIFTY", Tier: models.TierStandard}, {Symbol: "NIFTY", Tier: models.TierStandard}}
		}},
		{"bad tier", func(c *Config) { c.Watchlist = []models.WatchItem{{Symbol: "NIFTY", Tier: "FAST"}} }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, apperrors.ErrConfigInvalid) {
				t.Errorf("err = %v, want ErrConfigInvalid", err)
			}
		})
	}
}
