package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "inproc", cfg.Bus.Transport)
	assert.True(t, cfg.App.PaperMode)
	assert.Equal(t, 25_000.0, cfg.Risk.MaxSingleTradeUSD)
	assert.Equal(t, 1.5, cfg.Risk.KillSwitchMultiplier)
	assert.Equal(t, 30*time.Second, cfg.Meta.DecisionTTL)
	assert.NotEmpty(t, cfg.Allocation.BaseWeights)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Risk, cfg.Risk)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controlplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  environment: production
  paper_mode: false
bus:
  transport: nats
  nats:
    url: nats://bus:4222
risk:
  max_daily_loss_usd: 20000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.App.Environment)
	assert.False(t, cfg.App.PaperMode)
	assert.Equal(t, "nats", cfg.Bus.Transport)
	assert.Equal(t, "nats://bus:4222", cfg.Bus.NATS.URL)
	assert.Equal(t, 20_000.0, cfg.Risk.MaxDailyLossUSD)
	// Untouched sections keep their defaults.
	assert.Equal(t, 25_000.0, cfg.Risk.MaxSingleTradeUSD)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Bus.Transport = "carrier-pigeon" }},
		{"non-positive daily loss", func(c *Config) { c.Risk.MaxDailyLossUSD = 0 }},
		{"kill switch below one", func(c *Config) { c.Risk.KillSwitchMultiplier = 0.5 }},
		{"non-positive capital", func(c *Config) { c.Allocation.TotalCapital = 0 }},
		{"weight above one", func(c *Config) { c.Allocation.BaseWeights = map[string]float64{"x": 1.2} }},
		{"non-positive heartbeat", func(c *Config) { c.Agents.HeartbeatInterval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
