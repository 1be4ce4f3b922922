package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Bus.MaxWorkers, cfg.Bus.MaxWorkers)
	assert.Equal(t, time.Hour, cfg.Controller.ApprovalExpiry)
	assert.Equal(t, filepath.Join(ws, ".forgeflow"), cfg.StateRoot)
	// Automated applies must be opt-in.
	assert.False(t, cfg.Learning.AutoApply)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	writeConfig := func(t *testing.T, name, raw string) string {
		ws := t.TempDir()
		dir := filepath.Join(ws, ".forgeflow")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(raw), 0644))
		return ws
	}

	t.Run("json", func(t *testing.T) {
		ws := writeConfig(t, "config.json", `{"bus": {"max_workers": 8}, "learning": {"auto_apply": true}}`)
		cfg, err := Load(ws)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Bus.MaxWorkers)
		assert.True(t, cfg.Learning.AutoApply)
		// Untouched sections keep their defaults.
		assert.Equal(t, Default().Bus.MaxRetries, cfg.Bus.MaxRetries)
	})

	t.Run("yaml", func(t *testing.T) {
		ws := writeConfig(t, "config.yaml", "safety:\n  min_confidence: 0.85\n")
		cfg, err := Load(ws)
		require.NoError(t, err)
		assert.Equal(t, 0.85, cfg.Safety.MinConfidence)
	})

	t.Run("malformed json is an error", func(t *testing.T) {
		ws := writeConfig(t, "config.json", `{"bus": `)
		_, err := Load(ws)
		assert.Error(t, err)
	})
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".forgeflow")
	require.NoError(t, os.MkdirAll(dir, 0755))
	raw := `{"learning": {"auto_apply": false, "confidence_threshold": 0.8}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(raw), 0644))

	t.Setenv("FORGEFLOW_AUTO_APPLY", "true")
	t.Setenv("FORGEFLOW_CONFIDENCE_THRESHOLD", "0.95")
	t.Setenv("FORGEFLOW_MAX_WORKERS", "6")
	t.Setenv("FORGEFLOW_APPROVAL_EXPIRY_MS", "60000")

	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.True(t, cfg.Learning.AutoApply)
	assert.Equal(t, 0.95, cfg.Learning.ConfidenceThreshold)
	assert.Equal(t, 6, cfg.Bus.MaxWorkers)
	assert.Equal(t, time.Minute, cfg.Controller.ApprovalExpiry)
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		assert.True(t, isTruthy(v), "isTruthy(%q)", v)
	}
	for _, v := range []string{"0", "false", "off", "", "maybe"} {
		assert.False(t, isTruthy(v), "isTruthy(%q)", v)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Bus.MaxWorkers = 0 }},
		{"negative retries", func(c *Config) { c.Bus.MaxRetries = -1 }},
		{"shrinking backoff", func(c *Config) { c.Bus.BackoffMultiplier = 0.5 }},
		{"confidence above one", func(c *Config) { c.Learning.ConfidenceThreshold = 1.5 }},
		{"negative safety confidence", func(c *Config) { c.Safety.MinConfidence = -0.1 }},
		{"zero rate limit", func(c *Config) { c.Safety.RateLimits.PerMinute = 0 }},
		{"zero approval expiry", func(c *Config) { c.Controller.ApprovalExpiry = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ws := t.TempDir()
	cfg := Default()
	cfg.Bus.MaxWorkers = 7
	cfg.Learning.ConfidenceThreshold = 0.9
	require.NoError(t, cfg.Save(ws))

	loaded, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Bus.MaxWorkers)
	assert.Equal(t, 0.9, loaded.Learning.ConfidenceThreshold)
}
