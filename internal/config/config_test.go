package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{EnvDBPath, EnvPort, EnvAnsiblePath, EnvAnsiblePlaybook, EnvAssociationPeriod, EnvLogLevel, EnvPushMinInterval, EnvStatusFreshness, EnvStatusRestampInterval} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "probes.db", cfg.DBPath)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.AssociationPeriod)
	assert.Equal(t, 30*time.Second, cfg.StatusFreshness)
	assert.Equal(t, 60*time.Second, cfg.StatusRestampInterval)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "ansible/probes.yml", cfg.PlaybookPath())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvAssociationPeriod, "1h")
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvAnsiblePlaybook, "/etc/probes/site.yml")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.AssociationPeriod)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "/etc/probes/site.yml", cfg.PlaybookPath())
}

func TestFromEnvRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"period too short", EnvAssociationPeriod, "10s"},
		{"period too long", EnvAssociationPeriod, "48h"},
		{"port out of range", EnvPort, "70000"},
		{"bad level", EnvLogLevel, "loud"},
		{"negative interval", EnvPushMinInterval, "-5s"},
		{"unparsable period", EnvAssociationPeriod, "forever"},
		{"unparsable port", EnvPort, "http"},
		{"unparsable freshness", EnvStatusFreshness, "30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestFromEnvReportsEveryMalformedValue(t *testing.T) {
	t.Setenv(EnvAssociationPeriod, "forever")
	t.Setenv(EnvPort, "http")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvAssociationPeriod)
	assert.Contains(t, err.Error(), EnvPort)
}
