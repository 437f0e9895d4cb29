package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("Santa Cruz County Cycling Club")))
	require.NoError(t, err)
	assert.Equal(t, "Santa Cruz County Cycling Club", cfg.Club.Name)
	assert.Equal(t, "basic_auth", cfg.Remote.AuthMode)
	assert.Equal(t, 5*time.Minute, cfg.Retry.FastDelay)
	assert.Equal(t, 48*time.Hour, cfg.RetryPolicy().MaxAge)
	assert.Equal(t, "08:00", cfg.GateGroups()["Sat A"].StartTime)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Los_Angeles", loc.String())
}

func TestDefaultMatchesTemplate(t *testing.T) {
	cfg := Default("club")
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Groups, 3)
}

func TestDefaultQuotesClubName(t *testing.T) {
	var cfg *Config
	require.NotPanics(t, func() { cfg = Default(`Joe's "Fast" Club: Tuesdays`) })
	assert.Equal(t, `Joe's "Fast" Club: Tuesdays`, cfg.Club.Name)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(string) string{
		"unknown auth mode": func(s string) string { return strings.Replace(s, "auth_mode: basic_auth", "auth_mode: oauth", 1) },
		"bad start time":    func(s string) string { return strings.Replace(s, `start_time: "09:00"`, `start_time: "9am"`, 1) },
		"bad timezone":      func(s string) string { return strings.Replace(s, "America/Los_Angeles", "Mars/Olympus", 1) },
		"redis without url": func(s string) string { return strings.Replace(s, "backend: sqlite", "backend: redis", 1) },
		"calendar no url":   func(s string) string { return strings.Replace(s, "enabled: false", "enabled: true", 1) },
		"fast phase too long": func(s string) string {
			return strings.Replace(s, "fast_phase: 1h", "fast_phase: 72h", 1)
		},
		"missing base url": func(s string) string {
			return strings.Replace(s, "base_url: https://ridewithgps.com", "base_url: \"\"", 1)
		},
	}
	for name, mutate := range cases {
		_, err := FromYAML([]byte(mutate(GenerateDefault("club"))))
		assert.Error(t, err, name)
	}
}

func TestFromYAMLExpandsEnv(t *testing.T) {
	t.Setenv("RIDELINE_TEST_REDIS", "redis://localhost:6379/0")
	s := strings.Replace(GenerateDefault("club"), "backend: sqlite", "backend: redis", 1)
	s = strings.Replace(s, `redis_url: ""`, "redis_url: ${RIDELINE_TEST_REDIS}", 1)
	cfg, err := FromYAML([]byte(s))
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Retry.RedisURL)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("club")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "club", cfg.Club.Name)
}
