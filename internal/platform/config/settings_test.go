package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Defaults(t *testing.T) {
	t.Setenv("PLAYER_CONFIG", "")
	s, err := LoadSettings()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, s.ManifestCacheTTL)
	assert.Equal(t, 50, s.ManifestCacheSize)
	assert.Equal(t, 15*time.Minute, s.SegmentCacheTTL)
	assert.Equal(t, 150, s.SegmentCacheSize)
	assert.Equal(t, "8080", s.Port)
}

func TestLoadSettings_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "player.yaml")
	yml := "origin_base_url: https://cdn.example.com\nsegment_cache_size: 300\nmanifest_cache_ttl: 1m\nport: \"9000\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("PLAYER_CONFIG", path)
	t.Setenv("PORT", "9100")

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com", s.OriginBaseURL)
	assert.Equal(t, 300, s.SegmentCacheSize)
	assert.Equal(t, time.Minute, s.ManifestCacheTTL)
	assert.Equal(t, "9100", s.Port, "env overrides yaml")
}

func TestLoadSettings_MissingYAML(t *testing.T) {
	t.Setenv("PLAYER_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadSettings()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	s := Defaults()
	s.SegmentCacheSize = 0
	s.MaxBufferCeiling = time.Second
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment_cache_size")
	assert.Contains(t, err.Error(), "max_buffer_ceiling")
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "250ms")
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("X_DUR", time.Second))
	t.Setenv("X_DUR", "7")
	assert.Equal(t, 7*time.Second, GetEnvDuration("X_DUR", time.Second))
	t.Setenv("X_DUR", "garbage")
	assert.Equal(t, time.Second, GetEnvDuration("X_DUR", time.Second))
}

func TestLoadSettings_BlockAutoplay(t *testing.T) {
	t.Setenv("PLAYER_CONFIG", "")
	t.Setenv("BLOCK_AUTOPLAY", "true")
	s, err := LoadSettings()
	require.NoError(t, err)
	assert.True(t, s.BlockAutoplay)
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("X_BOOL", "1")
	assert.True(t, GetEnvBool("X_BOOL", false))
	t.Setenv("X_BOOL", "nope")
	assert.True(t, GetEnvBool("X_BOOL", true), "unparseable falls back")
	assert.False(t, GetEnvBool("X_UNSET_BOOL", false))
}
