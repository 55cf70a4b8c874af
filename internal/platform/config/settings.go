package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the full runtime configuration of the playback daemon.
type Settings struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// OriginBaseURL resolves root-relative playlist URLs ("/tracks/1.m3u8").
	OriginBaseURL string `yaml:"origin_base_url"`
	OriginRPS     float64 `yaml:"origin_rps"`

	ManifestCacheTTL  time.Duration `yaml:"manifest_cache_ttl"`
	ManifestCacheSize int           `yaml:"manifest_cache_size"`
	SegmentCacheTTL   time.Duration `yaml:"segment_cache_ttl"`
	SegmentCacheSize  int           `yaml:"segment_cache_size"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	FetchConcurrency          int           `yaml:"fetch_concurrency"`
	ConnectivityProbeInterval time.Duration `yaml:"connectivity_probe_interval"`
	MaxBufferLength           time.Duration `yaml:"max_buffer_length"`
	MaxBufferCeiling          time.Duration `yaml:"max_buffer_ceiling"`
	SessionIdleTimeout        time.Duration `yaml:"session_idle_timeout"`
	RateLimitPerMinute        int           `yaml:"rate_limit_per_minute"`

	// BlockAutoplay makes each new media element reject its first play,
	// like a browser before a user gesture.
	BlockAutoplay bool `yaml:"block_autoplay"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Port:                      "8080",
		LogLevel:                  "info",
		LogFormat:                 "json",
		ManifestCacheTTL:          5 * time.Minute,
		ManifestCacheSize:         50,
		SegmentCacheTTL:           15 * time.Minute,
		SegmentCacheSize:          150,
		FetchConcurrency:          6,
		ConnectivityProbeInterval: 5 * time.Second,
		MaxBufferLength:           30 * time.Second,
		MaxBufferCeiling:          120 * time.Second,
		SessionIdleTimeout:        30 * time.Minute,
		RateLimitPerMinute:        600,
	}
}

// LoadSettings builds Settings from defaults, then the YAML file named by
// PLAYER_CONFIG (if set), then individual environment variables.
func LoadSettings() (Settings, error) {
	s := Defaults()

	if path := os.Getenv("PLAYER_CONFIG"); path != "" {
		if err := s.mergeYAML(path); err != nil {
			return s, err
		}
	}

	s.Port = GetEnv("PORT", s.Port)
	s.LogLevel = GetEnv("LOG_LEVEL", s.LogLevel)
	s.LogFormat = GetEnv("LOG_FORMAT", s.LogFormat)
	s.OriginBaseURL = GetEnv("ORIGIN_BASE_URL", s.OriginBaseURL)
	s.OriginRPS = GetEnvFloat("ORIGIN_RPS", s.OriginRPS)
	s.ManifestCacheTTL = GetEnvDuration("MANIFEST_CACHE_TTL", s.ManifestCacheTTL)
	s.ManifestCacheSize = GetEnvInt("MANIFEST_CACHE_SIZE", s.ManifestCacheSize)
	s.SegmentCacheTTL = GetEnvDuration("SEGMENT_CACHE_TTL", s.SegmentCacheTTL)
	s.SegmentCacheSize = GetEnvInt("SEGMENT_CACHE_SIZE", s.SegmentCacheSize)
	s.RedisAddr = GetEnv("REDIS_ADDR", s.RedisAddr)
	s.RedisPassword = GetEnv("REDIS_PASSWORD", s.RedisPassword)
	s.RedisDB = GetEnvInt("REDIS_DB", s.RedisDB)
	s.FetchConcurrency = GetEnvInt("FETCH_CONCURRENCY", s.FetchConcurrency)
	s.ConnectivityProbeInterval = GetEnvDuration("CONNECTIVITY_PROBE_INTERVAL", s.ConnectivityProbeInterval)
	s.MaxBufferLength = GetEnvDuration("MAX_BUFFER_LENGTH", s.MaxBufferLength)
	s.MaxBufferCeiling = GetEnvDuration("MAX_BUFFER_CEILING", s.MaxBufferCeiling)
	s.SessionIdleTimeout = GetEnvDuration("SESSION_IDLE_TIMEOUT", s.SessionIdleTimeout)
	s.RateLimitPerMinute = GetEnvInt("RATE_LIMIT_PER_MINUTE", s.RateLimitPerMinute)
	s.BlockAutoplay = GetEnvBool("BLOCK_AUTOPLAY", s.BlockAutoplay)

	return s, s.Validate()
}

func (s *Settings) mergeYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, s); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.ManifestCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("manifest_cache_size must be positive, got %d", s.ManifestCacheSize))
	}
	if s.SegmentCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("segment_cache_size must be positive, got %d", s.SegmentCacheSize))
	}
	if s.ManifestCacheTTL <= 0 || s.SegmentCacheTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}
	if s.FetchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("fetch_concurrency must be positive, got %d", s.FetchConcurrency))
	}
	if s.MaxBufferCeiling < s.MaxBufferLength {
		errs = append(errs, fmt.Errorf("max_buffer_ceiling %s is below max_buffer_length %s", s.MaxBufferCeiling, s.MaxBufferLength))
	}
	if s.OriginRPS < 0 {
		errs = append(errs, fmt.Errorf("origin_rps must not be negative, got %v", s.OriginRPS))
	}
	return errors.Join(errs...)
}
