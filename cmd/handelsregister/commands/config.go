package commands

import (
	"time"

	"handelsregister/internal/scrapers/handelsregister"
	"handelsregister/lib/configutil"
	"handelsregister/lib/telemetry"
)

type Config struct {
	BaseUrl           string  `json:"base_url"`
	UserAgent         string  `json:"user_agent"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Concurrency       int     `json:"concurrency"`
	CloudflareBypass  bool    `json:"cloudflare_bypass"`
	// empty disables the cache
	CachePath        string           `json:"cache_path"`
	CacheMaxAgeHours int              `json:"cache_max_age_hours"`
	OutputDir        string           `json:"output_dir"`
	Telemetry        telemetry.Config `json:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BaseUrl:           handelsregister.DefaultBaseUrl,
		TimeoutSeconds:    30,
		RequestsPerSecond: 1,
		Concurrency:       2,
		CachePath:         "handelsregister-cache.db",
		CacheMaxAgeHours:  24,
		OutputDir:         "documents",
	}
}

func readConfig(path string) (Config, error) {
	return configutil.ReadConfigWithDefaults(path, defaultConfig())
}

func (c Config) sessionOptions() handelsregister.SessionOptions {
	return handelsregister.SessionOptions{
		BaseUrl:           c.BaseUrl,
		UserAgent:         c.UserAgent,
		Timeout:           time.Duration(c.TimeoutSeconds) * time.Second,
		RequestsPerSecond: c.RequestsPerSecond,
		CloudflareBypass:  c.CloudflareBypass,
	}
}

func (c Config) cacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeHours) * time.Hour
}
