// Package config defines configuration parsing and helpers.
//
// Process-level knobs (environment, ports, timeouts) come from
// environment variables; the fetcher document (endpoints, channels,
// rate-limit buckets, connection strings) is a YAML file located via
// FETCHER_CONFIG. The document is parsed once at startup and treated
// as immutable for the lifetime of the process.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/novafoundry/fetcher/internal/domain"
)

// Config holds process configuration parsed from environment variables
// plus the loaded fetcher document.
type Config struct {
	AppEnv                string        `env:"APP_ENV" envDefault:"dev"`
	Port                  int           `env:"PORT" envDefault:"8080"`
	MetricsPort           int           `env:"METRICS_PORT" envDefault:"9090"`
	ConfigPath            string        `env:"FETCHER_CONFIG" envDefault:"config/config.yaml"`
	OTLPEndpoint          string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName       string        `env:"OTEL_SERVICE_NAME" envDefault:"fetcher"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	File File `env:"-"`
}

// File is the fetcher YAML document.
type File struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Queue struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		Group   string   `yaml:"group"`
	} `yaml:"queue"`

	RateLimiter struct {
		RedisURL string `yaml:"redis_url"`
	} `yaml:"ratelimiter"`

	// Admin locates the credential admin service. ServiceName is the
	// registry name; Addresses is the static name→base-URL map the
	// locator resolves from.
	Admin struct {
		ServiceName string            `yaml:"service_name"`
		Addresses   map[string]string `yaml:"addresses"`
	} `yaml:"admin"`

	Proxy struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"proxy"`

	Twitter   TwitterConfig   `yaml:"twitter"`
	Instagram InstagramConfig `yaml:"instagram"`
	TikTok    TikTokConfig    `yaml:"tiktok"`

	// Buckets maps rate-limit bucket keys (e.g. "twitter:rapid_twitter241")
	// to requests per second.
	Buckets map[string]float64 `yaml:"rate_limits"`
}

// TwitterConfig carries the GraphQL endpoints and channel bindings.
type TwitterConfig struct {
	Endpoints map[string]string `yaml:"endpoints"`
	// TweetsChannel and FollowingsChannel select the strategy used
	// for user_tweets and followings ("graphql" or a third channel).
	TweetsChannel     string `yaml:"tweets_channel"`
	FollowingsChannel string `yaml:"followings_channel"`
	// SecondLevelParents caps the similar-user second-degree fan-out.
	SecondLevelParents int                      `yaml:"second_level_parents"`
	ThirdChannels      map[string]ChannelConfig `yaml:"third_channels"`
}

// ChannelConfig describes one external (RapidAPI-style) channel.
type ChannelConfig struct {
	URL                  string  `yaml:"url"`
	Host                 string  `yaml:"x-rapidapi-host"`
	Key                  string  `yaml:"x-rapidapi-key"`
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
}

// DocEndpoint is an Instagram GraphQL endpoint with its doc id.
type DocEndpoint struct {
	URL   string `yaml:"url"`
	DocID string `yaml:"doc_id"`
}

// InstagramConfig carries the doc_id endpoints.
type InstagramConfig struct {
	Endpoints map[string]DocEndpoint `yaml:"endpoints"`
}

// TikTokConfig carries the web API endpoints.
type TikTokConfig struct {
	Endpoints map[string]string `yaml:"endpoints"`
}

// Load parses environment variables and the YAML document.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	f, err := LoadFile(cfg.ConfigPath)
	if err != nil {
		return Config{}, err
	}
	cfg.File = f
	return cfg, nil
}

// LoadFile reads and parses the fetcher YAML document at path.
func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("op=config.LoadFile: %w: %v", domain.ErrConfig, err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("op=config.LoadFile: %w: %v", domain.ErrConfig, err)
	}
	if f.Twitter.SecondLevelParents == 0 {
		f.Twitter.SecondLevelParents = 20
	}
	if f.Twitter.TweetsChannel == "" {
		f.Twitter.TweetsChannel = "graphql"
	}
	if f.Twitter.FollowingsChannel == "" {
		f.Twitter.FollowingsChannel = "graphql"
	}
	if f.Queue.Topic == "" {
		f.Queue.Topic = "fetch-tasks"
	}
	if f.Queue.Group == "" {
		f.Queue.Group = "fetcher-workers"
	}
	return f, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
