package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
)

const sampleDoc = `
database:
  url: postgres://localhost/fetcher
queue:
  brokers: ["localhost:19092"]
ratelimiter:
  redis_url: redis://localhost:6379/0
admin:
  service_name: admin
  addresses:
    admin: http://localhost:8081
twitter:
  tweets_channel: rapid_twitter241
  endpoints:
    user_by_screen_name: https://x.com/i/api/graphql/abc/UserByScreenName
  third_channels:
    rapid_twitter241:
      url: https://twitter241.p.rapidapi.com
      x-rapidapi-host: twitter241.p.rapidapi.com
      x-rapidapi-key: secret
      max_requests_per_second: 2
rate_limits:
  twitter:graphql: 1
`

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ReadsDocumentFromEnvPath(t *testing.T) {
	path := writeDoc(t, sampleDoc)
	t.Setenv("FETCHER_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/fetcher", cfg.File.Database.URL)
	assert.Equal(t, []string{"localhost:19092"}, cfg.File.Queue.Brokers)
	assert.Equal(t, "rapid_twitter241", cfg.File.Twitter.TweetsChannel)
	assert.Equal(t, 2.0, cfg.File.Twitter.ThirdChannels["rapid_twitter241"].MaxRequestsPerSecond)
	assert.Equal(t, 1.0, cfg.File.Buckets["twitter:graphql"])
}

func TestLoadFile_Defaults(t *testing.T) {
	f, err := config.LoadFile(writeDoc(t, "database:\n  url: x\n"))
	require.NoError(t, err)
	assert.Equal(t, 20, f.Twitter.SecondLevelParents)
	assert.Equal(t, "graphql", f.Twitter.TweetsChannel)
	assert.Equal(t, "graphql", f.Twitter.FollowingsChannel)
	assert.Equal(t, "fetch-tasks", f.Queue.Topic)
	assert.Equal(t, "fetcher-workers", f.Queue.Group)
}

func TestLoadFile_MissingIsConfigError(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestLoadFile_MalformedIsConfigError(t *testing.T) {
	_, err := config.LoadFile(writeDoc(t, "queue: [not: a: map"))
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestEnvHelpers(t *testing.T) {
	assert.True(t, config.Config{AppEnv: "dev"}.IsDev())
	assert.True(t, config.Config{AppEnv: "PROD"}.IsProd())
	assert.True(t, config.Config{AppEnv: "test"}.IsTest())
}
