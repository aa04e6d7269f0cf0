package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty working directory with an empty user
// config dir so no stray gotap.yaml or .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)
	t.Setenv(EnvPrefix+"_CONFIG", "")
	for _, spec := range getEnvSpecs() {
		t.Setenv(spec.Name, "")
		require.NoError(t, os.Unsetenv(spec.Name))
	}
	return dir
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Empty(t, cfg.Service.URL)
		assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
		assert.Equal(t, 60*time.Second, cfg.Poll.BlockWait)
		assert.Equal(t, 1<<20, cfg.Upload.ChunkSize)
		assert.Equal(t, int64(8<<20), cfg.Upload.MemoryLimit)
		assert.Equal(t, 200, cfg.Meta.QueueLimit)
		assert.Zero(t, cfg.Meta.RateLimit)
		assert.Equal(t, 4, cfg.Meta.AcquireConcurrency)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.False(t, cfg.Jobs.DeleteOnExit)
		assert.Equal(t, 5*time.Minute, cfg.HTTP.Timeout)
		assert.Empty(t, cfg.ConfigFile)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"service": map[string]any{
				"url": "https://tap.example/tap",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, "https://tap.example/tap", cfg.Service.URL)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("GOTAP_URL", "https://env.example/tap")
		t.Setenv("GOTAP_LOG_LEVEL", "warn")
		t.Setenv("GOTAP_DELETE_ON_EXIT", "true")
		t.Setenv("GOTAP_META_RATE_LIMIT", "2.5")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "https://env.example/tap", cfg.Service.URL)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.True(t, cfg.Jobs.DeleteOnExit)
		assert.InDelta(t, 2.5, cfg.Meta.RateLimit, 1e-9)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		dir := isolate(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "gotap.yaml"), []byte(`
service:
  url: https://file.example/tap
poll:
  interval: 2s
logging:
  level: error
`), 0644))
		t.Setenv("GOTAP_LOG_LEVEL", "warn")

		cfg, err := Load(ctx, map[string]any{"poll": map[string]any{"interval": "750ms"}})
		require.NoError(t, err)
		assert.Equal(t, "https://file.example/tap", cfg.Service.URL, "file beats default")
		assert.Equal(t, "warn", cfg.Logging.Level, "env beats file")
		assert.Equal(t, 750*time.Millisecond, cfg.Poll.Interval, "runtime beats file")
		assert.NotEmpty(t, cfg.ConfigFile)
	})

	t.Run("DotEnv", func(t *testing.T) {
		dir := isolate(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GOTAP_TOKEN=from-dotenv\nGOTAP_USERNAME=dotenv-user\n"), 0644))
		t.Setenv("GOTAP_USERNAME", "real-user")
		t.Cleanup(func() { _ = os.Unsetenv("GOTAP_TOKEN") })

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "from-dotenv", cfg.Auth.Token)
		assert.Equal(t, "real-user", cfg.Auth.Username, "existing environment wins over .env")
	})

	t.Run("ExplicitConfigFile", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("meta:\n  queue_limit: 17\n"), 0644))
		t.Setenv("GOTAP_CONFIG", path)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 17, cfg.Meta.QueueLimit)
		assert.Equal(t, path, cfg.ConfigFile)
	})

	t.Run("MalformedConfigFile", func(t *testing.T) {
		dir := isolate(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "gotap.yaml"), []byte("service: [unclosed\n"), 0644))

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("Cancelled", func(t *testing.T) {
		isolate(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("GOTAP_POLL_INTERVAL", "45s")
	t.Setenv("GOTAP_HTTP_TIMEOUT", "2m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 2*time.Minute, cfg.HTTP.Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
	}{
		{name: "zero poll interval", overrides: map[string]any{"poll": map[string]any{"interval": "0s"}}},
		{name: "zero queue limit", overrides: map[string]any{"meta": map[string]any{"queue_limit": 0}}},
		{name: "negative rate", overrides: map[string]any{"meta": map[string]any{"rate_limit": -1}}},
		{name: "bad profile", overrides: map[string]any{"logging": map[string]any{"profile": "fancy"}}},
		{name: "block wait at http timeout", overrides: map[string]any{
			"poll": map[string]any{"block_wait": "30s"},
			"http": map[string]any{"timeout": "30s"},
		}},
		{name: "block wait rounds up past http timeout", overrides: map[string]any{
			"poll": map[string]any{"block_wait": "1500ms"},
			"http": map[string]any{"timeout": "2s"},
		}},
		{name: "block wait beyond default http timeout", overrides: map[string]any{
			"poll": map[string]any{"block_wait": "10m"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)
		})
	}
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"meta": map[string]any{"queue_limit": 33}})
	require.NoError(t, err)

	got := GetConfig()
	require.NotNil(t, got)
	assert.Equal(t, cfg.Meta.QueueLimit, got.Meta.QueueLimit)

	_, err = Load(context.Background(), map[string]any{"meta": map[string]any{"queue_limit": 0}})
	require.Error(t, err)
	assert.Equal(t, 33, GetConfig().Meta.QueueLimit, "failed load keeps the previous config")
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "GOTAP_")
		assert.NotEmpty(t, spec.Path)
		names[spec.Name] = true
	}
	assert.True(t, names["GOTAP_LOG_LEVEL"])
	assert.True(t, names["GOTAP_URL"])
	assert.True(t, names["GOTAP_TOKEN"])
}

func TestJobsDir(t *testing.T) {
	dir := isolate(t)

	cfg := &Config{Jobs: JobsConfig{Dir: "/srv/jobs"}}
	got, err := cfg.JobsDir()
	require.NoError(t, err)
	assert.Equal(t, "/srv/jobs", got)

	cfg.Jobs.Dir = ""
	got, err = cfg.JobsDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "xdg", AppName, "jobs"), got)
}
