// Package config loads gotap configuration.
//
// Precedence, highest first: runtime overrides, environment (GOTAP_*,
// including values loaded from a .env file), the gotap.yaml config file,
// built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable gotap reads.
const EnvPrefix = "GOTAP"

// AppName names the config file and the per-user directories.
const AppName = "gotap"

// Config is the resolved configuration.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Poll    PollConfig    `mapstructure:"poll"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Meta    MetaConfig    `mapstructure:"meta"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	HTTP    HTTPConfig    `mapstructure:"http"`

	// ConfigFile is the file that was read, empty if none.
	ConfigFile string `mapstructure:"-"`
}

type ServiceConfig struct {
	// URL is the TAP service base URL.
	URL string `mapstructure:"url"`

	// ResourceURL locates the service's registry record.
	ResourceURL string `mapstructure:"resource_url"`

	// UWSVersion overrides the UWS version reported by the service.
	UWSVersion string `mapstructure:"uws_version"`
}

type PollConfig struct {
	// Default: 5s
	Interval time.Duration `mapstructure:"interval"`

	// BlockWait is the WAIT used for blocking status reads.
	// Default: 60s
	BlockWait time.Duration `mapstructure:"block_wait"`
}

type UploadConfig struct {
	// ChunkSize is the chunk size for streamed multipart uploads. Zero
	// computes the body length up front instead.
	// Default: 1048576
	ChunkSize int `mapstructure:"chunk_size"`

	// MemoryLimit is how much of a stored upload body is kept in memory
	// before spilling to a temp file.
	// Default: 8388608
	MemoryLimit int64 `mapstructure:"memory_limit"`
}

type MetaConfig struct {
	// Default: 200
	QueueLimit int `mapstructure:"queue_limit"`

	// RateLimit is reads per second; zero is unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`

	// Default: 4
	AcquireConcurrency int `mapstructure:"acquire_concurrency"`
}

type AuthConfig struct {
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LoggingConfig struct {
	// Default: info
	Level string `mapstructure:"level"`

	// Profile is structured (JSON) or console.
	// Default: structured
	Profile string `mapstructure:"profile"`
}

type JobsConfig struct {
	// Dir holds local job records. Empty means the user config dir.
	Dir string `mapstructure:"dir"`

	// DeleteOnExit deletes submitted jobs when the CLI exits.
	DeleteOnExit bool `mapstructure:"delete_on_exit"`
}

type HTTPConfig struct {
	// Default: 5m
	Timeout time.Duration `mapstructure:"timeout"`
}

// EnvSpec maps an environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

func getEnvSpecs() []EnvSpec {
	short := []EnvSpec{
		{Name: "URL", Path: "service.url"},
		{Name: "SERVICE_URL", Path: "service.url"},
		{Name: "RESOURCE_URL", Path: "service.resource_url"},
		{Name: "UWS_VERSION", Path: "service.uws_version"},
		{Name: "POLL_INTERVAL", Path: "poll.interval"},
		{Name: "BLOCK_WAIT", Path: "poll.block_wait"},
		{Name: "UPLOAD_CHUNK_SIZE", Path: "upload.chunk_size"},
		{Name: "UPLOAD_MEMORY_LIMIT", Path: "upload.memory_limit"},
		{Name: "META_QUEUE_LIMIT", Path: "meta.queue_limit"},
		{Name: "META_RATE_LIMIT", Path: "meta.rate_limit"},
		{Name: "META_ACQUIRE_CONCURRENCY", Path: "meta.acquire_concurrency"},
		{Name: "TOKEN", Path: "auth.token"},
		{Name: "USERNAME", Path: "auth.username"},
		{Name: "PASSWORD", Path: "auth.password"},
		{Name: "LOG_LEVEL", Path: "logging.level"},
		{Name: "LOG_PROFILE", Path: "logging.profile"},
		{Name: "JOBS_DIR", Path: "jobs.dir"},
		{Name: "DELETE_ON_EXIT", Path: "jobs.delete_on_exit"},
		{Name: "HTTP_TIMEOUT", Path: "http.timeout"},
	}
	specs := make([]EnvSpec, 0, len(short))
	for _, s := range short {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + s.Name, Path: s.Path})
	}
	return specs
}

// defaultHTTPTimeout matches the connector's default response header wait.
const defaultHTTPTimeout = 5 * time.Minute

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.url", "")
	v.SetDefault("service.resource_url", "")
	v.SetDefault("service.uws_version", "")

	v.SetDefault("poll.interval", "5s")
	v.SetDefault("poll.block_wait", "60s")

	v.SetDefault("upload.chunk_size", 1<<20)
	v.SetDefault("upload.memory_limit", 8<<20)

	v.SetDefault("meta.queue_limit", 200)
	v.SetDefault("meta.rate_limit", 0)
	v.SetDefault("meta.acquire_concurrency", 4)

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("jobs.dir", "")
	v.SetDefault("jobs.delete_on_exit", false)

	v.SetDefault("http.timeout", defaultHTTPTimeout.String())
}

// getConfigPaths returns directories searched for gotap.yaml, in order.
func getConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

// Load resolves configuration and makes it available through GetConfig.
// Each override is a nested map keyed like the config file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		for _, p := range getConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := bindEnv(v, getEnvSpecs()); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the configuration from the last successful Load, or
// nil before one.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// loadDotEnv loads .env from the working directory if present. Variables
// already set in the environment win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// bindEnv binds every name for a path in one call; the first set variable
// wins.
func bindEnv(v *viper.Viper, specs []EnvSpec) error {
	var order []string
	names := make(map[string][]string)
	for _, spec := range specs {
		if _, ok := names[spec.Path]; !ok {
			order = append(order, spec.Path)
		}
		names[spec.Path] = append(names[spec.Path], spec.Name)
	}
	for _, path := range order {
		if err := v.BindEnv(append([]string{path}, names[path]...)...); err != nil {
			return fmt.Errorf("bind %s: %w", path, err)
		}
	}
	return nil
}

func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval must be > 0"))
	}
	if c.Poll.BlockWait < 0 {
		errs = append(errs, fmt.Errorf("poll.block_wait must be >= 0"))
	}
	if c.Upload.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("upload.chunk_size must be >= 0"))
	}
	if c.Upload.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("upload.memory_limit must be >= 0"))
	}
	if c.Meta.QueueLimit < 1 {
		errs = append(errs, fmt.Errorf("meta.queue_limit must be >= 1"))
	}
	if c.Meta.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("meta.rate_limit must be >= 0"))
	}
	if c.Meta.AcquireConcurrency < 1 {
		errs = append(errs, fmt.Errorf("meta.acquire_concurrency must be >= 1"))
	}
	switch strings.ToLower(c.Logging.Profile) {
	case "structured", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.profile must be structured or console, got %q", c.Logging.Profile))
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be >= 0"))
	}
	// Blocking status reads hold the response headers for up to block_wait,
	// sent as whole seconds rounded up.
	timeout := c.HTTP.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	if wait := (c.Poll.BlockWait + time.Second - 1).Truncate(time.Second); wait >= timeout {
		errs = append(errs, fmt.Errorf("poll.block_wait (%s) must be less than http.timeout (%s)", c.Poll.BlockWait, timeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// JobsDir returns the job record directory, defaulting under the user
// config dir.
func (c *Config) JobsDir() (string, error) {
	if d := strings.TrimSpace(c.Jobs.Dir); d != "" {
		return d, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppName, "jobs"), nil
}
