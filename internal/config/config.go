// Package config loads vcplay settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/vcplay/vcplay/internal/backend"
	"github.com/vcplay/vcplay/internal/cache"
)

// Engines lists the supported call engines.
var Engines = []string{"mock"}

// Config holds every runtime setting.
type Config struct {
	// HTTP
	Port         int           `yaml:"port" env:"PORT" envDefault:"8000"`
	RestartDelay time.Duration `yaml:"restart_delay" env:"VCPLAY_RESTART_DELAY" envDefault:"1s"`

	// Telegram
	Session          string        `yaml:"session" env:"ASSISTANT_SESSION"`
	Engine           string        `yaml:"engine" env:"VCPLAY_ENGINE" envDefault:"mock"`
	MockPlayDuration time.Duration `yaml:"mock_play_duration" env:"VCPLAY_MOCK_PLAY_DURATION" envDefault:"3m"`
	NotifyTarget     string        `yaml:"notify_target" env:"VCPLAY_NOTIFY_TARGET" envDefault:"@vcmusiclubot"`
	NotifyRate       float64       `yaml:"notify_rate" env:"VCPLAY_NOTIFY_RATE" envDefault:"1"`
	NotifyBurst      int           `yaml:"notify_burst" env:"VCPLAY_NOTIFY_BURST" envDefault:"5"`

	// Download backends, tried in this order
	DownloadAPI          string `yaml:"download_api_url" env:"DOWNLOAD_API_URL" envDefault:"https://divine-dream-fde5.lagendplayersyt.workers.dev/down?url="`
	SecondaryDownloadAPI string `yaml:"secondary_download_api_url" env:"SECONDARY_DOWNLOAD_API_URL" envDefault:"https://frozen-youtube-api-search-link-b89x.onrender.com/download?url="`
	TertiaryDownloadAPI  string `yaml:"tertiary_download_api_url" env:"TERTIARY_DOWNLOAD_API_URL" envDefault:"https://ytapi-df6f5442e070.herokuapp.com/download?url="`

	// Cache
	CacheDir        string        `yaml:"cache_dir" env:"VCPLAY_CACHE_DIR"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" env:"VCPLAY_FETCH_TIMEOUT" envDefault:"90s"`
	ChunkSize       int           `yaml:"chunk_size" env:"VCPLAY_CHUNK_SIZE" envDefault:"65536"`
	SweepSchedule   string        `yaml:"sweep_schedule" env:"VCPLAY_SWEEP_SCHEDULE" envDefault:"*/10 * * * *"`
	WatchCache      bool          `yaml:"watch_cache" env:"VCPLAY_WATCH_CACHE" envDefault:"true"`
	PurgeOnShutdown bool          `yaml:"purge_on_shutdown" env:"VCPLAY_PURGE_ON_SHUTDOWN" envDefault:"false"`

	// Runtime
	SubmitTimeout   time.Duration `yaml:"submit_timeout" env:"VCPLAY_SUBMIT_TIMEOUT" envDefault:"120s"`
	QueueSize       int           `yaml:"queue_size" env:"VCPLAY_QUEUE_SIZE" envDefault:"64"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"VCPLAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `yaml:"log_level" env:"VCPLAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `yaml:"log_format" env:"VCPLAY_LOG_FORMAT" envDefault:"auto"`
}

// Default returns the configuration with only defaults applied.
func Default() Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		// Defaults are static; failing here is a programming error.
		panic(err)
	}
	return cfg
}

// Load builds the configuration. Values from the file read into v override
// defaults, and the environment overrides both.
func Load(v *viper.Viper) (Config, error) {
	environment := fileValues(v)
	for k, val := range env.ToMap(os.Environ()) {
		environment[k] = val
	}

	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environment})
	if err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = cache.DefaultOptions().Dir
	}
	if cfg.CacheDir, err = homedir.Expand(cfg.CacheDir); err != nil {
		return cfg, fmt.Errorf("expand cache dir: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// fileValues maps the environment name of every field set in v to its
// value, so file settings can be fed through the same parser.
func fileValues(v *viper.Viper) map[string]string {
	out := make(map[string]string)
	if v == nil {
		return out
	}

	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key, name := f.Tag.Get("yaml"), f.Tag.Get("env")
		if key == "" || name == "" || !v.IsSet(key) {
			continue
		}
		out[name] = v.GetString(key)
	}
	return out
}

// Keys returns the YAML keys understood in the config file, in field
// order.
func Keys() []string {
	t := reflect.TypeOf(Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("yaml"); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}

	c.Engine = strings.ToLower(c.Engine)
	if !slices.Contains(Engines, c.Engine) {
		errs = append(errs, fmt.Errorf("invalid engine '%s': must be one of %v", c.Engine, Engines))
	}

	if c.DownloadAPI == "" {
		errs = append(errs, errors.New("download_api_url is required"))
	}
	for _, raw := range []string{c.DownloadAPI, c.SecondaryDownloadAPI, c.TertiaryDownloadAPI} {
		if raw == "" {
			continue
		}
		u, err := url.ParseRequestURI(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("invalid download api url %q", raw))
		}
	}

	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch_timeout must be positive, got %s", c.FetchTimeout))
	}
	if c.ChunkSize < 1024 || c.ChunkSize > 16<<20 {
		errs = append(errs, fmt.Errorf("chunk_size must be between 1024 and %d, got %d", 16<<20, c.ChunkSize))
	}
	if c.SubmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("submit_timeout must be positive, got %s", c.SubmitTimeout))
	}
	if c.QueueSize < 1 || c.QueueSize > 4096 {
		errs = append(errs, fmt.Errorf("queue_size must be between 1 and 4096, got %d", c.QueueSize))
	}
	if c.NotifyRate < 0 {
		errs = append(errs, fmt.Errorf("notify_rate must not be negative, got %g", c.NotifyRate))
	}
	if c.NotifyBurst < 1 {
		errs = append(errs, fmt.Errorf("notify_burst must be at least 1, got %d", c.NotifyBurst))
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		errs = append(errs, errors.New("sweep_schedule is required"))
	}
	if c.RestartDelay < 0 || c.ShutdownTimeout < 0 || c.MockPlayDuration < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log level '%s'", c.LogLevel))
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
	if !slices.Contains([]string{"auto", "text", "json"}, c.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid log format '%s'", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Backends returns the configured download backends in priority order.
// Backends with an empty URL are left out.
func (c *Config) Backends() []backend.Backend {
	all := []backend.Backend{
		{Name: "default", BaseURL: c.DownloadAPI, Priority: 1},
		{Name: "secondary", BaseURL: c.SecondaryDownloadAPI, Priority: 2},
		{Name: "tertiary", BaseURL: c.TertiaryDownloadAPI, Priority: 3},
	}
	out := make([]backend.Backend, 0, len(all))
	for _, b := range all {
		if b.BaseURL != "" {
			out = append(out, b)
		}
	}
	return out
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// CacheOptions returns the download cache options.
func (c *Config) CacheOptions() cache.Options {
	opts := cache.DefaultOptions()
	opts.Dir = c.CacheDir
	opts.FetchTimeout = c.FetchTimeout
	opts.ChunkSize = c.ChunkSize
	return opts
}
