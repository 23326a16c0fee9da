package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abelbrown/gribsync/internal/cache"
	"github.com/abelbrown/gribsync/internal/dataset"
	"github.com/abelbrown/gribsync/internal/fetch"
	"github.com/abelbrown/gribsync/internal/logging"
	"github.com/abelbrown/gribsync/internal/schedule"
)

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "GRIBSYNC_CONFIG"

// DefaultPath is used when neither a flag nor EnvPath names a file.
const DefaultPath = "gribsync.yaml"

// Config is the whole application configuration. It is loaded once and
// passed by value into constructors.
type Config struct {
	Source   fetch.Source      `yaml:"source"`
	HTTP     HTTPConfig        `yaml:"http"`
	Naming   cache.Naming      `yaml:"naming"`
	Schedule ScheduleConfig    `yaml:"schedule"`
	Engine   EngineConfig      `yaml:"engine"`
	Logging  LoggingConfig     `yaml:"logging"`
	API      APIConfig         `yaml:"api"`
	Datasets []dataset.Request `yaml:"datasets"`
}

// HTTPConfig holds transport and politeness settings
type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Rate      float64       `yaml:"rate"` // requests per second, 0 = unlimited
	Burst     int           `yaml:"burst"`
	UserAgent string        `yaml:"user_agent"`
}

// ScheduleConfig describes the product's publication cadence
type ScheduleConfig struct {
	CycleInterval time.Duration       `yaml:"cycle_interval"`
	ExtendedEvery time.Duration       `yaml:"extended_every"`
	StepInterval  time.Duration       `yaml:"step_interval"`
	ExtraDelay    time.Duration       `yaml:"extra_delay"`
	Regular       schedule.KindParams `yaml:"regular"`
	Extended      schedule.KindParams `yaml:"extended"`

	Observe       bool          `yaml:"observe"`        // derive offsets from directory listings
	ObserveCycles int           `yaml:"observe_cycles"` // finished cycles per kind to sample
	RebuildAt     time.Duration `yaml:"rebuild_at"`     // offset from UTC midnight
}

// Params converts the cadence into schedule parameters.
func (s ScheduleConfig) Params() schedule.Params {
	return schedule.Params{
		CycleInterval: s.CycleInterval,
		ExtendedEvery: s.ExtendedEvery,
		StepInterval:  s.StepInterval,
		ExtraDelay:    s.ExtraDelay,
		Regular:       s.Regular,
		Extended:      s.Extended,
	}
}

// EngineConfig holds download loop settings
type EngineConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetry      int           `yaml:"max_retry"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	CacheDir      string        `yaml:"cache_dir"`
	DBPath        string        `yaml:"db_path"`
}

// LoggingConfig holds log destinations
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`        // JSON log lines, empty = console only
	EventsFile string `yaml:"events_file"` // event journal, empty = disabled
}

// APIConfig holds the control API settings
type APIConfig struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// DefaultConfig returns settings for NOAA HRRR CONUS surface files
func DefaultConfig() *Config {
	return &Config{
		Source: fetch.Source{
			BaseURL:          "https://nomads.ncep.noaa.gov",
			DirectoryPattern: "/pub/data/nccf/com/hrrr/prod/hrrr.{yyyyMMdd}/conus/",
			FilterPath:       "/cgi-bin/filter_hrrr_2d.pl",
			FilterDirPattern: "/hrrr.{yyyyMMdd}/conus",
			FilePattern:      "hrrr.t{HH}z.wrfsfcf{step}.grib2",
		},
		HTTP: HTTPConfig{
			Timeout:   2 * time.Minute,
			Rate:      1,
			Burst:     2,
			UserAgent: "gribsync/1.0",
		},
		Naming: cache.Naming{
			Provider: "noaa",
			Product:  "hrrr",
			Region:   "conus",
			Ext:      "grib2",
		},
		Schedule: ScheduleConfig{
			CycleInterval: time.Hour,
			ExtendedEvery: 6 * time.Hour,
			StepInterval:  time.Hour,
			ExtraDelay:    2 * time.Minute,
			Regular:       schedule.KindParams{FirstStep: 0, LastStep: 18, FirstOffset: 49 * time.Minute, LastOffset: 85 * time.Minute},
			Extended:      schedule.KindParams{FirstStep: 0, LastStep: 48, FirstOffset: 49 * time.Minute, LastOffset: 145 * time.Minute},
			Observe:       true,
			ObserveCycles: 3,
			RebuildAt:     3 * time.Hour,
		},
		Engine: EngineConfig{
			CheckInterval: time.Minute,
			RetryDelay:    5 * time.Minute,
			MaxRetry:      6,
			MaxAge:        48 * time.Hour,
			MaxConcurrent: 4,
			FetchTimeout:  5 * time.Minute,
			CacheDir:      "cache",
			DBPath:        "gribsync.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8470",
		},
	}
}

// ResolvePath picks the config file: the explicit path, else EnvPath, else
// DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the config at path over the defaults. A missing file is only
// tolerated for DefaultPath.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	add("source", c.Source.Validate())
	add("schedule", c.Schedule.Params().Validate())
	if c.Schedule.Observe && c.Schedule.ObserveCycles < 1 {
		add("schedule", errors.New("observe_cycles must be at least 1"))
	}
	if c.Schedule.RebuildAt < 0 || c.Schedule.RebuildAt >= 24*time.Hour {
		add("schedule", errors.New("rebuild_at must lie within one day"))
	}

	e := c.Engine
	switch {
	case e.CheckInterval <= 0:
		add("engine", errors.New("check_interval must be positive"))
	case e.RetryDelay <= 0:
		add("engine", errors.New("retry_delay must be positive"))
	case e.MaxRetry < 0:
		add("engine", errors.New("max_retry must not be negative"))
	case e.MaxAge <= 0:
		add("engine", errors.New("max_age must be positive"))
	case e.MaxConcurrent < 1:
		add("engine", errors.New("max_concurrent must be at least 1"))
	case e.FetchTimeout <= 0:
		add("engine", errors.New("fetch_timeout must be positive"))
	case e.CacheDir == "":
		add("engine", errors.New("cache_dir is required"))
	case e.DBPath == "":
		add("engine", errors.New("db_path is required"))
	}

	if c.HTTP.Rate < 0 {
		add("http", errors.New("rate must not be negative"))
	}
	if c.Naming.Provider == "" || c.Naming.Product == "" || c.Naming.Region == "" {
		add("naming", errors.New("provider, product and region are required"))
	}
	_, err := logging.ParseLevel(c.Logging.Level)
	add("logging", err)

	names := map[string]bool{}
	for i, d := range c.Datasets {
		add(fmt.Sprintf("datasets[%d]", i), d.Validate())
		key := strings.ToLower(d.Name)
		if names[key] {
			add(fmt.Sprintf("datasets[%d]", i), fmt.Errorf("duplicate name %q", d.Name))
		}
		names[key] = true
	}

	return errors.Join(errs...)
}
