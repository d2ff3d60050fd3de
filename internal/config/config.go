package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"QuoteLake/internal/model"
)

// Config holds all application configuration. It is read once at start and
// never changes for the lifetime of the process.
type Config struct {
	Instruments []string `yaml:"instruments" validate:"required,min=1,dive,required"`
	Schedule    struct {
		Period time.Duration `yaml:"period" default:"2m"`
		Cron   string        `yaml:"cron"`
	} `yaml:"schedule"`
	Archive struct {
		Root     string `yaml:"root" default:"datalake" validate:"required"`
		Basename string `yaml:"basename" default:"market_data" validate:"required"`
		Timezone string `yaml:"timezone" default:"UTC" validate:"required"`
		// Temp files younger than this are left alone by the startup sweep;
		// another process may still be about to publish them.
		StaleTempAfter time.Duration `yaml:"stale_temp_after" default:"10m" validate:"min=0"`
	} `yaml:"archive"`
	Fetch struct {
		Concurrency int           `yaml:"concurrency" default:"4" validate:"min=1,max=64"`
		Timeout     time.Duration `yaml:"timeout" default:"15s" validate:"min=0"`
		MaxRetries  int           `yaml:"max_retries" default:"3" validate:"min=0,max=10"`
		Backoff     time.Duration `yaml:"backoff" default:"1s" validate:"min=0"`
		MaxBackoff  time.Duration `yaml:"max_backoff" default:"30s" validate:"min=0"`
	} `yaml:"fetch"`
	Provider struct {
		Type    string `yaml:"type" default:"yahoo" validate:"oneof=yahoo rest"`
		BaseURL string `yaml:"base_url" validate:"required_if=Type rest,omitempty,url"`
		APIKey  string `yaml:"api_key"`
		Proxy   string `yaml:"proxy" validate:"omitempty,url"`
	} `yaml:"provider"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path" default:"data/quotelake.db"`
	} `yaml:"database"`
	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	API struct {
		Addr string `yaml:"addr" default:":8080" validate:"required"`
	} `yaml:"api"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
// A missing file is not an error; defaults and the environment still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Instruments = normalizeSymbols(cfg.Instruments)
	return cfg, nil
}

// LoadForQueryAPI is Load followed by ValidateQueryAPI.
func LoadForQueryAPI(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateQueryAPI(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAndValidate is Load followed by Validate.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Instruments = strings.Split(v, ",")
	}
	if v := os.Getenv("TICK_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TICK_PERIOD: %w", err)
		}
		c.Schedule.Period = d
	}
	if v := os.Getenv("TICK_CRON"); v != "" {
		c.Schedule.Cron = v
	}
	if v := os.Getenv("ARCHIVE_ROOT"); v != "" {
		c.Archive.Root = v
	}
	if v := os.Getenv("ARCHIVE_TIMEZONE"); v != "" {
		c.Archive.Timezone = v
	}
	if v := os.Getenv("FETCH_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FETCH_MAX_RETRIES: %w", err)
		}
		c.Fetch.MaxRetries = n
	}
	if v := os.Getenv("PROVIDER_TYPE"); v != "" {
		c.Provider.Type = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		c.Provider.Proxy = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Database.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		c.API.Addr = v
	}
	return nil
}

// normalizeSymbols uppercases, trims and de-duplicates, keeping first-seen order.
func normalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = model.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Validate checks field rules and that the timezone and schedule are usable.
func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return errors.New("instruments: at least one symbol is required")
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if strings.ContainsAny(c.Archive.Basename, `/\`) {
		return fmt.Errorf("archive.basename %q must not contain path separators", c.Archive.Basename)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Schedule.Cron == "" && c.Schedule.Period < time.Second {
		return fmt.Errorf("schedule.period must be at least 1s, got %s", c.Schedule.Period)
	}
	// cron.Every drops sub-second remainders.
	if c.Schedule.Cron == "" && c.Schedule.Period%time.Second != 0 {
		return fmt.Errorf("schedule.period must be a whole number of seconds, got %s", c.Schedule.Period)
	}
	if _, err := c.TickSchedule(); err != nil {
		return err
	}
	if c.Fetch.MaxBackoff > 0 && c.Fetch.Backoff > c.Fetch.MaxBackoff {
		return fmt.Errorf("fetch.backoff (%s) exceeds fetch.max_backoff (%s)", c.Fetch.Backoff, c.Fetch.MaxBackoff)
	}
	return nil
}

// ValidateQueryAPI checks only what the read-only query API uses: the
// archive location, logging and the listen address.
func (c *Config) ValidateQueryAPI() error {
	err := validator.New().StructPartial(c,
		"Archive.Root", "Archive.Timezone",
		"Log.Level", "Log.Format",
		"API.Addr",
	)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// TimezoneObservesDST reports whether the archive timezone changes its UTC
// offset during the current year. In such a zone the repeated wall-clock
// hour at the end of DST maps to file names already used earlier that night.
func (c *Config) TimezoneObservesDST() (bool, error) {
	loc, err := c.Location()
	if err != nil {
		return false, err
	}
	year := time.Now().Year()
	_, jan := time.Date(year, time.January, 1, 0, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 0, 0, 0, 0, loc).Zone()
	return jan != jul, nil
}

// Location loads the fixed timezone that anchors partitions.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Archive.Timezone)
	if err != nil {
		return nil, fmt.Errorf("archive.timezone %q: %w", c.Archive.Timezone, err)
	}
	return loc, nil
}

// TickSchedule returns the cron schedule for ticks: the cron expression
// evaluated in the archive timezone when set, a fixed period otherwise.
func (c *Config) TickSchedule() (cron.Schedule, error) {
	if c.Schedule.Cron == "" {
		return cron.Every(c.Schedule.Period), nil
	}
	expr := c.Schedule.Cron
	if !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
		expr = "CRON_TZ=" + c.Archive.Timezone + " " + expr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule.cron %q: %w", c.Schedule.Cron, err)
	}
	return sched, nil
}

// CheckArchiveWritable creates the archive root if needed and verifies a
// file can be created in it.
func (c *Config) CheckArchiveWritable() error {
	if err := os.MkdirAll(c.Archive.Root, 0o755); err != nil {
		return fmt.Errorf("archive.root %q: %w", c.Archive.Root, err)
	}
	f, err := os.CreateTemp(c.Archive.Root, ".writecheck-*")
	if err != nil {
		return fmt.Errorf("archive.root %q is not writable: %w", c.Archive.Root, err)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("archive.root %q: remove write check file: %w", c.Archive.Root, err)
	}
	return nil
}

// ArchiveRoot returns the absolute archive root.
func (c *Config) ArchiveRoot() string {
	if abs, err := filepath.Abs(c.Archive.Root); err == nil {
		return abs
	}
	return c.Archive.Root
}
