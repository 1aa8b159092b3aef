package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/go-scripts/perseus-capture/internal/browser"
	"github.com/go-scripts/perseus-capture/internal/fetch"
	"github.com/go-scripts/perseus-capture/internal/flowfilter"
)

// Config is the capture configuration file
type Config struct {
	Output       string        `yaml:"output"`
	DumpDir      string        `yaml:"dump_dir"`
	LogLevel     string        `yaml:"log_level"`
	SkipExisting bool          `yaml:"skip_existing"`
	Capture      CaptureConfig `yaml:"capture"`
	Filter       FilterConfig  `yaml:"filter"`
	Fetch        FetchConfig   `yaml:"fetch"`
	Browser      BrowserConfig `yaml:"browser"`
}

// CaptureConfig bounds a capture run
type CaptureConfig struct {
	MaxQuestions int           `yaml:"max_questions"`
	Timeout      time.Duration `yaml:"timeout"`
	Workers      int           `yaml:"workers"`
}

// FilterConfig selects relevant exchanges
type FilterConfig struct {
	Host               string   `yaml:"host"`
	ManifestOperations []string `yaml:"manifest_operations"`
	ItemOperations     []string `yaml:"item_operations"`
}

// FetchConfig controls active fetching of manifest items
type FetchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	Origin         string        `yaml:"origin"`
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Delay          time.Duration `yaml:"delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BrowserConfig controls the driven browser
type BrowserConfig struct {
	Headless    bool          `yaml:"headless"`
	UserDataDir string        `yaml:"user_data_dir"`
	UserAgent   string        `yaml:"user_agent"`
	StartButton string        `yaml:"start_button"`
	ReloadAfter time.Duration `yaml:"reload_after"`
	NavTimeout  time.Duration `yaml:"nav_timeout"`
}

// Default returns the built-in configuration
func Default() Config {
	f := fetch.DefaultConfig()
	return Config{
		Output:   "khan_academy_json",
		LogLevel: "info",
		Capture: CaptureConfig{
			MaxQuestions: 1000,
			Timeout:      60 * time.Minute,
			Workers:      4,
		},
		Filter: FilterConfig{
			Host:               flowfilter.DefaultHost,
			ManifestOperations: append([]string(nil), flowfilter.DefaultManifestOps...),
			ItemOperations:     append([]string(nil), flowfilter.DefaultItemOps...),
		},
		Fetch: FetchConfig{
			Enabled:        true,
			Endpoint:       f.Endpoint,
			Origin:         f.Origin,
			Concurrency:    f.Concurrency,
			MaxAttempts:    f.MaxAttempts,
			Delay:          f.Delay,
			MaxDelay:       f.MaxDelay,
			InitialBackoff: f.InitialBackoff,
			MaxBackoff:     f.MaxBackoff,
			RequestTimeout: f.RequestTimeout,
		},
		Browser: BrowserConfig{
			Headless:    false,
			ReloadAfter: 2 * time.Minute,
			NavTimeout:  60 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// optional is set.
func Load(fs afero.Fs, path string, optional bool) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Output) == "" {
		problems = append(problems, "output must be set")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log_level %q is not a level", c.LogLevel))
	}
	if c.Capture.MaxQuestions < 0 {
		problems = append(problems, "capture.max_questions must not be negative")
	}
	if c.Capture.Timeout < 0 {
		problems = append(problems, "capture.timeout must not be negative")
	}
	if c.Capture.Workers < 1 {
		problems = append(problems, "capture.workers must be at least 1")
	}
	if c.Fetch.Concurrency < 1 {
		problems = append(problems, "fetch.concurrency must be at least 1")
	}
	if c.Fetch.MaxAttempts < 1 {
		problems = append(problems, "fetch.max_attempts must be at least 1")
	}
	if c.Fetch.Delay < 0 || c.Fetch.MaxDelay < c.Fetch.Delay {
		problems = append(problems, "fetch.delay must be between 0 and fetch.max_delay")
	}
	if c.Fetch.Enabled && !strings.HasPrefix(c.Fetch.Endpoint, "http") {
		problems = append(problems, "fetch.endpoint must be an http(s) URL")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// FetcherConfig converts the fetch section for the fetcher
func (c *Config) FetcherConfig() fetch.Config {
	return fetch.Config{
		Endpoint:       c.Fetch.Endpoint,
		Origin:         c.Fetch.Origin,
		Concurrency:    c.Fetch.Concurrency,
		MaxAttempts:    c.Fetch.MaxAttempts,
		Delay:          c.Fetch.Delay,
		MaxDelay:       c.Fetch.MaxDelay,
		InitialBackoff: c.Fetch.InitialBackoff,
		MaxBackoff:     c.Fetch.MaxBackoff,
		RequestTimeout: c.Fetch.RequestTimeout,
	}
}

// BrowserOptions converts the browser section for the browser driver
func (c *Config) BrowserOptions() browser.Config {
	return browser.Config{
		Headless:    c.Browser.Headless,
		UserDataDir: c.Browser.UserDataDir,
		UserAgent:   c.Browser.UserAgent,
		StartButton: c.Browser.StartButton,
		ReloadAfter: c.Browser.ReloadAfter,
		NavTimeout:  c.Browser.NavTimeout,
	}
}

// NewFilter builds the flow filter from the filter section
func (c *Config) NewFilter() *flowfilter.Filter {
	return flowfilter.New(c.Filter.ManifestOperations, c.Filter.ItemOperations, c.Filter.Host)
}
