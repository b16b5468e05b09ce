package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/galois26/page-weight-monitor/internal/model"
)

const (
	ModeProduction = "production"
	ModeDiagnostic = "diagnostic"
)

type BrowserConfig struct {
	ExecPath      string        `yaml:"exec_path"`  // chromium binary; searched in PATH when empty
	RemoteURL     string        `yaml:"remote_url"` // ws:// or http:// of a running browser
	Headless      *bool         `yaml:"headless"`
	NoSandbox     bool          `yaml:"no_sandbox"`
	Args          []string      `yaml:"args"`
	LaunchTimeout time.Duration `yaml:"launch_timeout"`
}

// JobDefaults are merged into every configured URL.
type JobDefaults struct {
	UserAgent     string            `yaml:"user_agent"`
	Viewport      model.Viewport    `yaml:"viewport"`
	Timeout       time.Duration     `yaml:"timeout"`         // 0 = wait for idle forever
	WaitAfterLoad time.Duration     `yaml:"wait_after_load"` // extra settle time
	Block         []string          `yaml:"block"`
	Labels        map[string]string `yaml:"labels"`
}

type URLConfig struct {
	URL           string            `yaml:"url"`
	Label         string            `yaml:"label"`
	Tag           string            `yaml:"tag"`
	UserAgent     string            `yaml:"user_agent"`
	Viewport      *model.Viewport   `yaml:"viewport"`
	Timeout       *time.Duration    `yaml:"timeout"`
	WaitAfterLoad *time.Duration    `yaml:"wait_after_load"`
	Block         []string          `yaml:"block"`
	Labels        map[string]string `yaml:"labels"`
}

type RegexRule struct {
	Field  string            `yaml:"field"` // url|host|path|label|tag|category
	Expr   string            `yaml:"expr"`
	Labels map[string]string `yaml:"labels"`
}

type MapRule struct {
	Field   string            `yaml:"field"`
	Mapping map[string]string `yaml:"mapping"`
	OutKey  string            `yaml:"out_key"`
}

type PostProcessConfig struct {
	Regex []RegexRule `yaml:"regex"`
	Maps  []MapRule   `yaml:"maps"`
}

type VictoriaConfig struct {
	URL        string        `yaml:"url"`     // http://victoria-metrics:8428
	Timeout    time.Duration `yaml:"timeout"` // request timeout
	UserAgent  string        `yaml:"user_agent"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type LokiConfig struct {
	URL        string        `yaml:"url"`       // http://loki:3100
	TenantID   string        `yaml:"tenant_id"` // optional multi-tenancy
	Job        string        `yaml:"job"`       // label value, default: page-weight-monitor
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type PrometheusSinkConfig struct {
	Enable bool `yaml:"enable"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | mysql | postgres
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	Subject        string        `yaml:"subject"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type SinksConfig struct {
	Victoria   VictoriaConfig       `yaml:"victoria"`
	Loki       LokiConfig           `yaml:"loki"`
	Prometheus PrometheusSinkConfig `yaml:"prometheus"`
	Store      StoreConfig          `yaml:"store"`
	Redis      RedisConfig          `yaml:"redis"`
	NATS       NATSConfig           `yaml:"nats"`
}

// Any reports whether at least one persistence sink is configured.
func (s SinksConfig) Any() bool {
	return s.Victoria.URL != "" || s.Loki.URL != "" || s.Prometheus.Enable ||
		s.Store.DSN != "" || s.Redis.Addr != "" || s.NATS.URL != ""
}

type MetricsConfig struct {
	Enable        bool          `yaml:"enable"`
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type Config struct {
	Mode          string            `yaml:"mode"`
	Schedule      string            `yaml:"schedule"` // cron expression; empty -> Interval
	Interval      time.Duration     `yaml:"interval"`
	LogLevel      string            `yaml:"log_level"`
	Concurrency   int               `yaml:"concurrency"`
	RatePerSecond float64           `yaml:"rate_per_second"` // job starts per second, 0 = unlimited
	Burst         int               `yaml:"burst"`
	Browser       BrowserConfig     `yaml:"browser"`
	Defaults      JobDefaults       `yaml:"defaults"`
	URLs          []URLConfig       `yaml:"urls"`
	Post          PostProcessConfig `yaml:"postprocess"`
	Sinks         SinksConfig       `yaml:"sinks"`
	Metrics       MetricsConfig     `yaml:"metrics"`
}

// Load reads a .env file if present, parses the YAML config at path, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "path", Err: fmt.Errorf("read config: %w", err)}
	}
	return Parse(b)
}

// Parse is Load without the file and .env handling.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, &ConfigError{Field: "yaml", Err: fmt.Errorf("parse yaml: %w", err)}
	}
	applyEnv(&c)
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyEnv(c *Config) {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setStr(&c.Mode, "PWM_MODE")
	setStr(&c.LogLevel, "PWM_LOG_LEVEL")
	setStr(&c.Schedule, "PWM_SCHEDULE")
	setStr(&c.Browser.ExecPath, "PWM_BROWSER_EXEC_PATH")
	setStr(&c.Browser.RemoteURL, "PWM_BROWSER_REMOTE_URL")
	setStr(&c.Sinks.Victoria.URL, "PWM_VICTORIA_URL")
	setStr(&c.Sinks.Loki.URL, "PWM_LOKI_URL")
	setStr(&c.Sinks.Loki.TenantID, "PWM_LOKI_TENANT_ID")
	setStr(&c.Sinks.Store.Driver, "PWM_STORE_DRIVER")
	setStr(&c.Sinks.Store.DSN, "PWM_STORE_DSN")
	setStr(&c.Sinks.Redis.Addr, "PWM_REDIS_ADDR")
	setStr(&c.Sinks.Redis.Password, "PWM_REDIS_PASSWORD")
	setStr(&c.Sinks.NATS.URL, "PWM_NATS_URL")
}

func applyDefaults(c *Config) {
	if c.Mode == "" {
		c.Mode = ModeProduction
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Browser.Headless == nil {
		headless := true
		c.Browser.Headless = &headless
	}
	if c.Browser.LaunchTimeout == 0 {
		c.Browser.LaunchTimeout = 30 * time.Second
	}
	if c.Defaults.Viewport.Width == 0 || c.Defaults.Viewport.Height == 0 {
		c.Defaults.Viewport = model.Viewport{Width: 1366, Height: 768}
	}
	if c.Sinks.Loki.Job == "" {
		c.Sinks.Loki.Job = "page-weight-monitor"
	}
	if c.Sinks.Store.DSN != "" && c.Sinks.Store.Driver == "" {
		c.Sinks.Store.Driver = "sqlite"
	}
	if c.Sinks.Redis.Stream == "" {
		c.Sinks.Redis.Stream = "page-weight"
	}
	if c.Sinks.NATS.Subject == "" {
		c.Sinks.NATS.Subject = "page-weight"
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9109"
	}
	if c.Metrics.ReadTimeout == 0 {
		c.Metrics.ReadTimeout = 5 * time.Second
	}
	if c.Metrics.WriteTimeout == 0 {
		c.Metrics.WriteTimeout = 5 * time.Second
	}
	if c.Metrics.IdleTimeout == 0 {
		c.Metrics.IdleTimeout = 60 * time.Second
	}
}

// Validate checks the configuration and returns a *ConfigError on the first problem.
func (c *Config) Validate() error {
	if len(c.URLs) == 0 {
		return &ConfigError{Field: "urls", Err: ErrNoURLs}
	}
	for i, u := range c.URLs {
		if err := validURL(u.URL); err != nil {
			return &ConfigError{Field: fmt.Sprintf("urls[%d].url", i), Err: err}
		}
	}
	switch c.Mode {
	case ModeProduction:
		if !c.Sinks.Any() {
			return &ConfigError{Field: "sinks", Err: errors.New("production mode needs at least one sink")}
		}
	case ModeDiagnostic:
	default:
		return &ConfigError{Field: "mode", Err: fmt.Errorf("unknown mode %q", c.Mode)}
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return &ConfigError{Field: "schedule", Err: err}
		}
	}
	switch c.Sinks.Store.Driver {
	case "", "sqlite", "mysql", "postgres":
	default:
		return &ConfigError{Field: "sinks.store.driver", Err: fmt.Errorf("unsupported driver %q", c.Sinks.Store.Driver)}
	}
	return nil
}

func validURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// Jobs resolves the configured URLs, merged with the defaults, in order.
func (c *Config) Jobs() []model.Job {
	jobs := make([]model.Job, 0, len(c.URLs))
	for _, u := range c.URLs {
		j := model.Job{
			URL:           strings.TrimSpace(u.URL),
			Label:         u.Label,
			Tag:           u.Tag,
			UserAgent:     c.Defaults.UserAgent,
			Viewport:      c.Defaults.Viewport,
			Timeout:       c.Defaults.Timeout,
			WaitAfterLoad: c.Defaults.WaitAfterLoad,
			Block:         append(append([]string(nil), c.Defaults.Block...), u.Block...),
			Labels:        make(map[string]string, len(c.Defaults.Labels)+len(u.Labels)),
		}
		if u.UserAgent != "" {
			j.UserAgent = u.UserAgent
		}
		if u.Viewport != nil {
			j.Viewport = *u.Viewport
		}
		if u.Timeout != nil {
			j.Timeout = *u.Timeout
		}
		if u.WaitAfterLoad != nil {
			j.WaitAfterLoad = *u.WaitAfterLoad
		}
		for k, v := range c.Defaults.Labels {
			j.Labels[k] = v
		}
		for k, v := range u.Labels {
			j.Labels[k] = v
		}
		jobs = append(jobs, j)
	}
	return jobs
}
