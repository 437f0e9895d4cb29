package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"rideline/internal/domain"
	"rideline/internal/gate"
	"rideline/internal/retry"
)

const FileName = "rideline.yml"

var validate = validator.New()

// Config models rideline.yml. Credentials never live here; they come from
// the environment.
type Config struct {
	Club struct {
		Name     string `yaml:"name" validate:"required"`
		Timezone string `yaml:"timezone"`
	} `yaml:"club"`
	Remote   RemoteConfig           `yaml:"remote"`
	Calendar CalendarConfig         `yaml:"calendar"`
	Groups   map[string]GroupConfig `yaml:"groups" validate:"required,min=1,dive"`
	Defaults struct {
		Leader   string `yaml:"leader"`
		Location string `yaml:"location"`
	} `yaml:"defaults"`
	Retry    RetryConfig     `yaml:"retry"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
	Logging  struct {
		Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	} `yaml:"logging"`
}

type RemoteConfig struct {
	BaseURL        string `yaml:"base_url" validate:"required,url"`
	AuthMode       string `yaml:"auth_mode" validate:"required,oneof=basic_auth web_session"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
}

type CalendarConfig struct {
	URL     string `yaml:"url" validate:"omitempty,url"`
	Enabled bool   `yaml:"enabled"`
}

type GroupConfig struct {
	StartTime string `yaml:"start_time" validate:"required"`
	Tag       string `yaml:"tag"`
}

type RetryConfig struct {
	FastDelay time.Duration `yaml:"fast_delay"`
	FastPhase time.Duration `yaml:"fast_phase"`
	SlowDelay time.Duration `yaml:"slow_delay"`
	MaxAge    time.Duration `yaml:"max_age"`
	Interval  time.Duration `yaml:"interval"`
	Backend   string        `yaml:"backend" validate:"omitempty,oneof=sqlite redis"`
	RedisURL  string        `yaml:"redis_url" validate:"required_if=Backend redis"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
}

// Validate runs struct tag rules, then the checks tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.club.timezone: %w", err)
	}
	if c.Calendar.Enabled && c.Calendar.URL == "" {
		return fmt.Errorf("config.calendar.url is required when the calendar is enabled")
	}
	for name, g := range c.Groups {
		if name == "" {
			return fmt.Errorf("config.groups contains an empty group name")
		}
		if _, err := time.Parse(domain.TimeLayout, g.StartTime); err != nil {
			return fmt.Errorf("group %s start_time %q must be HH:MM", name, g.StartTime)
		}
	}
	p := c.RetryPolicy()
	if p.FastPhase >= p.MaxAge {
		return fmt.Errorf("config.retry.fast_phase must be shorter than max_age")
	}
	if p.FastDelay > p.FastPhase {
		return fmt.Errorf("config.retry.fast_delay must not exceed fast_phase")
	}
	return nil
}

// Location returns the club's time zone, UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Club.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Club.Timezone)
}

func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy
	if c.Retry.FastDelay > 0 {
		p.FastDelay = c.Retry.FastDelay
	}
	if c.Retry.FastPhase > 0 {
		p.FastPhase = c.Retry.FastPhase
	}
	if c.Retry.SlowDelay > 0 {
		p.SlowDelay = c.Retry.SlowDelay
	}
	if c.Retry.MaxAge > 0 {
		p.MaxAge = c.Retry.MaxAge
	}
	return p
}

// RetryInterval is how often `rl serve` runs a retry pass.
func (c *Config) RetryInterval() time.Duration {
	if c.Retry.Interval > 0 {
		return c.Retry.Interval
	}
	return 5 * time.Minute
}

func (c *Config) RemoteTimeout() time.Duration {
	if c.Remote.TimeoutSeconds > 0 {
		return time.Duration(c.Remote.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// GateGroups projects the group table into what the predicates need.
func (c *Config) GateGroups() map[string]gate.Group {
	out := make(map[string]gate.Group, len(c.Groups))
	for name, g := range c.Groups {
		out[name] = gate.Group{StartTime: g.StartTime}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(club string) string {
	return fmt.Sprintf(defaultTemplate, club)
}

// Default returns the default Config struct for a club.
func Default(club string) *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(club))).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
	return &cfg
}

// FromYAML expands ${VAR} references, then parses and validates.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `club:
  name: %q
  timezone: America/Los_Angeles

remote:
  base_url: https://ridewithgps.com
  auth_mode: basic_auth
  timeout_seconds: 30

calendar:
  enabled: false
  url: ""

groups:
  Sat A:
    start_time: "08:00"
    tag: Sat A
  Sat B:
    start_time: "09:00"
    tag: Sat B
  Sun A:
    start_time: "08:00"
    tag: Sun A

defaults:
  leader: Ride Leader
  location: ""

retry:
  fast_delay: 5m
  fast_phase: 1h
  slow_delay: 1h
  max_age: 48h
  interval: 5m
  backend: sqlite
  redis_url: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0

webhooks: []

logging:
  level: info
`
