package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is read from defaults, then an optional YAML file, then the
// environment. Environment keys are the mapstructure tags.
type Config struct {
	DiscordToken   string        `yaml:"discord_token" mapstructure:"DISCORD_TOKEN"`
	HTTPAddr       string        `yaml:"http_addr" mapstructure:"HTTP_ADDR"`
	APIPrefix      string        `yaml:"api_prefix" mapstructure:"API_PREFIX"`
	AdminAPIToken  string        `yaml:"admin_api_token" mapstructure:"ADMIN_API_TOKEN"`
	ConnectOnStart bool          `yaml:"connect_on_start" mapstructure:"CONNECT_ON_START"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"CONNECT_TIMEOUT"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" mapstructure:"FETCH_TIMEOUT"`
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"COMMAND_TIMEOUT"`
	MessageWindow  int           `yaml:"message_window" mapstructure:"MESSAGE_WINDOW"`

	ReconnectInitial  time.Duration `yaml:"reconnect_initial" mapstructure:"RECONNECT_INITIAL"`
	ReconnectMax      time.Duration `yaml:"reconnect_max" mapstructure:"RECONNECT_MAX"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" mapstructure:"RECONNECT_ATTEMPTS"`

	MemberRefreshCron string `yaml:"member_refresh_cron" mapstructure:"MEMBER_REFRESH_CRON"`

	LogDir         string `yaml:"log_dir" mapstructure:"LOG_DIR"`
	LogLevel       string `yaml:"log_level" mapstructure:"LOG_LEVEL"`
	LogArchiveCron string `yaml:"log_archive_cron" mapstructure:"LOG_ARCHIVE_CRON"`

	SpacesEndpoint string `yaml:"spaces_endpoint" mapstructure:"SPACES_ENDPOINT"`
	SpacesRegion   string `yaml:"spaces_region" mapstructure:"SPACES_REGION"`
	SpacesBucket   string `yaml:"spaces_bucket" mapstructure:"SPACES_BUCKET"`
	SpacesKey      string `yaml:"spaces_key" mapstructure:"SPACES_KEY"`
	SpacesSecret   string `yaml:"spaces_secret" mapstructure:"SPACES_SECRET"`

	Neo4jURL      string `yaml:"neo4j_database_url" mapstructure:"NEO4J_DATABASE_URL"`
	Neo4jUser     string `yaml:"neo4j_database_user" mapstructure:"NEO4J_DATABASE_USER"`
	Neo4jPassword string `yaml:"neo4j_database_password" mapstructure:"NEO4J_DATABASE_PASSWORD"`
	Neo4jDatabase string `yaml:"neo4j_database_name" mapstructure:"NEO4J_DATABASE_NAME"`
	ArchiveQueue  int    `yaml:"archive_queue" mapstructure:"ARCHIVE_QUEUE"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		APIPrefix:         "/api/discord",
		ConnectTimeout:    15 * time.Second,
		FetchTimeout:      10 * time.Second,
		CommandTimeout:    10 * time.Second,
		MessageWindow:     50,
		ReconnectInitial:  time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 6,
		MemberRefreshCron: "@every 30m",
		LogDir:            "logs",
		LogLevel:          "info",
		LogArchiveCron:    "@midnight",
		Neo4jDatabase:     "neo4j",
		ArchiveQueue:      1024,
	}
}

// Load reads path when it is not empty and then applies the process environment.
func Load(path string) (*Config, error) {
	return LoadFrom(path, os.Environ())
}

func LoadFrom(path string, environ []string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}
	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(environ []string) error {
	values := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		values[key] = value
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           c,
	})
	if err != nil {
		return errors.Wrap(err, "failed to build env decoder")
	}
	if err := decoder.Decode(values); err != nil {
		return errors.Wrap(err, "failed to read environment")
	}
	return nil
}

func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"CONNECT_TIMEOUT":   c.ConnectTimeout,
		"FETCH_TIMEOUT":     c.FetchTimeout,
		"COMMAND_TIMEOUT":   c.CommandTimeout,
		"RECONNECT_INITIAL": c.ReconnectInitial,
		"RECONNECT_MAX":     c.ReconnectMax,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("RECONNECT_MAX (%s) is below RECONNECT_INITIAL (%s)", c.ReconnectMax, c.ReconnectInitial)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1, got %d", c.ReconnectAttempts)
	}
	if c.MessageWindow < 1 || c.MessageWindow > 100 {
		return fmt.Errorf("MESSAGE_WINDOW must be between 1 and 100, got %d", c.MessageWindow)
	}
	for key, spec := range map[string]string{
		"MEMBER_REFRESH_CRON": c.MemberRefreshCron,
		"LOG_ARCHIVE_CRON":    c.LogArchiveCron,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return errors.Wrapf(err, "invalid %s %q", key, spec)
		}
	}
	if c.ArchiveQueue < 1 {
		return fmt.Errorf("ARCHIVE_QUEUE must be at least 1, got %d", c.ArchiveQueue)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	return nil
}

func (c *Config) SpacesEnabled() bool {
	return c.SpacesEndpoint != "" && c.SpacesBucket != "" && c.SpacesKey != "" && c.SpacesSecret != ""
}

func (c *Config) Neo4jEnabled() bool {
	return c.Neo4jURL != ""
}
