package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppeguard/ppeguard/pkg/types"
	"github.com/ppeguard/ppeguard/server/internal/alerts"
	"github.com/ppeguard/ppeguard/server/internal/engine"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort        = 8080
	DefaultLogLevel        = "info"
	DefaultMaxOpenConns    = 10
	DefaultDetectorTimeout = 30 * time.Second
	DefaultConfidenceFloor = 0.5
	DefaultMaxConcurrency  = 8
	DefaultRecentTTL       = 15 * time.Minute
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Detector   DetectorConfig   `yaml:"detector"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Feed       FeedConfig       `yaml:"feed"`
}

// ServerConfig holds listener and logging settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, WebSocket feed and /metrics listen on.
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// Level returns the slog level for LogLevel.
func (s ServerConfig) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// DatabaseConfig configures the MySQL store. An empty DSN disables
// persistence; the service then keeps workers and records in memory.
type DatabaseConfig struct {
	// DSNEnv is the name of the environment variable holding the MySQL DSN.
	DSNEnv string `yaml:"dsn_env"`

	MaxOpenConns int `yaml:"max_open_conns"`
}

// DSN returns the data source name resolved from the environment.
func (d DatabaseConfig) DSN() string { return env(d.DSNEnv) }

// DetectorConfig configures the Roboflow model client.
type DetectorConfig struct {
	// APIKeyEnv is the name of the environment variable holding the Roboflow key.
	APIKeyEnv string        `yaml:"api_key_env"`
	Project   string        `yaml:"project"`
	Version   string        `yaml:"version"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`

	// Classes maps category names to model class aliases. Empty uses the
	// built-in alias table.
	Classes map[string][]string `yaml:"classes"`
}

// APIKey returns the Roboflow API key resolved from the environment.
func (d DetectorConfig) APIKey() string { return env(d.APIKeyEnv) }

// ClassMap returns Classes keyed by category, or nil when unset.
func (d DetectorConfig) ClassMap() map[types.Category][]string {
	if len(d.Classes) == 0 {
		return nil
	}
	out := make(map[types.Category][]string, len(d.Classes))
	for k, v := range d.Classes {
		out[types.Category(k)] = v
	}
	return out
}

// ComplianceConfig is the compliance rule.
type ComplianceConfig struct {
	// Categories is the known category set reported in every verdict.
	Categories []string `yaml:"categories"`

	// Required lists the categories a worker must wear.
	Required []string `yaml:"required"`

	// ConfidenceFloor is the minimum confidence for a detection to count.
	ConfidenceFloor float64 `yaml:"confidence_floor"`
}

// Rule converts the section into an engine rule.
func (c ComplianceConfig) Rule() engine.Rule {
	return engine.Rule{
		Required:        toCategories(c.Required),
		ConfidenceFloor: c.ConfidenceFloor,
		Known:           toCategories(c.Categories),
	}
}

// AlertsConfig holds the dispatcher policy and channel credentials.
type AlertsConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// MaxConcurrency caps in-flight channel attempts across all events.
	MaxConcurrency int `yaml:"max_concurrency"`

	// DefaultChannels is used when a violation or manual alert names none.
	DefaultChannels []string `yaml:"default_channels"`

	Slack    SlackConfig    `yaml:"slack"`
	Email    EmailConfig    `yaml:"email"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	AMQP     AMQPConfig     `yaml:"amqp"`
}

// Policy returns the dispatcher retry and concurrency policy.
func (a AlertsConfig) Policy() alerts.Config {
	return alerts.Config{
		MaxAttempts:    a.MaxAttempts,
		AttemptTimeout: a.AttemptTimeout,
		BackoffInitial: a.BackoffInitial,
		BackoffMax:     a.BackoffMax,
		MaxConcurrency: a.MaxConcurrency,
	}
}

// Channels returns DefaultChannels as typed channel names.
func (a AlertsConfig) Channels() []types.Channel {
	out := make([]types.Channel, 0, len(a.DefaultChannels))
	for _, c := range a.DefaultChannels {
		out = append(out, types.Channel(c))
	}
	return out
}

// SlackConfig configures the Slack incoming webhook.
type SlackConfig struct {
	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (s SlackConfig) URL() string { return env(s.URLEnv) }

// EmailConfig configures SendGrid delivery.
type EmailConfig struct {
	APIKeyEnv  string   `yaml:"api_key_env"`
	FromEmail  string   `yaml:"from_email"`
	FromName   string   `yaml:"from_name"`
	Recipients []string `yaml:"recipients"`

	// DepartmentRecipients adds recipients per department (lower-case key).
	DepartmentRecipients map[string][]string `yaml:"department_recipients"`
}

// APIKey returns the SendGrid key resolved from the environment.
func (e EmailConfig) APIKey() string { return env(e.APIKeyEnv) }

// WhatsAppConfig configures Twilio WhatsApp delivery.
type WhatsAppConfig struct {
	AccountSIDEnv string   `yaml:"account_sid_env"`
	AuthTokenEnv  string   `yaml:"auth_token_env"`
	From          string   `yaml:"from"`
	Recipients    []string `yaml:"recipients"`
}

// AccountSID returns the Twilio account SID resolved from the environment.
func (w WhatsAppConfig) AccountSID() string { return env(w.AccountSIDEnv) }

// AuthToken returns the Twilio auth token resolved from the environment.
func (w WhatsAppConfig) AuthToken() string { return env(w.AuthTokenEnv) }

// AMQPConfig configures the workflow bus publisher.
type AMQPConfig struct {
	URLEnv     string `yaml:"url_env"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// URL returns the broker URL resolved from the environment.
func (a AMQPConfig) URL() string { return env(a.URLEnv) }

// FeedConfig controls the in-memory recent violations feed.
type FeedConfig struct {
	// RecentTTL is how long a violation stays in the recent feed.
	RecentTTL time.Duration `yaml:"recent_ttl"`
}

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	all := make([]string, 0, 4)
	for _, c := range types.DefaultCategories() {
		all = append(all, string(c))
	}
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			LogLevel: DefaultLogLevel,
		},
		Database: DatabaseConfig{
			MaxOpenConns: DefaultMaxOpenConns,
		},
		Detector: DetectorConfig{
			Timeout: DefaultDetectorTimeout,
		},
		Compliance: ComplianceConfig{
			Categories:      all,
			Required:        append([]string(nil), all...),
			ConfidenceFloor: DefaultConfidenceFloor,
		},
		Alerts: AlertsConfig{
			MaxAttempts:     alerts.DefaultMaxAttempts,
			AttemptTimeout:  alerts.DefaultAttemptTimeout,
			BackoffInitial:  alerts.DefaultBackoffInitial,
			BackoffMax:      alerts.DefaultBackoffMax,
			MaxConcurrency:  DefaultMaxConcurrency,
			DefaultChannels: []string{string(types.ChannelSlack), string(types.ChannelEmail)},
			Email:           EmailConfig{FromName: "PPE Compliance System"},
			AMQP:            AMQPConfig{Exchange: "ppe.alerts", RoutingKey: "ppe.alert"},
		},
		Feed: FeedConfig{
			RecentTTL: DefaultRecentTTL,
		},
	}
}

var knownChannels = map[string]bool{
	string(types.ChannelSlack):    true,
	string(types.ChannelEmail):    true,
	string(types.ChannelWhatsApp): true,
	string(types.ChannelAMQP):     true,
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", cfg.Server.LogLevel)
	}
	if cfg.Database.MaxOpenConns < 0 {
		return fmt.Errorf("database.max_open_conns must not be negative")
	}
	if cfg.Detector.Timeout < 0 {
		return fmt.Errorf("detector.timeout must not be negative")
	}
	if err := cfg.Compliance.Rule().Validate(); err != nil {
		return fmt.Errorf("compliance: %w", err)
	}

	a := cfg.Alerts
	if a.MaxAttempts < 0 || a.MaxConcurrency < 0 {
		return fmt.Errorf("alerts.max_attempts and alerts.max_concurrency must not be negative")
	}
	if a.AttemptTimeout < 0 || a.BackoffInitial < 0 || a.BackoffMax < 0 {
		return fmt.Errorf("alerts durations must not be negative")
	}
	for _, ch := range a.DefaultChannels {
		if !knownChannels[ch] {
			return fmt.Errorf("alerts.default_channels: unknown channel %q", ch)
		}
	}

	if cfg.Feed.RecentTTL < 0 {
		return fmt.Errorf("feed.recent_ttl must not be negative")
	}
	return nil
}

func toCategories(ss []string) []types.Category {
	out := make([]types.Category, 0, len(ss))
	for _, s := range ss {
		out = append(out, types.Category(strings.TrimSpace(s)))
	}
	return out
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
