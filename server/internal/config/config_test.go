package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppeguard/ppeguard/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeConfig(t, `detector:
  project: ppe-detection
  version: "1"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Detector.Timeout != DefaultDetectorTimeout {
		t.Errorf("detector.timeout: got %v, want %v", cfg.Detector.Timeout, DefaultDetectorTimeout)
	}
	if cfg.Feed.RecentTTL != DefaultRecentTTL {
		t.Errorf("feed.recent_ttl: got %v, want %v", cfg.Feed.RecentTTL, DefaultRecentTTL)
	}

	rule := cfg.Compliance.Rule()
	if len(rule.Required) != 4 || rule.ConfidenceFloor != DefaultConfidenceFloor {
		t.Errorf("rule: got %+v, want 4 required at floor %v", rule, DefaultConfidenceFloor)
	}
	if got := cfg.Alerts.Channels(); len(got) != 2 || got[0] != types.ChannelSlack || got[1] != types.ChannelEmail {
		t.Errorf("default channels: got %v, want [slack email]", got)
	}
	if pol := cfg.Alerts.Policy(); pol.MaxAttempts != 3 || pol.MaxConcurrency != DefaultMaxConcurrency {
		t.Errorf("policy: got %+v", pol)
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `server:
  http_port: 9091
  log_level: debug
database:
  dsn_env: PPE_DSN
  max_open_conns: 4
detector:
  api_key_env: RF_KEY
  project: site-a
  version: "7"
  timeout: 5s
  classes:
    helmet: [helmet, hardhat]
    goggles: [goggle]
compliance:
  categories: [helmet, goggles]
  required: [helmet]
  confidence_floor: 0.7
alerts:
  max_attempts: 5
  attempt_timeout: 2s
  backoff_initial: 100ms
  backoff_max: 1s
  max_concurrency: 2
  default_channels: [whatsapp, amqp]
  slack:
    url_env: SLACK_URL
  email:
    api_key_env: SG_KEY
    from_email: alerts@plant.example
    recipients: [safety@plant.example]
    department_recipients:
      production: [prod@plant.example]
  whatsapp:
    account_sid_env: TW_SID
    auth_token_env: TW_TOKEN
    from: "+15550001"
    recipients: ["+15550002"]
  amqp:
    url_env: AMQP_URL
    exchange: workflows
feed:
  recent_ttl: 1h
`)
	t.Setenv("PPE_DSN", "user:pw@tcp(db:3306)/ppe")
	t.Setenv("SLACK_URL", "https://hooks.slack.example/x")
	t.Setenv("TW_SID", "AC1")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Level() != slog.LevelDebug {
		t.Errorf("level: got %v, want debug", cfg.Server.Level())
	}
	if cfg.Database.DSN() != "user:pw@tcp(db:3306)/ppe" {
		t.Errorf("dsn: got %q", cfg.Database.DSN())
	}
	if cfg.Alerts.Slack.URL() != "https://hooks.slack.example/x" {
		t.Errorf("slack url: got %q", cfg.Alerts.Slack.URL())
	}
	if cfg.Alerts.WhatsApp.AccountSID() != "AC1" || cfg.Alerts.WhatsApp.AuthToken() != "" {
		t.Errorf("twilio creds: got %q / %q", cfg.Alerts.WhatsApp.AccountSID(), cfg.Alerts.WhatsApp.AuthToken())
	}
	if cfg.Alerts.AMQP.Exchange != "workflows" || cfg.Alerts.AMQP.RoutingKey != "ppe.alert" {
		t.Errorf("amqp: got %+v", cfg.Alerts.AMQP)
	}
	if cfg.Alerts.Email.FromName != "PPE Compliance System" {
		t.Errorf("email.from_name default lost: got %q", cfg.Alerts.Email.FromName)
	}
	if got := cfg.Alerts.Email.DepartmentRecipients["production"]; len(got) != 1 {
		t.Errorf("department recipients: got %v", got)
	}

	rule := cfg.Compliance.Rule()
	if len(rule.Required) != 1 || rule.Required[0] != types.Helmet {
		t.Errorf("required: got %v", rule.Required)
	}
	if len(rule.Known) != 2 || rule.Known[1] != "goggles" {
		t.Errorf("known: got %v", rule.Known)
	}
	if rule.ConfidenceFloor != 0.7 {
		t.Errorf("floor: got %v", rule.ConfidenceFloor)
	}

	classes := cfg.Detector.ClassMap()
	if len(classes["goggles"]) != 1 {
		t.Errorf("classes: got %v", classes)
	}
	pol := cfg.Alerts.Policy()
	if pol.MaxAttempts != 5 || pol.AttemptTimeout != 2*time.Second || pol.BackoffMax != time.Second {
		t.Errorf("policy: got %+v", pol)
	}
	if cfg.Feed.RecentTTL != time.Hour {
		t.Errorf("recent_ttl: got %v", cfg.Feed.RecentTTL)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"port out of range", "server:\n  http_port: 70000\n"},
		{"bad log level", "server:\n  log_level: loud\n"},
		{"empty required", "compliance:\n  required: []\n"},
		{"floor above one", "compliance:\n  confidence_floor: 1.5\n"},
		{"negative attempts", "alerts:\n  max_attempts: -1\n"},
		{"unknown channel", "alerts:\n  default_channels: [pager]\n"},
		{"negative ttl", "feed:\n  recent_ttl: -1m\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Error("Load: want error, got nil")
			}
		})
	}
}

func TestLoad_EmptyRequiredIsConfigurationError(t *testing.T) {
	_, err := Load(writeConfig(t, "compliance:\n  required: []\n"))
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("err: got %v, want ErrConfiguration", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load: want error for missing file")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [unclosed\n")); err == nil {
		t.Fatal("Load: want parse error")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	p := writeConfig(t, "compliance:\n  required: [helmet]\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 16)
	errc := make(chan error, 1)
	go func() { errc <- Watch(ctx, p, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte("compliance:\n  required: [helmet, mask]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	// A truncating write can surface as more than one event; wait for the
	// reload that sees the new content.
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case c := <-got:
			done = len(c.Compliance.Required) == 2
		case <-deadline:
			t.Fatal("no reload with the new rule observed")
		}
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
