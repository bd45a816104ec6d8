package main

import (
	"log/slog"
	"net/http"

	"github.com/ppeguard/ppeguard/server/internal/alerts"
	"github.com/ppeguard/ppeguard/server/internal/config"
)

// buildTransports creates a transport for every channel whose credentials are
// present. Channels without credentials are skipped; alerts naming them are
// reported as not configured. The returned func releases broker connections.
func buildTransports(cfg config.AlertsConfig) ([]alerts.Transport, func()) {
	var out []alerts.Transport
	closers := []func(){}

	if url := cfg.Slack.URL(); url != "" {
		t, err := alerts.NewSlackTransport(url, http.DefaultClient)
		if err != nil {
			slog.Error("alerts: slack disabled", "err", err)
		} else {
			out = append(out, t)
		}
	} else {
		slog.Info("alerts: slack not configured")
	}

	if key := cfg.Email.APIKey(); key != "" {
		t, err := alerts.NewEmailTransport(alerts.EmailConfig{
			APIKey:               key,
			FromEmail:            cfg.Email.FromEmail,
			FromName:             cfg.Email.FromName,
			Recipients:           cfg.Email.Recipients,
			DepartmentRecipients: cfg.Email.DepartmentRecipients,
		})
		if err != nil {
			slog.Error("alerts: email disabled", "err", err)
		} else {
			out = append(out, t)
		}
	} else {
		slog.Info("alerts: email not configured")
	}

	if sid, token := cfg.WhatsApp.AccountSID(), cfg.WhatsApp.AuthToken(); sid != "" && token != "" {
		t, err := alerts.NewWhatsAppTransport(alerts.WhatsAppConfig{
			AccountSID: sid,
			AuthToken:  token,
			From:       cfg.WhatsApp.From,
			Recipients: cfg.WhatsApp.Recipients,
		}, http.DefaultClient)
		if err != nil {
			slog.Error("alerts: whatsapp disabled", "err", err)
		} else {
			out = append(out, t)
		}
	} else {
		slog.Info("alerts: whatsapp not configured")
	}

	if url := cfg.AMQP.URL(); url != "" {
		t, err := alerts.NewAMQPTransport(alerts.AMQPConfig{
			URL:        url,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		})
		if err != nil {
			slog.Error("alerts: amqp disabled", "err", err)
		} else {
			out = append(out, t)
			closers = append(closers, func() { t.Close() }) //nolint:errcheck
		}
	} else {
		slog.Info("alerts: amqp not configured")
	}

	return out, func() {
		for _, c := range closers {
			c()
		}
	}
}
