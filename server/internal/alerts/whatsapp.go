package alerts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ppeguard/ppeguard/pkg/types"
)

const twilioBaseURL = "https://api.twilio.com"

// WhatsAppConfig configures the Twilio WhatsApp transport.
type WhatsAppConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	Recipients []string

	// BaseURL overrides the Twilio REST endpoint.
	BaseURL string
}

// WhatsAppTransport sends alerts as WhatsApp messages via Twilio.
// A send succeeds when at least one recipient accepts the message.
type WhatsAppTransport struct {
	cfg    WhatsAppConfig
	client *http.Client
}

// NewWhatsAppTransport validates cfg and returns a Twilio transport.
func NewWhatsAppTransport(cfg WhatsAppConfig, client *http.Client) (*WhatsAppTransport, error) {
	switch {
	case cfg.AccountSID == "" || cfg.AuthToken == "":
		return nil, fmt.Errorf("whatsapp: twilio credentials are empty")
	case cfg.From == "":
		return nil, fmt.Errorf("whatsapp: from number is empty")
	case len(cfg.Recipients) == 0:
		return nil, fmt.Errorf("whatsapp: no recipients")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = http.DefaultClient
	}
	return &WhatsAppTransport{cfg: cfg, client: client}, nil
}

// Channel implements Transport.
func (t *WhatsAppTransport) Channel() types.Channel { return types.ChannelWhatsApp }

// Send implements Transport.
func (t *WhatsAppTransport) Send(ctx context.Context, n Notification) error {
	body := n.Message
	if lines := ppeLines(n.Verdict, "OK", "MISSING"); len(lines) > 0 {
		body += "\n\n" + strings.Join(lines, "\n")
	}

	var errs []error
	permanent := true
	for _, to := range t.cfg.Recipients {
		err := t.sendOne(ctx, to, body)
		if err == nil {
			return nil
		}
		if !IsPermanent(err) {
			permanent = false
		}
		errs = append(errs, fmt.Errorf("%s: %w", to, err))
		if ctx.Err() != nil {
			break
		}
	}
	err := fmt.Errorf("whatsapp: all recipients failed: %w", errors.Join(errs...))
	if permanent {
		return Permanent(err)
	}
	return err
}

func (t *WhatsAppTransport) sendOne(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", whatsappAddr(t.cfg.From))
	form.Set("To", whatsappAddr(to))
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.cfg.BaseURL, url.PathEscape(t.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	return statusError(resp)
}

func whatsappAddr(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
