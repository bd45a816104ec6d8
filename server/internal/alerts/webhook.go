package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ppeguard/ppeguard/pkg/types"
)

// SlackTransport posts alerts to a Slack incoming webhook using Block Kit.
type SlackTransport struct {
	url    string
	client *http.Client
}

// NewSlackTransport returns a transport posting to webhookURL.
// A nil client falls back to http.DefaultClient; per-attempt deadlines come
// from the dispatcher's context.
func NewSlackTransport(webhookURL string, client *http.Client) (*SlackTransport, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack: webhook url is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackTransport{url: webhookURL, client: client}, nil
}

// Channel implements Transport.
func (s *SlackTransport) Channel() types.Channel { return types.ChannelSlack }

// Send implements Transport.
func (s *SlackTransport) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]interface{}{
		"text":   n.Message,
		"blocks": slackBlocks(n),
	})
	if err != nil {
		return Permanent(fmt.Errorf("slack: encode payload: %w", err))
	}
	return post(ctx, s.client, s.url, "application/json", body)
}

func slackBlocks(n Notification) []map[string]interface{} {
	w, v := n.Worker, n.Verdict
	status := "❌ Non-Compliant"
	if v.IsCompliant {
		status = "✅ Compliant"
	}

	field := func(text string) map[string]string {
		return map[string]string{"type": "mrkdwn", "text": text}
	}

	return []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]string{"type": "plain_text", "text": "🚨 PPE Compliance Alert"},
		},
		{
			"type": "section",
			"fields": []map[string]string{
				field(fmt.Sprintf("*Worker:* %s\n*ID:* %s", orUnknown(w.Name), w.WorkerID)),
				field(fmt.Sprintf("*Department:* %s\n*Location:* %s", orUnknown(w.Department), orUnknown(w.Location))),
				field(fmt.Sprintf("*Time:* %s\n*Shift:* %s", n.SentAt.UTC().Format(timeLayout), orUnknown(w.Shift))),
				field(fmt.Sprintf("*Compliance Score:* %.1f%%\n*Status:* %s", v.Score, status)),
			},
		},
		{
			"type": "section",
			"text": field("*PPE Detection Results:*\n" + strings.Join(ppeLines(v, "✅", "❌"), "\n")),
		},
		{"type": "divider"},
	}
}

// post sends body to url. 4xx responses other than 408 and 429 are permanent.
func post(ctx context.Context, client *http.Client, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	return statusError(resp)
}

// statusError converts a non-2xx response into an error, marking client
// errors as permanent.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	err := fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	return classifyStatus(resp.StatusCode, err)
}

func classifyStatus(code int, err error) error {
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
