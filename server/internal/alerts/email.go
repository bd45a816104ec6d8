package alerts

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/ppeguard/ppeguard/pkg/types"
)

// EmailConfig configures the SendGrid transport.
type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string

	// Recipients always receive the alert.
	Recipients []string
	// DepartmentRecipients adds recipients keyed by lower-case department.
	DepartmentRecipients map[string][]string

	// BaseURL overrides the SendGrid mail send endpoint.
	BaseURL string
}

// EmailTransport sends alerts through the SendGrid v3 API.
type EmailTransport struct {
	cfg EmailConfig
}

// NewEmailTransport validates cfg and returns a SendGrid transport.
func NewEmailTransport(cfg EmailConfig) (*EmailTransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("email: sendgrid api key is empty")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("email: from address is empty")
	}
	if cfg.FromName == "" {
		cfg.FromName = "PPE Compliance System"
	}
	return &EmailTransport{cfg: cfg}, nil
}

// Channel implements Transport.
func (e *EmailTransport) Channel() types.Channel { return types.ChannelEmail }

// Send implements Transport.
func (e *EmailTransport) Send(ctx context.Context, n Notification) error {
	to := e.recipients(n.Worker.Department)
	if len(to) == 0 {
		return Permanent(fmt.Errorf("email: no recipients for department %q", n.Worker.Department))
	}

	htmlBody, err := renderEmailHTML(n)
	if err != nil {
		return Permanent(fmt.Errorf("email: render body: %w", err))
	}

	msg := mail.NewV3Mail()
	msg.SetFrom(mail.NewEmail(e.cfg.FromName, e.cfg.FromEmail))
	msg.Subject = emailSubject(n.Worker)
	p := mail.NewPersonalization()
	for _, addr := range to {
		p.AddTos(mail.NewEmail(addr, addr))
	}
	msg.AddPersonalizations(p)
	msg.AddContent(mail.NewContent("text/plain", emailText(n)))
	msg.AddContent(mail.NewContent("text/html", htmlBody))

	resp, err := e.newClient().SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("email: sendgrid returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
		return classifyStatus(resp.StatusCode, err)
	}
	return nil
}

// newClient returns a fresh client per send; sendgrid.Client stores the
// request body on itself.
func (e *EmailTransport) newClient() *sendgrid.Client {
	c := sendgrid.NewSendClient(e.cfg.APIKey)
	if e.cfg.BaseURL != "" {
		c.Request.BaseURL = e.cfg.BaseURL
	}
	return c
}

// recipients returns the default list plus any department list, deduplicated.
func (e *EmailTransport) recipients(department string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addrs []string) {
		for _, a := range addrs {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	add(e.cfg.Recipients)
	add(e.cfg.DepartmentRecipients[strings.ToLower(department)])
	return out
}

func emailSubject(w types.Worker) string {
	return fmt.Sprintf("PPE Compliance Alert - %s (%s)", orUnknown(w.Name), w.WorkerID)
}

func emailText(n Notification) string {
	var b strings.Builder
	b.WriteString(n.Message)
	b.WriteString("\n\nPPE Detection Results:\n")
	for _, l := range ppeLines(n.Verdict, "DETECTED", "MISSING") {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

var emailHTML = template.Must(template.New("alert").Parse(`<html><body style="font-family: Arial, sans-serif;">
<h2 style="color: #d32f2f;">PPE Compliance Alert</h2>
<table cellpadding="4">
<tr><td><strong>Worker</strong></td><td>{{.Name}} ({{.WorkerID}})</td></tr>
<tr><td><strong>Department</strong></td><td>{{.Department}}</td></tr>
<tr><td><strong>Location</strong></td><td>{{.Location}}</td></tr>
<tr><td><strong>Shift</strong></td><td>{{.Shift}}</td></tr>
<tr><td><strong>Time</strong></td><td>{{.Time}}</td></tr>
<tr><td><strong>Compliance Score</strong></td><td>{{printf "%.1f" .Score}}%</td></tr>
<tr><td><strong>Status</strong></td><td>{{.Status}}</td></tr>
</table>
<h3>PPE Detection Results</h3>
<ul>{{range .Lines}}<li>{{.}}</li>{{end}}</ul>
</body></html>`))

type emailView struct {
	Name       string
	WorkerID   string
	Department string
	Location   string
	Shift      string
	Time       string
	Status     string
	Score      float64
	Lines      []string
}

func renderEmailHTML(n Notification) (string, error) {
	w := n.Worker
	data := emailView{
		Name:       orUnknown(w.Name),
		WorkerID:   w.WorkerID,
		Department: orUnknown(w.Department),
		Location:   orUnknown(w.Location),
		Shift:      orUnknown(w.Shift),
		Time:       n.SentAt.UTC().Format(timeLayout),
		Status:     statusText(n.Verdict),
		Score:      n.Verdict.Score,
		Lines:      ppeLines(n.Verdict, "DETECTED", "MISSING"),
	}
	var buf bytes.Buffer
	if err := emailHTML.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
