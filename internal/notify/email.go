package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/yuin/goldmark"
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	From         string
	DashboardURL string
}

// EmailNotifier mails the submission owner when a submission is received and
// when its results are ready. Other event kinds are ignored.
type EmailNotifier struct {
	cfg  EmailConfig
	send SendFunc
	md   goldmark.Markdown
}

func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, send: smtp.SendMail, md: goldmark.New()}
}

// WithSender replaces the SMTP transport.
func (n *EmailNotifier) WithSender(send SendFunc) *EmailNotifier {
	c := *n
	c.send = send
	return &c
}

const submittedTemplate = `## OxiWarehouse - Submission Received

We've received your submission. It's been added to our processing queue.

### Submission Details

- **Title:** {{.Submission.Title}}
- **ID:** {{.Submission.ID}}
- **Status:** {{.Submission.Status}}
- **Submitted:** {{.Submission.CreatedAt.Format "2006-01-02 15:04 MST"}}

You'll receive another notification when your results are ready for download.
You can check the status of your submission at any time on your [dashboard]({{.Dashboard}}/dashboard).

_This is an automated message. Please do not reply to this email._
`

const completedTemplate = `## OxiWarehouse - Processing Complete

Your submission has been processed and your results are ready.

### Submission Details

- **Title:** {{.Submission.Title}}
- **ID:** {{.Submission.ID}}
- **Status:** {{.Submission.Status}}
- **Completed:** {{.Completed}}

[View & Download Results]({{.Dashboard}}/submissions/{{.Submission.ID}})

_This is an automated message. Please do not reply to this email._
`

var templates = map[Kind]*template.Template{
	KindSubmitted: template.Must(template.New("submitted").Parse(submittedTemplate)),
	KindCompleted: template.Must(template.New("completed").Parse(completedTemplate)),
}

// Subject returns the mail subject for kind, or "" when kind is not mailed.
func Subject(kind Kind, submissionID string) string {
	switch kind {
	case KindSubmitted:
		return fmt.Sprintf("OxiWarehouse: New Submission Received (ID: %s)", submissionID)
	case KindCompleted:
		return fmt.Sprintf("OxiWarehouse: Results Ready (ID: %s)", submissionID)
	}
	return ""
}

// Render produces the HTML body for ev.
func (n *EmailNotifier) Render(ev Event) (string, error) {
	tmpl, ok := templates[ev.Kind]
	if !ok {
		return "", fmt.Errorf("no email template for %q", ev.Kind)
	}
	completed := ev.Submission.UpdatedAt
	if ev.Submission.CompletedAt != nil {
		completed = *ev.Submission.CompletedAt
	}
	var md bytes.Buffer
	err := tmpl.Execute(&md, map[string]any{
		"Submission": ev.Submission,
		"Dashboard":  strings.TrimRight(n.cfg.DashboardURL, "/"),
		"Completed":  completed.Format("2006-01-02 15:04 MST"),
	})
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", ev.Kind, err)
	}
	var html bytes.Buffer
	if err := n.md.Convert(md.Bytes(), &html); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return html.String(), nil
}

func (n *EmailNotifier) Notify(ctx context.Context, ev Event) error {
	subject := Subject(ev.Kind, ev.Submission.ID)
	if subject == "" || ev.Recipient == nil || ev.Recipient.Email == "" {
		return nil
	}
	if n.cfg.Host == "" {
		return nil
	}
	body, err := n.Render(ev)
	if err != nil {
		return err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", ev.Recipient.Email)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))

	done := make(chan error, 1)
	go func() {
		done <- n.send(addr, auth, n.cfg.From, []string{ev.Recipient.Email}, msg.Bytes())
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send %s email for %s: %w", ev.Kind, ev.Submission.ID, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
