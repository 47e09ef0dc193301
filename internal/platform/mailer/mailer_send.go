package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/mailersend/mailersend-go"

	"github.com/diagnosis/bus-reserve/internal/domain"
)

type Mailer struct {
	client  *mailersend.Mailersend
	from    mailersend.From
	Enabled bool
}

func NewMailer(apiKey, fromName, fromEmail string) *Mailer {
	m := &Mailer{
		Enabled: apiKey != "" && fromEmail != "",
		from: mailersend.From{
			Name:  fromName,
			Email: fromEmail,
		},
	}
	if m.Enabled {
		m.client = mailersend.NewMailersend(apiKey)
	}
	return m
}

func (m *Mailer) Send(toEmail, toName, subject, text, htmlBody string) (string, error) {
	if !m.Enabled {
		return "", errors.New("mailer disabled (missing MAILERSEND_API_KEY or MAILER_FROM)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := m.client.Email.NewMessage()
	msg.SetFrom(m.from)
	msg.SetRecipients([]mailersend.Recipient{{Name: toName, Email: toEmail}})
	msg.SetSubject(subject)
	if strings.TrimSpace(text) != "" {
		msg.SetText(text)
	}
	if strings.TrimSpace(htmlBody) != "" {
		msg.SetHTML(htmlBody)
	}

	res, err := m.client.Email.Send(ctx, msg)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("mailersend error: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	// MailerSend uses X-Message-Id
	return res.Header.Get("X-Message-Id"), nil
}

func (m *Mailer) SendAuditAlert(toEmail string, ev domain.AuditEvent) error {
	subject, text := alertContent(ev)
	htmlBody := "<pre>" + html.EscapeString(text) + "</pre>"
	_, err := m.Send(toEmail, "", subject, text, htmlBody)
	return err
}

// alertContent renders the subject and plain-text body of an alert. Details
// are already sanitized by the audit logger.
func alertContent(ev domain.AuditEvent) (string, string) {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(ev.Severity)), ev.EventType)

	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\n", ev.EventType)
	fmt.Fprintf(&b, "Severity: %s\n", ev.Severity)
	fmt.Fprintf(&b, "Time: %s\n", ev.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Event ID: %s\n", ev.ID)
	if ev.ResourceType != "" {
		fmt.Fprintf(&b, "Resource: %s %s\n", ev.ResourceType, ev.ResourceID)
	}
	if ev.Action != "" {
		fmt.Fprintf(&b, "Action: %s\n", ev.Action)
	}
	if len(ev.Details) > 0 {
		details, err := json.MarshalIndent(ev.Details, "", "  ")
		if err != nil {
			details = []byte(fmt.Sprint(ev.Details))
		}
		fmt.Fprintf(&b, "Details:\n%s\n", details)
	}
	return subject, b.String()
}
