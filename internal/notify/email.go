package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// Email delivers via SMTP with PLAIN auth. Sends are synchronous and
// honor ctx only between dial attempts (net/smtp has no context API).
type Email struct {
	addr       string // host:port
	host       string
	username   string
	password   string
	from       string
	recipients []string
}

type EmailConfig struct {
	SMTPServer string
	SMTPPort   int
	Username   string
	Password   string
	From       string
	Recipients []string
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	host := strings.TrimSpace(cfg.SMTPServer)
	if host == "" {
		return nil, errors.New("email smtp server is empty")
	}
	port := cfg.SMTPPort
	if port <= 0 {
		port = 587
	}
	recipients := make([]string, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, errors.New("email recipients are empty")
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		from = strings.TrimSpace(cfg.Username)
	}
	if from == "" {
		return nil, errors.New("email from address is empty (set from or username)")
	}
	return &Email{
		addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		host:       host,
		username:   strings.TrimSpace(cfg.Username),
		password:   cfg.Password,
		from:       from,
		recipients: recipients,
	}, nil
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}
	return smtp.SendMail(e.addr, auth, e.from, e.recipients, e.compose(msg))
}

// compose renders a minimal RFC 5322 message.
func (e *Email) compose(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Title))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// sanitizeHeader strips CR/LF so a crafted title cannot inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
