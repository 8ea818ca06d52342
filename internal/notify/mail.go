package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"secmon/internal/config"
)

// MailChannel sends plain-text mail through an SMTP relay.
type MailChannel struct {
	cfg    config.MailConfig
	dialer net.Dialer
}

func NewMailChannel(cfg config.MailConfig) *MailChannel {
	return &MailChannel{cfg: cfg, dialer: net.Dialer{Timeout: 5 * time.Second}}
}

func (m *MailChannel) Name() string { return MailChannelName }

func (m *MailChannel) Enabled() bool { return m.cfg.Enabled }

func (m *MailChannel) Probe(ctx context.Context) error {
	if m.cfg.Relay == "" {
		return fmt.Errorf("%w: no mail relay configured", ErrChannelUnavailable)
	}
	conn, err := m.dialer.DialContext(ctx, "tcp", m.cfg.Relay)
	if err != nil {
		return fmt.Errorf("%w: mail relay %s: %v", ErrChannelUnavailable, m.cfg.Relay, err)
	}
	return conn.Close()
}

// Deliver sends one message to all recipients. No recipients is a no-op.
func (m *MailChannel) Deliver(ctx context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}

	conn, err := m.dialer.DialContext(ctx, "tcp", m.cfg.Relay)
	if err != nil {
		return fmt.Errorf("dial mail relay: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _, err := net.SplitHostPort(m.cfg.Relay)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mail relay address: %w", err)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range n.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(m.message(n)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}

func (m *MailChannel) message(n Notification) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", n.Subject())
	fmt.Fprintf(&b, "Date: %s\r\n", n.CreatedAt.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(n.Body(), "\n", "\r\n"))
	return []byte(b.String())
}
