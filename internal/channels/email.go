package channels

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SMTPConfig carries the relay settings for the email adapter.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Pass     string
	From     string
	StartTLS bool
	Timeout  time.Duration
}

// EmailAdapter delivers over a plain SMTP relay with STARTTLS.
type EmailAdapter struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

func NewEmailAdapter(cfg SMTPConfig, logger *zap.Logger) *EmailAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &EmailAdapter{cfg: cfg, logger: logger}
}

func (e *EmailAdapter) Name() string { return "smtp" }

func (e *EmailAdapter) Send(ctx context.Context, msg *Message) Result {
	if msg.Recipient == "" || !strings.Contains(msg.Recipient, "@") {
		return failure(fmt.Errorf("invalid email address %q", msg.Recipient), InvalidRecipient)
	}

	// Deterministic Message-ID so a redelivered bus message produces the
	// same mail identity instead of a duplicate thread.
	messageID := fmt.Sprintf("<alarm-%d-%s@%s>", msg.AlarmID, msg.Channel, e.cfg.Host)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	if err := e.deliver(ctx, msg.Recipient, []byte(b.String())); err != nil {
		return failure(err, classifySMTP(err))
	}
	return Result{
		Success:           true,
		ProviderMessageID: messageID,
		ProviderName:      e.Name(),
	}
}

func (e *EmailAdapter) deliver(ctx context.Context, to string, body []byte) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))

	d := net.Dialer{Timeout: e.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(e.cfg.Timeout))
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if e.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if e.cfg.User != "" {
		auth := smtp.PlainAuth("", e.cfg.User, e.cfg.Pass, e.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return c.Quit()
}

// classifySMTP maps SMTP reply codes onto the retry taxonomy: 4yz is a
// transient server condition, 5yz is permanent, and recipient-level 5yz
// codes (550/551/553) mean the address itself is bad.
func classifySMTP(err error) ErrorKind {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	if len(msg) >= 3 {
		if code, cerr := strconv.Atoi(msg[:3]); cerr == nil {
			switch {
			case code == 550 || code == 551 || code == 553:
				return InvalidRecipient
			case code >= 500:
				return Permanent
			case code >= 400:
				return Retryable
			}
		}
	}
	return Retryable
}

func (e *EmailAdapter) Healthy(ctx context.Context) bool {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

var _ Adapter = (*EmailAdapter)(nil)
