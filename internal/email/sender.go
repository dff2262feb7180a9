package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/google/uuid"

	"github.com/STRATINT/postlink/internal/config"
)

// ErrNotConfigured is returned by a LogSender that was not opted into
// log-only delivery: no SMTP host is set, so nothing can be sent.
var ErrNotConfigured = errors.New("smtp is not configured")

// Sender delivers one message and returns the Message-ID it was sent with.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Message is an outgoing email with plain-text and HTML bodies.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// New returns an SMTP sender when a host is configured. Without one it
// returns a LogSender, which fails every send unless cfg.LogOnly is set.
func New(cfg config.EmailConfig, logger *slog.Logger) Sender {
	if cfg.Host == "" {
		if cfg.LogOnly {
			logger.Warn("SMTP_HOST not set and EMAIL_LOG_ONLY on, verification mail will only be logged")
		} else {
			logger.Warn("SMTP_HOST not set, email verification is unavailable")
		}
		return NewLogSender(logger, cfg.LogOnly)
	}
	return NewSMTPSender(cfg, logger)
}

type dialer interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPSender sends mail through an SMTP relay.
type SMTPSender struct {
	from   string
	domain string
	dialer dialer
	logger *slog.Logger
}

// NewSMTPSender creates an SMTPSender. TLSMode is one of "auto",
// "starttls", "ssl" or "none".
func NewSMTPSender(cfg config.EmailConfig, logger *slog.Logger) *SMTPSender {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = 15 * time.Second
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}

	switch cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "starttls":
		d.StartTLSPolicy = mail.MandatoryStartTLS
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	default:
		d.StartTLSPolicy = mail.OpportunisticStartTLS
	}

	return &SMTPSender{
		from:   cfg.From,
		domain: senderDomain(cfg.From, cfg.Host),
		dialer: d,
		logger: logger.With("component", "smtp_sender", "host", cfg.Host, "port", cfg.Port),
	}
}

// Send delivers msg. go-mail has no context support, so ctx is only
// checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", time.Now())

	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
	}
	if msg.HTML != "" {
		if msg.Text == "" {
			m.SetBody("text/html", msg.HTML)
		} else {
			m.AddAlternative("text/html", msg.HTML)
		}
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.Error("smtp send failed", "error", err)
		return "", fmt.Errorf("smtp send: %w", err)
	}

	s.logger.Info("email sent", "message_id", messageID)
	return messageID, nil
}

func senderDomain(from, host string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return strings.TrimSuffix(from[i+1:], ">")
	}
	return host
}

// LogSender stands in when SMTP is not configured. Nothing is ever
// delivered: Send returns ErrNotConfigured, or with logOnly set it logs the
// message and reports success.
type LogSender struct {
	logger  *slog.Logger
	logOnly bool
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger, logOnly bool) *LogSender {
	return &LogSender{logger: logger, logOnly: logOnly}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (string, error) {
	if !s.logOnly {
		s.logger.Warn("email not sent, smtp not configured", "subject", msg.Subject)
		return "", ErrNotConfigured
	}
	messageID := fmt.Sprintf("<%s@localhost>", uuid.NewString())
	s.logger.Info("email logged, not sent",
		"message_id", messageID,
		"to", msg.To,
		"subject", msg.Subject)
	return messageID, nil
}
