package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	gosmtp "net/smtp"
	"strings"
	"time"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

const dialTimeout = 10 * time.Second

// MailService is the interface other plugins use to send email.
// This is the cross-plugin contract -- auth uses it for verification and
// password reset messages.
type MailService interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
	IsConfigured(ctx context.Context) bool
}

// smtpService implements MailService.
type smtpService struct {
	settings Settings
	now      func() time.Time
}

// NewSMTPService creates a new SMTP service. Zero Port and empty Encryption
// default to 587 and STARTTLS.
func NewSMTPService(settings Settings) MailService {
	settings.Host = strings.TrimSpace(settings.Host)
	if settings.Port <= 0 {
		settings.Port = 587
	}
	if settings.FromName == "" {
		settings.FromName = "PocketLedger"
	}
	if settings.Encryption == "" {
		settings.Encryption = EncryptionStartTLS
	}
	return &smtpService{settings: settings, now: time.Now}
}

// IsConfigured returns true if a host and sender address are set.
func (s *smtpService) IsConfigured(_ context.Context) bool {
	return s.settings.Host != "" && s.settings.FromAddress != ""
}

// SendMail sends a plain-text email. The context bounds the dial.
func (s *smtpService) SendMail(ctx context.Context, to []string, subject, body string) error {
	if !s.IsConfigured(ctx) {
		return apperror.NewBadRequest("SMTP is not configured")
	}
	if len(to) == 0 {
		return apperror.NewBadRequest("no recipients")
	}

	from := mail.Address{Name: s.settings.FromName, Address: s.settings.FromAddress}
	msg := buildMessage(from, to, subject, body, s.now())

	cfg := s.settings
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))

	// Send based on encryption mode.
	switch cfg.Encryption {
	case EncryptionSSL:
		return s.sendSSL(ctx, addr, cfg.Host, cfg.Username, cfg.Password, from.Address, to, msg)
	case EncryptionNone:
		return s.sendPlain(ctx, addr, cfg.Host, cfg.Username, cfg.Password, from.Address, to, msg)
	default:
		return s.sendStartTLS(ctx, addr, cfg.Host, cfg.Username, cfg.Password, from.Address, to, msg)
	}
}

// buildMessage renders an RFC 5322 message. Header values are stripped of
// CR and LF so a subject cannot inject extra headers.
func buildMessage(from mail.Address, to []string, subject, body string, at time.Time) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", headerValue(strings.Join(to, ", "))))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", headerValue(subject)))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", at.UTC().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

func headerValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// sendStartTLS sends email using STARTTLS (port 587 typical).
func (s *smtpService) sendStartTLS(ctx context.Context, addr, host, username, password, from string, to []string, msg string) error {
	conn, err := dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("starting TLS: %w", err)
	}

	if username != "" {
		auth := gosmtp.PlainAuth("", username, password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}

	return s.sendMessage(client, from, to, msg)
}

// sendSSL sends email using implicit SSL/TLS (port 465 typical).
func (s *smtpService) sendSSL(ctx context.Context, addr, host, username, password, from string, to []string, msg string) error {
	tlsDialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
	}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s (SSL): %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	if username != "" {
		auth := gosmtp.PlainAuth("", username, password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}

	return s.sendMessage(client, from, to, msg)
}

// sendPlain sends email without encryption. Only useful against a local
// relay; net/smtp refuses PLAIN auth over an unencrypted remote connection.
func (s *smtpService) sendPlain(ctx context.Context, addr, host, username, password, from string, to []string, msg string) error {
	conn, err := dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	if username != "" {
		auth := gosmtp.PlainAuth("", username, password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}

	return s.sendMessage(client, from, to, msg)
}

// sendMessage handles MAIL FROM, RCPT TO, DATA for an existing SMTP client.
func (s *smtpService) sendMessage(client *gosmtp.Client, from string, to []string, msg string) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", recipient, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}
	return client.Quit()
}
