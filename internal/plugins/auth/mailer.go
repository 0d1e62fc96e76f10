package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// MailSender is the interface for sending email. Implemented by the SMTP
// plugin. May be nil, or report itself unconfigured, in which case the
// message is only logged.
type MailSender interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
	IsConfigured(ctx context.Context) bool
}

// mailTimeout bounds one delivery, which runs detached from the request.
const mailTimeout = 30 * time.Second

// notifier composes the verification and reset emails.
type notifier struct {
	mail    MailSender
	baseURL string
}

func (n *notifier) verificationMessage(name, token string) (string, string) {
	link := fmt.Sprintf("%s/verify-email?token=%s", n.baseURL, url.QueryEscape(token))
	body := fmt.Sprintf(
		"Hi %s,\n\nWelcome to PocketLedger. Confirm your email address by opening the link below:\n%s\n\n"+
			"If you did not create an account, you can ignore this message.",
		name, link,
	)
	return "Confirm your PocketLedger email", body
}

func (n *notifier) resetMessage(name, token string, ttl time.Duration) (string, string) {
	link := fmt.Sprintf("%s/reset-password?token=%s", n.baseURL, url.QueryEscape(token))
	body := fmt.Sprintf(
		"Hi %s,\n\nSomeone asked to reset the password for your PocketLedger account.\n"+
			"Open the link below to choose a new one:\n%s\n\n"+
			"This link expires in %s and works once. If you did not ask for this, ignore this message.",
		name, link, ttl,
	)
	return "Reset your PocketLedger password", body
}

// send delivers one message. Errors are logged and dropped: a lost email
// never changes the outcome of the operation that triggered it.
func (n *notifier) send(ctx context.Context, kind, to, subject, body, token string) {
	if n.mail == nil || !n.mail.IsConfigured(ctx) {
		slog.Info("mail not configured, message not sent",
			slog.String("kind", kind),
			slog.String("to", to),
			slog.String("token", maskToken(token)),
		)
		return
	}

	if err := n.mail.SendMail(ctx, []string{to}, subject, body); err != nil {
		slog.Warn("failed to send email",
			slog.String("kind", kind),
			slog.String("to", to),
			slog.Any("error", err),
		)
	}
}
