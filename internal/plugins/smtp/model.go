// Package smtp provides outbound email for PocketLedger. Settings come from
// the environment (see config.SMTPConfig); when no host is configured the
// service reports itself unconfigured and callers fall back to logging.
package smtp

// Encryption modes accepted in Settings.Encryption.
const (
	EncryptionStartTLS = "starttls"
	EncryptionSSL      = "ssl"
	EncryptionNone     = "none"
)

// Settings holds the SMTP connection parameters.
type Settings struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	Encryption  string // "starttls", "ssl", or "none".
}

// Mail represents an email message to be sent.
type Mail struct {
	To      []string
	Subject string
	Body    string
}
