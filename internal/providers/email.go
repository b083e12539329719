package providers

import (
	"fmt"
	"time"

	"github.com/coni04123/unicx-integration/internal/config"
	"github.com/coni04123/unicx-integration/pkg/email"
)

// SendPairingEmail notifies a user out-of-band that a new pairing code is
// waiting. Best-effort: the state machine never depends on it.
func SendPairingEmail(cfg config.Config, to, code string, expiresAt time.Time) error {
	if cfg.Email.SMTPServer == "" || cfg.Email.Username == "" || cfg.Email.Password == "" {
		return fmt.Errorf("missing Email configuration: SMTPServer, Username, or Password is empty")
	}

	subject := "Your chat account pairing code"
	body := fmt.Sprintf(
		"A new pairing code was generated for your chat account.\n\n"+
			"Code: %s\n"+
			"Expires: %s\n\n"+
			"Open the dashboard and scan the code before it expires.",
		code, expiresAt.Format(time.RFC1123),
	)

	if err := email.Send(cfg.Email.SMTPServer, cfg.Email.SMTPPort, cfg.Email.Username, cfg.Email.Password, cfg.Email.FromName, to, subject, body); err != nil {
		return fmt.Errorf("failed to send pairing email to %s: %w", to, err)
	}
	return nil
}
