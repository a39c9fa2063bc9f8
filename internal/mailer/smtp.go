// Package mailer implements the email collaborator used by notification
// fan-out.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"edurelay/internal/logging"
)

// sendMailHook allows tests to override SMTP sending behavior.
var sendMailHook = smtp.SendMail

var ErrNoRecipient = errors.New("mailer: recipient address is empty")

// SMTP sends plain-text mail through a relay.
type SMTP struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Send delivers one message to to.
func (s *SMTP) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}

	from := s.From
	if from == "" {
		from = s.User
	}
	var auth smtp.Auth
	if s.User != "" {
		auth = smtp.PlainAuth("", s.User, s.Pass, s.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	header := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n",
		from, to, sanitizeHeader(subject),
	)
	return sendMailHook(addr, auth, from, []string{to}, []byte(header+body))
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// LogOnly records mail in the log instead of sending it. Used when no relay
// is configured.
type LogOnly struct{}

func (LogOnly) Send(ctx context.Context, to, subject, body string) error {
	logging.Log.Info().Str("to", to).Str("subject", subject).Int("bytes", len(body)).Msg("Email (not sent, no SMTP host configured)")
	return nil
}
