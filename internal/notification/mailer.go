package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"

	"github.com/stanstork/bqrunner/internal/config"
)

// Mailer delivers a plain text message.
type Mailer interface {
	Send(recipients []string, subject, body string) error
}

// SMTPMailer sends mail using an SMTP server.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer constructs a new SMTPMailer from config.
func NewSMTPMailer(cfg config.EmailConfig) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil, errors.New("smtp_host is required")
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email from address is required")
	}

	return &SMTPMailer{
		host:     strings.TrimSpace(cfg.SMTPHost),
		port:     cfg.SMTPPort,
		username: strings.TrimSpace(cfg.Username),
		password: cfg.Password,
		from:     strings.TrimSpace(cfg.From),
		sendMail: smtp.SendMail,
	}, nil
}

func (m *SMTPMailer) message(recipients []string, subject, body string) []byte {
	headers := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n",
		m.from, strings.Join(recipients, ","), subject)
	return []byte(headers + body)
}

func (m *SMTPMailer) Send(recipients []string, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.host, m.port)

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	return errors.Wrap(m.sendMail(addr, auth, m.from, recipients, m.message(recipients, subject, body)), "send mail")
}
