package mail

import (
	"fmt"
	"net/smtp"

	"github.com/gofiber/fiber/v2/log"
)

// Config holds the SMTP settings. An empty host disables mail.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

func (c Config) Enabled() bool {
	return c.Host != ""
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends HTML emails via SMTP
type Mailer struct {
	cfg  Config
	send sendFunc
}

func NewMailer(cfg Config) *Mailer {
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

func (m *Mailer) SendMail(to string, subject string, body string) error {
	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.Sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := m.send(addr, auth, m.cfg.Sender, []string{to}, msg)
	if err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
	} else {
		log.Infof("[Mail] Email sent to %s via %s", to, addr)
	}
	return err
}
