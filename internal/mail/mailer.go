package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"boxoffice/internal/config"
	"boxoffice/internal/logger"
	"boxoffice/internal/models"
)

// templates maps a template name to the plain-text body sent to the buyer.
// %s is the order code.
var templates = map[string]string{
	"order_placed":   "Thank you for your order %s. Please complete the payment before the deadline.",
	"order_paid":     "We have received your payment for order %s. See you at the event!",
	"order_approved": "Your order %s has been approved. You can now complete the payment.",
	"order_denied":   "Unfortunately your order %s was not approved.",
	"order_canceled": "Your order %s has been canceled.",
	"order_changed":  "Your order %s has been updated. Please review the new details.",
}

type SMTPMailer struct {
	cfg config.EmailConfig
	log *logger.Logger
}

func NewSMTPMailer(cfg config.EmailConfig, log *logger.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, log: log}
}

// SendOrderMail delivers one transactional mail to the order's buyer.
func (m *SMTPMailer) SendOrderMail(order *models.Order, subject, template string) error {
	if order.Email == "" {
		return nil
	}
	body, ok := templates[template]
	if !ok {
		body = "There is an update regarding your order %s."
	}
	return m.send(order.Email, subject, fmt.Sprintf(body, order.Code))
}

func (m *SMTPMailer) send(to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		body,
	}, "\r\n")

	addr := m.cfg.SMTPHost + ":" + m.cfg.SMTPPort
	var auth smtp.Auth
	if m.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTPUser, m.cfg.SMTPPass, m.cfg.SMTPHost)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	m.log.LogMail(to, fmt.Sprintf("📧 sent %q", subject))
	return nil
}
