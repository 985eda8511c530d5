// Package alerts notifies operators about security events that warrant a
// human look: account lockouts and trusted-device changes.
package alerts

import (
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Alerter delivers security notifications. Delivery is best-effort; a failed
// alert never fails the action that triggered it.
type Alerter interface {
	AccountLocked(username, ip string, attempts int) error
	DeviceChanged(username, ip, userAgent string, at time.Time) error
}

type Config struct {
	Enabled   bool     `yaml:"enabled"`
	SMTPHost  string   `yaml:"smtp_host"`
	SMTPPort  int      `yaml:"smtp_port"`
	FromEmail string   `yaml:"from_email"`
	FromPass  string   `yaml:"from_pass"`
	ToEmails  []string `yaml:"to_emails"`
}

// New returns an email alerter when alerting is enabled, a no-op otherwise.
func New(cfg Config, logger *zap.Logger) (Alerter, error) {
	if !cfg.Enabled {
		return &NoopAlerter{}, nil
	}
	return NewEmailAlerter(cfg, logger)
}

type EmailAlerter struct {
	client    *mail.Client
	fromEmail string
	toEmails  []string
	logger    *zap.Logger
}

func NewEmailAlerter(cfg Config, logger *zap.Logger) (*EmailAlerter, error) {
	client, err := mail.NewClient(cfg.SMTPHost,
		mail.WithPort(cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.FromEmail),
		mail.WithPassword(cfg.FromPass),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}

	return &EmailAlerter{
		client:    client,
		fromEmail: cfg.FromEmail,
		toEmails:  cfg.ToEmails,
		logger:    logger,
	}, nil
}

func (e *EmailAlerter) AccountLocked(username, ip string, attempts int) error {
	body := fmt.Sprintf(
		"Account %q was locked after %d failed login attempts.\n\nLast attempt came from %s. The account stays locked until an administrator unlocks it.",
		username, attempts, ip,
	)
	return e.send(fmt.Sprintf("Account locked - %s", username), body)
}

func (e *EmailAlerter) DeviceChanged(username, ip, userAgent string, at time.Time) error {
	body := fmt.Sprintf(
		"The trusted device for account %q was replaced at %s.\n\nNew device: %s\nIP: %s\n\nIf this was not the account owner, lock the account and rotate its password.",
		username, at.Format(time.RFC3339), userAgent, ip,
	)
	return e.send(fmt.Sprintf("Trusted device changed - %s", username), body)
}

func (e *EmailAlerter) send(subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(e.fromEmail); err != nil {
		return fmt.Errorf("failed to set From address: %w", err)
	}
	if err := msg.To(e.toEmails...); err != nil {
		return fmt.Errorf("failed to set To address: %w", err)
	}

	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := e.client.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

// NoopAlerter implements Alerter but does nothing.
type NoopAlerter struct{}

func (n *NoopAlerter) AccountLocked(string, string, int) error               { return nil }
func (n *NoopAlerter) DeviceChanged(string, string, string, time.Time) error { return nil }
