// Package notification sends transactional email. Delivery is a black-box
// side effect for the auth core: a send failure must never fail the calling
// operation.
package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"github.com/clinicore/backend/internal/config"
)

// Sender delivers auth-related notification emails
type Sender interface {
	SendVerificationEmail(ctx context.Context, to, token string) error
	SendPasswordResetEmail(ctx context.Context, to, token string) error
	SendWelcomeEmail(ctx context.Context, to string) error
}

// Mailer implements Sender over SMTP
type Mailer struct {
	client  *mail.Client
	from    string
	baseURL string
	logger  *slog.Logger
}

// NewMailer creates a Mailer from SMTP configuration
func NewMailer(cfg config.SMTPConfig, logger *slog.Logger) (*Mailer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}

	return &Mailer{
		client:  client,
		from:    cfg.From,
		baseURL: cfg.BaseURL,
		logger:  logger,
	}, nil
}

// SendVerificationEmail sends the email-address verification link
func (m *Mailer) SendVerificationEmail(ctx context.Context, to, token string) error {
	body := fmt.Sprintf(
		"Welcome to the clinic portal.\n\n"+
			"Please verify your email address by opening the link below within 24 hours:\n\n"+
			"%s/api/v1/auth/verify-email/%s\n\n"+
			"If you did not create this account, you can ignore this message.\n",
		m.baseURL, token,
	)
	return m.send(ctx, to, "Verify your email address", body)
}

// SendPasswordResetEmail sends the password reset link
func (m *Mailer) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	body := fmt.Sprintf(
		"A password reset was requested for your account.\n\n"+
			"Use the token below within 1 hour to choose a new password:\n\n"+
			"%s/reset-password?token=%s\n\n"+
			"If you did not request this, you can ignore this message.\n",
		m.baseURL, token,
	)
	return m.send(ctx, to, "Password reset request", body)
}

// SendWelcomeEmail sends the post-verification welcome message
func (m *Mailer) SendWelcomeEmail(ctx context.Context, to string) error {
	body := "Your email address has been verified. You can now sign in to the clinic portal.\n"
	return m.send(ctx, to, "Welcome to the clinic portal", body)
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

// NoopSender discards all mail. Used when SMTP is not configured and in tests.
type NoopSender struct{}

func (NoopSender) SendVerificationEmail(ctx context.Context, to, token string) error { return nil }
func (NoopSender) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	return nil
}
func (NoopSender) SendWelcomeEmail(ctx context.Context, to string) error { return nil }
