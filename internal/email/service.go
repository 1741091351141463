package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"html/template"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/signoff/internal/config"
	"github.com/Togather-Foundation/signoff/internal/notifications"
)

const (
	ProviderResend = "resend"
	ProviderSMTP   = "smtp"
)

//go:embed templates/*.html
var templateFS embed.FS

// Service delivers notification emails through Resend or SMTP.
type Service struct {
	config       config.EmailConfig
	provider     string
	resendClient *resend.Client
	templates    *template.Template
	logger       zerolog.Logger
}

var _ notifications.Gateway = (*Service)(nil)

// messageData holds data for rendering the notification template
type messageData struct {
	Subject     string
	Paragraphs  []string
	CurrentYear int
}

// NewService creates a new email service instance
func NewService(cfg config.EmailConfig, logger zerolog.Logger) (*Service, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderResend
	}

	if cfg.Enabled {
		if err := validateEmailAddress(cfg.From); err != nil {
			return nil, fmt.Errorf("invalid sender email in config: %w", err)
		}
		switch provider {
		case ProviderResend:
			if cfg.ResendAPIKey == "" {
				return nil, fmt.Errorf("RESEND_API_KEY is required for the resend provider")
			}
		case ProviderSMTP:
			if cfg.SMTPHost == "" {
				return nil, fmt.Errorf("SMTP_HOST is required for the smtp provider")
			}
		default:
			return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
		}
	}

	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	svc := &Service{
		config:    cfg,
		provider:  provider,
		templates: templates,
		logger:    logger.With().Str("component", "email").Str("provider", provider).Logger(),
	}
	if cfg.Enabled && provider == ProviderResend {
		svc.resendClient = resend.NewClient(cfg.ResendAPIKey)
	}
	return svc, nil
}

// Notify renders body into the HTML layout and sends it to recipient.
// When email is disabled the message is logged and dropped.
func (s *Service) Notify(ctx context.Context, recipient, subject, body string) error {
	if err := validateEmailAddress(recipient); err != nil {
		return fmt.Errorf("invalid recipient email: %w", err)
	}

	if !s.config.Enabled {
		s.logger.Info().
			Str("to", recipient).
			Str("subject", subject).
			Msg("email service disabled, skipping notification email")
		return nil
	}

	htmlBody, err := s.renderTemplate("approval_request.html", messageData{
		Subject:     subject,
		Paragraphs:  paragraphs(body),
		CurrentYear: time.Now().Year(),
	})
	if err != nil {
		return err
	}

	switch s.provider {
	case ProviderSMTP:
		err = s.sendViaSMTP(recipient, subject, htmlBody)
	default:
		err = s.sendViaResend(ctx, recipient, subject, htmlBody)
	}
	if err != nil {
		return fmt.Errorf("failed to send notification email: %w", err)
	}
	return nil
}

// paragraphs turns each non-blank line of a plain-text body into a paragraph.
func paragraphs(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// validateEmailAddress validates an email address for format and header injection attempts
func validateEmailAddress(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}

	// Check for header injection attempts (newlines)
	if strings.ContainsAny(addr.Address, "\r\n") {
		return fmt.Errorf("invalid email address: contains newline characters")
	}

	return nil
}

// sendViaSMTP sends an email with the given subject and HTML body over STARTTLS
func (s *Service) sendViaSMTP(to, subject, htmlBody string) error {
	from := s.config.From
	headers := []struct{ key, value string }{
		{"From", from},
		{"To", to},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=UTF-8"},
	}

	var msg bytes.Buffer
	for _, h := range headers {
		msg.WriteString(fmt.Sprintf("%s: %s\r\n", h.key, h.value))
	}
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = client.Close() }()

	tlsConfig := &tls.Config{
		ServerName: s.config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("failed to start TLS: %w", err)
	}

	if s.config.SMTPUser != "" {
		auth := smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPassword, s.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := w.Write(msg.Bytes()); err != nil {
		return fmt.Errorf("failed to write email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP connection: %w", err)
	}

	s.logger.Info().Str("to", to).Msg("email sent via SMTP")
	return nil
}

// renderTemplate renders an email template with the given data
func (s *Service) renderTemplate(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}
