package email

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// EmailType represents the type of email to send
type EmailType string

const (
	EmailTypeJoinLink EmailType = "consultation_join_link"
)

// Email represents an email to be sent
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// JoinLinkEmailData contains data for the consultation invitation
type JoinLinkEmailData struct {
	PatientName string
	DoctorName  string
	Specialty   string
	JoinLink    string
	ExpiresAt   time.Time
}

// Sender defines the interface for sending emails
type Sender interface {
	Send(ctx context.Context, email *Email) error
}

// MockSender logs instead of sending. Used in development and tests.
type MockSender struct {
	Sent []*Email
}

// Send records the email and logs it
func (m *MockSender) Send(ctx context.Context, email *Email) error {
	m.Sent = append(m.Sent, email)
	logger.Info("Mock email sent",
		zap.String("to", email.To),
		zap.String("subject", email.Subject))
	return nil
}

// SMTPSender delivers mail through an SMTP relay with PLAIN auth
type SMTPSender struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTPSender creates an SMTP sender. Auth is skipped when username is empty.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr: fmt.Sprintf("%s:%d", host, port),
		auth: auth,
		from: from,
	}
}

// Send writes a multipart/alternative message to the relay
func (s *SMTPSender) Send(ctx context.Context, email *Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	boundary := fmt.Sprintf("consultlink-%d", time.Now().UnixNano())
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", email.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", email.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, email.Text)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, email.HTML)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{email.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// Service handles email sending operations
type Service struct {
	sender Sender
}

// NewService creates a new email service
func NewService(sender Sender) *Service {
	return &Service{
		sender: sender,
	}
}

// SendJoinLink emails the consultation link to the external participant
func (s *Service) SendJoinLink(ctx context.Context, to string, data *JoinLinkEmailData) error {
	return s.sender.Send(ctx, &Email{
		To:      to,
		Subject: fmt.Sprintf("Your video consultation with %s", data.DoctorName),
		Text:    buildJoinLinkText(data),
		HTML:    buildJoinLinkHTML(data),
	})
}

func buildJoinLinkText(data *JoinLinkEmailData) string {
	return fmt.Sprintf(`Hi %s,

%s has invited you to a video consultation.

Join from your browser using the link below:

%s

This link expires on %s.

The ConsultLink Team`, data.PatientName, data.DoctorName, data.JoinLink, data.ExpiresAt.UTC().Format("Jan 2, 2006 15:04 MST"))
}

func buildJoinLinkHTML(data *JoinLinkEmailData) string {
	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Video consultation - ConsultLink</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .content { background: #ffffff; padding: 30px; border-radius: 8px; }
        .button { display: inline-block; padding: 12px 30px; background: #0f766e; color: #ffffff; text-decoration: none; border-radius: 5px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="content">
        <p>Hi %s,</p>
        <p>%s has invited you to a video consultation.</p>
        <p style="text-align: center;"><a href="%s" class="button">Join consultation</a></p>
        <p><strong>This link expires on %s.</strong></p>
    </div>
</body>
</html>`,
		html.EscapeString(data.PatientName),
		html.EscapeString(data.DoctorName),
		html.EscapeString(data.JoinLink),
		data.ExpiresAt.UTC().Format("Jan 2, 2006 15:04 MST"))
}
