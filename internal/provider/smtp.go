package provider

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/send-orchestrator/internal/domain"
)

// SMTPSender delivers mail through a plain SMTP submission endpoint using
// the per-account credentials stored on the sender_accounts row.
type SMTPSender struct {
	creds domain.SMTPCredentials

	// sendMail is swappable for tests; defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an SMTP sender for one account's credentials.
func NewSMTPSender(creds domain.SMTPCredentials) *SMTPSender {
	return &SMTPSender{creds: creds, sendMail: smtp.SendMail}
}

// Send delivers a single email over SMTP. smtp.SendMail has no context
// support, so the dial runs in a goroutine and the result races ctx.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	addr := fmt.Sprintf("%s:%d", s.creds.Host, s.creds.Port)
	var auth smtp.Auth
	if s.creds.Username != "" {
		auth = smtp.PlainAuth("", s.creds.Username, s.creds.Password, s.creds.Host)
	}

	raw := buildMIME(msg)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, msg.FromEmail, []string{msg.To}, raw)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		elapsed := time.Since(start)
		if err != nil {
			return nil, err
		}
		// SMTP has no provider message id; synthesize one for the audit log.
		return &SendResult{
			MessageID:      "smtp-" + uuid.New().String(),
			ResponseTimeMs: int(elapsed.Milliseconds()),
		}, nil
	}
}

// buildMIME renders a multipart/alternative message with text and HTML
// parts. Single-part messages skip the multipart wrapper.
func buildMIME(msg *Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", msg.FromName, msg.FromEmail)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		boundary := "b-" + uuid.New().String()
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.TextBody)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.HTMLBody)
		fmt.Fprintf(&b, "--%s--\r\n", boundary)
	case msg.HTMLBody != "":
		fmt.Fprintf(&b, "Content-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", msg.HTMLBody)
	default:
		fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", msg.TextBody)
	}
	return []byte(b.String())
}
