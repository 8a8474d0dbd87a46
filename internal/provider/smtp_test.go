package provider

import (
	"context"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"

	"github.com/ignite/send-orchestrator/internal/domain"
)

func TestSMTPSenderSend(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	sender := NewSMTPSender(domain.SMTPCredentials{
		Host: "mail.example.com", Port: 587,
		Username: "sender@example.com", Password: "secret",
	})
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	result, err := sender.Send(context.Background(), &Message{
		To: "dest@example.org", FromEmail: "sender@example.com", FromName: "Sender",
		Subject: "hello", HTMLBody: "<p>hi</p>", TextBody: "hi",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if result.MessageID == "" {
		t.Error("expected synthesized message id")
	}
	if gotAddr != "mail.example.com:587" {
		t.Errorf("addr = %s", gotAddr)
	}
	if gotFrom != "sender@example.com" || len(gotTo) != 1 || gotTo[0] != "dest@example.org" {
		t.Errorf("envelope = %s -> %v", gotFrom, gotTo)
	}
	body := string(gotMsg)
	if !strings.Contains(body, "Subject: hello") {
		t.Errorf("missing subject header in:\n%s", body)
	}
	if !strings.Contains(body, "multipart/alternative") {
		t.Errorf("expected multipart message for html+text, got:\n%s", body)
	}
}

func TestSMTPSenderError(t *testing.T) {
	sender := NewSMTPSender(domain.SMTPCredentials{Host: "mail.example.com", Port: 587})
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return &textproto.Error{Code: 550, Msg: "no such user"}
	}

	_, err := sender.Send(context.Background(), &Message{To: "gone@example.org"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := Classify(err); got.Kind != domain.ErrorBounce {
		t.Errorf("550 classified as %s, want bounce", got.Kind)
	}
}

func TestBuildMIMESinglePart(t *testing.T) {
	raw := string(buildMIME(&Message{
		To: "a@b.c", FromEmail: "x@y.z", FromName: "X",
		Subject: "s", TextBody: "plain only",
	}))
	if strings.Contains(raw, "multipart") {
		t.Errorf("text-only message should not be multipart:\n%s", raw)
	}
	if !strings.Contains(raw, "text/plain") || !strings.Contains(raw, "plain only") {
		t.Errorf("missing text part:\n%s", raw)
	}
}
