package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ignite/send-orchestrator/internal/config"
	"github.com/ignite/send-orchestrator/internal/domain"
)

// Message is one outbound email, already fully rendered. Templating and
// placeholder substitution happen upstream of this core.
type Message struct {
	To        string
	FromEmail string
	FromName  string
	Subject   string
	HTMLBody  string
	TextBody  string
}

// SendResult is the provider's answer to a successful send.
type SendResult struct {
	MessageID      string
	ResponseTimeMs int
}

// Sender delivers a single message through one transport. Implementations
// are selected per account; the worker never branches on transport type
// beyond construction.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// Factory builds a Sender for an account. Injected into workers so tests
// can substitute a Dummy.
type Factory func(account *domain.SenderAccount) (Sender, error)

// NewFactory returns the production factory: api accounts send through
// SES, smtp accounts through the SMTP transport using the credentials
// stored on the account row.
func NewFactory(sesCfg config.SESConfig, smtpCfg config.SMTPConfig) Factory {
	return func(account *domain.SenderAccount) (Sender, error) {
		switch account.Provider {
		case domain.ProviderAPI:
			return NewSESSender(sesCfg.AccessKey, sesCfg.SecretKey, sesCfg.Region)
		case domain.ProviderSMTP:
			var creds domain.SMTPCredentials
			if len(account.Credentials) > 0 {
				if err := json.Unmarshal(account.Credentials, &creds); err != nil {
					return nil, fmt.Errorf("parse smtp credentials for account %s: %w", account.ID, err)
				}
			}
			if creds.Host == "" {
				creds.Host = smtpCfg.Host
			}
			if creds.Port == 0 {
				creds.Port = smtpCfg.Port
			}
			return NewSMTPSender(creds), nil
		default:
			return nil, fmt.Errorf("unknown provider kind %q for account %s", account.Provider, account.ID)
		}
	}
}
