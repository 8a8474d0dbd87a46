package provider

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/ignite/send-orchestrator/internal/domain"
)

// Classification is the outcome of mapping a raw send error onto the
// error taxonomy. Kind drives account-level policy (auth suspends the
// account); Retryable drives per-item retry scheduling.
type Classification struct {
	Kind      domain.ErrorKind
	Retryable bool
}

// sesAuthCodes are SES/STS error codes meaning the account's credentials
// are invalid or its sending ability has been revoked.
var sesAuthCodes = map[string]bool{
	"AccountSuspendedException":   true,
	"SendingPausedException":      true,
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"NotAuthorizedException":      true,
}

// sesTransientCodes are SES error codes worth retrying with backoff.
var sesTransientCodes = map[string]bool{
	"TooManyRequestsException":      true,
	"LimitExceededException":        true,
	"ThrottlingException":           true,
	"ServiceUnavailableException":   true,
	"InternalServiceErrorException": true,
	"RequestTimeout":                true,
}

// Classify maps a raw send error onto the taxonomy. It is pure and
// deterministic: the same error signal always yields the same
// classification, since the result drives both retry scheduling and
// account suspension.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: domain.ErrorTransient, Retryable: true}
	}

	// Context expiry and network-level failures are always transient.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Classification{Kind: domain.ErrorTransient, Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Kind: domain.ErrorTransient, Retryable: true}
	}

	// AWS SES API errors carry a stable error code.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case sesAuthCodes[code]:
			return Classification{Kind: domain.ErrorAuth, Retryable: false}
		case sesTransientCodes[code]:
			return Classification{Kind: domain.ErrorTransient, Retryable: true}
		case code == "MessageRejected" || code == "MailFromDomainNotVerifiedException":
			return Classification{Kind: domain.ErrorPermanent, Retryable: false}
		default:
			return Classification{Kind: domain.ErrorPermanent, Retryable: false}
		}
	}

	// SMTP servers answer with a three-digit reply code.
	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) {
		return classifySMTPCode(smtpErr.Code)
	}

	return classifyByText(err.Error())
}

func classifySMTPCode(code int) Classification {
	switch {
	case code == 530 || code == 534 || code == 535 || code == 538:
		return Classification{Kind: domain.ErrorAuth, Retryable: false}
	case code >= 400 && code < 500:
		return Classification{Kind: domain.ErrorTransient, Retryable: true}
	case code == 550 || code == 551 || code == 553:
		// Mailbox unavailable / bad destination: a hard bounce.
		return Classification{Kind: domain.ErrorBounce, Retryable: false}
	case code >= 500:
		return Classification{Kind: domain.ErrorPermanent, Retryable: false}
	default:
		return Classification{Kind: domain.ErrorTransient, Retryable: true}
	}
}

// classifyByText is the last-resort heuristic for errors that carry no
// structured code. Unknown errors default to transient so a flaky provider
// does not terminally fail items; the retry budget still bounds them.
func classifyByText(msg string) Classification {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "credential") ||
		strings.Contains(lower, "username and password not accepted"):
		return Classification{Kind: domain.ErrorAuth, Retryable: false}
	case strings.Contains(lower, "bounce") ||
		strings.Contains(lower, "no such user") ||
		strings.Contains(lower, "mailbox unavailable"):
		return Classification{Kind: domain.ErrorBounce, Retryable: false}
	case strings.Contains(lower, "invalid recipient") ||
		strings.Contains(lower, "rejected"):
		return Classification{Kind: domain.ErrorPermanent, Retryable: false}
	default:
		return Classification{Kind: domain.ErrorTransient, Retryable: true}
	}
}
