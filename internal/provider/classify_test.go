package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/ignite/send-orchestrator/internal/domain"
)

func TestClassifySESCodes(t *testing.T) {
	tests := []struct {
		code          string
		wantKind      domain.ErrorKind
		wantRetryable bool
	}{
		{"AccountSuspendedException", domain.ErrorAuth, false},
		{"SendingPausedException", domain.ErrorAuth, false},
		{"InvalidClientTokenId", domain.ErrorAuth, false},
		{"SignatureDoesNotMatch", domain.ErrorAuth, false},
		{"TooManyRequestsException", domain.ErrorTransient, true},
		{"ThrottlingException", domain.ErrorTransient, true},
		{"ServiceUnavailableException", domain.ErrorTransient, true},
		{"MessageRejected", domain.ErrorPermanent, false},
		{"MailFromDomainNotVerifiedException", domain.ErrorPermanent, false},
		{"SomeUnknownException", domain.ErrorPermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := &smithy.GenericAPIError{Code: tt.code, Message: "boom"}
			got := Classify(err)
			if got.Kind != tt.wantKind {
				t.Errorf("Classify(%s).Kind = %s, want %s", tt.code, got.Kind, tt.wantKind)
			}
			if got.Retryable != tt.wantRetryable {
				t.Errorf("Classify(%s).Retryable = %v, want %v", tt.code, got.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestClassifySMTPCodes(t *testing.T) {
	tests := []struct {
		code          int
		wantKind      domain.ErrorKind
		wantRetryable bool
	}{
		{421, domain.ErrorTransient, true},
		{450, domain.ErrorTransient, true},
		{451, domain.ErrorTransient, true},
		{452, domain.ErrorTransient, true},
		{530, domain.ErrorAuth, false},
		{535, domain.ErrorAuth, false},
		{538, domain.ErrorAuth, false},
		{550, domain.ErrorBounce, false},
		{551, domain.ErrorBounce, false},
		{553, domain.ErrorBounce, false},
		{552, domain.ErrorPermanent, false},
		{554, domain.ErrorPermanent, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("code_%d", tt.code), func(t *testing.T) {
			err := &textproto.Error{Code: tt.code, Msg: "smtp reply"}
			got := Classify(err)
			if got.Kind != tt.wantKind {
				t.Errorf("Classify(%d).Kind = %s, want %s", tt.code, got.Kind, tt.wantKind)
			}
			if got.Retryable != tt.wantRetryable {
				t.Errorf("Classify(%d).Retryable = %v, want %v", tt.code, got.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestClassifyNetworkErrors(t *testing.T) {
	timeout := &net.DNSError{Err: "lookup timeout", IsTimeout: true}
	if got := Classify(timeout); got.Kind != domain.ErrorTransient || !got.Retryable {
		t.Errorf("network timeout classified as %+v, want transient/retryable", got)
	}

	if got := Classify(context.DeadlineExceeded); got.Kind != domain.ErrorTransient || !got.Retryable {
		t.Errorf("deadline exceeded classified as %+v, want transient/retryable", got)
	}

	wrapped := fmt.Errorf("send: %w", context.DeadlineExceeded)
	if got := Classify(wrapped); got.Kind != domain.ErrorTransient {
		t.Errorf("wrapped deadline classified as %+v, want transient", got)
	}
}

func TestClassifyTextFallback(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind domain.ErrorKind
	}{
		{"auth text", errors.New("535-5.7.8 Username and Password not accepted"), domain.ErrorAuth},
		{"credential text", errors.New("invalid credentials supplied"), domain.ErrorAuth},
		{"bounce text", errors.New("550 no such user here"), domain.ErrorBounce},
		{"rejected text", errors.New("message rejected by policy"), domain.ErrorPermanent},
		{"unknown defaults transient", errors.New("mysterious failure"), domain.ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got.Kind != tt.wantKind {
				t.Errorf("Classify(%q).Kind = %s, want %s", tt.err, got.Kind, tt.wantKind)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	err := &smithy.GenericAPIError{Code: "TooManyRequestsException"}
	first := Classify(err)
	for i := 0; i < 10; i++ {
		if got := Classify(err); got != first {
			t.Fatalf("classification changed between calls: %+v vs %+v", got, first)
		}
	}
}
