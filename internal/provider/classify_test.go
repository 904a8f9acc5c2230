package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/casavia/otpgate/internal/db"
)

type fakeNetError struct{ msg string }

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return true }
func (e *fakeNetError) Temporary() bool { return true }

func apiError(code string, fault smithy.ErrorFault) error {
	return &smithy.GenericAPIError{Code: code, Message: code, Fault: fault}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want db.ErrorKind
	}{
		{"nil", nil, ""},
		{"deadline exceeded", context.DeadlineExceeded, db.ErrorTransient},
		{"wrapped deadline", fmt.Errorf("send message: %w", context.DeadlineExceeded), db.ErrorTransient},
		{"cancelled", context.Canceled, db.ErrorTransient},
		{"network error", &fakeNetError{msg: "dial tcp: i/o timeout"}, db.ErrorTransient},
		{"throttling", apiError("Throttling", smithy.FaultClient), db.ErrorTransient},
		{"service unavailable", apiError("ServiceUnavailable", smithy.FaultServer), db.ErrorTransient},
		{"message rejected", apiError("MessageRejected", smithy.FaultClient), db.ErrorPermanent},
		{"opted out", apiError("OptedOut", smithy.FaultClient), db.ErrorPermanent},
		{"invalid parameter", apiError("InvalidParameter", smithy.FaultClient), db.ErrorPermanent},
		{"unlisted client fault", apiError("AccessDenied", smithy.FaultClient), db.ErrorPermanent},
		{"unlisted server fault", apiError("SomethingBroke", smithy.FaultServer), db.ErrorTransient},
		{"unknown error", errors.New("mystery"), db.ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
