package provider

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"

	"github.com/casavia/otpgate/internal/db"
)

// Classify maps a raw provider error to transient or permanent.
// Timeouts, throttling and 5xx-class faults are transient (retryable
// on another provider); rejected or malformed recipients are permanent.
// Unknown errors default to transient so a flaky provider does not
// block failover.
func Classify(err error) db.ErrorKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return db.ErrorTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return db.ErrorTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidParameter", "InvalidParameterValue", "ValidationError",
			"MessageRejected", "MailFromDomainNotVerified", "OptedOut",
			"InvalidParameterException":
			return db.ErrorPermanent
		case "Throttling", "ThrottlingException", "TooManyRequestsException",
			"ServiceUnavailable", "ServiceUnavailableException",
			"InternalFailure", "InternalError", "RequestTimeout":
			return db.ErrorTransient
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return db.ErrorPermanent
		}
		return db.ErrorTransient
	}

	return db.ErrorTransient
}
