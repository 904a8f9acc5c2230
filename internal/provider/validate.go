package provider

import (
	"regexp"

	"github.com/casavia/otpgate/internal/db"
)

// Destination format checks run before any provider is touched, so a
// malformed contact never consumes an attempt or a ledger row.
var (
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
)

// ValidDestination reports whether dest is well-formed for the channel.
// Phone numbers must be E.164 (+ country code, 7-15 digits).
func ValidDestination(ch db.Channel, dest string) bool {
	switch ch {
	case db.ChannelSMS:
		return phonePattern.MatchString(dest)
	case db.ChannelEmail:
		return len(dest) <= 254 && emailPattern.MatchString(dest)
	default:
		return false
	}
}
