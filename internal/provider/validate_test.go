package provider

import (
	"strings"
	"testing"

	"github.com/casavia/otpgate/internal/db"
)

func TestValidDestination_Phone(t *testing.T) {
	tests := []struct {
		dest  string
		valid bool
	}{
		{"+15550001111", true},
		{"+447911123456", true},
		{"+861234567", true},
		{"15550001111", false},      // missing +
		{"+05550001111", false},     // leading zero country code
		{"+1555000", false},         // too short
		{"+1234567890123456", false}, // 16 digits
		{"+1 555 000 1111", false},  // spaces
		{"+1555000111a", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := ValidDestination(db.ChannelSMS, tt.dest); got != tt.valid {
			t.Errorf("ValidDestination(sms, %q) = %v, want %v", tt.dest, got, tt.valid)
		}
	}
}

func TestValidDestination_Email(t *testing.T) {
	tests := []struct {
		dest  string
		valid bool
	}{
		{"guest@example.com", true},
		{"host.name+tag@sub.example.co.uk", true},
		{"guest@example", false},  // no TLD
		{"@example.com", false},   // no local part
		{"guest@", false},
		{"guest example.com", false},
		{"guest@-example.com", false}, // label starts with hyphen
		{"", false},
	}

	for _, tt := range tests {
		if got := ValidDestination(db.ChannelEmail, tt.dest); got != tt.valid {
			t.Errorf("ValidDestination(email, %q) = %v, want %v", tt.dest, got, tt.valid)
		}
	}
}

func TestValidDestination_EmailLengthCap(t *testing.T) {
	long := strings.Repeat("a", 250) + "@example.com"
	if ValidDestination(db.ChannelEmail, long) {
		t.Error("addresses over 254 characters should be rejected")
	}
}

func TestValidDestination_UnknownChannel(t *testing.T) {
	if ValidDestination(db.Channel("fax"), "+15550001111") {
		t.Error("unknown channels should never validate")
	}
}
