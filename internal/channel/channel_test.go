package channel

import (
	"errors"
	"testing"

	"github.com/relaydesk/relaydesk/internal/models"
)

func TestCanonicalizeRecipient(t *testing.T) {
	cases := []struct {
		name      string
		recipient string
		want      string
		wantErr   bool
	}{
		{"plain digits", "15551234567", "15551234567", false},
		{"formatted number", "+1 (555) 123-4567", "15551234567", false},
		{"whatsapp prefix stripped", "whatsapp:+15551234567", "15551234567", false},
		{"empty", "", "", true},
		{"no digits", "not-a-number", "", true},
		{"too short", "+1-23", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := CanonicalizeRecipient(c.recipient)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", c.recipient, got)
				}
				if c.recipient == "" && !errors.Is(err, models.ErrEmptyRecipient) {
					t.Errorf("expected ErrEmptyRecipient, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("CanonicalizeRecipient(%q) = %q, want %q", c.recipient, got, c.want)
			}
		})
	}
}
