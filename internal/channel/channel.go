// Package channel provides outbound message delivery to contacts over
// WhatsApp, either through the Twilio API or a direct whatsmeow session.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/relaydesk/relaydesk/internal/models"
)

// Sender delivers a rendered message body to a contact's channel address and
// returns the provider's external message id.
type Sender interface {
	Send(ctx context.Context, to string, body string) (string, error)
}

// ErrSenderClosed is returned when a send is attempted after Close.
var ErrSenderClosed = errors.New("channel sender is closed")

var phoneNumberPattern = regexp.MustCompile(`[^0-9]`)

// CanonicalizeRecipient validates a phone-number recipient and strips all
// non-numeric characters. Each provider formats the canonical number for its
// own wire format.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberPattern.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("Canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
