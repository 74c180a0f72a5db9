package chat

import (
	"strings"

	"github.com/google/uuid"
)

// Message and thread ids are UUIDv7 with a type prefix. The whole system
// orders messages by comparing ids as strings, so the id scheme must stay
// monotonic and roughly chronological; UUIDv7's canonical form sorts
// lexically in generation order.

func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "msg_" + id.String(), nil
}

func NewThreadID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "th_" + id.String(), nil
}

// ValidMessageID reports whether raw looks like an id minted by NewMessageID.
func ValidMessageID(raw string) bool {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "msg_") {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(raw, "msg_"))
	return err == nil
}

func ValidThreadID(raw string) bool {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "th_") {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(raw, "th_"))
	return err == nil
}
