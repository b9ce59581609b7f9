package cache

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewConversationID mints a conversation ID. ULIDs sort by creation time,
// which keeps relational index pages warm for recent conversations.
func NewConversationID() string {
	return ulid.Make().String()
}

// ValidateConversationID checks that an externally supplied conversation ID
// is a ULID or a UUID (dashes optional). Anything else is rejected before it
// reaches a storage key.
func ValidateConversationID(id string) error {
	if _, err := ulid.ParseStrict(id); err == nil {
		return nil
	}
	if isUUID(id) {
		return nil
	}
	return fmt.Errorf("invalid conversation ID %q", id)
}

func isUUID(id string) bool {
	hex := 0
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			hex++
		case r == '-':
		default:
			return false
		}
	}
	return hex == 32
}
