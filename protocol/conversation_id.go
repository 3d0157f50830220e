package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// ConversationID uniquely identifies a conversation and its rollout file.
// It is stable across process restarts and is the sole external identifier
// for a conversation.
type ConversationID struct {
	id uuid.UUID
}

// NewConversationID generates a fresh random conversation ID.
func NewConversationID() ConversationID {
	return ConversationID{id: uuid.New()}
}

// ParseConversationID parses the canonical hyphenated UUID form.
func ParseConversationID(s string) (ConversationID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ConversationID{}, fmt.Errorf("invalid conversation id %q: %w", s, err)
	}
	return ConversationID{id: id}, nil
}

func (c ConversationID) String() string {
	return c.id.String()
}

// IsZero reports whether the ID is the zero value.
func (c ConversationID) IsZero() bool {
	return c.id == uuid.Nil
}

func (c ConversationID) MarshalText() ([]byte, error) {
	return []byte(c.id.String()), nil
}

func (c *ConversationID) UnmarshalText(text []byte) error {
	id, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", string(text), err)
	}
	c.id = id
	return nil
}
