// Package transcript holds the ordered list of finalized conversation messages.
package transcript

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/stream-chat/internal/models"
)

var (
	// ErrEmptyContent is returned when appending a message without content.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrInvalidRole is returned when appending a message with an unknown role.
	ErrInvalidRole = errors.New("invalid message role")
)

// Store is an ordered, append-only sequence of messages. Only Clear and RemoveLast shrink it.
//
// Store is not safe for concurrent use. It expects a single writer, which in this application is the
// session controller serializing access under its own lock.
type Store struct {
	messages []models.Message
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Append adds message to the end of the transcript. Two system messages are never stored next to
// each other.
func (s *Store) Append(message models.Message) error {
	if !message.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, message.Role)
	}
	if message.Content == "" {
		return ErrEmptyContent
	}
	if message.Role == models.RoleSystem && s.LastRole() == models.RoleSystem {
		return fmt.Errorf("%w: adjacent system messages", ErrInvalidRole)
	}
	s.messages = append(s.messages, message)
	return nil
}

// RemoveLast drops the final message. It does nothing on an empty transcript.
func (s *Store) RemoveLast() {
	if len(s.messages) == 0 {
		return
	}
	s.messages = s.messages[:len(s.messages)-1]
}

// Clear empties the transcript.
func (s *Store) Clear() {
	s.messages = nil
}

// Snapshot returns a copy of the messages in conversation order.
func (s *Store) Snapshot() []models.Message {
	return slices.Clone(s.messages)
}

// LastRole returns the role of the final message, or models.RoleNone if the transcript is empty.
func (s *Store) LastRole() models.Role {
	if len(s.messages) == 0 {
		return models.RoleNone
	}
	return s.messages[len(s.messages)-1].Role
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	return len(s.messages)
}
