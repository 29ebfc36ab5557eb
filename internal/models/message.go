package models

import "fmt"

// Message represents an individual entry within a conversation. Once committed to a transcript a
// message is never modified; its position in the transcript is its only identity.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleNone is reported for an empty transcript. It is never a valid message role.
	RoleNone Role = ""
	// RoleSystem represents a system message. It is synthesized per request from the current settings
	// and never stored in a transcript.
	RoleSystem Role = "system"
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles a message can carry.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ValidateMessages checks that every message has a known role and non-empty content.
func ValidateMessages(messages []Message) error {
	for i, msg := range messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, msg.Role)
		}
		if msg.Content == "" {
			return fmt.Errorf("message %d: empty content", i)
		}
	}
	return nil
}
