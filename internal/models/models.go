package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversational turn. Content is the only mutable field.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ThreadSummary describes a persisted thread for history listings
type ThreadSummary struct {
	ThreadID string     `json:"thread_id"`
	LastAt   *time.Time `json:"last_at,omitempty"`
	Count    int        `json:"count"`
}

// CloneMessages returns a copy of the slice so callers can't mutate the owner's transcript.
func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
