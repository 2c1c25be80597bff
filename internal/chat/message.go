package chat

import (
	"time"

	"github.com/google/uuid"

	"chatd/pkg/types"
)

// Role tags who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks a message through its lifecycle. Content and status are
// mutable until the message reaches StatusComplete or StatusFailed,
// after which it is logically frozen.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Message is one persisted conversation entry: the UI/audit record, as
// opposed to the bounded inference context kept by the orchestrator.
type Message struct {
	// ID is immutable and unique.
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ReasoningContent carries optional thinking/trace text.
	ReasoningContent string `json:"reasoning_content,omitempty"`
	ImageURL         string `json:"image_url,omitempty"`
	// Timestamp is unix milliseconds at creation.
	Timestamp int64  `json:"timestamp"`
	Status    Status `json:"status"`
}

// NewMessage builds a message with a fresh id and the current time.
func NewMessage(role Role, content string, status Status) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Status:    status,
	}
}

// Turn converts a message into its wire form for model submission.
func (m Message) Turn() types.ChatMessage {
	return types.ChatMessage{Role: string(m.Role), Content: m.Content}
}
