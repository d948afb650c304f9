package types

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/pkg/llm"
)

// ChatMessage is one entry of a session's conversation history.
type ChatMessage struct {
	ID         uuid.UUID
	Role       llm.Role
	Text       string
	Images     []string
	ToolCalls  []llm.ToolCall
	ToolCallID string
	IsSummary  bool
	CreatedAt  time.Time
}

func (m ChatMessage) ToLLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Text,
		Images:     m.Images,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		CreatedAt:  m.CreatedAt,
	}
}

func NewChatMessage(role llm.Role, text string) ChatMessage {
	return ChatMessage{
		ID:        uuid.New(),
		Role:      role,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// ConversationRecord is what the session hands to the persistence
// collaborator when the connection closes.
type ConversationRecord struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Guest     bool
	Messages  []ChatMessage
	Summary   string
	StartedAt time.Time
	EndedAt   time.Time
}

// MemoryFact is a long-term fact extracted from a finished conversation.
type MemoryFact struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Content   string
	Saliency  uint8
	Keywords  []string
	CreatedAt time.Time
}

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Usage tracks a user's metered session time for the current period.
type Usage struct {
	UserID       uuid.UUID
	Tier         Tier
	UsedSeconds  int64
	LimitSeconds int64
	PeriodStart  time.Time
}

func (u Usage) Exhausted() bool {
	return u.UsedSeconds >= u.LimitSeconds
}

func (u Usage) RemainingSeconds() int64 {
	if u.Exhausted() {
		return 0
	}
	return u.LimitSeconds - u.UsedSeconds
}

// ConversationStore is the persistence collaborator: append-only writes
// of finished conversations and extracted facts.
type ConversationStore interface {
	AppendConversation(ctx context.Context, rec ConversationRecord) error
	SaveFact(ctx context.Context, fact MemoryFact) error
}

// UsageStore reads and advances the metered usage counters.
type UsageStore interface {
	FetchUsage(ctx context.Context, userID uuid.UUID, tier Tier) (*Usage, error)
	AddUsage(ctx context.Context, userID uuid.UUID, seconds int64) (*Usage, error)
}
