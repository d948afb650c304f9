package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/llm"
)

type ConversationEntity struct {
	ID        uuid.UUID `gorm:"primaryKey;type:char(36);not null"`
	OwnerID   uuid.UUID `gorm:"column:owner_id;type:char(36);not null;index"`
	Guest     bool      `gorm:"column:guest"`
	Summary   string    `gorm:"type:text"`
	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time      `gorm:"autoCreateTime(3)"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime(3)"`
	DeletedAt gorm.DeletedAt `gorm:"index"`

	Messages []MessageEntity `gorm:"foreignKey:ConversationID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

type MessageEntity struct {
	ID             uuid.UUID `gorm:"primaryKey;type:char(36);not null" json:"id"`
	ConversationID uuid.UUID `gorm:"column:conversation_id;type:char(36);not null;index" json:"conversation_id"`
	Role           string    `gorm:"type:varchar(12)" json:"role"`
	Text           string    `gorm:"type:text" json:"text"`
	IsSummary      bool      `json:"is_summary"`
	CreatedAt      time.Time `json:"created_at"`
}

func (me *MessageEntity) FromDomain(conversationID uuid.UUID, m types.ChatMessage) {
	me.ID = m.ID
	if me.ID == uuid.Nil {
		me.ID = uuid.New()
	}
	me.ConversationID = conversationID
	me.Role = string(m.Role)
	me.Text = m.Text
	me.IsSummary = m.IsSummary
	me.CreatedAt = m.CreatedAt
}

func (me *MessageEntity) ToDomain() types.ChatMessage {
	return types.ChatMessage{
		ID:        me.ID,
		Role:      llm.Role(me.Role),
		Text:      me.Text,
		IsSummary: me.IsSummary,
		CreatedAt: me.CreatedAt,
	}
}

type FactEntity struct {
	ID        uuid.UUID `gorm:"primaryKey;type:char(36);not null"`
	UserID    uuid.UUID `gorm:"column:user_id;type:char(36);not null;index"`
	Content   string    `gorm:"type:text"`
	Saliency  uint8     `gorm:"column:saliency"`
	Keywords  string    `gorm:"type:varchar(255)"`
	CreatedAt time.Time `gorm:"autoCreateTime(3)"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (fe *FactEntity) FromDomain(f types.MemoryFact) {
	fe.ID = f.ID
	fe.UserID = f.UserID
	fe.Content = f.Content
	fe.Saliency = f.Saliency
	fe.Keywords = strings.Join(f.Keywords, ",")
	fe.CreatedAt = f.CreatedAt
}

type UsageEntity struct {
	UserID      uuid.UUID `gorm:"primaryKey;type:char(36);not null"`
	Tier        string    `gorm:"type:varchar(10)"`
	UsedSeconds int64     `gorm:"column:used_seconds"`
	PeriodStart time.Time `gorm:"column:period_start"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime(3)"`
}
