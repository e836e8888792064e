package store

import "time"

// ConversationRatchet is one persisted ratchet state per conversation.
type ConversationRatchet struct {
	ConversationID string    `gorm:"primaryKey;type:text"`
	RatchetState   []byte    `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;index"`
}

func (ConversationRatchet) TableName() string { return "conversation_ratchets" }
