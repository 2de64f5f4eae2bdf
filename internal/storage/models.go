package storage

import (
	"time"

	"gorm.io/datatypes"
)

// userModel is a row of the users table.
type userModel struct {
	UserID      string    `gorm:"primaryKey;size:191"`
	DisplayName string    `gorm:"size:255"`
	Personality string    `gorm:"size:64;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (userModel) TableName() string { return "users" }

// messageModel is a row of the messages table. Rows are never updated.
type messageModel struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	UserID      string    `gorm:"size:191;not null;index:idx_messages_user_ts,priority:1"`
	Role        string    `gorm:"size:16;not null"`
	Content     string    `gorm:"type:text;not null"`
	DisplayName string    `gorm:"size:255"`
	Timestamp   time.Time `gorm:"column:sent_at;not null;index:idx_messages_user_ts,priority:2"`
}

func (messageModel) TableName() string { return "messages" }

func (m messageModel) toMessage() Message {
	return Message{
		UserID:      m.UserID,
		Role:        Role(m.Role),
		Content:     m.Content,
		DisplayName: m.DisplayName,
		Timestamp:   m.Timestamp.UTC(),
	}
}

// metadataModel is a row of the user_metadata table keyed by (user_id, key).
// Value must stay a text column; sqlite would return JSON scalars as numbers.
type metadataModel struct {
	UserID    string         `gorm:"primaryKey;size:191"`
	Key       string         `gorm:"column:meta_key;primaryKey;size:191"`
	Value     datatypes.JSON `gorm:"type:text;not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (metadataModel) TableName() string { return "user_metadata" }
