package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models mirroring the hosted backend tables.
type MessageModel struct {
	ID         string         `gorm:"primaryKey"`
	UserID     string         `gorm:"not null;index:idx_messages_thread,priority:1"`
	ExpertName string         `gorm:"not null;index:idx_messages_thread,priority:2"`
	Role       string         `gorm:"not null"`
	Text       string         `gorm:"type:text;not null"`
	Image      []byte         `gorm:"type:bytea"`
	ImageKey   string
	Sources    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_messages_thread,priority:3"`
}

func (MessageModel) TableName() string { return "messages" }

type ContactedExpertModel struct {
	UserID     string    `gorm:"primaryKey"`
	ExpertName string    `gorm:"primaryKey"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (ContactedExpertModel) TableName() string { return "chat_index" }

type BookingModel struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"not null;index"`
	ServiceName    string
	ExpertName     string `gorm:"not null"`
	Context        string
	QuoteMessageID string
	Status         string `gorm:"not null"`
	TotalDisplay   string
	TotalAmount    int `gorm:"not null"`
	ArrivalAt      *time.Time
	CreatedAt      time.Time `gorm:"not null;index"`
}

func (BookingModel) TableName() string { return "repairs" }

type ProfileModel struct {
	ID          string `gorm:"primaryKey"`
	RepairCoins int    `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

func (ProfileModel) TableName() string { return "profiles" }
