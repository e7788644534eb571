package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type OwnerModel struct {
	ID        string `gorm:"primaryKey"`
	BookCount uint64 `gorm:"not null;default:0"`
	EventSeq  uint64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type BookModel struct {
	OwnerID   string `gorm:"primaryKey"`
	EntryID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Title     string `gorm:"not null"`
	Year      int64  `gorm:"not null"`
	Author    string `gorm:"not null"`
	Completed bool   `gorm:"not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type EventModel struct {
	OwnerID   string         `gorm:"primaryKey"`
	Seq       uint64         `gorm:"primaryKey;autoIncrement:false"`
	Kind      string         `gorm:"not null"`
	BookID    uint64         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}
