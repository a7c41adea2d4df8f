// Package domain contains persistence models for raw POS event ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RawEvent is an append-only bronze record. One row exists per logical
// transaction; re-delivery of the same transaction_id never creates another.
type RawEvent struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	TransactionID string         `gorm:"uniqueIndex;not null"`
	StoreID       string         `gorm:"not null"`
	DeviceID      string         `gorm:"type:text"`
	CapturedAt    time.Time      `gorm:"not null"`
	IngestedAt    time.Time      `gorm:"index;not null"`
	SourceFile    string         `gorm:"type:text"`
	Payload       datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RawEvent) TableName() string { return "bronze_events" }
