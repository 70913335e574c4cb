package models

import "github.com/zulandar/plotsync/internal/status"

// ThreadRecord tracks one plot mirrored onto one forum thread. A plot may
// have several rows over time; the row with the highest MessageID is the
// current one.
type ThreadRecord struct {
	MessageID       uint64              `gorm:"primaryKey;autoIncrement:false"`
	ThreadID        uint64              `gorm:"not null"`
	PlotID          int32               `gorm:"not null;index"`
	Status          status.ThreadStatus `gorm:"type:varchar(16);not null"`
	OwnerRef        string              `gorm:"size:64;not null"`
	OwnerPlatformID *string             `gorm:"size:32"`
	Feedback        *string             `gorm:"type:text"`
	SchemaVersion   int32               `gorm:"not null"`
}

// DefaultThreadTable is used when no table name is configured.
const DefaultThreadTable = "plotsync_threads"

// TableName implements gorm's Tabler.
func (ThreadRecord) TableName() string { return DefaultThreadTable }
