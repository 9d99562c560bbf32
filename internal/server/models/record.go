package models

import "time"

// SyncStatus is the sync state of an internal record.
type SyncStatus string

const (
	SyncUnsynced SyncStatus = "unsynced"
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncFailed   SyncStatus = "failed"
)

// RecordRef identifies one internal record.
type RecordRef struct {
	EntityType EntityType
	OwnerID    string
	ID         string
}

// Record is an internal record of any entity type. Fields holds the mapped
// content columns keyed by column name.
type Record struct {
	ID               string
	OwnerID          string
	EntityType       EntityType
	Fields           map[string]string
	ExternalRecordID string
	SyncStatus       SyncStatus
	LastSyncedAt     *time.Time
	SyncAttemptedAt  *time.Time
	SyncError        string
	UpdatedAt        time.Time
}

func (r *Record) Ref() RecordRef {
	return RecordRef{EntityType: r.EntityType, OwnerID: r.OwnerID, ID: r.ID}
}
