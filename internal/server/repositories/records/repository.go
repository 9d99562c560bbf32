package records

import (
	"context"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/server/models"
)

// Counts are the per-binding figures the recovery detector needs.
type Counts struct {
	Total  int
	Failed int
}

// Repository reads and writes the sync overlay of every entity table. The
// table is selected by the entity type of the record or reference.
type Repository interface {
	// Count returns the user's rows and the rows that are failed or pending
	// since before staleBefore.
	Count(ctx context.Context, ownerID string, entityType models.EntityType, staleBefore time.Time) (Counts, error)
	// ListLinked returns the user's rows that carry an external id, keyed by it.
	ListLinked(ctx context.Context, ownerID string, entityType models.EntityType) (map[string]*models.Record, error)
	Get(ctx context.Context, ref models.RecordRef) (*models.Record, error)
	// Insert adds rec. It reports false without error when a row with the
	// same external id already exists for the owner.
	Insert(ctx context.Context, rec *models.Record) (bool, error)
	// AdoptExternal overwrites the content of a row still linked to
	// rec.ExternalRecordID and marks it synced.
	AdoptExternal(ctx context.Context, rec *models.Record, at time.Time) error
	MarkPending(ctx context.Context, ref models.RecordRef, at time.Time) error
	MarkSynced(ctx context.Context, ref models.RecordRef, externalID string, at time.Time) error
	MarkFailed(ctx context.Context, ref models.RecordRef, reason string, at time.Time) error
}
