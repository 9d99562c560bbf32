package services

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/mapping"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/workspacesync/internal/server/secure"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
)

// maxSyncErrorLen bounds the failure reason stored on a record.
const maxSyncErrorLen = 1000

// SyncStatusTracker moves internal records through
// unsynced/failed → pending → synced|failed and owns the outbound write of
// a single record.
type SyncStatusTracker struct {
	db          dbx.DBTX
	repomanager repomanager.RepositoryManager
	vault       *CredentialVault
	bindings    *BindingRegistry
	clients     workspace.ClientFactory
	log         logging.Logger
	now         func() time.Time
}

func NewSyncStatusTracker(db dbx.DBTX, m repomanager.RepositoryManager, vault *CredentialVault,
	bindings *BindingRegistry, clients workspace.ClientFactory, log logging.Logger) *SyncStatusTracker {
	return &SyncStatusTracker{
		db:          db,
		repomanager: m,
		vault:       vault,
		bindings:    bindings,
		clients:     clients,
		log:         log.With("module", "syncstatus"),
		now:         time.Now,
	}
}

func (t *SyncStatusTracker) MarkPending(ctx context.Context, ref models.RecordRef) error {
	return t.repomanager.Records(t.db).MarkPending(ctx, ref, t.now())
}

// MarkSynced records a successful write of ref as externalID. A record
// already linked to a different external record is never rebound.
func (t *SyncStatusTracker) MarkSynced(ctx context.Context, ref models.RecordRef, externalID string) error {
	externalID = workspace.StableID(externalID)
	if externalID == "" {
		return fmt.Errorf("%w: empty external record id", common.ErrInvalidExternalRef)
	}

	repo := t.repomanager.Records(t.db)
	rec, err := repo.Get(ctx, ref)
	if err != nil {
		return err
	}
	if rec.ExternalRecordID != "" && workspace.StableID(rec.ExternalRecordID) != externalID {
		return fmt.Errorf("%w: record %s is linked to %s", common.ErrExternalIDConflict, ref.ID, rec.ExternalRecordID)
	}
	return repo.MarkSynced(ctx, ref, externalID, t.now())
}

func (t *SyncStatusTracker) MarkFailed(ctx context.Context, ref models.RecordRef, reason string) error {
	reason = truncateUTF8(reason, maxSyncErrorLen)
	return t.repomanager.Records(t.db).MarkFailed(ctx, ref, reason, t.now())
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Mirror writes one internal record to the database bound to its entity
// type. A record already linked to an external record is returned
// unchanged. Write failures are recorded on the record and returned.
func (t *SyncStatusTracker) Mirror(ctx context.Context, userID string, entityType models.EntityType, recordID string) (*models.Record, error) {
	m, err := mapping.For(entityType)
	if err != nil {
		return nil, err
	}

	binding, err := t.bindings.Get(ctx, userID, entityType)
	if err != nil {
		return nil, err
	}
	if binding == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrBindingNotFound, entityType)
	}

	ref := models.RecordRef{EntityType: entityType, OwnerID: userID, ID: recordID}
	repo := t.repomanager.Records(t.db)

	rec, err := repo.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.ExternalRecordID != "" {
		return rec, nil
	}

	cred, secret, err := t.vault.OpenActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	if err := t.MarkPending(ctx, ref); err != nil {
		return nil, err
	}

	client := t.clients.New(cred.ID, secure.TokenProvider(secret))
	externalID, err := client.CreateRecord(ctx, binding.ExternalDatabaseID, m.ToExternal(rec.Fields))
	if err != nil {
		// the attempt is recorded even when the caller has gone away
		if markErr := t.MarkFailed(context.WithoutCancel(ctx), ref, err.Error()); markErr != nil {
			t.log.Error(ctx, "error recording sync failure", "record_id", recordID, "error", markErr)
		}
		mirrorWrites.WithLabelValues(string(entityType), "failed").Inc()
		t.log.Warn(ctx, "mirror failed", "entity_type", entityType, "record_id", recordID, "error", err)
		return nil, fmt.Errorf("error mirroring record: %w", err)
	}

	if err := t.MarkSynced(context.WithoutCancel(ctx), ref, externalID); err != nil {
		t.log.Error(ctx, "mirrored record could not be linked", "entity_type", entityType,
			"record_id", recordID, "external_record_id", externalID, "error", err)
		return nil, fmt.Errorf("record %s written as %s but not linked: %w", recordID, externalID, err)
	}

	mirrorWrites.WithLabelValues(string(entityType), "synced").Inc()
	t.log.Info(ctx, "record mirrored", "entity_type", entityType, "record_id", recordID, "external_record_id", externalID)
	return repo.Get(ctx, ref)
}
