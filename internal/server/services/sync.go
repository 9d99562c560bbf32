package services

import (
	"context"

	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
)

// SyncService is the entry point used by the HTTP API and the CLI. Every
// operation is triggered manually; nothing runs in the background.
type SyncService struct {
	Vault    *CredentialVault
	Bindings *BindingRegistry
	Tracker  *SyncStatusTracker
	Detector *RecoveryDetector
	Engine   *ReconciliationEngine
}

func NewSyncService(db dbx.DBTX, tx dbx.TxRunner, m repomanager.RepositoryManager,
	clients workspace.ClientFactory, archiver Archiver, cfg *config.Config, log logging.Logger) *SyncService {

	vault := NewCredentialVault(db, tx, m, clients, cfg, log)
	bindings := NewBindingRegistry(db, tx, m, vault, clients, log)

	return &SyncService{
		Vault:    vault,
		Bindings: bindings,
		Tracker:  NewSyncStatusTracker(db, m, vault, bindings, clients, log),
		Detector: NewRecoveryDetector(db, m, bindings, cfg.StalePendingAfter, log),
		Engine:   NewReconciliationEngine(db, tx, m, vault, bindings, clients, archiver, cfg, log),
	}
}

// Close releases the vault key material.
func (s *SyncService) Close() {
	s.Vault.Close()
}

func (s *SyncService) CheckRecovery(ctx context.Context, userID string) (*models.RecoveryScenario, error) {
	return s.Detector.Check(ctx, userID)
}

func (s *SyncService) DiscoverBindings(ctx context.Context, userID, rootPageID string) ([]models.DatabaseBinding, error) {
	return s.Bindings.Discover(ctx, userID, rootPageID)
}

func (s *SyncService) ListBindings(ctx context.Context, userID string) ([]models.DatabaseBinding, error) {
	return s.Bindings.List(ctx, userID)
}

func (s *SyncService) Reconcile(ctx context.Context, userID string, entityType models.EntityType) (*models.ReconcileSummary, error) {
	return s.Engine.Reconcile(ctx, userID, entityType)
}

func (s *SyncService) StoreCredential(ctx context.Context, userID, rawKey, keyName string) (*models.Credential, error) {
	return s.Vault.Store(ctx, userID, rawKey, keyName)
}

func (s *SyncService) TestCredential(ctx context.Context, userID, credentialID string) (*models.CredentialCheck, error) {
	return s.Vault.TestCredential(ctx, userID, credentialID)
}

func (s *SyncService) Mirror(ctx context.Context, userID string, entityType models.EntityType, recordID string) (*models.Record, error) {
	return s.Tracker.Mirror(ctx, userID, entityType, recordID)
}
