package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/workspacesync/internal/server/secure"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
)

// BindingRegistry discovers which external database backs each entity type
// of a user and keeps that mapping.
type BindingRegistry struct {
	db          dbx.DBTX
	tx          dbx.TxRunner
	repomanager repomanager.RepositoryManager
	vault       *CredentialVault
	clients     workspace.ClientFactory
	log         logging.Logger
}

func NewBindingRegistry(db dbx.DBTX, tx dbx.TxRunner, m repomanager.RepositoryManager,
	vault *CredentialVault, clients workspace.ClientFactory, log logging.Logger) *BindingRegistry {
	return &BindingRegistry{
		db:          db,
		tx:          tx,
		repomanager: m,
		vault:       vault,
		clients:     clients,
		log:         log.With("module", "bindings"),
	}
}

// Discover lists the child databases of rootPageID, classifies them by
// title and replaces the user's bindings with the result. Databases that
// classify as unknown are ignored and the first database of each type wins.
func (r *BindingRegistry) Discover(ctx context.Context, userID, rootPageID string) ([]models.DatabaseBinding, error) {
	rootPageID = strings.TrimSpace(rootPageID)
	if rootPageID == "" {
		return nil, fmt.Errorf("%w: empty root page id", common.ErrInvalidExternalRef)
	}

	cred, secret, err := r.vault.OpenActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	client := r.clients.New(cred.ID, secure.TokenProvider(secret))

	page, err := client.GetPage(ctx, rootPageID)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return nil, fmt.Errorf("%w: root page %s: %v", common.ErrBindingStale, rootPageID, err)
		}
		return nil, fmt.Errorf("error reading root page: %w", err)
	}
	if page.Archived {
		return nil, fmt.Errorf("%w: root page %s is archived", common.ErrBindingStale, rootPageID)
	}

	blocks, err := client.ListChildren(ctx, page.ID)
	if err != nil {
		return nil, fmt.Errorf("error listing root page children: %w", err)
	}

	rootID := workspace.StableID(page.ID)
	found := make(map[models.EntityType]models.DatabaseBinding)
	for _, b := range blocks {
		if !b.IsDatabase() {
			continue
		}
		et := Classify(b.Title)
		if et == models.EntityUnknown {
			r.log.Debug(ctx, "unclassified database skipped", "database_id", b.ID, "title", b.Title)
			continue
		}
		if _, ok := found[et]; ok {
			r.log.Info(ctx, "duplicate database for entity type ignored",
				"entity_type", et, "database_id", b.ID, "title", b.Title)
			continue
		}
		found[et] = models.DatabaseBinding{
			UserID:               userID,
			EntityType:           et,
			ExternalDatabaseID:   workspace.StableID(b.ID),
			ExternalDatabaseName: b.Title,
			RootPageID:           rootID,
		}
	}

	var created []models.DatabaseBinding
	err = r.tx.RunInTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := r.repomanager.Bindings(tx)
		if err := repo.DeleteByUser(ctx, userID); err != nil {
			return err
		}
		created = created[:0]
		for _, et := range models.AllEntityTypes {
			b, ok := found[et]
			if !ok {
				continue
			}
			saved, err := repo.Create(ctx, &b)
			if err != nil {
				return err
			}
			created = append(created, *saved)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error saving bindings: %w", err)
	}

	r.log.Info(ctx, "bindings discovered", "user_id", userID, "root_page_id", rootID, "bindings", len(created))
	return created, nil
}

// List returns the user's bindings ordered by entity type.
func (r *BindingRegistry) List(ctx context.Context, userID string) ([]models.DatabaseBinding, error) {
	list, err := r.repomanager.Bindings(r.db).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(list, func(a, b models.DatabaseBinding) int {
		return strings.Compare(string(a.EntityType), string(b.EntityType))
	})
	return list, nil
}

// Get returns the binding of entityType, or nil when the user has none.
func (r *BindingRegistry) Get(ctx context.Context, userID string, entityType models.EntityType) (*models.DatabaseBinding, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownEntityType, entityType)
	}
	b, err := r.repomanager.Bindings(r.db).Get(ctx, userID, entityType)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}
