package bindings

import (
	"context"

	"github.com/dmitrijs2005/workspacesync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, b *models.DatabaseBinding) (*models.DatabaseBinding, error)
	DeleteByUser(ctx context.Context, userID string) error
	ListByUser(ctx context.Context, userID string) ([]models.DatabaseBinding, error)
	Get(ctx context.Context, userID string, entityType models.EntityType) (*models.DatabaseBinding, error)
}
