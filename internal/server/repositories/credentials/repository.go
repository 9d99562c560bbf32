package credentials

import (
	"context"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, c *models.Credential) (*models.Credential, error)
	DeactivateAll(ctx context.Context, userID string) error
	GetByID(ctx context.Context, id string) (*models.Credential, error)
	GetForUser(ctx context.Context, userID, id string) (*models.Credential, error)
	GetActive(ctx context.Context, userID string) (*models.Credential, error)
	TouchValidated(ctx context.Context, id string, at time.Time) error
}
