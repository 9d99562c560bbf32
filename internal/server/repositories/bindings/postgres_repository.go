package bindings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, b *models.DatabaseBinding) (*models.DatabaseBinding, error) {
	query :=
		`INSERT INTO database_bindings (user_id, entity_type, external_database_id, external_database_name, root_page_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		b.UserID, string(b.EntityType), b.ExternalDatabaseID, b.ExternalDatabaseName, b.RootPageID,
	).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM database_bindings WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListByUser returns the user's bindings ordered by entity type.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]models.DatabaseBinding, error) {
	query :=
		`SELECT id, user_id, entity_type, external_database_id, external_database_name, root_page_id, created_at
		 FROM database_bindings
		 WHERE user_id = $1
		 ORDER BY entity_type`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.DatabaseBinding
	for rows.Next() {
		var b models.DatabaseBinding
		var entityType string
		if err := rows.Scan(&b.ID, &b.UserID, &entityType, &b.ExternalDatabaseID, &b.ExternalDatabaseName, &b.RootPageID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		b.EntityType = models.EntityType(entityType)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID string, entityType models.EntityType) (*models.DatabaseBinding, error) {
	query :=
		`SELECT id, user_id, entity_type, external_database_id, external_database_name, root_page_id, created_at
		 FROM database_bindings
		 WHERE user_id = $1 AND entity_type = $2`

	var b models.DatabaseBinding
	var et string
	err := r.db.QueryRowContext(ctx, query, userID, string(entityType)).
		Scan(&b.ID, &b.UserID, &et, &b.ExternalDatabaseID, &b.ExternalDatabaseName, &b.RootPageID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	b.EntityType = models.EntityType(et)
	return &b, nil
}
