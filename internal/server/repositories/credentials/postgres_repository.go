package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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

const selectColumns = `id, user_id, key_name, key_hint, encrypted_key, nonce, is_active, last_validated_at, created_at`

func (r *PostgresRepository) Create(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	query :=
		`INSERT INTO workspace_credentials (user_id, key_name, key_hint, encrypted_key, nonce, is_active, last_validated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		c.UserID, c.KeyName, c.KeyHint, c.EncryptedKey, c.Nonce, c.IsActive, c.LastValidatedAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) DeactivateAll(ctx context.Context, userID string) error {
	query := `UPDATE workspace_credentials SET is_active = FALSE WHERE user_id = $1 AND is_active`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	query := `SELECT ` + selectColumns + ` FROM workspace_credentials WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetForUser(ctx context.Context, userID, id string) (*models.Credential, error) {
	query := `SELECT ` + selectColumns + ` FROM workspace_credentials WHERE id = $1 AND user_id = $2`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id, userID))
}

func (r *PostgresRepository) GetActive(ctx context.Context, userID string) (*models.Credential, error) {
	query := `SELECT ` + selectColumns + ` FROM workspace_credentials WHERE user_id = $1 AND is_active`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID))
}

func (r *PostgresRepository) TouchValidated(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE workspace_credentials SET last_validated_at = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.Credential, error) {
	c := &models.Credential{}
	var validated sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.KeyName, &c.KeyHint, &c.EncryptedKey, &c.Nonce, &c.IsActive, &validated, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if validated.Valid {
		t := validated.Time
		c.LastValidatedAt = &t
	}
	return c, nil
}
