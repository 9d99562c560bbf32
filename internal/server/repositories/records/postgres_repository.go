package records

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

func statementsFor(entityType models.EntityType) (statements, error) {
	st, ok := byEntity[entityType]
	if !ok {
		return statements{}, fmt.Errorf("%w: %q", common.ErrUnknownEntityType, entityType)
	}
	return st, nil
}

func (r *PostgresRepository) Count(ctx context.Context, ownerID string, entityType models.EntityType, staleBefore time.Time) (Counts, error) {
	st, err := statementsFor(entityType)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	if err := r.db.QueryRowContext(ctx, st.count, ownerID, staleBefore).Scan(&c.Total, &c.Failed); err != nil {
		return Counts{}, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListLinked(ctx context.Context, ownerID string, entityType models.EntityType) (map[string]*models.Record, error) {
	st, err := statementsFor(entityType)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, st.listLinked, ownerID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Record)
	for rows.Next() {
		rec, err := scanRecord(rows, st, entityType)
		if err != nil {
			return nil, err
		}
		out[rec.ExternalRecordID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Get(ctx context.Context, ref models.RecordRef) (*models.Record, error) {
	st, err := statementsFor(ref.EntityType)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(r.db.QueryRowContext(ctx, st.get, ref.ID, ref.OwnerID), st, ref.EntityType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, rec *models.Record) (bool, error) {
	st, err := statementsFor(rec.EntityType)
	if err != nil {
		return false, err
	}

	args := []any{rec.ID, rec.OwnerID}
	for _, col := range st.mapping.Columns() {
		args = append(args, rec.Fields[col])
	}
	args = append(args, nullString(rec.ExternalRecordID), string(rec.SyncStatus), rec.LastSyncedAt, rec.UpdatedAt)

	res, err := r.db.ExecContext(ctx, st.insert, args...)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) AdoptExternal(ctx context.Context, rec *models.Record, at time.Time) error {
	st, err := statementsFor(rec.EntityType)
	if err != nil {
		return err
	}

	args := []any{rec.ID, rec.OwnerID, rec.ExternalRecordID}
	for _, col := range st.mapping.Columns() {
		args = append(args, rec.Fields[col])
	}
	args = append(args, at)

	return r.execOne(ctx, common.ErrorNotFound, st.adopt, args...)
}

func (r *PostgresRepository) MarkPending(ctx context.Context, ref models.RecordRef, at time.Time) error {
	st, err := statementsFor(ref.EntityType)
	if err != nil {
		return err
	}
	return r.execOne(ctx, common.ErrorNotFound, st.pending, ref.ID, ref.OwnerID, at)
}

func (r *PostgresRepository) MarkSynced(ctx context.Context, ref models.RecordRef, externalID string, at time.Time) error {
	st, err := statementsFor(ref.EntityType)
	if err != nil {
		return err
	}
	return r.execOne(ctx, common.ErrInvalidSyncTransition, st.synced, ref.ID, ref.OwnerID, externalID, at)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, ref models.RecordRef, reason string, at time.Time) error {
	st, err := statementsFor(ref.EntityType)
	if err != nil {
		return err
	}
	return r.execOne(ctx, common.ErrInvalidSyncTransition, st.failed, ref.ID, ref.OwnerID, reason, at)
}

// execOne runs an UPDATE expected to touch exactly one row and returns
// noRows when it touched none.
func (r *PostgresRepository) execOne(ctx context.Context, noRows error, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return noRows
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, st statements, entityType models.EntityType) (*models.Record, error) {
	cols := st.mapping.Columns()
	values := make([]string, len(cols))

	rec := &models.Record{EntityType: entityType, Fields: make(map[string]string, len(cols))}
	var (
		externalID sql.NullString
		status     string
		synced     sql.NullTime
		attempted  sql.NullTime
	)

	dest := []any{&rec.ID, &rec.OwnerID}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &externalID, &status, &synced, &attempted, &rec.SyncError, &rec.UpdatedAt)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	for i, c := range cols {
		rec.Fields[c] = values[i]
	}
	rec.ExternalRecordID = externalID.String
	rec.SyncStatus = models.SyncStatus(status)
	if synced.Valid {
		t := synced.Time
		rec.LastSyncedAt = &t
	}
	if attempted.Valid {
		t := attempted.Time
		rec.SyncAttemptedAt = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
