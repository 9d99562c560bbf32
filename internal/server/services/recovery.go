package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
)

const (
	reasonNoBindings = "no database bindings configured"
	reasonInSync     = "all databases are in sync"
)

// RecoveryDetector decides from local state alone whether a user's
// internal store has diverged from the bound external databases.
type RecoveryDetector struct {
	db                dbx.DBTX
	repomanager       repomanager.RepositoryManager
	bindings          *BindingRegistry
	stalePendingAfter time.Duration
	log               logging.Logger
	now               func() time.Time
}

const defaultStalePendingAfter = 10 * time.Minute

func NewRecoveryDetector(db dbx.DBTX, m repomanager.RepositoryManager, bindings *BindingRegistry,
	stalePendingAfter time.Duration, log logging.Logger) *RecoveryDetector {
	if stalePendingAfter <= 0 {
		stalePendingAfter = defaultStalePendingAfter
	}
	return &RecoveryDetector{
		db:                db,
		repomanager:       m,
		bindings:          bindings,
		stalePendingAfter: stalePendingAfter,
		log:               log.With("module", "recovery"),
		now:               time.Now,
	}
}

// Check returns the recovery scenario of userID. A binding whose entity
// table is empty, or which holds failed or stale pending records, needs
// recovery.
func (d *RecoveryDetector) Check(ctx context.Context, userID string) (*models.RecoveryScenario, error) {
	bindings, err := d.bindings.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	scenario := &models.RecoveryScenario{Bindings: []models.BindingHealth{}}
	if len(bindings) == 0 {
		scenario.Reason = reasonNoBindings
		return scenario, nil
	}

	staleBefore := d.now().Add(-d.stalePendingAfter)
	repo := d.repomanager.Records(d.db)

	for _, b := range bindings {
		counts, err := repo.Count(ctx, userID, b.EntityType, staleBefore)
		if err != nil {
			return nil, fmt.Errorf("error counting %s: %w", b.EntityType, err)
		}

		health := models.BindingHealth{
			EntityType:         b.EntityType,
			ExternalDatabaseID: b.ExternalDatabaseID,
			DatabaseName:       b.ExternalDatabaseName,
			InternalCount:      counts.Total,
			FailedCount:        counts.Failed,
			ExternalExists:     b.ExternalDatabaseID != "",
		}
		scenario.Bindings = append(scenario.Bindings, health)

		if health.InternalCount == 0 && health.ExternalExists {
			scenario.EmptyCount++
		}
		if health.FailedCount > 0 {
			scenario.FailedCount++
		}
	}

	switch {
	case scenario.EmptyCount > 0:
		scenario.NeedsRecovery = true
		scenario.Reason = fmt.Sprintf("%d database(s) have no records", scenario.EmptyCount)
	case scenario.FailedCount > 0:
		scenario.NeedsRecovery = true
		scenario.Reason = fmt.Sprintf("%d database(s) have sync failures", scenario.FailedCount)
	default:
		scenario.Reason = reasonInSync
	}

	d.log.Debug(ctx, "recovery check", "user_id", userID, "needs_recovery", scenario.NeedsRecovery,
		"empty", scenario.EmptyCount, "failed", scenario.FailedCount)
	return scenario, nil
}
