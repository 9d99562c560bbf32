package services

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRecord(env *testEnv, et models.EntityType, status models.SyncStatus, attempted *time.Time) *models.Record {
	rec := &models.Record{
		ID:              uuid.NewString(),
		OwnerID:         testUser,
		EntityType:      et,
		Fields:          map[string]string{"title": "row"},
		SyncStatus:      status,
		SyncAttemptedAt: attempted,
		UpdatedAt:       time.Now(),
	}
	if status == models.SyncSynced {
		rec.ExternalRecordID = uuid.NewString()
	}
	env.store.put(rec)
	return rec
}

func TestCheckRecovery_NoBindings(t *testing.T) {
	env := newTestEnv(t)

	sc, err := env.svc.CheckRecovery(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, sc.NeedsRecovery)
	assert.Equal(t, "no database bindings configured", sc.Reason)
	assert.Empty(t, sc.Bindings)
}

func TestCheckRecovery_InSync(t *testing.T) {
	env := newTestEnv(t)
	env.bind(testUser, models.EntityTasks, tasksDB)
	seedRecord(env, models.EntityTasks, models.SyncSynced, nil)
	seedRecord(env, models.EntityTasks, models.SyncUnsynced, nil)

	sc, err := env.svc.CheckRecovery(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, sc.NeedsRecovery)
	assert.Equal(t, "all databases are in sync", sc.Reason)
	require.Len(t, sc.Bindings, 1)
	assert.Equal(t, 2, sc.Bindings[0].InternalCount)
	assert.Equal(t, 0, sc.Bindings[0].FailedCount)
	assert.True(t, sc.Bindings[0].ExternalExists)
}

func TestCheckRecovery_EmptyBindingNeedsRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.bind(testUser, models.EntityTasks, tasksDB)
	env.bind(testUser, models.EntityIdeas, ideasDB)
	seedRecord(env, models.EntityIdeas, models.SyncSynced, nil)

	sc, err := env.svc.CheckRecovery(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, sc.NeedsRecovery)
	assert.Equal(t, "1 database(s) have no records", sc.Reason)
	assert.Equal(t, 1, sc.EmptyCount)
	require.Len(t, sc.Bindings, 2)
	assert.Equal(t, models.EntityIdeas, sc.Bindings[0].EntityType, "sorted by entity type")
}

func TestCheckRecovery_SyncFailures(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.svc.Detector.now = func() time.Time { return now }

	env.bind(testUser, models.EntityTasks, tasksDB)
	env.bind(testUser, models.EntityIdeas, ideasDB)
	seedRecord(env, models.EntityTasks, models.SyncFailed, nil)
	stale := now.Add(-11 * time.Minute)
	seedRecord(env, models.EntityIdeas, models.SyncPending, &stale)

	sc, err := env.svc.CheckRecovery(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, sc.NeedsRecovery)
	assert.Equal(t, "2 database(s) have sync failures", sc.Reason)
	assert.Equal(t, 2, sc.FailedCount)
}

func TestCheckRecovery_FreshPendingIsNotFailure(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.svc.Detector.now = func() time.Time { return now }

	env.bind(testUser, models.EntityTasks, tasksDB)
	fresh := now.Add(-time.Minute)
	seedRecord(env, models.EntityTasks, models.SyncPending, &fresh)

	sc, err := env.svc.CheckRecovery(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, sc.NeedsRecovery)
}

func TestCheckRecovery_NonPositiveStaleThresholdUsesDefault(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.StalePendingAfter = 0 })
	now := time.Now()
	env.svc.Detector.now = func() time.Time { return now }
	assert.Equal(t, defaultStalePendingAfter, env.svc.Detector.stalePendingAfter)

	env.bind(testUser, models.EntityTasks, tasksDB)
	seedRecord(env, models.EntityTasks, models.SyncPending, &now)

	sc, err := env.svc.CheckRecovery(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, sc.NeedsRecovery)
	assert.Equal(t, "all databases are in sync", sc.Reason)
}

func TestCheckRecovery_EmptyTakesPriorityOverFailures(t *testing.T) {
	env := newTestEnv(t)
	env.bind(testUser, models.EntityTasks, tasksDB)
	env.bind(testUser, models.EntityIdeas, ideasDB)
	seedRecord(env, models.EntityIdeas, models.SyncFailed, nil)

	sc, err := env.svc.CheckRecovery(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, sc.NeedsRecovery)
	assert.Equal(t, "1 database(s) have no records", sc.Reason)
	assert.Equal(t, 1, sc.FailedCount)
}

func TestCheckRecovery_UnboundDatabaseIsNotEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.bind(testUser, models.EntityTasks, "")

	sc, err := env.svc.CheckRecovery(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, sc.NeedsRecovery)
	assert.False(t, sc.Bindings[0].ExternalExists)
}
