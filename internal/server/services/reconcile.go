package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/mapping"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/workspacesync/internal/server/secure"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultChunkSize = 25
	defaultWorkers   = 3
)

// ReconciliationEngine pulls the bound external databases of a user and
// merges them into the internal entity tables.
type ReconciliationEngine struct {
	db          dbx.DBTX
	tx          dbx.TxRunner
	repomanager repomanager.RepositoryManager
	vault       *CredentialVault
	bindings    *BindingRegistry
	clients     workspace.ClientFactory
	archiver    Archiver
	log         logging.Logger

	maxPages  int
	chunkSize int
	workers   int

	locks    *keyedLocks
	now      func() time.Time
	newRunID func() string
}

// NewReconciliationEngine builds the engine. archiver may be nil.
func NewReconciliationEngine(db dbx.DBTX, tx dbx.TxRunner, m repomanager.RepositoryManager,
	vault *CredentialVault, bindings *BindingRegistry, clients workspace.ClientFactory,
	archiver Archiver, cfg *config.Config, log logging.Logger) *ReconciliationEngine {

	e := &ReconciliationEngine{
		db:          db,
		tx:          tx,
		repomanager: m,
		vault:       vault,
		bindings:    bindings,
		clients:     clients,
		archiver:    archiver,
		log:         log.With("module", "reconcile"),
		maxPages:    cfg.MaxPages,
		chunkSize:   cfg.ChunkSize,
		workers:     cfg.Workers,
		locks:       newKeyedLocks(),
		now:         time.Now,
		newRunID:    uuid.NewString,
	}
	if e.maxPages <= 0 {
		e.maxPages = workspace.DefaultMaxPages
	}
	if e.chunkSize <= 0 {
		e.chunkSize = defaultChunkSize
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	return e
}

// Reconcile pulls every binding of userID, or only the binding of
// entityType when it is not empty. Per-binding failures are reported in the
// summary. Credential errors fail the call before any binding runs. A
// transient failure that outlives the retry budget aborts the bindings not
// yet finished; the partial summary is then returned together with an error
// wrapping common.ErrSyncAborted.
func (e *ReconciliationEngine) Reconcile(ctx context.Context, userID string, entityType models.EntityType) (*models.ReconcileSummary, error) {
	if entityType != "" && !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownEntityType, entityType)
	}

	all, err := e.bindings.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	bindings := all[:0:0]
	for _, b := range all {
		if entityType == "" || b.EntityType == entityType {
			bindings = append(bindings, b)
		}
	}
	if entityType != "" && len(bindings) == 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrBindingNotFound, entityType)
	}

	summary := &models.ReconcileSummary{
		RunID:    e.newRunID(),
		UserID:   userID,
		Bindings: make([]models.BindingResult, len(bindings)),
	}
	if len(bindings) == 0 {
		return summary, nil
	}

	cred, secret, err := e.vault.OpenActive(ctx, userID)
	if err != nil {
		reconcileRuns.WithLabelValues("credential_error").Inc()
		return nil, err
	}
	defer secret.Destroy()

	client := e.clients.New(cred.ID, secure.TokenProvider(secret))
	log := e.log.With("run_id", summary.RunID, "user_id", userID)
	log.Info(ctx, "reconcile started", "bindings", len(bindings))

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, b := range bindings {
		g.Go(func() error {
			summary.Bindings[i] = e.reconcileBinding(runCtx, abort, client, summary.RunID, b, log)
			return nil
		})
	}
	_ = g.Wait()

	summary.Tally()

	if cause := context.Cause(runCtx); errors.Is(cause, common.ErrSyncAborted) {
		summary.Aborted = true
		reconcileRuns.WithLabelValues("aborted").Inc()
		log.Error(ctx, "reconcile aborted", "error", cause, "inserted", summary.Inserted, "failed", summary.Failed)
		return summary, cause
	}
	if err := ctx.Err(); err != nil {
		reconcileRuns.WithLabelValues("canceled").Inc()
		log.Warn(ctx, "reconcile canceled", "inserted", summary.Inserted)
		return summary, err
	}

	outcome := "ok"
	if summary.Failed > 0 || summary.Skipped > 0 {
		outcome = "partial"
	}
	reconcileRuns.WithLabelValues(outcome).Inc()
	log.Info(ctx, "reconcile finished", "inserted", summary.Inserted, "adopted", summary.Adopted,
		"skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

type opKind int

const (
	opInsert opKind = iota
	opAdopt
)

type writeOp struct {
	kind     opKind
	record   *models.Record
	decision *models.ConflictDecision
}

func (e *ReconciliationEngine) reconcileBinding(ctx context.Context, abort context.CancelCauseFunc,
	client workspace.Client, runID string, b models.DatabaseBinding, log logging.Logger) (res models.BindingResult) {

	res = models.BindingResult{EntityType: b.EntityType, ExternalDatabaseID: b.ExternalDatabaseID}
	log = log.With("entity_type", b.EntityType, "database_id", b.ExternalDatabaseID)

	start := e.now()
	defer func() {
		reconcileBindingDuration.WithLabelValues(string(b.EntityType)).Observe(e.now().Sub(start).Seconds())
		reconcileBindings.WithLabelValues(string(b.EntityType), string(res.Status)).Inc()
		recordCounts(b.EntityType, &res)
		log.Info(ctx, "binding reconciled", "status", res.Status, "fetched", res.Fetched,
			"inserted", res.Inserted, "adopted", res.Adopted, "conflicts", res.Conflicts, "skipped", res.Skipped)
	}()

	if ctx.Err() != nil {
		res.Status, res.Error = interruption(ctx)
		return res
	}

	unlock, err := e.locks.Lock(ctx, b.UserID+"/"+string(b.EntityType))
	if err != nil {
		res.Status, res.Error = interruption(ctx)
		return res
	}
	defer unlock()

	m, err := mapping.For(b.EntityType)
	if err != nil {
		res.Status, res.Error = models.BindingFailed, err.Error()
		return res
	}

	fetched, err := workspace.QueryAll(ctx, client, b.ExternalDatabaseID, e.maxPages)
	switch {
	case err == nil:
	case errors.Is(err, common.ErrTruncatedSync):
		res.Truncated = true
		log.Warn(ctx, "pull truncated", "pages", fetched.Pages, "error", err)
	case ctx.Err() != nil:
		res.Status, res.Error = interruption(ctx)
		return res
	case errors.Is(err, workspace.ErrNotFound):
		res.Status = models.BindingStale
		res.Error = fmt.Errorf("%w: %v", common.ErrBindingStale, err).Error()
		return res
	case errors.Is(err, workspace.ErrTransient):
		abort(fmt.Errorf("%w: %s: %v", common.ErrSyncAborted, b.EntityType, err))
		res.Status, res.Error = models.BindingFailed, err.Error()
		return res
	default:
		res.Status, res.Error = models.BindingFailed, err.Error()
		return res
	}

	res.Fetched = len(fetched.Records) + len(fetched.Invalid)
	res.Skipped = len(fetched.Invalid)
	malformed := len(fetched.Invalid) > 0
	for _, inv := range fetched.Invalid {
		log.Debug(ctx, "undecodable record skipped", "external_record_id", inv.ID, "error", inv.Err)
	}

	if e.archiver != nil && len(fetched.Records) > 0 {
		if key, err := e.archiver.Archive(ctx, runID, b, fetched.Records); err != nil {
			log.Warn(ctx, "archive failed", "error", err)
		} else {
			log.Debug(ctx, "pull archived", "object_key", key)
		}
	}

	existing, err := e.repomanager.Records(e.db).ListLinked(ctx, b.UserID, b.EntityType)
	if err != nil {
		res.Status, res.Error = models.BindingFailed, err.Error()
		return res
	}
	linked := make(map[string]*models.Record, len(existing))
	for id, rec := range existing {
		linked[workspace.StableID(id)] = rec
	}

	now := e.now()
	seen := make(map[string]struct{}, len(fetched.Records))
	var ops []writeOp

	for _, ext := range fetched.Records {
		id := workspace.StableID(ext.ID)
		if id == "" {
			res.Skipped++
			malformed = true
			continue
		}
		if _, dup := seen[id]; dup {
			res.Skipped++
			res.Decisions = append(res.Decisions, models.ConflictDecision{
				ExternalRecordID: id,
				Resolution:       models.ResolutionMergeSkip,
			})
			continue
		}
		seen[id] = struct{}{}

		if ext.Deleted() {
			res.Skipped++
			continue
		}

		fields, err := m.FromExternal(ext)
		if err != nil {
			res.Skipped++
			malformed = true
			log.Debug(ctx, "malformed record skipped", "external_record_id", id, "error", err)
			continue
		}

		internal, ok := linked[id]
		if !ok {
			ops = append(ops, writeOp{kind: opInsert, record: &models.Record{
				ID:               uuid.NewString(),
				OwnerID:          b.UserID,
				EntityType:       b.EntityType,
				Fields:           fields,
				ExternalRecordID: id,
				SyncStatus:       models.SyncSynced,
				LastSyncedAt:     &now,
				UpdatedAt:        now,
			}})
			continue
		}

		diff := m.Diff(internal.Fields, fields)
		switch {
		case len(diff) == 0:
			res.Unchanged++
		case m.IsPlaceholder(internal.Fields):
			adopted := *internal
			adopted.Fields = fields
			ops = append(ops, writeOp{kind: opAdopt, record: &adopted, decision: &models.ConflictDecision{
				ExternalRecordID: id,
				InternalID:       internal.ID,
				Resolution:       models.ResolutionAdoptExternal,
				Fields:           diff,
			}})
		default:
			res.Conflicts++
			res.Decisions = append(res.Decisions, models.ConflictDecision{
				ExternalRecordID: id,
				InternalID:       internal.ID,
				Resolution:       models.ResolutionKeepInternal,
				Fields:           diff,
			})
		}
	}

	if err := e.apply(ctx, ops, now, &res); err != nil {
		if ctx.Err() != nil {
			res.Status, res.Error = interruption(ctx)
		} else {
			res.Status, res.Error = models.BindingFailed, err.Error()
		}
		return res
	}

	switch {
	case res.Truncated:
		res.Status = models.BindingTruncated
	case malformed:
		res.Status = models.BindingPartial
	default:
		res.Status = models.BindingOK
	}
	return res
}

// apply writes ops in chunks, one transaction per chunk. A started chunk
// always runs to completion; cancellation is honoured between chunks.
func (e *ReconciliationEngine) apply(ctx context.Context, ops []writeOp, now time.Time, res *models.BindingResult) error {
	for start := 0; start < len(ops); start += e.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := ops[start:min(start+e.chunkSize, len(ops))]

		var inserted, adopted, existed int
		err := e.tx.RunInTx(context.WithoutCancel(ctx), func(ctx context.Context, tx dbx.DBTX) error {
			inserted, adopted, existed = 0, 0, 0
			repo := e.repomanager.Records(tx)
			for _, op := range chunk {
				switch op.kind {
				case opInsert:
					ok, err := repo.Insert(ctx, op.record)
					if err != nil {
						return err
					}
					if ok {
						inserted++
					} else {
						existed++
					}
				case opAdopt:
					if err := repo.AdoptExternal(ctx, op.record, now); err != nil {
						return err
					}
					adopted++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		res.Inserted += inserted
		res.Adopted += adopted
		res.Unchanged += existed
		for _, op := range chunk {
			if op.decision != nil {
				res.Decisions = append(res.Decisions, *op.decision)
			}
		}
	}
	return nil
}

func interruption(ctx context.Context) (models.BindingStatus, string) {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	if errors.Is(cause, common.ErrSyncAborted) {
		return models.BindingAborted, cause.Error()
	}
	return models.BindingCanceled, cause.Error()
}

func recordCounts(et models.EntityType, res *models.BindingResult) {
	for result, n := range map[string]int{
		"inserted":  res.Inserted,
		"adopted":   res.Adopted,
		"unchanged": res.Unchanged,
		"conflict":  res.Conflicts,
		"skipped":   res.Skipped,
	} {
		if n > 0 {
			reconcileRecords.WithLabelValues(string(et), result).Add(float64(n))
		}
	}
}

// keyedLocks serializes work per key. Waiting is abandoned when the
// context ends.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]chan struct{})}
}

func (k *keyedLocks) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		k.slots[key] = slot
	}
	k.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
