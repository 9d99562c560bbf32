package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/bindings"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/records"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
	"github.com/google/uuid"
)

// -------- in-memory store --------

type memStore struct {
	mu       sync.Mutex
	creds    map[string]*models.Credential
	bindings map[string][]models.DatabaseBinding
	records  map[models.EntityType]map[string]*models.Record

	insertErr error
	touchErr  error
	syncedErr error
}

func newMemStore() *memStore {
	return &memStore{
		creds:    map[string]*models.Credential{},
		bindings: map[string][]models.DatabaseBinding{},
		records:  map[models.EntityType]map[string]*models.Record{},
	}
}

func cloneRecord(r *models.Record) *models.Record {
	cp := *r
	cp.Fields = maps.Clone(r.Fields)
	return &cp
}

type snapshot struct {
	creds    map[string]models.Credential
	bindings map[string][]models.DatabaseBinding
	records  map[models.EntityType]map[string]*models.Record
}

func (s *memStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		creds:    map[string]models.Credential{},
		bindings: map[string][]models.DatabaseBinding{},
		records:  map[models.EntityType]map[string]*models.Record{},
	}
	for k, v := range s.creds {
		snap.creds[k] = *v
	}
	for k, v := range s.bindings {
		snap.bindings[k] = slices.Clone(v)
	}
	for et, rows := range s.records {
		snap.records[et] = map[string]*models.Record{}
		for id, r := range rows {
			snap.records[et][id] = cloneRecord(r)
		}
	}
	return snap
}

func (s *memStore) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = map[string]*models.Credential{}
	for k, v := range snap.creds {
		c := v
		s.creds[k] = &c
	}
	s.bindings = snap.bindings
	s.records = snap.records
}

func (s *memStore) put(rec *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[rec.EntityType] == nil {
		s.records[rec.EntityType] = map[string]*models.Record{}
	}
	s.records[rec.EntityType][rec.ID] = cloneRecord(rec)
}

func (s *memStore) rows(et models.EntityType) []*models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Record, 0, len(s.records[et]))
	for _, r := range s.records[et] {
		out = append(out, cloneRecord(r))
	}
	slices.SortFunc(out, func(a, b *models.Record) int {
		return strings.Compare(a.ExternalRecordID+a.ID, b.ExternalRecordID+b.ID)
	})
	return out
}

// -------- repository fakes --------

type fakeCredRepo struct {
	credentials.Repository
	s *memStore
}

func (f *fakeCredRepo) Create(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cp := *c
	cp.ID = uuid.NewString()
	cp.CreatedAt = time.Now()
	f.s.creds[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeCredRepo) DeactivateAll(ctx context.Context, userID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, c := range f.s.creds {
		if c.UserID == userID {
			c.IsActive = false
		}
	}
	return nil
}

func (f *fakeCredRepo) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	c, ok := f.s.creds[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	out := *c
	return &out, nil
}

func (f *fakeCredRepo) GetForUser(ctx context.Context, userID, id string) (*models.Credential, error) {
	c, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, common.ErrorNotFound
	}
	return c, nil
}

func (f *fakeCredRepo) GetActive(ctx context.Context, userID string) (*models.Credential, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, c := range f.s.creds {
		if c.UserID == userID && c.IsActive {
			out := *c
			return &out, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeCredRepo) TouchValidated(ctx context.Context, id string, at time.Time) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.touchErr != nil {
		return f.s.touchErr
	}
	c, ok := f.s.creds[id]
	if !ok {
		return common.ErrorNotFound
	}
	c.LastValidatedAt = &at
	return nil
}

type fakeBindingRepo struct {
	bindings.Repository
	s *memStore
}

func (f *fakeBindingRepo) Create(ctx context.Context, b *models.DatabaseBinding) (*models.DatabaseBinding, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, existing := range f.s.bindings[b.UserID] {
		if existing.EntityType == b.EntityType {
			return nil, fmt.Errorf("db error: duplicate binding %s", b.EntityType)
		}
	}
	cp := *b
	cp.ID = uuid.NewString()
	cp.CreatedAt = time.Now()
	f.s.bindings[b.UserID] = append(f.s.bindings[b.UserID], cp)
	return &cp, nil
}

func (f *fakeBindingRepo) DeleteByUser(ctx context.Context, userID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	delete(f.s.bindings, userID)
	return nil
}

func (f *fakeBindingRepo) ListByUser(ctx context.Context, userID string) ([]models.DatabaseBinding, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return slices.Clone(f.s.bindings[userID]), nil
}

func (f *fakeBindingRepo) Get(ctx context.Context, userID string, et models.EntityType) (*models.DatabaseBinding, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, b := range f.s.bindings[userID] {
		if b.EntityType == et {
			out := b
			return &out, nil
		}
	}
	return nil, common.ErrorNotFound
}

type fakeRecordRepo struct {
	records.Repository
	s *memStore
}

func (f *fakeRecordRepo) Count(ctx context.Context, ownerID string, et models.EntityType, staleBefore time.Time) (records.Counts, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var c records.Counts
	for _, r := range f.s.records[et] {
		if r.OwnerID != ownerID {
			continue
		}
		c.Total++
		stalePending := r.SyncStatus == models.SyncPending &&
			(r.SyncAttemptedAt == nil || r.SyncAttemptedAt.Before(staleBefore))
		if r.SyncStatus == models.SyncFailed || stalePending {
			c.Failed++
		}
	}
	return c, nil
}

func (f *fakeRecordRepo) ListLinked(ctx context.Context, ownerID string, et models.EntityType) (map[string]*models.Record, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	out := map[string]*models.Record{}
	for _, r := range f.s.records[et] {
		if r.OwnerID == ownerID && r.ExternalRecordID != "" {
			out[r.ExternalRecordID] = cloneRecord(r)
		}
	}
	return out, nil
}

func (f *fakeRecordRepo) Get(ctx context.Context, ref models.RecordRef) (*models.Record, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.records[ref.EntityType][ref.ID]
	if !ok || r.OwnerID != ref.OwnerID {
		return nil, common.ErrorNotFound
	}
	return cloneRecord(r), nil
}

func (f *fakeRecordRepo) Insert(ctx context.Context, rec *models.Record) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.insertErr != nil {
		return false, f.s.insertErr
	}
	rows := f.s.records[rec.EntityType]
	if rows == nil {
		rows = map[string]*models.Record{}
		f.s.records[rec.EntityType] = rows
	}
	for _, r := range rows {
		if r.OwnerID == rec.OwnerID && rec.ExternalRecordID != "" && r.ExternalRecordID == rec.ExternalRecordID {
			return false, nil
		}
	}
	rows[rec.ID] = cloneRecord(rec)
	return true, nil
}

func (f *fakeRecordRepo) AdoptExternal(ctx context.Context, rec *models.Record, at time.Time) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.records[rec.EntityType][rec.ID]
	if !ok || r.OwnerID != rec.OwnerID || r.ExternalRecordID != rec.ExternalRecordID {
		return common.ErrorNotFound
	}
	r.Fields = maps.Clone(rec.Fields)
	r.SyncStatus = models.SyncSynced
	r.SyncError = ""
	r.LastSyncedAt = &at
	r.UpdatedAt = at
	return nil
}

func (f *fakeRecordRepo) MarkPending(ctx context.Context, ref models.RecordRef, at time.Time) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.records[ref.EntityType][ref.ID]
	if !ok || r.OwnerID != ref.OwnerID {
		return common.ErrorNotFound
	}
	r.SyncStatus = models.SyncPending
	r.SyncAttemptedAt = &at
	r.SyncError = ""
	return nil
}

func (f *fakeRecordRepo) MarkSynced(ctx context.Context, ref models.RecordRef, externalID string, at time.Time) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.syncedErr != nil {
		return f.s.syncedErr
	}
	r, ok := f.s.records[ref.EntityType][ref.ID]
	if !ok || r.OwnerID != ref.OwnerID || r.SyncStatus != models.SyncPending ||
		(r.ExternalRecordID != "" && r.ExternalRecordID != externalID) {
		return common.ErrInvalidSyncTransition
	}
	r.SyncStatus = models.SyncSynced
	r.ExternalRecordID = externalID
	r.LastSyncedAt = &at
	r.SyncError = ""
	return nil
}

func (f *fakeRecordRepo) MarkFailed(ctx context.Context, ref models.RecordRef, reason string, at time.Time) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.records[ref.EntityType][ref.ID]
	if !ok || r.OwnerID != ref.OwnerID || r.SyncStatus != models.SyncPending {
		return common.ErrInvalidSyncTransition
	}
	r.SyncStatus = models.SyncFailed
	r.SyncError = reason
	r.SyncAttemptedAt = &at
	return nil
}

type fakeRepoManager struct {
	repomanager.RepositoryManager
	s *memStore
}

func (m *fakeRepoManager) Credentials(db dbx.DBTX) credentials.Repository {
	return &fakeCredRepo{s: m.s}
}
func (m *fakeRepoManager) Bindings(db dbx.DBTX) bindings.Repository { return &fakeBindingRepo{s: m.s} }
func (m *fakeRepoManager) Records(db dbx.DBTX) records.Repository   { return &fakeRecordRepo{s: m.s} }

// fakeTx restores the store when fn fails, like a rollback.
type fakeTx struct {
	s     *memStore
	mu    sync.Mutex
	calls int
	ctxs  []context.Context
}

func (f *fakeTx) RunInTx(ctx context.Context, fn dbx.TxFunc) error {
	f.mu.Lock()
	f.calls++
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()

	snap := f.s.snapshot()
	if err := fn(ctx, nil); err != nil {
		f.s.restore(snap)
		return err
	}
	return nil
}

// -------- workspace fakes --------

type fakeClient struct {
	mu sync.Mutex

	identity   workspace.Identity
	pages      map[string]*workspace.Page
	children   map[string][]workspace.Block
	databases  map[string][]workspace.Record
	invalid    map[string][]workspace.InvalidRecord
	queryErr   map[string]error
	createErr  error
	pageSize   int
	onQuery    func(databaseID string, page int)
	queries    map[string]int
	created    []map[string]workspace.Property
	createdIDs []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		identity:  workspace.Identity{ID: "bot-1", Name: "sync", Type: "bot", WorkspaceName: "Acme"},
		pages:     map[string]*workspace.Page{},
		children:  map[string][]workspace.Block{},
		databases: map[string][]workspace.Record{},
		invalid:   map[string][]workspace.InvalidRecord{},
		queryErr:  map[string]error{},
		queries:   map[string]int{},
		pageSize:  100,
	}
}

func (c *fakeClient) Me(ctx context.Context) (*workspace.Identity, error) {
	id := c.identity
	return &id, nil
}

func (c *fakeClient) GetPage(ctx context.Context, pageID string) (*workspace.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[pageID]
	if !ok {
		return nil, &workspace.APIError{Kind: workspace.KindNotFound, Status: 404, Code: "object_not_found"}
	}
	return p, nil
}

func (c *fakeClient) ListChildren(ctx context.Context, blockID string) ([]workspace.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.children[blockID]), nil
}

func (c *fakeClient) GetDatabase(ctx context.Context, databaseID string) (*workspace.Database, error) {
	return &workspace.Database{ID: databaseID}, nil
}

func (c *fakeClient) QueryDatabase(ctx context.Context, databaseID, cursor string) (*workspace.QueryPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.queries[databaseID]++
	n := c.queries[databaseID]
	hook := c.onQuery
	err := c.queryErr[databaseID]
	rows := c.databases[databaseID]
	invalid := c.invalid[databaseID]
	size := c.pageSize
	c.mu.Unlock()

	if hook != nil {
		hook(databaseID, n)
	}
	if err != nil {
		return nil, err
	}

	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+size, len(rows))
	page := &workspace.QueryPage{Records: slices.Clone(rows[start:end])}
	if start == 0 {
		page.Invalid = invalid
	}
	if end < len(rows) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (c *fakeClient) CreateRecord(ctx context.Context, databaseID string, properties map[string]workspace.Property) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	id := uuid.NewString()
	c.created = append(c.created, properties)
	c.createdIDs = append(c.createdIDs, id)
	return id, nil
}

// authClient rejects every call whose bearer token is not validKey.
type authClient struct {
	*fakeClient
	tokens   workspace.TokenProvider
	validKey string
	factory  *fakeFactory
}

func (c *authClient) authorize(ctx context.Context) error {
	tok, err := c.tokens(ctx)
	if err != nil {
		return err
	}
	c.factory.mu.Lock()
	c.factory.tokensSeen = append(c.factory.tokensSeen, tok)
	c.factory.mu.Unlock()
	if tok != c.validKey {
		return &workspace.APIError{Kind: workspace.KindUnauthorized, Status: 401, Code: "unauthorized"}
	}
	return nil
}

func (c *authClient) Me(ctx context.Context) (*workspace.Identity, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}
	return c.fakeClient.Me(ctx)
}

func (c *authClient) GetPage(ctx context.Context, pageID string) (*workspace.Page, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}
	return c.fakeClient.GetPage(ctx, pageID)
}

func (c *authClient) QueryDatabase(ctx context.Context, databaseID, cursor string) (*workspace.QueryPage, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}
	return c.fakeClient.QueryDatabase(ctx, databaseID, cursor)
}

type fakeFactory struct {
	client   *fakeClient
	validKey string

	mu          sync.Mutex
	credentials []string
	tokensSeen  []string
}

func (f *fakeFactory) New(credentialID string, tokens workspace.TokenProvider) workspace.Client {
	f.mu.Lock()
	f.credentials = append(f.credentials, credentialID)
	f.mu.Unlock()
	return &authClient{fakeClient: f.client, tokens: tokens, validKey: f.validKey, factory: f}
}

// -------- helpers --------

const (
	testKey  = "secret_0123456789abcdefghijklmnop"
	testUser = "user-1"
)

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testConfig() *config.Config {
	return &config.Config{
		EncryptionSecret:  "test-encryption-secret",
		EncryptionSalt:    "test-salt",
		MaxPages:          50,
		ChunkSize:         25,
		Workers:           1,
		StalePendingAfter: 10 * time.Minute,
	}
}

type testEnv struct {
	store   *memStore
	tx      *fakeTx
	client  *fakeClient
	factory *fakeFactory
	svc     *SyncService
	cfg     *config.Config
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, fn := range tweak {
		fn(cfg)
	}

	store := newMemStore()
	tx := &fakeTx{s: store}
	client := newFakeClient()
	factory := &fakeFactory{client: client, validKey: testKey}

	svc := NewSyncService(nil, tx, &fakeRepoManager{s: store}, factory, nil, cfg, newTestLogger())
	t.Cleanup(svc.Close)

	return &testEnv{store: store, tx: tx, client: client, factory: factory, svc: svc, cfg: cfg}
}

func (e *testEnv) storeKey(t *testing.T, userID string) *models.Credential {
	t.Helper()
	cred, err := e.svc.StoreCredential(context.Background(), userID, testKey, "main")
	if err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}
	return cred
}

func (e *testEnv) bind(userID string, et models.EntityType, databaseID string) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.bindings[userID] = append(e.store.bindings[userID], models.DatabaseBinding{
		ID:                   uuid.NewString(),
		UserID:               userID,
		EntityType:           et,
		ExternalDatabaseID:   databaseID,
		ExternalDatabaseName: string(et),
	})
}

func taskPage(id, title, status string) workspace.Record {
	props := map[string]workspace.Property{
		"Name": workspace.TitleValue(title),
	}
	if status != "" {
		props["Status"] = workspace.StatusValue(status)
	}
	return workspace.Record{Object: "page", ID: id, Properties: props}
}

func ideaPage(id, title string) workspace.Record {
	return workspace.Record{Object: "page", ID: id, Properties: map[string]workspace.Property{
		"Name": workspace.TitleValue(title),
	}}
}

// cancelAfterTx cancels the run once `after` transactions have committed.
type cancelAfterTx struct {
	inner  *fakeTx
	after  int
	cancel context.CancelFunc
}

func (c cancelAfterTx) RunInTx(ctx context.Context, fn dbx.TxFunc) error {
	err := c.inner.RunInTx(ctx, fn)
	c.inner.mu.Lock()
	n := c.inner.calls
	c.inner.mu.Unlock()
	if n >= c.after {
		c.cancel()
	}
	return err
}

type archiveCall struct {
	runID   string
	binding models.DatabaseBinding
	records []workspace.Record
}

type recordingArchiver struct {
	mu    sync.Mutex
	calls []archiveCall
	err   error
}

func (a *recordingArchiver) Archive(ctx context.Context, runID string, b models.DatabaseBinding, recs []workspace.Record) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, archiveCall{runID: runID, binding: b, records: recs})
	if a.err != nil {
		return "", a.err
	}
	return "reconcile/" + runID, nil
}
