package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/server/auth"
	"github.com/dmitrijs2005/workspacesync/internal/server/bridge"
	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/httpapi"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSync struct {
	httpapi.SyncAPI

	summary *models.ReconcileSummary
	err     error
	calls   []string
	gotKey  string
	gotType models.EntityType
}

func (f *fakeSync) StoreCredential(ctx context.Context, userID, rawKey, keyName string) (*models.Credential, error) {
	f.calls = append(f.calls, "store:"+userID+":"+keyName)
	f.gotKey = rawKey
	return &models.Credential{ID: "cred-1", KeyHint: "secr...mnop"}, f.err
}

func (f *fakeSync) TestCredential(ctx context.Context, userID, credentialID string) (*models.CredentialCheck, error) {
	f.calls = append(f.calls, "test:"+credentialID)
	return &models.CredentialCheck{CredentialID: credentialID, Valid: true}, f.err
}

func (f *fakeSync) DiscoverBindings(ctx context.Context, userID, rootPageID string) ([]models.DatabaseBinding, error) {
	f.calls = append(f.calls, "discover:"+rootPageID)
	return []models.DatabaseBinding{{EntityType: models.EntityTasks, ExternalDatabaseID: "db-1"}}, f.err
}

func (f *fakeSync) ListBindings(ctx context.Context, userID string) ([]models.DatabaseBinding, error) {
	f.calls = append(f.calls, "list")
	return []models.DatabaseBinding{}, f.err
}

func (f *fakeSync) CheckRecovery(ctx context.Context, userID string) (*models.RecoveryScenario, error) {
	f.calls = append(f.calls, "recovery:"+userID)
	return &models.RecoveryScenario{NeedsRecovery: true, Reason: "1 database(s) have no records"}, f.err
}

func (f *fakeSync) Reconcile(ctx context.Context, userID string, et models.EntityType) (*models.ReconcileSummary, error) {
	f.calls = append(f.calls, "reconcile")
	f.gotType = et
	return f.summary, f.err
}

func (f *fakeSync) Mirror(ctx context.Context, userID string, et models.EntityType, recordID string) (*models.Record, error) {
	f.calls = append(f.calls, "mirror:"+string(et)+":"+recordID)
	return &models.Record{ID: recordID, EntityType: et, ExternalRecordID: "ext-9", SyncStatus: models.SyncSynced}, f.err
}

type fakeBridge struct {
	calls []string
}

func (f *fakeBridge) Provision(ctx context.Context, ref string) (*bridge.Status, error) {
	f.calls = append(f.calls, "provision:"+ref)
	return &bridge.Status{Exists: true, SecretRef: ref}, nil
}

func (f *fakeBridge) RefreshBinding(ctx context.Context, ref string) (*bridge.Status, error) {
	f.calls = append(f.calls, "refresh:"+ref)
	return &bridge.Status{Exists: true, SecretRef: ref}, nil
}

func (f *fakeBridge) Status(ctx context.Context) (*bridge.Status, error) {
	f.calls = append(f.calls, "status")
	return &bridge.Status{Server: "notion_server"}, nil
}

type harness struct {
	sync   *fakeSync
	bridge *fakeBridge
	opened int
	closed int
	out    *bytes.Buffer
	errOut *bytes.Buffer
	cfg    *config.Config
}

func newHarness(withBridge bool) *harness {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	h := &harness{sync: &fakeSync{}, out: &bytes.Buffer{}, errOut: &bytes.Buffer{}, cfg: cfg}
	if withBridge {
		h.bridge = &fakeBridge{}
	}
	return h
}

func (h *harness) run(t *testing.T, stdin string, args ...string) error {
	t.Helper()
	open := func(ctx context.Context, cfg *config.Config, w io.Writer) (*Backend, error) {
		h.opened++
		b := &Backend{Sync: h.sync, Close: func() { h.closed++ }}
		if h.bridge != nil {
			b.Bridge = h.bridge
		}
		return b, nil
	}

	root := newRootCommand(open, func(string) (*config.Config, error) { return h.cfg, nil })
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(h.out)
	root.SetErr(h.errOut)
	return root.ExecuteContext(context.Background())
}

func TestCredentialStore(t *testing.T) {
	h := newHarness(false)
	err := h.run(t, "secret_0123456789abcdefghijklmnop\n", "credential", "store", "-u", "user-1", "-n", "laptop")
	require.NoError(t, err)

	assert.Equal(t, []string{"store:user-1:laptop"}, h.sync.calls)
	assert.Equal(t, "secret_0123456789abcdefghijklmnop", h.sync.gotKey)
	assert.Contains(t, h.out.String(), "cred-1")
	assert.NotContains(t, h.out.String(), "secret_0123456789")
	assert.Equal(t, 1, h.closed)
}

func TestCredentialStore_EmptyKey(t *testing.T) {
	h := newHarness(false)
	err := h.run(t, "\n", "credential", "store", "-u", "user-1")
	require.Error(t, err)
	assert.Zero(t, h.opened)
}

func TestRequiresUser(t *testing.T) {
	h := newHarness(false)
	err := h.run(t, "", "recovery", "check")
	require.EqualError(t, err, "--user is required")
	assert.Zero(t, h.opened)
}

func TestCredentialTest(t *testing.T) {
	h := newHarness(false)
	require.NoError(t, h.run(t, "", "credential", "test", "cred-7", "-u", "u"))
	assert.Equal(t, []string{"test:cred-7"}, h.sync.calls)
	assert.Contains(t, h.out.String(), `"valid": true`)
}

func TestBindings(t *testing.T) {
	h := newHarness(false)
	require.NoError(t, h.run(t, "", "bindings", "discover", "root-1", "-u", "u"))
	require.NoError(t, h.run(t, "", "bindings", "list", "-u", "u"))
	assert.Equal(t, []string{"discover:root-1", "list"}, h.sync.calls)
	assert.Contains(t, h.out.String(), `"external_database_id": "db-1"`)
}

func TestRecoveryCheck(t *testing.T) {
	h := newHarness(false)
	require.NoError(t, h.run(t, "", "recovery", "check", "--user", "user-2"))
	assert.Equal(t, []string{"recovery:user-2"}, h.sync.calls)
	assert.Contains(t, h.out.String(), `"needs_recovery": true`)
}

func TestReconcile(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := newHarness(false)
		h.sync.summary = &models.ReconcileSummary{RunID: "run-1", Inserted: 2}
		require.NoError(t, h.run(t, "", "reconcile", "-u", "u", "-t", "tasks"))
		assert.Equal(t, models.EntityTasks, h.sync.gotType)
		assert.Contains(t, h.out.String(), `"run_id": "run-1"`)
	})

	t.Run("aborted still prints summary", func(t *testing.T) {
		h := newHarness(false)
		h.sync.summary = &models.ReconcileSummary{RunID: "run-2", Aborted: true}
		h.sync.err = fmt.Errorf("%w: upstream down", common.ErrSyncAborted)
		err := h.run(t, "", "reconcile", "-u", "u")
		assert.ErrorIs(t, err, common.ErrSyncAborted)
		assert.Contains(t, h.out.String(), `"run_id": "run-2"`)
	})

	t.Run("unknown type rejected locally", func(t *testing.T) {
		h := newHarness(false)
		err := h.run(t, "", "reconcile", "-u", "u", "-t", "widgets")
		assert.ErrorIs(t, err, common.ErrUnknownEntityType)
		assert.Zero(t, h.opened)
	})
}

func TestMirror(t *testing.T) {
	h := newHarness(false)
	require.NoError(t, h.run(t, "", "mirror", "tasks", "rec-1", "-u", "u"))
	assert.Equal(t, []string{"mirror:tasks:rec-1"}, h.sync.calls)
	assert.Equal(t, "tasks rec-1 -> ext-9 (synced)\n", h.out.String())
}

func TestBridgeCommands(t *testing.T) {
	ref := "7d1f0f5e-9a51-4a53-9a07-3e3f2d7c2b10"

	h := newHarness(true)
	require.NoError(t, h.run(t, "", "bridge", "provision", "--secret-id", ref))
	require.NoError(t, h.run(t, "", "bridge", "refresh", "--secret-id", ref))
	require.NoError(t, h.run(t, "", "bridge", "status"))
	assert.Equal(t, []string{"provision:" + ref, "refresh:" + ref, "status"}, h.bridge.calls)

	h = newHarness(true)
	assert.Error(t, h.run(t, "", "bridge", "provision"))
	assert.Zero(t, h.opened)
}

func TestBridgeNotConfigured(t *testing.T) {
	h := newHarness(false)
	err := h.run(t, "", "bridge", "status")
	assert.ErrorIs(t, err, errNoBridge)
	assert.Equal(t, 1, h.closed)
}

func TestToken(t *testing.T) {
	h := newHarness(false)
	require.NoError(t, h.run(t, "", "token", "-u", "user-3", "--admin", "--ttl", "5m"))

	claims, err := auth.ParseToken(strings.TrimSpace(h.out.String()), []byte(h.cfg.SecretKey))
	require.NoError(t, err)
	assert.Equal(t, "user-3", claims.UserID)
	assert.True(t, claims.Admin)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
	assert.Zero(t, h.opened)
}

func TestReadAPIKey_FromReader(t *testing.T) {
	key, err := readAPIKey(strings.NewReader("  abc  "), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), key)

	_, err = readAPIKey(strings.NewReader(""), io.Discard)
	assert.Error(t, err)
}
