package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testConfig() *config.Config {
	c := &config.Config{}
	c.LoadDefaults()
	return c
}

func TestNewWorkspaceFactory(t *testing.T) {
	c := testConfig()
	c.RateLimitRPS = 5
	c.RateLimitBurst = 2

	f, err := NewWorkspaceFactory(c)
	require.NoError(t, err)

	l := f.Limiter("cred-1")
	assert.Equal(t, rate.Limit(5), l.Limit())
	assert.Equal(t, 2, l.Burst())
	assert.Same(t, l, f.Limiter("cred-1"))
}

func TestNewWorkspaceFactory_BadProxy(t *testing.T) {
	c := testConfig()
	c.WorkspaceProxyURL = "://bad"

	_, err := NewWorkspaceFactory(c)
	assert.Error(t, err)
}

func TestNewBridge_Disabled(t *testing.T) {
	c := testConfig()
	c.AdminDatabaseDSN = ""

	b, pool, err := NewBridge(context.Background(), c, logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Nil(t, pool)
}

func TestNewSyncService_WithoutArchive(t *testing.T) {
	c := testConfig()
	c.ArchiveEnabled = false
	c.WorkspaceTimeout = time.Second

	svc, err := NewSyncService(context.Background(), c, nil, repomanager.NewPostgresRepositoryManager(),
		logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer svc.Close()

	assert.NotNil(t, svc.Engine)
	assert.NotNil(t, svc.Vault)
}
