// Package server initializes and runs the workspace sync server.
// It opens the primary store, runs migrations, wires the sync services and
// the optional archive and foreign data bridge, and serves the HTTP API
// until a shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/workspacesync/internal/dbx"
	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/bridge"
	"github.com/dmitrijs2005/workspacesync/internal/server/config"
	"github.com/dmitrijs2005/workspacesync/internal/server/httpapi"
	"github.com/dmitrijs2005/workspacesync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/workspacesync/internal/server/services"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const userAgent = "workspacesync/1.0"

type App struct {
	config    *config.Config
	logger    logging.Logger
	logCloser io.Closer
	db        *sql.DB
	adminPool *pgxpool.Pool
	sync      *services.SyncService
	bridge    *bridge.Bridge
}

// NewWorkspaceFactory builds the client factory described by c.
func NewWorkspaceFactory(c *config.Config) (*workspace.Factory, error) {
	return workspace.NewFactory(workspace.FactoryOptions{
		BaseURL:    c.WorkspaceBaseURL,
		APIVersion: c.WorkspaceAPIVersion,
		UserAgent:  userAgent,
		Transport: workspace.TransportConfig{
			Timeout:            c.WorkspaceTimeout,
			InsecureSkipVerify: c.WorkspaceInsecureTLS,
			ProxyURL:           c.WorkspaceProxyURL,
		},
		RateLimit:  rate.Limit(c.RateLimitRPS),
		Burst:      c.RateLimitBurst,
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RateLimitDelay,
		MaxPages:   c.MaxPages,
	})
}

// OpenDB opens the primary store and applies pending migrations.
func OpenDB(ctx context.Context, c *config.Config, m repomanager.RepositoryManager) (*sql.DB, error) {
	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := m.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return db, nil
}

// NewBridge connects the admin pool and builds the bridge, or returns nil
// when no admin DSN is configured.
func NewBridge(ctx context.Context, c *config.Config, l logging.Logger) (*bridge.Bridge, *pgxpool.Pool, error) {
	if c.AdminDatabaseDSN == "" {
		return nil, nil, nil
	}
	pool, err := bridge.Connect(ctx, c.AdminDatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("admin db init error: %w", err)
	}
	b, err := bridge.New(pool, bridge.Options{
		Wrapper:      c.FDWWrapper,
		Server:       c.FDWServer,
		Schema:       c.FDWSchema,
		RemoteSchema: c.FDWRemoteSchema,
	}, l)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return b, pool, nil
}

// NewSyncService wires the sync services over db.
func NewSyncService(ctx context.Context, c *config.Config, db *sql.DB, m repomanager.RepositoryManager,
	l logging.Logger) (*services.SyncService, error) {

	factory, err := NewWorkspaceFactory(c)
	if err != nil {
		return nil, err
	}

	var archiver services.Archiver
	if c.ArchiveEnabled {
		a, err := services.NewS3Archiver(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("archive init error: %w", err)
		}
		archiver = a
	}

	return services.NewSyncService(db, dbx.NewTxRunner(db, nil), m, factory, archiver, c, l), nil
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, closer := logging.New(logging.Options{Level: c.LogLevel, JSON: c.LogJSON, File: c.LogFile})

	m := repomanager.NewPostgresRepositoryManager()

	db, err := OpenDB(ctx, c, m)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	svc, err := NewSyncService(ctx, c, db, m, logger)
	if err != nil {
		_ = db.Close()
		_ = closer.Close()
		return nil, err
	}

	br, pool, err := NewBridge(ctx, c, logger)
	if err != nil {
		svc.Close()
		_ = db.Close()
		_ = closer.Close()
		return nil, err
	}

	return &App{config: c, logger: logger, logCloser: closer, db: db, adminPool: pool, sync: svc, bridge: br}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	var br httpapi.BridgeAPI
	if app.bridge != nil {
		br = app.bridge
	}

	s := httpapi.NewServer(app.config.HTTPAddr, app.logger, app.sync, br, app.config.SecretKey)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.close(ctx)
}

func (app *App) close(ctx context.Context) {
	app.sync.Close()
	if app.adminPool != nil {
		app.adminPool.Close()
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "error closing database", "error", err)
	}
	app.logger.Info(ctx, "Stopped")
	_ = app.logCloser.Close()
}
