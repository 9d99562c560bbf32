// Package httpapi exposes the sync service over a JWT-authenticated JSON API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/logging"
	"github.com/dmitrijs2005/workspacesync/internal/server/bridge"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncAPI is the part of services.SyncService the handlers call.
type SyncAPI interface {
	CheckRecovery(ctx context.Context, userID string) (*models.RecoveryScenario, error)
	DiscoverBindings(ctx context.Context, userID, rootPageID string) ([]models.DatabaseBinding, error)
	ListBindings(ctx context.Context, userID string) ([]models.DatabaseBinding, error)
	Reconcile(ctx context.Context, userID string, entityType models.EntityType) (*models.ReconcileSummary, error)
	StoreCredential(ctx context.Context, userID, rawKey, keyName string) (*models.Credential, error)
	TestCredential(ctx context.Context, userID, credentialID string) (*models.CredentialCheck, error)
	Mirror(ctx context.Context, userID string, entityType models.EntityType, recordID string) (*models.Record, error)
}

// BridgeAPI is the part of bridge.Bridge exposed to admins.
type BridgeAPI interface {
	Provision(ctx context.Context, ref string) (*bridge.Status, error)
	RefreshBinding(ctx context.Context, ref string) (*bridge.Status, error)
	Status(ctx context.Context) (*bridge.Status, error)
}

type Server struct {
	address   string
	sync      SyncAPI
	bridge    BridgeAPI
	logger    logging.Logger
	jwtSecret []byte
}

// NewServer builds the API server. bridge may be nil when no admin DSN is
// configured; the admin endpoints then answer 503.
func NewServer(address string, l logging.Logger, sync SyncAPI, br BridgeAPI, secretKey string) *Server {
	return &Server{
		address:   address,
		sync:      sync,
		bridge:    br,
		logger:    l.With("module", "http_server"),
		jwtSecret: []byte(secretKey),
	}
}

// Router wires every route onto a fresh gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1", s.authMiddleware())
	{
		api.GET("/recovery", s.checkRecovery)
		api.GET("/bindings", s.listBindings)
		api.POST("/bindings/discover", s.discoverBindings)
		api.POST("/reconcile", s.reconcile)
		api.POST("/credentials", s.storeCredential)
		api.POST("/credentials/:id/test", s.testCredential)
		api.POST("/records/:type/:id/mirror", s.mirror)

		admin := api.Group("/admin", adminOnly())
		admin.GET("/bridge", s.bridgeStatus)
		admin.POST("/bridge", s.bridgeAction)
	}

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "error shutting down HTTP server", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
