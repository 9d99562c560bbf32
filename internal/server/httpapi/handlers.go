package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/server/bridge"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Error   string                   `json:"error"`
	Summary *models.ReconcileSummary `json:"summary,omitempty"`
}

type discoverRequest struct {
	RootPageID string `json:"root_page_id" binding:"required"`
}

type reconcileRequest struct {
	EntityType models.EntityType `json:"entity_type"`
}

type storeCredentialRequest struct {
	APIKey  string `json:"api_key" binding:"required,min=8"`
	KeyName string `json:"key_name" binding:"max=100"`
}

type credentialResponse struct {
	ID        string    `json:"id"`
	KeyName   string    `json:"key_name,omitempty"`
	KeyHint   string    `json:"key_hint"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type recordResponse struct {
	ID               string            `json:"id"`
	EntityType       models.EntityType `json:"entity_type"`
	ExternalRecordID string            `json:"external_record_id,omitempty"`
	SyncStatus       models.SyncStatus `json:"sync_status"`
	LastSyncedAt     *time.Time        `json:"last_synced_at,omitempty"`
	SyncError        string            `json:"sync_error,omitempty"`
}

type bridgeRequest struct {
	Action    string `json:"action" binding:"required,oneof=provision refresh"`
	SecretRef string `json:"secret_ref" binding:"required,uuid"`
}

func (s *Server) checkRecovery(c *gin.Context) {
	scenario, err := s.sync.CheckRecovery(c.Request.Context(), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, scenario)
}

func (s *Server) listBindings(c *gin.Context) {
	bindings, err := s.sync.ListBindings(c.Request.Context(), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bindings": bindings})
}

func (s *Server) discoverBindings(c *gin.Context) {
	var req discoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	bindings, err := s.sync.DiscoverBindings(c.Request.Context(), userID(c), req.RootPageID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bindings": bindings})
}

func (s *Server) reconcile(c *gin.Context) {
	var req reconcileRequest
	// the body is optional; an empty one reconciles every binding
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}

	summary, err := s.sync.Reconcile(c.Request.Context(), userID(c), req.EntityType)
	if err != nil {
		if summary != nil {
			status := http.StatusBadGateway
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusServiceUnavailable
			}
			s.logger.Warn(c.Request.Context(), "reconciliation interrupted", "run_id", summary.RunID, "error", err)
			c.JSON(status, errorBody{Error: err.Error(), Summary: summary})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) storeCredential(c *gin.Context) {
	var req storeCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "api_key is required"})
		return
	}

	cred, err := s.sync.StoreCredential(c.Request.Context(), userID(c), req.APIKey, req.KeyName)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, credentialResponse{
		ID:        cred.ID,
		KeyName:   cred.KeyName,
		KeyHint:   cred.KeyHint,
		IsActive:  cred.IsActive,
		CreatedAt: cred.CreatedAt,
	})
}

func (s *Server) testCredential(c *gin.Context) {
	check, err := s.sync.TestCredential(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (s *Server) mirror(c *gin.Context) {
	rec, err := s.sync.Mirror(c.Request.Context(), userID(c), models.EntityType(c.Param("type")), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordResponse{
		ID:               rec.ID,
		EntityType:       rec.EntityType,
		ExternalRecordID: rec.ExternalRecordID,
		SyncStatus:       rec.SyncStatus,
		LastSyncedAt:     rec.LastSyncedAt,
		SyncError:        rec.SyncError,
	})
}

func (s *Server) bridgeStatus(c *gin.Context) {
	if s.bridge == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "foreign data bridge not configured"})
		return
	}
	st, err := s.bridge.Status(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) bridgeAction(c *gin.Context) {
	if s.bridge == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "foreign data bridge not configured"})
		return
	}

	var req bridgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	var (
		st  *bridge.Status
		err error
	)
	switch req.Action {
	case "provision":
		st, err = s.bridge.Provision(c.Request.Context(), req.SecretRef)
	case "refresh":
		st, err = s.bridge.RefreshBinding(c.Request.Context(), req.SecretRef)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrCredentialValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrCredentialNotConfigured), errors.Is(err, common.ErrDecryption):
		return http.StatusPreconditionFailed
	case errors.Is(err, common.ErrUnknownEntityType), errors.Is(err, common.ErrInvalidExternalRef):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrBindingNotFound), errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrBindingStale), errors.Is(err, common.ErrExternalIDConflict),
		errors.Is(err, bridge.ErrNotProvisioned):
		return http.StatusConflict
	case errors.Is(err, common.ErrSyncAborted), workspace.KindOf(err) != "":
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, errorBody{Error: msg})
}
