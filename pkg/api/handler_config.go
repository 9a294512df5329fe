package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

type uploadConfigRequest struct {
	ConfigID string          `json:"configId" binding:"required"`
	Checksum string          `json:"checksum"`
	Config   json.RawMessage `json:"config" binding:"required"`
}

// uploadConfig compiles the submitted document and stores its canonical
// form. Compile errors come back as diagnostics; warnings are returned with
// the stored metadata. The owner is always the authenticated caller.
func (s *Server) uploadConfig(c *gin.Context) {
	var req uploadConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, http.StatusBadRequest, string(engine.CodeInvalidEvent), err.Error(), nil)
		return
	}

	cfg, diags, err := experiment.CompileBytes(req.Config)
	if err != nil {
		respondAPIError(c, http.StatusBadRequest, "invalid_config", err.Error(),
			map[string]any{"diagnostics": diags})
		return
	}
	cfg.ConfigID = req.ConfigID

	document, err := cfg.CanonicalDocument()
	if err != nil {
		s.respondError(c, err)
		return
	}

	stored := &models.StoredConfig{
		ConfigID:   req.ConfigID,
		Owner:      s.callerID(c),
		Checksum:   req.Checksum,
		ConfigHash: cfg.Hash,
		Document:   document,
		UploadedAt: time.Now().UTC(),
	}
	if err := s.store.InsertConfig(c.Request.Context(), stored); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			respondAPIError(c, http.StatusConflict, "conflict",
				"a config with this id already exists; publish edits under a new configId", nil)
			return
		}
		s.respondError(c, err)
		return
	}

	s.logger.Info("Config published",
		"config_id", stored.ConfigID, "owner", stored.Owner, "config_hash", stored.ConfigHash)

	c.JSON(http.StatusCreated, gin.H{
		"configId":   stored.ConfigID,
		"owner":      stored.Owner,
		"checksum":   stored.Checksum,
		"configHash": stored.ConfigHash,
		"uploadedAt": stored.UploadedAt,
		"warnings":   diags,
	})
}

func (s *Server) listConfigs(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		owner = s.callerID(c)
	}
	// Callers only see their own configs regardless of the query parameter.
	if owner != s.callerID(c) {
		s.respondError(c, engine.Errorf(engine.CodeForbidden, "cannot list another owner's configs"))
		return
	}

	configs, err := s.store.ListConfigs(c.Request.Context(), owner)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

func (s *Server) deleteConfig(c *gin.Context) {
	configID := c.Param("configId")
	stored, err := s.store.GetConfig(c.Request.Context(), configID)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(c, engine.Errorf(engine.CodeNotFound, "config %q not found", configID))
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	if stored.Owner != s.callerID(c) {
		s.respondError(c, engine.Errorf(engine.CodeForbidden, "config %q belongs to another owner", configID))
		return
	}

	if err := s.store.DeleteConfig(c.Request.Context(), configID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
