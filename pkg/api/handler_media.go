package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pairit-lab/pairit/pkg/objstore"
)

type uploadMediaRequest struct {
	Object      string `json:"object" binding:"required"`
	Data        string `json:"data" binding:"required"`
	ContentType string `json:"contentType"`
	Public      bool   `json:"public"`
}

type signedUploadURLRequest struct {
	Object      string `json:"object" binding:"required"`
	ContentType string `json:"contentType"`
	TTLSeconds  int    `json:"ttlSeconds"`
}

// uploadMedia accepts a bounded inline upload. Larger assets go through
// /media/upload-url on backends that support direct upload.
func (s *Server) uploadMedia(c *gin.Context) {
	var req uploadMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		respondAPIError(c, http.StatusBadRequest, "invalid_request", "data is not valid base64", nil)
		return
	}
	if int64(len(data)) > s.maxUploadBytes {
		respondAPIError(c, http.StatusRequestEntityTooLarge, "payload_too_large",
			"inline uploads are capped; request a signed upload URL instead",
			map[string]any{"maxBytes": s.maxUploadBytes})
		return
	}

	obj, err := s.media.Put(c.Request.Context(), req.Object, data, req.ContentType, req.Public)
	if err != nil {
		respondAPIError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	body := gin.H{"object": obj}
	if obj.Public {
		body["url"] = s.media.PublicURL(obj.Name)
	}
	c.JSON(http.StatusCreated, body)
}

func (s *Server) signedUploadURL(c *gin.Context) {
	var req signedUploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	signer, ok := s.media.(objstore.URLSigner)
	if !ok {
		respondAPIError(c, http.StatusNotImplemented, "unsupported",
			"the configured media backend does not support signed upload URLs", nil)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	url, err := signer.SignedUploadURL(c.Request.Context(), req.Object, req.ContentType, ttl)
	if err != nil {
		if errors.Is(err, objstore.ErrSigningUnsupported) {
			respondAPIError(c, http.StatusNotImplemented, "unsupported", err.Error(), nil)
			return
		}
		respondAPIError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"object": req.Object, "uploadUrl": url, "expiresIn": int(ttl.Seconds())})
}

func (s *Server) listMedia(c *gin.Context) {
	objects, err := s.media.List(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		respondAPIError(c, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"objects": objects})
}

func (s *Server) deleteMedia(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("object"), "/")
	err := s.media.Delete(c.Request.Context(), name)
	if errors.Is(err, objstore.ErrNotFound) {
		respondAPIError(c, http.StatusNotFound, "not_found", "object not found", nil)
		return
	}
	if err != nil {
		respondAPIError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// serveObject streams a stored object. Non-public objects require an
// authenticated caller.
func (s *Server) serveObject(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("object"), "/")
	data, obj, err := s.media.Get(c.Request.Context(), name)
	if errors.Is(err, objstore.ErrNotFound) {
		respondAPIError(c, http.StatusNotFound, "not_found", "object not found", nil)
		return
	}
	if err != nil {
		respondAPIError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if !obj.Public && s.callerID(c) == "" {
		respondAPIError(c, http.StatusUnauthorized, "unauthorized", "object is not public", nil)
		return
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, data)
}
