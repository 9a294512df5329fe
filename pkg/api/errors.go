package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pairit-lab/pairit/pkg/engine"
)

// statusFor maps an engine error code to its HTTP status.
func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeUnauthorized:
		return http.StatusUnauthorized
	case engine.CodeForbidden:
		return http.StatusForbidden
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidEvent, engine.CodeUnknownButton, engine.CodeUnknownNode,
		engine.CodeSchemaMismatch, engine.CodeForbiddenWrite, engine.CodeNoBranchMatched:
		return http.StatusBadRequest
	case engine.CodeMatchmakingConflict:
		return http.StatusConflict
	case engine.CodeGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the structured {code, message, details?} error body.
// Unclassified errors are logged and surface as an opaque internal failure.
func (s *Server) respondError(c *gin.Context, err error) {
	var e *engine.Error
	if errors.As(err, &e) {
		body := gin.H{"code": e.Code, "message": e.Message}
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
		c.JSON(statusFor(e.Code), body)
		return
	}

	s.logger.Error("Unclassified request failure",
		"path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    engine.CodeInternal,
		"message": "internal server error",
	})
}

// respondAPIError writes an error that did not originate in the engine
// (media and config management failures).
func respondAPIError(c *gin.Context, status int, code, message string, details map[string]any) {
	body := gin.H{"code": code, "message": message}
	if len(details) > 0 {
		body["details"] = details
	}
	c.JSON(status, body)
}
