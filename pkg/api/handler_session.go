package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pairit-lab/pairit/pkg/engine"
)

type startSessionRequest struct {
	ConfigID      string `json:"configId" binding:"required"`
	ParticipantID string `json:"participantId"`
}

type advanceRequest struct {
	IdempotencyKey string             `json:"idempotencyKey" binding:"required"`
	Event          engine.ClientEvent `json:"event" binding:"required"`
}

type recordEventRequest struct {
	IdempotencyKey string         `json:"idempotencyKey" binding:"required"`
	Type           string         `json:"type" binding:"required"`
	Payload        map[string]any `json:"payload"`
}

// replayHeader marks a response served from a prior idempotency key. It is a
// header, not a body field, so a replayed response body stays byte-identical
// to the original.
const replayHeader = "X-Idempotent-Replay"

// sessionResponse is the shared session view returned by start, get, and
// advance.
func sessionResponse(snap *engine.Snapshot) gin.H {
	body := gin.H{
		"sessionId":     snap.Session.SessionID,
		"configId":      snap.Session.ConfigID,
		"status":        snap.Session.Status,
		"currentPageId": snap.Session.CurrentPageID,
		"page":          snap.Page,
		"userState":     snap.Session.UserState,
	}
	if snap.Session.GroupID != "" {
		body["groupId"] = snap.Session.GroupID
	}
	return body
}

func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, http.StatusBadRequest, string(engine.CodeInvalidEvent), err.Error(), nil)
		return
	}

	cfg, err := s.engine.Config(c.Request.Context(), req.ConfigID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if cfg.RequireAuth && s.callerID(c) == "" {
		s.respondError(c, engine.Errorf(engine.CodeUnauthorized, "this experiment requires an authenticated participant"))
		return
	}

	snap, err := s.engine.StartSession(c.Request.Context(), req.ConfigID, req.ParticipantID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(snap))
}

// loadAuthorized fetches the session and enforces the config's requireAuth.
func (s *Server) loadAuthorized(c *gin.Context, sessionID string) (*engine.Snapshot, error) {
	snap, err := s.engine.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	if snap.Config.RequireAuth && s.callerID(c) == "" {
		return nil, engine.Errorf(engine.CodeUnauthorized, "this experiment requires an authenticated participant")
	}
	return snap, nil
}

func (s *Server) getSession(c *gin.Context) {
	snap, err := s.loadAuthorized(c, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if snap.Session.Status.Terminal() && !snap.Config.AllowRetake {
		s.respondError(c, engine.Errorf(engine.CodeGone, "session has %s", snap.Session.Status))
		return
	}
	c.JSON(http.StatusOK, sessionResponse(snap))
}

func (s *Server) advanceSession(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, http.StatusBadRequest, string(engine.CodeInvalidEvent), err.Error(), nil)
		return
	}

	if _, err := s.loadAuthorized(c, c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	snap, err := s.engine.Advance(c.Request.Context(), c.Param("id"), req.IdempotencyKey, req.Event)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if snap.Replayed {
		c.Header(replayHeader, "true")
	}
	c.JSON(http.StatusOK, sessionResponse(snap))
}

func (s *Server) recordEvent(c *gin.Context) {
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, http.StatusBadRequest, string(engine.CodeInvalidEvent), err.Error(), nil)
		return
	}

	if _, err := s.loadAuthorized(c, c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	event, replayed, err := s.engine.RecordEvent(c.Request.Context(), c.Param("id"), req.IdempotencyKey, req.Type, req.Payload)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if replayed {
		c.Header(replayHeader, "true")
	}
	c.JSON(http.StatusOK, gin.H{"event": event})
}

// exportEvents returns the session's persisted event log for data export.
func (s *Server) exportEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.engine.GetSession(c.Request.Context(), sessionID); err != nil {
		s.respondError(c, err)
		return
	}

	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := s.store.ListEventsAfter(c.Request.Context(), sessionID, after, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "events": events})
}
