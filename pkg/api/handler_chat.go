package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

type chatMessageRequest struct {
	SessionID      string `json:"sessionId" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey" binding:"required"`
	Body           string `json:"body" binding:"required"`
}

type typingRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

func (s *Server) sendChatMessage(c *gin.Context) {
	var req chatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, http.StatusBadRequest, string(engine.CodeInvalidEvent), err.Error(), nil)
		return
	}

	msg, replayed, err := s.chat.SendMessage(c.Request.Context(), c.Param("groupId"),
		models.SenderParticipant, req.SessionID, req.Body, req.IdempotencyKey)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if replayed {
		c.Header(replayHeader, "true")
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (s *Server) sendTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAPIError(c, http.StatusBadRequest, string(engine.CodeInvalidEvent), err.Error(), nil)
		return
	}

	if err := s.chat.Typing(c.Request.Context(), c.Param("groupId"), req.SessionID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listChatMessages replays room history for a member. The caller proves
// membership with its session id; the push stream already carries messages
// live, so this endpoint only serves reconnects.
func (s *Server) listChatMessages(c *gin.Context) {
	groupID := c.Param("groupId")
	sessionID := c.Query("sessionId")

	group, err := s.store.GetGroup(c.Request.Context(), groupID)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(c, engine.Errorf(engine.CodeNotFound, "group %q not found", groupID))
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !group.HasMember(sessionID) {
		s.respondError(c, engine.Errorf(engine.CodeForbidden, "session is not a member of this group"))
		return
	}

	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	history, err := s.chat.ReplayHistory(c.Request.Context(), groupID, after)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"groupId":   groupID,
		"chatEnded": group.ChatEnded,
		"messages":  history,
	})
}
