package api

import (
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/pairit-lab/pairit/pkg/models"
)

// defaultHeartbeatInterval keeps idle SSE connections alive through proxies.
// A heartbeat goes out only after the stream has been idle this long; every
// delivered event re-arms the timer.
const defaultHeartbeatInterval = 30 * time.Second

// streamEvents serves the session's push stream as server-sent events.
// `Last-Event-ID` (or ?cursor=) resumes: stored events with a higher
// sequence are replayed before live delivery. Ephemeral events (typing,
// agent deltas) carry no id and never move the client's cursor.
func (s *Server) streamEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.loadAuthorized(c, sessionID); err != nil {
		s.respondError(c, err)
		return
	}

	cursor := parseCursor(c)
	sub, err := s.hub.Subscribe(c.Request.Context(), sessionID, cursor)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	s.logger.Info("Stream subscribed",
		"session_id", sessionID, "cursor", cursor, "subscription_id", sub.ID)

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	heartbeat := time.NewTimer(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case event, ok := <-sub.Events():
			if !ok {
				// Dropped as a slow consumer or hub shutdown; the client
				// reconnects with its Last-Event-ID.
				return
			}
			if err := writeEvent(c, event); err != nil {
				return
			}
			// The event itself proves liveness; re-arm the idle timer.
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(s.heartbeatInterval)

		case <-heartbeat.C:
			err := sse.Encode(c.Writer, sse.Event{
				Event: models.EventTypeHeartbeat,
				Data:  map[string]any{"timestamp": time.Now().UTC()},
			})
			if err != nil {
				return
			}
			c.Writer.Flush()
			heartbeat.Reset(s.heartbeatInterval)
		}
	}
}

func writeEvent(c *gin.Context, event *models.Event) error {
	out := sse.Event{Event: event.Type, Data: event}
	if event.Sequence > 0 {
		out.Id = strconv.FormatInt(event.Sequence, 10)
	}
	if err := sse.Encode(c.Writer, out); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// parseCursor prefers the standard Last-Event-ID header over the query
// parameter. Unparseable values fall back to a full replay from zero.
func parseCursor(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("cursor")
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0
	}
	return cursor
}
