package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

// ServerEvent is an internally originated mutation: match results, timeouts,
// agent tool effects. Unlike client advances it carries no idempotency key;
// callers own at-most-once semantics.
type ServerEvent struct {
	// Type is appended to the session log and pushed to subscribers. Empty
	// means mutate silently (no primary event).
	Type        string
	ComponentID string
	Data        map[string]any

	// StateWrites are user_state.<field> paths, validated against the schema.
	// A state_updated event with deltas is appended when any are present.
	StateWrites []store.StateWrite

	// GroupID links the session to a group when set.
	GroupID *string

	// TransitionTo moves the session to another page (matchmaking timeout
	// targets). Empty means stay.
	TransitionTo string
}

// ApplyServerEvent mutates a session on behalf of the matchmaker, chat
// coordinator, or agent runtime, under the same versioned write discipline
// as client advances. Terminal sessions reject with gone.
func (e *Engine) ApplyServerEvent(ctx context.Context, sessionID string, ev ServerEvent) (*Snapshot, error) {
	for attempt := 0; attempt <= casRetries; attempt++ {
		snap, err := e.applyServerEventOnce(ctx, sessionID, ev)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return snap, err
	}
	return nil, Errorf(CodeInternal, "session is under concurrent modification")
}

func (e *Engine) applyServerEventOnce(ctx context.Context, sessionID string, ev ServerEvent) (*Snapshot, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.Config(ctx, session.ConfigID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, Errorf(CodeGone, "session has %s", session.Status)
	}

	writes, err := validateStateWrites(cfg, ev.StateWrites)
	if err != nil {
		return nil, err
	}
	deltas := stateDeltas(session.UserState, writes)

	now := time.Now().UTC()
	patch := store.SessionPatch{StateWrites: writes, LastActivityAt: &now}
	if ev.GroupID != nil {
		patch.GroupID = ev.GroupID
	}

	page, ok := cfg.Page(session.CurrentPageID)
	if !ok {
		return nil, Errorf(CodeUnknownNode, "session page %q is not in the config", session.CurrentPageID)
	}
	resultPage := page
	if ev.TransitionTo != "" {
		tp, ok := cfg.Page(ev.TransitionTo)
		if !ok {
			return nil, Errorf(CodeUnknownNode, "transition target %q is not in the config", ev.TransitionTo)
		}
		resultPage = tp
		patch.CurrentPageID = &ev.TransitionTo
		if tp.End {
			status := models.SessionStatusEnded
			patch.Status = &status
			patch.EndedAt = &now
		}
	}

	updated, err := e.store.UpdateSession(ctx, sessionID, session.Version, patch)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to commit server event: %w", err)
	}

	var batch []*models.Event
	if ev.Type != "" {
		batch = append(batch, &models.Event{
			Type:        ev.Type,
			PageID:      page.ID,
			ComponentID: ev.ComponentID,
			Data:        ev.Data,
		})
	}
	if len(deltas) > 0 {
		batch = append(batch, &models.Event{
			Type:   models.EventTypeStateUpdated,
			PageID: page.ID,
			Data:   deltasPayload(deltas),
		})
	}
	if resultPage.End {
		data := map[string]any{"pageId": resultPage.ID}
		if resultPage.EndRedirectURL != "" {
			data["redirectUrl"] = resultPage.EndRedirectURL
		}
		batch = append(batch, &models.Event{
			Type:   models.EventTypeSessionEnded,
			PageID: resultPage.ID,
			Data:   data,
		})
	}
	if len(batch) > 0 {
		if _, _, err := e.appendAndPublish(ctx, sessionID, batch); err != nil {
			return nil, err
		}
	}

	snap := &Snapshot{Session: updated, Page: resultPage, Config: cfg}
	if resultPage.End {
		if mm := e.matchmaker(); mm != nil {
			mm.Cancel(ctx, sessionID)
		}
	}
	return snap, nil
}

// PublishEphemeral pushes an event to subscribers without persisting it.
// Sequence 0 marks it as transient; used for typing indicators and
// streaming agent deltas.
func (e *Engine) PublishEphemeral(sessionID string, eventType string, data map[string]any) {
	e.publisher.Publish(sessionID, []*models.Event{{
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}})
}

// Abandon moves an idle session to abandoned and releases its pool entry.
// Used by the idle sweeper; already-terminal sessions are a no-op.
func (e *Engine) Abandon(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt <= casRetries; attempt++ {
		session, err := e.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			return nil
		}

		now := time.Now().UTC()
		status := models.SessionStatusAbandoned
		_, err = e.store.UpdateSession(ctx, sessionID, session.Version, store.SessionPatch{
			Status:  &status,
			EndedAt: &now,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to abandon session: %w", err)
		}

		if mm := e.matchmaker(); mm != nil {
			mm.Cancel(ctx, sessionID)
		}
		e.logger.Info("Session abandoned", "session_id", sessionID)
		return nil
	}
	return Errorf(CodeInternal, "session is under concurrent modification")
}
