package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/expr"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

// ClientEvent is a client-authored action submitted through Advance.
type ClientEvent struct {
	Type     string         `json:"type"`
	ButtonID string         `json:"buttonId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Advance executes one client action against the session's current page:
// validate, apply state writes, pick the branch target, transition, and
// append the event batch under a single versioned write. Replaying an
// idempotency key returns the original outcome without re-execution.
func (e *Engine) Advance(ctx context.Context, sessionID, idempotencyKey string, event ClientEvent) (*Snapshot, error) {
	if idempotencyKey == "" {
		return nil, Errorf(CodeInvalidEvent, "idempotencyKey is required")
	}
	if event.Type != models.EventTypeButtonClick {
		return nil, Errorf(CodeInvalidEvent, "unsupported advance event type %q", event.Type)
	}

	for attempt := 0; attempt <= casRetries; attempt++ {
		session, err := e.loadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		cfg, err := e.Config(ctx, session.ConfigID)
		if err != nil {
			return nil, err
		}

		if replay, err := e.checkReplay(ctx, session, cfg, idempotencyKey); replay != nil || err != nil {
			return replay, err
		}
		if session.Status.Terminal() {
			return nil, Errorf(CodeGone, "session has %s", session.Status)
		}

		snap, err := e.advanceOnce(ctx, session, cfg, idempotencyKey, event)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return snap, err
	}
	return nil, Errorf(CodeInternal, "session is under concurrent modification")
}

func (e *Engine) checkReplay(ctx context.Context, session *models.Session, cfg *experiment.Config, key string) (*Snapshot, error) {
	first, err := e.store.CheckIdempotency(ctx, session.SessionID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return e.replaySnapshot(ctx, session, cfg, first)
}

// replaySnapshot rebuilds the view the original request returned: the page
// the replayed batch transitioned to, and the user state as of the batch's
// last event, folded from the state_updated deltas in the log. Server events
// that landed after the batch (match_found, timeout) do not leak into the
// replayed response, so retries observe the original outcome.
func (e *Engine) replaySnapshot(ctx context.Context, session *models.Session, cfg *experiment.Config, first *models.Event) (*Snapshot, error) {
	events, err := e.store.ListEventsAfter(ctx, session.SessionID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load event log for replay: %w", err)
	}

	key := first.IdempotencyKey
	lastSeq := first.Sequence
	targetPageID := first.PageID
	ended := false
	for _, ev := range events {
		if ev.IdempotencyKey != key {
			continue
		}
		if ev.Sequence > lastSeq {
			lastSeq = ev.Sequence
		}
		switch ev.Type {
		case models.EventTypeButtonClick:
			if target, ok := ev.Data["targetPageId"].(string); ok {
				targetPageID = target
			}
		case models.EventTypeSessionEnded:
			ended = true
		}
	}

	// Sessions start with empty state and every mutation appends its deltas,
	// so folding the log up to the batch reproduces the state at that moment.
	view := *session
	view.Status = models.SessionStatusActive
	view.CurrentPageID = targetPageID
	view.UserState = map[string]any{}
	view.GroupID = ""
	if ended {
		view.Status = models.SessionStatusEnded
	}
	for _, ev := range events {
		if ev.Sequence > lastSeq || ev.Type != models.EventTypeStateUpdated {
			continue
		}
		foldDeltas(view.UserState, ev.Data)
	}
	if gid, ok := view.UserState["group_id"].(string); ok {
		view.GroupID = gid
	}

	snap, err := e.snapshot(&view, cfg)
	if err != nil {
		return nil, err
	}
	snap.Replayed = true
	return snap, nil
}

// foldDeltas applies one state_updated payload's after-values onto state.
func foldDeltas(state map[string]any, data map[string]any) {
	deltas, _ := data["deltas"].([]any)
	for _, raw := range deltas {
		d, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		path, _ := d["path"].(string)
		field, ok := strings.CutPrefix(path, "user_state.")
		if !ok || field == "" {
			continue
		}
		_ = store.ApplyStateWrite(state, store.StateWrite{Path: field, Value: d["after"]})
	}
}

func (e *Engine) advanceOnce(ctx context.Context, session *models.Session, cfg *experiment.Config, idempotencyKey string, event ClientEvent) (*Snapshot, error) {
	page, ok := cfg.Page(session.CurrentPageID)
	if !ok {
		return nil, Errorf(CodeUnknownNode, "session page %q is not in the config", session.CurrentPageID)
	}
	button, ok := page.Button(event.ButtonID)
	if !ok {
		return nil, Errorf(CodeUnknownButton, "page %q has no button %q", page.ID, event.ButtonID)
	}

	exprCtx := expr.Context{
		UserState: session.UserState,
		Event:     event.Payload,
		Run: map[string]any{
			"sessionId":     session.SessionID,
			"configId":      session.ConfigID,
			"currentPageId": session.CurrentPageID,
			"groupId":       session.GroupID,
		},
	}

	// Action assignments first, then survey answer writes.
	var writes []store.StateWrite
	for _, assign := range button.Action.Assign {
		value := assign.Value
		if assign.ValueExpr != nil {
			value = assign.ValueExpr.Eval(exprCtx)
		}
		writes = append(writes, store.StateWrite{Path: assign.Path, Value: value})
	}

	answers, surveyComponentID, err := e.surveyWrites(page, event.Payload)
	if err != nil {
		return nil, err
	}
	writes = append(writes, answerWrites(page, answers)...)

	writes, err = validateStateWrites(cfg, writes)
	if err != nil {
		return nil, err
	}

	// Branches see the post-assign state.
	postState := models.CloneState(session.UserState)
	if postState == nil {
		postState = map[string]any{}
	}
	for _, w := range writes {
		if err := store.ApplyStateWrite(postState, w); err != nil {
			return nil, Errorf(CodeForbiddenWrite, "%v", err)
		}
	}
	exprCtx.UserState = postState

	target, err := pickTarget(button.Action, exprCtx)
	if err != nil {
		return nil, err
	}
	targetPage, ok := cfg.Page(target)
	if !ok {
		return nil, Errorf(CodeUnknownNode, "action target %q is not in the config", target)
	}

	deltas := stateDeltas(session.UserState, writes)
	now := time.Now().UTC()

	patch := store.SessionPatch{
		CurrentPageID:  &target,
		LastActivityAt: &now,
		StateWrites:    writes,
	}
	if targetPage.End {
		status := models.SessionStatusEnded
		patch.Status = &status
		patch.EndedAt = &now
	}

	updated, err := e.store.UpdateSession(ctx, session.SessionID, session.Version, patch)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to commit advance: %w", err)
	}

	batch := e.buildAdvanceBatch(page, button, event, surveyComponentID, answers, deltas, targetPage, idempotencyKey)
	_, replayed, err := e.appendAndPublish(ctx, session.SessionID, batch)
	if err != nil {
		return nil, err
	}
	if replayed {
		// Lost the append race for this key; serve the winner's outcome.
		first, err := e.store.CheckIdempotency(ctx, session.SessionID, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load replayed event: %w", err)
		}
		return e.replaySnapshot(ctx, updated, cfg, first)
	}

	snap := &Snapshot{Session: updated, Page: targetPage, Config: cfg}

	if targetPage.End {
		if mm := e.matchmaker(); mm != nil {
			mm.Cancel(ctx, session.SessionID)
		}
		e.logger.Info("Session ended",
			"session_id", session.SessionID, "page_id", targetPage.ID)
	} else {
		e.enterPage(ctx, snap)
	}
	return snap, nil
}

// buildAdvanceBatch assembles the contiguous event batch for one advance:
// survey_submission, state_updated, button_click, then session_ended when the
// target is terminal. All entries share the idempotency key.
func (e *Engine) buildAdvanceBatch(page *experiment.Page, button *experiment.Button, event ClientEvent, surveyComponentID string, answers map[string]any, deltas []models.StateDelta, targetPage *experiment.Page, key string) []*models.Event {
	var batch []*models.Event
	if len(answers) > 0 {
		batch = append(batch, &models.Event{
			Type:           models.EventTypeSurveySubmission,
			PageID:         page.ID,
			ComponentID:    surveyComponentID,
			Data:           map[string]any{"answers": answers, "pageId": page.ID},
			IdempotencyKey: key,
		})
	}
	if len(deltas) > 0 {
		batch = append(batch, &models.Event{
			Type:           models.EventTypeStateUpdated,
			PageID:         page.ID,
			Data:           deltasPayload(deltas),
			IdempotencyKey: key,
		})
	}
	batch = append(batch, &models.Event{
		Type:        models.EventTypeButtonClick,
		PageID:      page.ID,
		ComponentID: button.ID,
		Data: map[string]any{
			"buttonId":     button.ID,
			"pageId":       page.ID,
			"label":        button.Label,
			"targetPageId": targetPage.ID,
		},
		IdempotencyKey: key,
	})
	if targetPage.End {
		data := map[string]any{"pageId": targetPage.ID}
		if targetPage.EndRedirectURL != "" {
			data["redirectUrl"] = targetPage.EndRedirectURL
		}
		batch = append(batch, &models.Event{
			Type:           models.EventTypeSessionEnded,
			PageID:         targetPage.ID,
			Data:           data,
			IdempotencyKey: key,
		})
	}
	return batch
}

// surveyWrites validates the payload's answers against the page's survey
// questions. Every non-optional question must be answered; answers to
// undeclared questions are rejected.
func (e *Engine) surveyWrites(page *experiment.Page, payload map[string]any) (map[string]any, string, error) {
	var survey *experiment.SurveyProps
	var componentID string
	for _, c := range page.Components {
		if c.Type == experiment.ComponentSurvey {
			survey = c.Survey
			componentID = c.ID
			break
		}
	}

	raw, hasAnswers := payload["answers"]
	if survey == nil {
		if hasAnswers {
			return nil, "", Errorf(CodeInvalidEvent, "page %q has no survey component", page.ID)
		}
		return nil, "", nil
	}

	answers, ok := raw.(map[string]any)
	if hasAnswers && !ok {
		return nil, "", Errorf(CodeSchemaMismatch, "answers must be an object")
	}

	validated := make(map[string]any, len(answers))
	for qid, value := range answers {
		q, ok := survey.Question(qid)
		if !ok {
			return nil, "", Errorf(CodeSchemaMismatch, "question %q is not on page %q", qid, page.ID)
		}
		canonical, err := experiment.ValidateAnswer(q, value)
		if err != nil {
			return nil, "", Errorf(CodeSchemaMismatch, "%v", err)
		}
		validated[qid] = canonical
	}
	for _, q := range survey.Questions {
		if q.Optional {
			continue
		}
		if _, answered := validated[q.ID]; !answered {
			return nil, "", Errorf(CodeSchemaMismatch, "question %q requires an answer", q.ID)
		}
	}
	return validated, componentID, nil
}

// answerWrites orders survey writes by question declaration order so deltas
// are stable.
func answerWrites(page *experiment.Page, answers map[string]any) []store.StateWrite {
	if len(answers) == 0 {
		return nil
	}
	var writes []store.StateWrite
	for _, c := range page.Components {
		if c.Type != experiment.ComponentSurvey {
			continue
		}
		for _, q := range c.Survey.Questions {
			if value, ok := answers[q.ID]; ok {
				writes = append(writes, store.StateWrite{Path: "user_state." + q.ID, Value: value})
			}
		}
	}
	return writes
}

// pickTarget resolves an action to a page id: first truthy branch wins, a
// branch without a condition is the default, a bare target is unconditional.
func pickTarget(action *experiment.Action, ctx expr.Context) (string, error) {
	for _, b := range action.Branches {
		if b.When.EvalBool(ctx) {
			return b.Target, nil
		}
	}
	if action.Target != "" {
		return action.Target, nil
	}
	if len(action.Branches) > 0 {
		return "", Errorf(CodeNoBranchMatched, "no branch condition matched and no default branch exists")
	}
	return "", Errorf(CodeUnknownNode, "action has neither target nor branches")
}

// RecordEvent appends one generic client-originated event without a page
// transition. Used by the raw event-log endpoint.
func (e *Engine) RecordEvent(ctx context.Context, sessionID, idempotencyKey, eventType string, payload map[string]any) (*models.Event, bool, error) {
	if idempotencyKey == "" {
		return nil, false, Errorf(CodeInvalidEvent, "idempotencyKey is required")
	}
	if eventType == "" {
		return nil, false, Errorf(CodeInvalidEvent, "event type is required")
	}
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session.Status.Terminal() {
		return nil, false, Errorf(CodeGone, "session has %s", session.Status)
	}

	if existing, err := e.store.CheckIdempotency(ctx, sessionID, idempotencyKey); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check idempotency: %w", err)
	}

	persisted, replayed, err := e.appendAndPublish(ctx, sessionID, []*models.Event{{
		Type:           eventType,
		PageID:         session.CurrentPageID,
		Data:           payload,
		IdempotencyKey: idempotencyKey,
	}})
	if err != nil {
		return nil, false, err
	}
	if replayed {
		existing, err := e.store.CheckIdempotency(ctx, sessionID, idempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load replayed event: %w", err)
		}
		return existing, true, nil
	}

	e.touchActivity(ctx, session)
	return persisted[0], false, nil
}

// touchActivity bumps lastActivityAt, best effort. A lost race here only
// delays the idle sweeper by one tick.
func (e *Engine) touchActivity(ctx context.Context, session *models.Session) {
	now := time.Now().UTC()
	if _, err := e.store.UpdateSession(ctx, session.SessionID, session.Version, store.SessionPatch{
		LastActivityAt: &now,
	}); err != nil && !errors.Is(err, store.ErrVersionConflict) {
		e.logger.Warn("Failed to record session activity",
			"session_id", session.SessionID, "error", err)
	}
}
