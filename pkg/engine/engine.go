// Package engine is the server-authoritative session state machine. It
// advances participants through a compiled page graph, ingests client events
// idempotently, applies field-level state writes under optimistic
// concurrency, and publishes every appended event to the push layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

// casRetries bounds optimistic-concurrency retries before surfacing internal.
const casRetries = 3

// Publisher fans persisted events out to live subscribers.
type Publisher interface {
	Publish(sessionID string, events []*models.Event)
}

// Matchmaker is the pool surface the engine drives when sessions enter or
// leave matchmaking pages. Set after construction to break the mutual
// dependency between engine and matchmaker.
type Matchmaker interface {
	Enqueue(ctx context.Context, session *models.Session, cfg *experiment.Config, poolID string) error
	Cancel(ctx context.Context, sessionID string)
}

// Engine executes compiled configs against live sessions.
type Engine struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger

	mmMu sync.RWMutex
	mm   Matchmaker

	cfgMu   sync.RWMutex
	configs map[string]*experiment.Config
}

// New creates an Engine. Call SetMatchmaker before serving traffic that can
// reach matchmaking pages.
func New(st store.Store, pub Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		store:     st,
		publisher: pub,
		logger:    logger.With("component", "engine"),
		configs:   make(map[string]*experiment.Config),
	}
}

// SetMatchmaker wires the matchmaker. Called once during startup.
func (e *Engine) SetMatchmaker(mm Matchmaker) {
	e.mmMu.Lock()
	defer e.mmMu.Unlock()
	e.mm = mm
}

func (e *Engine) matchmaker() Matchmaker {
	e.mmMu.RLock()
	defer e.mmMu.RUnlock()
	return e.mm
}

// Snapshot is a consistent view of a session and its current page.
type Snapshot struct {
	Session *models.Session
	Page    *experiment.Page
	Config  *experiment.Config
	// Replayed marks an idempotency replay: the snapshot is the outcome of
	// the original request and no new event was appended.
	Replayed bool
}

// Config returns the compiled config, loading and compiling it on first use.
// Stored documents are canonical, so compilation cannot fail after upload
// validation; a failure here means the stored document was corrupted.
func (e *Engine) Config(ctx context.Context, configID string) (*experiment.Config, error) {
	e.cfgMu.RLock()
	cfg, ok := e.configs[configID]
	e.cfgMu.RUnlock()
	if ok {
		return cfg, nil
	}

	stored, err := e.store.GetConfig(ctx, configID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errorf(CodeNotFound, "config %q not found", configID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, _, err = experiment.CompileBytes(stored.Document)
	if err != nil {
		return nil, fmt.Errorf("stored config %q does not compile: %w", configID, err)
	}
	cfg.ConfigID = configID

	e.cfgMu.Lock()
	e.configs[configID] = cfg
	e.cfgMu.Unlock()
	return cfg, nil
}

// StartSession creates a session positioned on the config's initial page.
// If the participant already has an active session for the config it is
// resumed; a finished session blocks a restart unless allowRetake is set.
func (e *Engine) StartSession(ctx context.Context, configID, participantID string) (*Snapshot, error) {
	cfg, err := e.Config(ctx, configID)
	if err != nil {
		return nil, err
	}

	if participantID != "" {
		existing, err := e.store.FindSessionByParticipant(ctx, configID, participantID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up participant: %w", err)
		}
		if existing != nil {
			if existing.Status == models.SessionStatusActive {
				return e.snapshot(existing, cfg)
			}
			if !cfg.AllowRetake {
				return nil, Errorf(CodeGone, "participant already completed this experiment")
			}
		}
	}

	now := time.Now().UTC()
	session := &models.Session{
		SessionID:      uuid.New().String(),
		ConfigID:       configID,
		ParticipantID:  participantID,
		CurrentPageID:  cfg.InitialPageID,
		Status:         models.SessionStatusActive,
		UserState:      map[string]any{},
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.InsertSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	e.logger.Info("Session started",
		"session_id", session.SessionID, "config_id", configID)

	snap, err := e.snapshot(session, cfg)
	if err != nil {
		return nil, err
	}
	e.enterPage(ctx, snap)
	return snap, nil
}

// GetSession returns the session's current view.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*Snapshot, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.Config(ctx, session.ConfigID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(session, cfg)
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errorf(CodeNotFound, "session %q not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

func (e *Engine) snapshot(session *models.Session, cfg *experiment.Config) (*Snapshot, error) {
	page, ok := cfg.Page(session.CurrentPageID)
	if !ok {
		return nil, Errorf(CodeUnknownNode, "session page %q is not in the config", session.CurrentPageID)
	}
	return &Snapshot{Session: session, Page: page, Config: cfg}, nil
}

// enterPage runs side effects of arriving on a page. Matchmaking enqueue
// failures are logged, not surfaced: the participant is already on the page
// and the client can retry via the conflict it observes.
func (e *Engine) enterPage(ctx context.Context, snap *Snapshot) {
	mmComp := snap.Page.MatchmakingComponent()
	if mmComp == nil || snap.Session.Status != models.SessionStatusActive {
		return
	}
	mm := e.matchmaker()
	if mm == nil {
		e.logger.Warn("No matchmaker wired; skipping enqueue",
			"session_id", snap.Session.SessionID, "pool_id", mmComp.Matchmaking.PoolID)
		return
	}
	if err := mm.Enqueue(ctx, snap.Session, snap.Config, mmComp.Matchmaking.PoolID); err != nil {
		e.logger.Warn("Matchmaking enqueue failed",
			"session_id", snap.Session.SessionID,
			"pool_id", mmComp.Matchmaking.PoolID,
			"error", err)
	}
}

// validateStateWrites checks writes against the declared user_state schema
// and returns them with the user_state. prefix stripped. The group_id and
// treatment fields are implicitly declared: the matchmaker writes them on
// every pool regardless of schema.
func validateStateWrites(cfg *experiment.Config, writes []store.StateWrite) ([]store.StateWrite, error) {
	out := make([]store.StateWrite, 0, len(writes))
	for _, w := range writes {
		field, ok := strings.CutPrefix(w.Path, "user_state.")
		if !ok || field == "" {
			return nil, Errorf(CodeForbiddenWrite, "path %q is outside user_state", w.Path)
		}
		root := field
		if i := strings.IndexByte(root, '.'); i >= 0 {
			root = root[:i]
		}
		schema, declared := cfg.UserStateSchema[root]
		if !declared {
			if root != "group_id" && root != "treatment" {
				return nil, Errorf(CodeForbiddenWrite, "field %q is not declared in the state schema", root)
			}
		} else if root == field {
			if err := experiment.ValidateValue(schema, w.Value); err != nil {
				return nil, Errorf(CodeSchemaMismatch, "field %q: %v", field, err)
			}
			w.Value = experiment.CoerceValue(schema, w.Value)
		}
		out = append(out, store.StateWrite{Path: field, Value: w.Value})
	}
	return out, nil
}

// stateDeltas computes before/after pairs for a state_updated payload.
// Paths are reported with the user_state. prefix, matching the export shape.
func stateDeltas(before map[string]any, writes []store.StateWrite) []models.StateDelta {
	deltas := make([]models.StateDelta, 0, len(writes))
	for _, w := range writes {
		prev, _ := store.LookupStatePath(before, w.Path)
		deltas = append(deltas, models.StateDelta{
			Path:   "user_state." + w.Path,
			Before: prev,
			After:  w.Value,
		})
	}
	return deltas
}

func deltasPayload(deltas []models.StateDelta) map[string]any {
	arr := make([]any, len(deltas))
	for i, d := range deltas {
		arr[i] = map[string]any{"path": d.Path, "before": d.Before, "after": d.After}
	}
	return map[string]any{"deltas": arr}
}

// appendAndPublish persists an event batch and fans it out. An idempotency
// race (another request committed the same key first) reports as replayed.
func (e *Engine) appendAndPublish(ctx context.Context, sessionID string, events []*models.Event) ([]*models.Event, bool, error) {
	persisted, err := e.store.AppendEvents(ctx, sessionID, events)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to append events: %w", err)
	}
	e.publisher.Publish(sessionID, persisted)
	return persisted, false, nil
}
