// Package match forms fixed-size groups from per-pool queues. Queues live in
// process memory for ordering and timers; every entry is also persisted so a
// restart rebuilds the queues, and group formation consumes the persisted
// entries atomically so racing matchers can never overlap.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

// statsRetries bounds CAS retries on the treatment histogram.
const statsRetries = 5

// SessionEngine is the slice of the session engine the matchmaker drives.
type SessionEngine interface {
	ApplyServerEvent(ctx context.Context, sessionID string, ev engine.ServerEvent) (*engine.Snapshot, error)
	GetSession(ctx context.Context, sessionID string) (*engine.Snapshot, error)
	Config(ctx context.Context, configID string) (*experiment.Config, error)
}

type queueEntry struct {
	sessionID  string
	configID   string
	poolID     string
	enqueuedAt time.Time
}

// GroupListener observes successfully formed groups. The agent runtime
// registers one so agent workers spawn when a room opens.
type GroupListener interface {
	OnGroupFormed(group *models.Group, cfg *experiment.Config)
}

// Matchmaker owns the pool queues. Safe for concurrent use.
type Matchmaker struct {
	store  store.Store
	engine SessionEngine
	logger *slog.Logger

	listenerMu sync.RWMutex
	listener   GroupListener

	mu     sync.Mutex
	queues map[string][]*queueEntry // configID/poolID → FIFO
	timers map[string]*time.Timer   // sessionID → timeout timer
	closed bool
}

// New creates a Matchmaker. Call Rebuild before serving traffic so persisted
// entries from a previous run re-enter their queues.
func New(st store.Store, eng SessionEngine, logger *slog.Logger) *Matchmaker {
	return &Matchmaker{
		store:  st,
		engine: eng,
		logger: logger.With("component", "matchmaker"),
		queues: make(map[string][]*queueEntry),
		timers: make(map[string]*time.Timer),
	}
}

var _ engine.Matchmaker = (*Matchmaker)(nil)

// SetGroupListener wires the agent runtime. Called once during startup.
func (m *Matchmaker) SetGroupListener(l GroupListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

func (m *Matchmaker) groupListener() GroupListener {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	return m.listener
}

func queueKey(configID, poolID string) string { return configID + "/" + poolID }

// Enqueue appends a session to a pool's queue, persists the entry, arms the
// timeout timer, and attempts a match. A session already queued or already in
// a group conflicts.
func (m *Matchmaker) Enqueue(ctx context.Context, session *models.Session, cfg *experiment.Config, poolID string) error {
	pool, ok := cfg.Pool(poolID)
	if !ok {
		return engine.Errorf(engine.CodeUnknownNode, "pool %q is not in the config", poolID)
	}
	if session.GroupID != "" {
		return engine.Errorf(engine.CodeMatchmakingConflict, "session is already in a group")
	}

	entry := &models.PoolEntry{
		SessionID:  session.SessionID,
		ConfigID:   session.ConfigID,
		PoolID:     poolID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := m.store.InsertPoolEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return engine.Errorf(engine.CodeMatchmakingConflict, "session is already enqueued")
		}
		return fmt.Errorf("failed to persist pool entry: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return engine.Errorf(engine.CodeInternal, "matchmaker is shut down")
	}
	key := queueKey(session.ConfigID, poolID)
	m.queues[key] = append(m.queues[key], &queueEntry{
		sessionID:  session.SessionID,
		configID:   session.ConfigID,
		poolID:     poolID,
		enqueuedAt: entry.EnqueuedAt,
	})
	m.armTimerLocked(session.SessionID, session.ConfigID, poolID, time.Duration(pool.TimeoutSeconds)*time.Second)
	m.mu.Unlock()

	m.logger.Info("Session enqueued",
		"session_id", session.SessionID, "pool_id", poolID)

	m.TryMatch(ctx, session.ConfigID, poolID)
	return nil
}

// armTimerLocked starts the per-entry timeout timer. Caller holds m.mu.
func (m *Matchmaker) armTimerLocked(sessionID, configID, poolID string, d time.Duration) {
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(d, func() {
		m.onTimeout(sessionID, configID, poolID)
	})
}

// Cancel removes a session's entry, stopping its timer. Safe to call for
// sessions that are not enqueued.
func (m *Matchmaker) Cancel(ctx context.Context, sessionID string) {
	m.removeLocal(sessionID)
	if _, err := m.store.DeletePoolEntry(ctx, sessionID); err != nil {
		m.logger.Warn("Failed to delete pool entry",
			"session_id", sessionID, "error", err)
	}
}

func (m *Matchmaker) removeLocal(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
	for key, q := range m.queues {
		for i, e := range q {
			if e.sessionID == sessionID {
				m.queues[key] = append(q[:i:i], q[i+1:]...)
				return
			}
		}
	}
}

// TryMatch forms at most one group per call. Candidates are screened for
// eligibility (still active, still on the matchmaking page) before the
// persisted entries are consumed atomically.
func (m *Matchmaker) TryMatch(ctx context.Context, configID, poolID string) {
	cfg, err := m.engine.Config(ctx, configID)
	if err != nil {
		m.logger.Error("Failed to load config for matching",
			"config_id", configID, "error", err)
		return
	}
	pool, ok := cfg.Pool(poolID)
	if !ok {
		return
	}

	for {
		candidates := m.pickCandidates(ctx, configID, poolID, pool.NumUsers)
		if candidates == nil {
			return
		}

		consumed, err := m.store.AtomicMatch(ctx, poolID, candidates)
		if errors.Is(err, store.ErrEntriesGone) {
			// A racing matcher or cancel got there first; resync and retry.
			m.pruneAgainstStore(ctx, configID, poolID)
			continue
		}
		if err != nil {
			m.logger.Error("Atomic match failed", "pool_id", poolID, "error", err)
			return
		}

		for _, e := range consumed {
			m.removeLocal(e.SessionID)
		}
		if err := m.formGroup(ctx, cfg, pool, consumed); err != nil {
			m.logger.Error("Group formation failed; entries re-queued",
				"pool_id", poolID, "error", err)
			return
		}
	}
}

// pickCandidates returns the head NumUsers eligible session ids, or nil if
// the queue cannot fill a group. Ineligible entries (session gone, ended, or
// navigated away) are dropped as it scans.
func (m *Matchmaker) pickCandidates(ctx context.Context, configID, poolID string, size int) []string {
	m.mu.Lock()
	queue := append([]*queueEntry(nil), m.queues[queueKey(configID, poolID)]...)
	m.mu.Unlock()

	eligible := make([]string, 0, size)
	for _, e := range queue {
		if len(eligible) == size {
			break
		}
		if m.eligible(ctx, e.sessionID, poolID) {
			eligible = append(eligible, e.sessionID)
			continue
		}
		m.Cancel(ctx, e.sessionID)
	}
	if len(eligible) < size {
		return nil
	}
	return eligible
}

func (m *Matchmaker) eligible(ctx context.Context, sessionID, poolID string) bool {
	snap, err := m.engine.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	if snap.Session.Status != models.SessionStatusActive || snap.Session.GroupID != "" {
		return false
	}
	mmComp := snap.Page.MatchmakingComponent()
	return mmComp != nil && mmComp.Matchmaking.PoolID == poolID
}

// pruneAgainstStore drops queue entries whose persisted row is gone.
func (m *Matchmaker) pruneAgainstStore(ctx context.Context, configID, poolID string) {
	m.mu.Lock()
	queue := append([]*queueEntry(nil), m.queues[queueKey(configID, poolID)]...)
	m.mu.Unlock()

	for _, e := range queue {
		if _, err := m.store.GetPoolEntry(ctx, e.sessionID); errors.Is(err, store.ErrNotFound) {
			m.removeLocal(e.sessionID)
		}
	}
}

// formGroup assigns a balanced-random treatment, persists the group, and
// applies the member state updates. Any member failure rolls the whole group
// back and re-queues the consumed entries at their original positions.
func (m *Matchmaker) formGroup(ctx context.Context, cfg *experiment.Config, pool *experiment.PoolDef, consumed []*models.PoolEntry) error {
	memberIDs := make([]string, len(consumed))
	for i, e := range consumed {
		memberIDs[i] = e.SessionID
	}

	treatment, err := m.assignTreatment(ctx, cfg.ConfigID, pool)
	if err != nil {
		m.requeue(ctx, consumed)
		return err
	}

	group := &models.Group{
		GroupID:          uuid.New().String(),
		PoolID:           pool.PoolID,
		ConfigID:         cfg.ConfigID,
		MemberSessionIDs: memberIDs,
		Treatment:        treatment,
		SharedState:      models.CloneState(pool.InitialShared),
		ChatGroupID:      "",
		CreatedAt:        time.Now().UTC(),
	}
	group.ChatGroupID = group.GroupID
	if err := m.store.InsertGroup(ctx, group); err != nil {
		m.releaseTreatment(ctx, cfg.ConfigID, pool, treatment)
		m.requeue(ctx, consumed)
		return fmt.Errorf("failed to persist group: %w", err)
	}

	writes := []store.StateWrite{{Path: "user_state.group_id", Value: group.GroupID}}
	if treatment != "" {
		writes = append(writes, store.StateWrite{Path: "user_state.treatment", Value: treatment})
	}
	data := map[string]any{
		"groupId":          group.GroupID,
		"treatment":        treatment,
		"memberSessionIds": memberIDs,
	}

	applied := make([]string, 0, len(memberIDs))
	for _, sessionID := range memberIDs {
		_, err := m.engine.ApplyServerEvent(ctx, sessionID, engine.ServerEvent{
			Type:        models.EventTypeMatchFound,
			Data:        data,
			StateWrites: writes,
			GroupID:     &group.GroupID,
		})
		if err != nil {
			m.rollback(ctx, cfg.ConfigID, pool, group, applied, consumed)
			return fmt.Errorf("failed to update member %s: %w", sessionID, err)
		}
		applied = append(applied, sessionID)
	}

	m.logger.Info("Group formed",
		"group_id", group.GroupID,
		"pool_id", pool.PoolID,
		"treatment", treatment,
		"members", len(memberIDs))

	if l := m.groupListener(); l != nil {
		l.OnGroupFormed(group, cfg)
	}
	return nil
}

// assignTreatment picks uniformly among the conditions currently at the
// minimum assignment count, persisting the bumped histogram under CAS so the
// ±1 balance bound survives restarts.
func (m *Matchmaker) assignTreatment(ctx context.Context, configID string, pool *experiment.PoolDef) (string, error) {
	if len(pool.Treatments) == 0 {
		return "", nil
	}
	for attempt := 0; attempt <= statsRetries; attempt++ {
		stats, err := m.store.GetPoolStats(ctx, configID, pool.PoolID)
		if err != nil {
			return "", fmt.Errorf("failed to load pool stats: %w", err)
		}

		min := int64(-1)
		for _, cond := range pool.Treatments {
			if c := stats.Counts[cond]; min < 0 || c < min {
				min = c
			}
		}
		var lowest []string
		for _, cond := range pool.Treatments {
			if stats.Counts[cond] == min {
				lowest = append(lowest, cond)
			}
		}
		chosen := lowest[rand.IntN(len(lowest))]

		stats.Counts[chosen]++
		err = m.store.UpsertPoolStats(ctx, stats, stats.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to persist pool stats: %w", err)
		}
		return chosen, nil
	}
	return "", engine.Errorf(engine.CodeInternal, "treatment histogram is under concurrent modification")
}

// releaseTreatment undoes one histogram increment after a failed formation.
func (m *Matchmaker) releaseTreatment(ctx context.Context, configID string, pool *experiment.PoolDef, treatment string) {
	if treatment == "" {
		return
	}
	for attempt := 0; attempt <= statsRetries; attempt++ {
		stats, err := m.store.GetPoolStats(ctx, configID, pool.PoolID)
		if err != nil {
			break
		}
		if stats.Counts[treatment] > 0 {
			stats.Counts[treatment]--
		}
		err = m.store.UpsertPoolStats(ctx, stats, stats.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err == nil {
			return
		}
		break
	}
	m.logger.Warn("Failed to release treatment assignment",
		"pool_id", pool.PoolID, "treatment", treatment)
}

// rollback unwinds a partially formed group: clear the state writes applied
// so far, delete the group record, release the treatment, and re-queue the
// consumed entries.
func (m *Matchmaker) rollback(ctx context.Context, configID string, pool *experiment.PoolDef, group *models.Group, applied []string, consumed []*models.PoolEntry) {
	empty := ""
	for _, sessionID := range applied {
		if _, err := m.engine.ApplyServerEvent(ctx, sessionID, engine.ServerEvent{
			StateWrites: []store.StateWrite{
				{Path: "user_state.group_id", Value: nil},
				{Path: "user_state.treatment", Value: nil},
			},
			GroupID: &empty,
		}); err != nil {
			m.logger.Error("Failed to unwind member during rollback",
				"session_id", sessionID, "group_id", group.GroupID, "error", err)
		}
	}
	if err := m.store.DeleteGroup(ctx, group.GroupID); err != nil {
		m.logger.Error("Failed to delete group during rollback",
			"group_id", group.GroupID, "error", err)
	}
	m.releaseTreatment(ctx, configID, pool, group.Treatment)
	m.requeue(ctx, consumed)
}

// requeue restores consumed entries, preserving their original order by
// enqueue time.
func (m *Matchmaker) requeue(ctx context.Context, consumed []*models.PoolEntry) {
	for _, e := range consumed {
		if err := m.store.InsertPoolEntry(ctx, e); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			m.logger.Error("Failed to re-persist pool entry",
				"session_id", e.SessionID, "error", err)
			continue
		}
		m.mu.Lock()
		key := queueKey(e.ConfigID, e.PoolID)
		m.queues[key] = append(m.queues[key], &queueEntry{
			sessionID:  e.SessionID,
			configID:   e.ConfigID,
			poolID:     e.PoolID,
			enqueuedAt: e.EnqueuedAt,
		})
		sort.SliceStable(m.queues[key], func(i, j int) bool {
			return m.queues[key][i].enqueuedAt.Before(m.queues[key][j].enqueuedAt)
		})
		m.mu.Unlock()
	}
}

// onTimeout fires when an entry waited out its pool's timeout. The session
// gets a match_timeout event and, when the matchmaking component declares a
// timeout target, transitions there. A session that already left the pool is
// a no-op.
func (m *Matchmaker) onTimeout(sessionID, configID, poolID string) {
	ctx := context.Background()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.timers, sessionID)
	found := false
	key := queueKey(configID, poolID)
	for i, e := range m.queues[key] {
		if e.sessionID == sessionID {
			m.queues[key] = append(m.queues[key][:i:i], m.queues[key][i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return
	}
	if _, err := m.store.DeletePoolEntry(ctx, sessionID); err != nil {
		m.logger.Warn("Failed to delete pool entry on timeout",
			"session_id", sessionID, "error", err)
	}

	transitionTo := ""
	if snap, err := m.engine.GetSession(ctx, sessionID); err == nil {
		if mmComp := snap.Page.MatchmakingComponent(); mmComp != nil && mmComp.Matchmaking.PoolID == poolID {
			transitionTo = mmComp.Matchmaking.TimeoutTarget
		} else {
			// Navigated away already; drop silently.
			return
		}
	} else {
		return
	}

	if _, err := m.engine.ApplyServerEvent(ctx, sessionID, engine.ServerEvent{
		Type:         models.EventTypeMatchTimeout,
		Data:         map[string]any{"poolId": poolID},
		TransitionTo: transitionTo,
	}); err != nil {
		m.logger.Warn("Failed to apply match timeout",
			"session_id", sessionID, "error", err)
	}
	m.logger.Info("Matchmaking timed out",
		"session_id", sessionID, "pool_id", poolID, "target", transitionTo)
}

// Rebuild restores the in-memory queues from persisted entries after a
// restart, re-arms timers with the full pool timeout, and retries matching.
func (m *Matchmaker) Rebuild(ctx context.Context) error {
	entries, err := m.store.ListPoolEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pool entries: %w", err)
	}

	pools := make(map[string]*queueEntry)
	for _, e := range entries {
		cfg, err := m.engine.Config(ctx, e.ConfigID)
		if err != nil {
			m.logger.Warn("Dropping pool entry with unloadable config",
				"session_id", e.SessionID, "config_id", e.ConfigID, "error", err)
			if _, err := m.store.DeletePoolEntry(ctx, e.SessionID); err != nil {
				m.logger.Warn("Failed to drop pool entry", "session_id", e.SessionID, "error", err)
			}
			continue
		}
		pool, ok := cfg.Pool(e.PoolID)
		if !ok {
			continue
		}

		m.mu.Lock()
		key := queueKey(e.ConfigID, e.PoolID)
		m.queues[key] = append(m.queues[key], &queueEntry{
			sessionID:  e.SessionID,
			configID:   e.ConfigID,
			poolID:     e.PoolID,
			enqueuedAt: e.EnqueuedAt,
		})
		m.armTimerLocked(e.SessionID, e.ConfigID, e.PoolID, time.Duration(pool.TimeoutSeconds)*time.Second)
		m.mu.Unlock()

		pools[key] = &queueEntry{configID: e.ConfigID, poolID: e.PoolID}
	}

	for _, p := range pools {
		m.TryMatch(ctx, p.configID, p.poolID)
	}
	if len(entries) > 0 {
		m.logger.Info("Pool queues rebuilt", "entries", len(entries))
	}
	return nil
}

// Shutdown stops all timers. Entries stay persisted for the next start.
func (m *Matchmaker) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
