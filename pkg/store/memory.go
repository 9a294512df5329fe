package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pairit-lab/pairit/pkg/models"
)

// MemoryStore is the in-process Store used by tests and local development.
// A single mutex serializes all operations; the dataset is small enough that
// contention is irrelevant and the serialization gives the same atomicity
// guarantees the Postgres implementation gets from transactions.
type MemoryStore struct {
	mu sync.Mutex

	configs   map[string]*models.StoredConfig
	sessions  map[string]*models.Session
	events    map[string][]*models.Event          // sessionID → ordered events
	idemKeys  map[string]map[string]*models.Event // sessionID → key → first event
	pool      map[string]*models.PoolEntry        // sessionID → entry
	poolStats map[string]*models.PoolStats        // configID/poolID → stats
	groups    map[string]*models.Group
	chats     map[string][]*models.ChatMessage // groupID → ordered messages
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[string]*models.StoredConfig),
		sessions:  make(map[string]*models.Session),
		events:    make(map[string][]*models.Event),
		idemKeys:  make(map[string]map[string]*models.Event),
		pool:      make(map[string]*models.PoolEntry),
		poolStats: make(map[string]*models.PoolStats),
		groups:    make(map[string]*models.Group),
		chats:     make(map[string][]*models.ChatMessage),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- configs ---

func (m *MemoryStore) InsertConfig(_ context.Context, cfg *models.StoredConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.configs[cfg.ConfigID]; exists {
		return ErrAlreadyExists
	}
	cp := *cfg
	m.configs[cfg.ConfigID] = &cp
	return nil
}

func (m *MemoryStore) GetConfig(_ context.Context, configID string) (*models.StoredConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[configID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) ListConfigs(_ context.Context, owner string) ([]*models.StoredConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.StoredConfig
	for _, cfg := range m.configs {
		if owner == "" || cfg.Owner == owner {
			cp := *cfg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteConfig(_ context.Context, configID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[configID]; !ok {
		return ErrNotFound
	}
	delete(m.configs, configID)
	return nil
}

// --- sessions ---

func (m *MemoryStore) InsertSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.SessionID]; exists {
		return ErrAlreadyExists
	}
	if s.NextSequence == 0 {
		s.NextSequence = 1
	}
	if s.Version == 0 {
		s.Version = 1
	}
	m.sessions[s.SessionID] = s.Clone()
	m.sessions[s.SessionID].NextSequence = s.NextSequence
	m.sessions[s.SessionID].Version = s.Version
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getSessionLocked(sessionID)
}

func (m *MemoryStore) getSessionLocked(sessionID string) (*models.Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s.Clone()
	cp.NextSequence = s.NextSequence
	cp.Version = s.Version
	return cp, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, sessionID string, expectedVersion int64, patch SessionPatch) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if err := applySessionPatch(s, patch); err != nil {
		return nil, err
	}
	s.Version++
	cp := s.Clone()
	cp.NextSequence = s.NextSequence
	cp.Version = s.Version
	return cp, nil
}

func applySessionPatch(s *models.Session, patch SessionPatch) error {
	if s.UserState == nil {
		s.UserState = map[string]any{}
	}
	for _, w := range patch.StateWrites {
		if err := ApplyStateWrite(s.UserState, w); err != nil {
			return err
		}
	}
	if patch.CurrentPageID != nil {
		s.CurrentPageID = *patch.CurrentPageID
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.GroupID != nil {
		s.GroupID = *patch.GroupID
	}
	if patch.EndedAt != nil {
		t := *patch.EndedAt
		s.EndedAt = &t
	}
	if patch.LastActivityAt != nil {
		s.LastActivityAt = *patch.LastActivityAt
	}
	if patch.EventCursor != nil {
		s.EventCursor = *patch.EventCursor
	}
	return nil
}

func (m *MemoryStore) FindSessionByParticipant(_ context.Context, configID, participantID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Session
	for _, s := range m.sessions {
		if s.ConfigID != configID || s.ParticipantID != participantID {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := latest.Clone()
	cp.Version = latest.Version
	cp.NextSequence = latest.NextSequence
	return cp, nil
}

func (m *MemoryStore) ListIdleSessions(_ context.Context, cutoff time.Time) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.Status == models.SessionStatusActive && s.LastActivityAt.Before(cutoff) {
			cp := s.Clone()
			cp.Version = s.Version
			cp.NextSequence = s.NextSequence
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

// --- events ---

func (m *MemoryStore) AppendEvents(_ context.Context, sessionID string, events []*models.Event) ([]*models.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	keys := m.idemKeys[sessionID]
	if keys == nil {
		keys = map[string]*models.Event{}
		m.idemKeys[sessionID] = keys
	}
	// A key may cover several events of one batch; a key recorded by an
	// earlier batch is a duplicate submission.
	for _, e := range events {
		if e.IdempotencyKey == "" {
			continue
		}
		if _, used := keys[e.IdempotencyKey]; used {
			return nil, ErrAlreadyExists
		}
	}

	now := time.Now().UTC()
	out := make([]*models.Event, 0, len(events))
	for _, e := range events {
		cp := *e
		cp.SessionID = sessionID
		cp.Sequence = s.NextSequence
		if cp.Timestamp.IsZero() {
			cp.Timestamp = now
		}
		s.NextSequence++
		m.events[sessionID] = append(m.events[sessionID], &cp)
		if cp.IdempotencyKey != "" {
			if _, used := keys[cp.IdempotencyKey]; !used {
				keys[cp.IdempotencyKey] = &cp
			}
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CheckIdempotency(_ context.Context, sessionID, idempotencyKey string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keys := m.idemKeys[sessionID]; keys != nil {
		if e, ok := keys[idempotencyKey]; ok {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListEventsAfter(_ context.Context, sessionID string, afterSequence int64, limit int) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Event
	for _, e := range m.events[sessionID] {
		if e.Sequence > afterSequence {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- pool ---

func (m *MemoryStore) InsertPoolEntry(_ context.Context, e *models.PoolEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pool[e.SessionID]; exists {
		return ErrAlreadyExists
	}
	cp := *e
	m.pool[e.SessionID] = &cp
	return nil
}

func (m *MemoryStore) DeletePoolEntry(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pool[sessionID]; !ok {
		return false, nil
	}
	delete(m.pool, sessionID)
	return true, nil
}

func (m *MemoryStore) GetPoolEntry(_ context.Context, sessionID string) (*models.PoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListPoolEntries(_ context.Context) ([]*models.PoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.PoolEntry, 0, len(m.pool))
	for _, e := range m.pool {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (m *MemoryStore) AtomicMatch(_ context.Context, poolID string, candidateSessionIDs []string) ([]*models.PoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	consumed := make([]*models.PoolEntry, 0, len(candidateSessionIDs))
	for _, id := range candidateSessionIDs {
		e, ok := m.pool[id]
		if !ok || e.PoolID != poolID {
			return nil, ErrEntriesGone
		}
		cp := *e
		consumed = append(consumed, &cp)
	}
	for _, id := range candidateSessionIDs {
		delete(m.pool, id)
	}
	return consumed, nil
}

// --- pool stats ---

func poolStatsKey(configID, poolID string) string { return configID + "/" + poolID }

func (m *MemoryStore) GetPoolStats(_ context.Context, configID, poolID string) (*models.PoolStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.poolStats[poolStatsKey(configID, poolID)]
	if !ok {
		return &models.PoolStats{ConfigID: configID, PoolID: poolID, Counts: map[string]int64{}}, nil
	}
	cp := *st
	cp.Counts = make(map[string]int64, len(st.Counts))
	for k, v := range st.Counts {
		cp.Counts[k] = v
	}
	return &cp, nil
}

func (m *MemoryStore) UpsertPoolStats(_ context.Context, stats *models.PoolStats, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := poolStatsKey(stats.ConfigID, stats.PoolID)
	existing, ok := m.poolStats[key]
	if ok && existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	if !ok && expectedVersion != 0 {
		return ErrVersionConflict
	}
	cp := *stats
	cp.Counts = make(map[string]int64, len(stats.Counts))
	for k, v := range stats.Counts {
		cp.Counts[k] = v
	}
	cp.Version = expectedVersion + 1
	m.poolStats[key] = &cp
	return nil
}

// --- groups ---

func (m *MemoryStore) InsertGroup(_ context.Context, g *models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[g.GroupID]; exists {
		return ErrAlreadyExists
	}
	cp := *g
	cp.MemberSessionIDs = append([]string(nil), g.MemberSessionIDs...)
	cp.SharedState = models.CloneState(g.SharedState)
	if cp.NextChatSequence == 0 {
		cp.NextChatSequence = 1
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.groups[g.GroupID] = &cp
	return nil
}

func (m *MemoryStore) GetGroup(_ context.Context, groupID string) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

func cloneGroup(g *models.Group) *models.Group {
	cp := *g
	cp.MemberSessionIDs = append([]string(nil), g.MemberSessionIDs...)
	cp.SharedState = models.CloneState(g.SharedState)
	if g.ClosedAt != nil {
		t := *g.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func (m *MemoryStore) UpdateGroup(_ context.Context, groupID string, expectedVersion int64, patch GroupPatch) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	if g.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if g.SharedState == nil {
		g.SharedState = map[string]any{}
	}
	for _, w := range patch.SharedWrites {
		if err := ApplyStateWrite(g.SharedState, w); err != nil {
			return nil, err
		}
	}
	if patch.ChatEnded != nil {
		g.ChatEnded = *patch.ChatEnded
	}
	if patch.ClosedAt != nil {
		t := *patch.ClosedAt
		g.ClosedAt = &t
	}
	g.Version++
	return cloneGroup(g), nil
}

func (m *MemoryStore) DeleteGroup(_ context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return ErrNotFound
	}
	delete(m.groups, groupID)
	delete(m.chats, groupID)
	return nil
}

// --- chat ---

func (m *MemoryStore) AppendChatMessage(_ context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[msg.GroupID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	cp.Sequence = g.NextChatSequence
	g.NextChatSequence++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.chats[msg.GroupID] = append(m.chats[msg.GroupID], &cp)
	out := cp
	return &out, nil
}

func (m *MemoryStore) ListChatMessagesAfter(_ context.Context, groupID string, afterSequence int64) ([]*models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ChatMessage
	for _, msg := range m.chats[groupID] {
		if msg.Sequence > afterSequence {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}
