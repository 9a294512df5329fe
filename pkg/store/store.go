// Package store is the persistence boundary. All durable entities —
// configs, sessions, events, groups, chat messages, pool entries — are owned
// by a Store; the engine and matchmaker write through its compare-and-set
// primitives and never mutate documents in place.
//
// Two implementations ship: Postgres for production and an in-memory store
// for tests and local development. Both enforce the same invariants:
// gap-free per-session event sequences, unique idempotency keys, and
// atomic pool-entry consumption.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pairit-lab/pairit/pkg/models"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when inserting a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrVersionConflict is returned when an optimistic (CAS) write loses a
	// race. Callers retry with a fresh read.
	ErrVersionConflict = errors.New("concurrent modification detected")

	// ErrEntriesGone is returned by AtomicMatch when one of the candidate
	// pool entries was consumed or cancelled by a racing caller.
	ErrEntriesGone = errors.New("candidate pool entries no longer present")
)

// SessionPatch is a field-level partial update of a session document.
// Nil pointer fields are left untouched; StateWrites patch individual
// user_state paths and preserve sibling fields.
type SessionPatch struct {
	CurrentPageID  *string
	Status         *models.SessionStatus
	GroupID        *string
	EndedAt        *time.Time
	LastActivityAt *time.Time
	EventCursor    *int64
	StateWrites    []StateWrite
}

// StateWrite sets one user_state path to a value. Path is relative to
// user_state (e.g. "mood", not "user_state.mood").
type StateWrite struct {
	Path  string
	Value any
}

// GroupPatch is a field-level partial update of a group document.
type GroupPatch struct {
	ChatEnded    *bool
	ClosedAt     *time.Time
	SharedWrites []StateWrite
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Configs. Configs are immutable after insert; InsertConfig fails with
	// ErrAlreadyExists on a duplicate configId.
	InsertConfig(ctx context.Context, cfg *models.StoredConfig) error
	GetConfig(ctx context.Context, configID string) (*models.StoredConfig, error)
	ListConfigs(ctx context.Context, owner string) ([]*models.StoredConfig, error)
	DeleteConfig(ctx context.Context, configID string) error

	// Sessions.
	InsertSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// UpdateSession applies a patch iff the stored version equals
	// expectedVersion, bumping the version. Returns ErrVersionConflict on a
	// lost race and the updated session on success.
	UpdateSession(ctx context.Context, sessionID string, expectedVersion int64, patch SessionPatch) (*models.Session, error)
	// FindSessionByParticipant returns the most recent session a participant
	// has for a config, or ErrNotFound. Used to enforce allowRetake.
	FindSessionByParticipant(ctx context.Context, configID, participantID string) (*models.Session, error)
	// ListIdleSessions returns active sessions with no activity since cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)

	// Events. AppendEvents allocates contiguous sequences under the
	// session's counter and persists the batch atomically; the returned
	// events carry their assigned sequences and timestamps.
	AppendEvents(ctx context.Context, sessionID string, events []*models.Event) ([]*models.Event, error)
	// CheckIdempotency returns the first event recorded under the key, or
	// ErrNotFound if the key is unused.
	CheckIdempotency(ctx context.Context, sessionID, idempotencyKey string) (*models.Event, error)
	// ListEventsAfter returns events with sequence > afterSequence in
	// sequence order, up to limit (0 means no limit).
	ListEventsAfter(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]*models.Event, error)

	// Matchmaking pool. Entries are persisted so queues survive restarts.
	InsertPoolEntry(ctx context.Context, e *models.PoolEntry) error
	// DeletePoolEntry removes a session's entry; reports whether it existed.
	DeletePoolEntry(ctx context.Context, sessionID string) (bool, error)
	GetPoolEntry(ctx context.Context, sessionID string) (*models.PoolEntry, error)
	// ListPoolEntries returns all persisted entries ordered by enqueue time.
	// Used to rebuild in-memory queues at startup.
	ListPoolEntries(ctx context.Context) ([]*models.PoolEntry, error)
	// AtomicMatch consumes exactly the given candidate entries in a single
	// transaction. If any candidate is already gone the whole operation
	// rolls back with ErrEntriesGone, so two racing matchers can never form
	// overlapping groups.
	AtomicMatch(ctx context.Context, poolID string, candidateSessionIDs []string) ([]*models.PoolEntry, error)

	// Pool treatment histogram, persisted so balanced-random assignment
	// survives restarts. GetPoolStats returns a zero-valued histogram (not
	// ErrNotFound) for pools with no assignments yet.
	GetPoolStats(ctx context.Context, configID, poolID string) (*models.PoolStats, error)
	// UpsertPoolStats writes the histogram iff the stored version equals
	// expectedVersion (0 for first write).
	UpsertPoolStats(ctx context.Context, stats *models.PoolStats, expectedVersion int64) error

	// Groups.
	InsertGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	UpdateGroup(ctx context.Context, groupID string, expectedVersion int64, patch GroupPatch) (*models.Group, error)
	// DeleteGroup removes a group record; only used to roll back a partially
	// initialized match.
	DeleteGroup(ctx context.Context, groupID string) error

	// Chat. AppendChatMessage allocates the per-group sequence and persists
	// the message atomically.
	AppendChatMessage(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error)
	ListChatMessagesAfter(ctx context.Context, groupID string, afterSequence int64) ([]*models.ChatMessage, error)
}

// ApplyStateWrite applies one targeted write to a state map, creating
// intermediate objects along dotted paths. Shared by both implementations so
// patch semantics cannot drift.
func ApplyStateWrite(state map[string]any, w StateWrite) error {
	if w.Path == "" {
		return fmt.Errorf("empty state path")
	}
	segs := splitPath(w.Path)
	cur := state
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if existing, present := cur[seg]; present && existing != nil {
				return fmt.Errorf("path %q traverses non-object field %q", w.Path, seg)
			}
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = w.Value
	return nil
}

// LookupStatePath reads a dotted path from a state map.
func LookupStatePath(state map[string]any, path string) (any, bool) {
	segs := splitPath(path)
	var cur any = state
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	return append(segs, path[start:])
}
