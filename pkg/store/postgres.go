package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pairit-lab/pairit/pkg/models"
)

// PostgresStore implements Store over a PostgreSQL connection pool. All
// multi-row invariants (sequence allocation, atomic match, CAS writes) are
// enforced inside single transactions or guarded single statements.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool. The caller owns the pool
// lifecycle (migrations included).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// uniqueViolation is the SQLSTATE for a unique-index conflict.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- configs ---

func (p *PostgresStore) InsertConfig(ctx context.Context, cfg *models.StoredConfig) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO configs (config_id, owner, checksum, config_hash, document, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cfg.ConfigID, cfg.Owner, cfg.Checksum, cfg.ConfigHash, cfg.Document, cfg.UploadedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert config: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetConfig(ctx context.Context, configID string) (*models.StoredConfig, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT config_id, owner, checksum, config_hash, document, uploaded_at
		FROM configs WHERE config_id = $1`, configID)
	var cfg models.StoredConfig
	err := row.Scan(&cfg.ConfigID, &cfg.Owner, &cfg.Checksum, &cfg.ConfigHash, &cfg.Document, &cfg.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return &cfg, nil
}

func (p *PostgresStore) ListConfigs(ctx context.Context, owner string) ([]*models.StoredConfig, error) {
	query := `
		SELECT config_id, owner, checksum, config_hash, document, uploaded_at
		FROM configs`
	args := []any{}
	if owner != "" {
		query += ` WHERE owner = $1`
		args = append(args, owner)
	}
	query += ` ORDER BY uploaded_at`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	var out []*models.StoredConfig
	for rows.Next() {
		var cfg models.StoredConfig
		if err := rows.Scan(&cfg.ConfigID, &cfg.Owner, &cfg.Checksum, &cfg.ConfigHash, &cfg.Document, &cfg.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteConfig(ctx context.Context, configID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM configs WHERE config_id = $1`, configID)
	if err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sessions ---

const sessionColumns = `session_id, config_id, participant_id, current_page_id, status,
	user_state, group_id, event_cursor, next_sequence, version,
	started_at, ended_at, last_activity_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	var userState []byte
	var endedAt sql.NullTime
	err := row.Scan(&s.SessionID, &s.ConfigID, &s.ParticipantID, &s.CurrentPageID, &s.Status,
		&userState, &s.GroupID, &s.EventCursor, &s.NextSequence, &s.Version,
		&s.StartedAt, &endedAt, &s.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(userState, &s.UserState); err != nil {
		return nil, fmt.Errorf("failed to decode user state: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return &s, nil
}

func (p *PostgresStore) InsertSession(ctx context.Context, s *models.Session) error {
	if s.NextSequence == 0 {
		s.NextSequence = 1
	}
	if s.Version == 0 {
		s.Version = 1
	}
	userState, err := json.Marshal(orEmptyState(s.UserState))
	if err != nil {
		return fmt.Errorf("failed to encode user state: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.SessionID, s.ConfigID, s.ParticipantID, s.CurrentPageID, s.Status,
		userState, s.GroupID, s.EventCursor, s.NextSequence, s.Version,
		s.StartedAt, s.EndedAt, s.LastActivityAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func orEmptyState(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (p *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) UpdateSession(ctx context.Context, sessionID string, expectedVersion int64, patch SessionPatch) (*models.Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// SELECT FOR UPDATE so the read-modify-write of user_state is serialized
	// with concurrent patches. The version check still decides the outcome.
	row := tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1 FOR UPDATE`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if s.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	if err := applySessionPatch(s, patch); err != nil {
		return nil, err
	}
	s.Version++

	userState, err := json.Marshal(orEmptyState(s.UserState))
	if err != nil {
		return nil, fmt.Errorf("failed to encode user state: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			current_page_id = $2, status = $3, user_state = $4, group_id = $5,
			event_cursor = $6, version = $7, ended_at = $8, last_activity_at = $9
		WHERE session_id = $1`,
		sessionID, s.CurrentPageID, s.Status, userState, s.GroupID,
		s.EventCursor, s.Version, s.EndedAt, s.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) FindSessionByParticipant(ctx context.Context, configID, participantID string) (*models.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE config_id = $1 AND participant_id = $2
		ORDER BY started_at DESC LIMIT 1`, configID, participantID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND last_activity_at < $1
		ORDER BY last_activity_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- events ---

func (p *PostgresStore) AppendEvents(ctx context.Context, sessionID string, events []*models.Event) ([]*models.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Bump the counter first; the row lock serializes concurrent appenders so
	// the allocated range is exclusively ours.
	var next int64
	err = tx.QueryRowContext(ctx, `
		UPDATE sessions SET next_sequence = next_sequence + $2
		WHERE session_id = $1
		RETURNING next_sequence - $2`, sessionID, int64(len(events))).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to allocate event sequences: %w", err)
	}

	now := time.Now().UTC()
	out := make([]*models.Event, 0, len(events))
	for _, e := range events {
		cp := *e
		cp.SessionID = sessionID
		cp.Sequence = next
		next++
		if cp.Timestamp.IsZero() {
			cp.Timestamp = now
		}
		var data []byte
		if cp.Data != nil {
			if data, err = json.Marshal(cp.Data); err != nil {
				return nil, fmt.Errorf("failed to encode event data: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (session_id, sequence, type, page_id, component_id, ts, data, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			cp.SessionID, cp.Sequence, cp.Type, cp.PageID, cp.ComponentID, cp.Timestamp, data, cp.IdempotencyKey)
		if isUniqueViolation(err) {
			// A concurrent appender won the race for this idempotency key;
			// rolling back keeps the log with exactly one batch under it.
			return nil, ErrAlreadyExists
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}
		out = append(out, &cp)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event batch: %w", err)
	}
	return out, nil
}

const eventColumns = `session_id, sequence, type, page_id, component_id, ts, data, idempotency_key`

func scanEvent(row interface{ Scan(...any) error }) (*models.Event, error) {
	var e models.Event
	var data []byte
	err := row.Scan(&e.SessionID, &e.Sequence, &e.Type, &e.PageID, &e.ComponentID, &e.Timestamp, &data, &e.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
	}
	return &e, nil
}

func (p *PostgresStore) CheckIdempotency(ctx context.Context, sessionID, idempotencyKey string) (*models.Event, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE session_id = $1 AND idempotency_key = $2
		ORDER BY sequence LIMIT 1`, sessionID, idempotencyKey)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) ListEventsAfter(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]*models.Event, error) {
	query := `
		SELECT ` + eventColumns + ` FROM events
		WHERE session_id = $1 AND sequence > $2
		ORDER BY sequence`
	args := []any{sessionID, afterSequence}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- pool ---

func (p *PostgresStore) InsertPoolEntry(ctx context.Context, e *models.PoolEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pool_entries (session_id, config_id, pool_id, enqueued_at)
		VALUES ($1, $2, $3, $4)`,
		e.SessionID, e.ConfigID, e.PoolID, e.EnqueuedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert pool entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeletePoolEntry(ctx context.Context, sessionID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM pool_entries WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete pool entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PostgresStore) GetPoolEntry(ctx context.Context, sessionID string) (*models.PoolEntry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT session_id, config_id, pool_id, enqueued_at
		FROM pool_entries WHERE session_id = $1`, sessionID)
	var e models.PoolEntry
	err := row.Scan(&e.SessionID, &e.ConfigID, &e.PoolID, &e.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool entry: %w", err)
	}
	return &e, nil
}

func (p *PostgresStore) ListPoolEntries(ctx context.Context) ([]*models.PoolEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, config_id, pool_id, enqueued_at
		FROM pool_entries ORDER BY enqueued_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool entries: %w", err)
	}
	defer rows.Close()

	var out []*models.PoolEntry
	for rows.Next() {
		var e models.PoolEntry
		if err := rows.Scan(&e.SessionID, &e.ConfigID, &e.PoolID, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AtomicMatch(ctx context.Context, poolID string, candidateSessionIDs []string) ([]*models.PoolEntry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// DELETE ... RETURNING consumes the candidates in one statement; a short
	// rowcount means a racing matcher or cancellation got there first.
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM pool_entries
		WHERE pool_id = $1 AND session_id = ANY($2)
		RETURNING session_id, config_id, pool_id, enqueued_at`,
		poolID, candidateSessionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to consume pool entries: %w", err)
	}

	var consumed []*models.PoolEntry
	for rows.Next() {
		var e models.PoolEntry
		if err := rows.Scan(&e.SessionID, &e.ConfigID, &e.PoolID, &e.EnqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan consumed entry: %w", err)
		}
		consumed = append(consumed, &e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read consumed entries: %w", err)
	}

	if len(consumed) != len(candidateSessionIDs) {
		// Rollback restores the entries we did delete.
		return nil, ErrEntriesGone
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit match: %w", err)
	}
	return consumed, nil
}

// --- pool stats ---

func (p *PostgresStore) GetPoolStats(ctx context.Context, configID, poolID string) (*models.PoolStats, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT counts, version FROM pool_stats
		WHERE config_id = $1 AND pool_id = $2`, configID, poolID)
	stats := &models.PoolStats{ConfigID: configID, PoolID: poolID, Counts: map[string]int64{}}
	var counts []byte
	err := row.Scan(&counts, &stats.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool stats: %w", err)
	}
	if err := json.Unmarshal(counts, &stats.Counts); err != nil {
		return nil, fmt.Errorf("failed to decode pool stats: %w", err)
	}
	return stats, nil
}

func (p *PostgresStore) UpsertPoolStats(ctx context.Context, stats *models.PoolStats, expectedVersion int64) error {
	counts, err := json.Marshal(stats.Counts)
	if err != nil {
		return fmt.Errorf("failed to encode pool stats: %w", err)
	}
	if expectedVersion == 0 {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO pool_stats (config_id, pool_id, counts, version)
			VALUES ($1, $2, $3, 1)`,
			stats.ConfigID, stats.PoolID, counts)
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert pool stats: %w", err)
		}
		return nil
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE pool_stats SET counts = $3, version = version + 1
		WHERE config_id = $1 AND pool_id = $2 AND version = $4`,
		stats.ConfigID, stats.PoolID, counts, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update pool stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// --- groups ---

const groupColumns = `group_id, pool_id, config_id, member_session_ids, treatment,
	shared_state, chat_group_id, next_chat_sequence, version, chat_ended, created_at, closed_at`

func scanGroup(row interface{ Scan(...any) error }) (*models.Group, error) {
	var g models.Group
	var members, shared []byte
	var closedAt sql.NullTime
	err := row.Scan(&g.GroupID, &g.PoolID, &g.ConfigID, &members, &g.Treatment,
		&shared, &g.ChatGroupID, &g.NextChatSequence, &g.Version, &g.ChatEnded, &g.CreatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(members, &g.MemberSessionIDs); err != nil {
		return nil, fmt.Errorf("failed to decode group members: %w", err)
	}
	if err := json.Unmarshal(shared, &g.SharedState); err != nil {
		return nil, fmt.Errorf("failed to decode shared state: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		g.ClosedAt = &t
	}
	return &g, nil
}

func (p *PostgresStore) InsertGroup(ctx context.Context, g *models.Group) error {
	if g.NextChatSequence == 0 {
		g.NextChatSequence = 1
	}
	if g.Version == 0 {
		g.Version = 1
	}
	members, err := json.Marshal(g.MemberSessionIDs)
	if err != nil {
		return fmt.Errorf("failed to encode group members: %w", err)
	}
	shared, err := json.Marshal(orEmptyState(g.SharedState))
	if err != nil {
		return fmt.Errorf("failed to encode shared state: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		g.GroupID, g.PoolID, g.ConfigID, members, g.Treatment,
		shared, g.ChatGroupID, g.NextChatSequence, g.Version, g.ChatEnded, g.CreatedAt, g.ClosedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+groupColumns+` FROM groups WHERE group_id = $1`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, nil
}

func (p *PostgresStore) UpdateGroup(ctx context.Context, groupID string, expectedVersion int64, patch GroupPatch) (*models.Group, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+groupColumns+` FROM groups WHERE group_id = $1 FOR UPDATE`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read group: %w", err)
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

	shared, err := json.Marshal(g.SharedState)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shared state: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE groups SET shared_state = $2, chat_ended = $3, closed_at = $4, version = $5
		WHERE group_id = $1`,
		groupID, shared, g.ChatEnded, g.ClosedAt, g.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit group update: %w", err)
	}
	return g, nil
}

func (p *PostgresStore) DeleteGroup(ctx context.Context, groupID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM groups WHERE group_id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- chat ---

func (p *PostgresStore) AppendChatMessage(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE groups SET next_chat_sequence = next_chat_sequence + 1
		WHERE group_id = $1
		RETURNING next_chat_sequence - 1`, msg.GroupID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to allocate chat sequence: %w", err)
	}

	cp := *msg
	cp.Sequence = seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (message_id, group_id, sender_kind, sender_id, body, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.MessageID, cp.GroupID, cp.SenderKind, cp.SenderID, cp.Body, cp.Sequence, cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat message: %w", err)
	}
	return &cp, nil
}

func (p *PostgresStore) ListChatMessagesAfter(ctx context.Context, groupID string, afterSequence int64) ([]*models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT message_id, group_id, sender_kind, sender_id, body, sequence, created_at
		FROM chat_messages
		WHERE group_id = $1 AND sequence > $2
		ORDER BY sequence`, groupID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.MessageID, &m.GroupID, &m.SenderKind, &m.SenderID, &m.Body, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
