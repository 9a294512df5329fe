package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

// The events table enforces uniqueness of (session_id, idempotency_key)
// through a partial unique index; the driver surfaces a duplicate as SQLSTATE
// 23505, which AppendEvents must translate into ErrAlreadyExists so the
// engine's replay branch triggers on Postgres exactly as it does in memory.
func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "idx_events_idempotency"}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("failed to insert event: %w", dup)))

	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(errors.New("23505 mentioned in passing")))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
}
