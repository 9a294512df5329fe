// Package cleanup abandons sessions that have gone idle. Participants who
// close the tab never send an explicit end, so a background sweeper moves
// their sessions to abandoned and releases any matchmaking pool entries.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/pairit-lab/pairit/pkg/models"
)

// SessionSource lists candidate sessions for the sweep.
type SessionSource interface {
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
}

// Abandoner terminates one session. The engine's Abandon cascades the pool
// cancellation, so the sweeper never touches the matchmaker directly.
type Abandoner interface {
	Abandon(ctx context.Context, sessionID string) error
}

// Service periodically abandons sessions with no activity for longer than
// idleAfter. Abandoning is idempotent, so overlapping sweeps are harmless.
type Service struct {
	source    SessionSource
	abandoner Abandoner
	idleAfter time.Duration
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the sweeper. It does nothing until Start.
func NewService(source SessionSource, abandoner Abandoner, idleAfter, interval time.Duration, logger *slog.Logger) *Service {
	return &Service{
		source:    source,
		abandoner: abandoner,
		idleAfter: idleAfter,
		interval:  interval,
		logger:    logger.With("component", "cleanup"),
	}
}

// Start launches the background sweep loop. An idleAfter of zero disables
// the service entirely.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.idleAfter <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Idle-session sweeper started",
		"idle_after", s.idleAfter, "interval", s.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Idle-session sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep abandons every session idle past the cutoff. Exported so tests and
// operational tooling can trigger a pass directly.
func (s *Service) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.idleAfter)
	idle, err := s.source.ListIdleSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to list idle sessions", "error", err)
		return
	}

	abandoned := 0
	for _, session := range idle {
		if err := s.abandoner.Abandon(ctx, session.SessionID); err != nil {
			s.logger.Warn("Failed to abandon idle session",
				"session_id", session.SessionID, "error", err)
			continue
		}
		abandoned++
	}
	if abandoned > 0 {
		s.logger.Info("Abandoned idle sessions", "count", abandoned)
	}
}
