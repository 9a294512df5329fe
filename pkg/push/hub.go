// Package push fans persisted session events out to live subscribers.
//
// Events are always persisted before they are published, so a subscriber that
// connects with a cursor can replay the gap from the store and then ride the
// live feed without missing anything. Each Go process has one Hub instance.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind the live feed is closed and must reconnect with its
// last acknowledged sequence; replay-from-store then fills the gap.
const subscriberBuffer = 64

// replayLimit caps how many stored events one replay pass loads.
const replayLimit = 500

// Subscription is one live consumer of a session's event feed.
type Subscription struct {
	ID        string
	SessionID string

	ch     chan *models.Event
	mu     sync.Mutex
	last   int64 // highest sequence delivered; duplicates below it are dropped
	closed bool
}

// Events returns the delivery channel. It is closed when the subscription is
// cancelled or falls too far behind.
func (s *Subscription) Events() <-chan *models.Event {
	return s.ch
}

// deliver enqueues one event, dropping duplicates and closing the
// subscription on overflow. Reports whether the subscription is still live.
func (s *Subscription) deliver(e *models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	// Sequence 0 marks an ephemeral event (typing, stream deltas): no
	// dedupe, no cursor movement.
	if e.Sequence != 0 && e.Sequence <= s.last {
		return true
	}
	select {
	case s.ch <- e:
		if e.Sequence != 0 {
			s.last = e.Sequence
		}
		return true
	default:
		s.closed = true
		close(s.ch)
		return false
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is the in-process event fan-out. Persist first, then Publish.
type Hub struct {
	store  store.Store
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // sessionID → subscription ID → sub
}

// NewHub creates a Hub that replays missed events from the given store.
func NewHub(st store.Store, logger *slog.Logger) *Hub {
	return &Hub{
		store:  st,
		logger: logger.With("component", "push"),
		subs:   make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a live subscriber and replays stored events with
// sequence > afterSequence into its channel before any live delivery. The
// subscription is registered before the replay query runs, so an event
// published mid-replay is either in the replay result (deduplicated by
// sequence) or delivered live right after it.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, afterSequence int64) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ch:        make(chan *models.Event, subscriberBuffer),
		last:      afterSequence,
	}

	h.mu.Lock()
	sessionSubs := h.subs[sessionID]
	if sessionSubs == nil {
		sessionSubs = make(map[string]*Subscription)
		h.subs[sessionID] = sessionSubs
	}
	sessionSubs[sub.ID] = sub
	h.mu.Unlock()

	// Holding sub.mu across the whole replay serializes it against live
	// deliveries for this subscriber, so ordering survives the race.
	sub.mu.Lock()
	missed, err := h.store.ListEventsAfter(ctx, sessionID, afterSequence, replayLimit)
	if err != nil {
		sub.mu.Unlock()
		h.remove(sub)
		return nil, fmt.Errorf("failed to replay events: %w", err)
	}
	for _, e := range missed {
		if e.Sequence <= sub.last {
			continue
		}
		select {
		case sub.ch <- e:
			sub.last = e.Sequence
		default:
			sub.closed = true
			close(sub.ch)
			sub.mu.Unlock()
			h.remove(sub)
			return nil, fmt.Errorf("replay overflow: client is more than %d events behind", subscriberBuffer)
		}
	}
	sub.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub)
	sub.shutdown()
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessionSubs, ok := h.subs[sub.SessionID]; ok {
		delete(sessionSubs, sub.ID)
		if len(sessionSubs) == 0 {
			delete(h.subs, sub.SessionID)
		}
	}
}

// Publish fans already-persisted events out to the session's subscribers.
// Slow subscribers are dropped, not waited on.
func (h *Hub) Publish(sessionID string, events []*models.Event) {
	if len(events) == 0 {
		return
	}

	// Snapshot under the read lock, send outside it.
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs[sessionID]))
	for _, sub := range h.subs[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		for _, e := range events {
			if !sub.deliver(e) {
				h.logger.Warn("Dropping slow subscriber",
					"session_id", sessionID, "subscription_id", sub.ID)
				h.remove(sub)
				break
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Shutdown closes every subscription. Used during graceful shutdown so SSE
// handlers unblock promptly.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := make([]*Subscription, 0)
	for _, sessionSubs := range h.subs {
		for _, sub := range sessionSubs {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}
}
