package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairit-lab/pairit/pkg/experiment"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*models.Event
}

func (p *capturePublisher) Publish(_ string, events []*models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *capturePublisher) all() []*models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Event(nil), p.events...)
}

type fakeMatchmaker struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
}

func (m *fakeMatchmaker) Enqueue(_ context.Context, s *models.Session, _ *experiment.Config, poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, s.SessionID+"/"+poolID)
	return nil
}

func (m *fakeMatchmaker) Cancel(_ context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, sessionID)
}

const helloWorldDoc = `{
	"initialPageId": "survey",
	"userStateSchema": {"mood": {"type": "int"}},
	"pages": [
		{
			"id": "survey",
			"survey": {"questions": [{"id": "mood", "prompt": "How do you feel?", "answer": "likert5"}]},
			"buttons": [{"id": "done", "label": "Done", "action": {"target": "thanks"}}]
		},
		{"id": "thanks", "text": "Thanks!", "end": true}
	]
}`

const consentDoc = `{
	"initialPageId": "demographics",
	"userStateSchema": {"age": {"type": "int"}},
	"pages": [
		{
			"id": "demographics",
			"survey": {"questions": [{"id": "age", "prompt": "Age?", "answer": "number"}]},
			"buttons": [{"id": "next", "action": {"branches": [
				{"when": "user_state.age < 18", "target": "ineligible"},
				{"target": "main"}
			]}}]
		},
		{"id": "main", "text": "Main survey", "buttons": [{"id": "finish", "action": "end"}]},
		{"id": "ineligible", "text": "Sorry", "end": true}
	]
}`

func newTestEngine(t *testing.T, configID, doc string) (*Engine, *capturePublisher, *fakeMatchmaker) {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.InsertConfig(context.Background(), &models.StoredConfig{
		ConfigID:   configID,
		Document:   []byte(doc),
		UploadedAt: time.Now().UTC(),
	}))
	pub := &capturePublisher{}
	e := New(st, pub, slog.Default())
	mm := &fakeMatchmaker{}
	e.SetMatchmaker(mm)
	return e, pub, mm
}

func TestStartSession(t *testing.T) {
	e, _, _ := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "alice")
	require.NoError(t, err)
	assert.Equal(t, "survey", snap.Session.CurrentPageID)
	assert.Equal(t, models.SessionStatusActive, snap.Session.Status)
	assert.Equal(t, "survey", snap.Page.ID)

	// Starting again resumes the active session.
	again, err := e.StartSession(ctx, "hw", "alice")
	require.NoError(t, err)
	assert.Equal(t, snap.Session.SessionID, again.Session.SessionID)

	_, err = e.StartSession(ctx, "missing", "alice")
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestStartSession_RetakeBlocked(t *testing.T) {
	e, _, _ := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "alice")
	require.NoError(t, err)

	_, err = e.Advance(ctx, snap.Session.SessionID, "k1", ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "done",
		Payload:  map[string]any{"answers": map[string]any{"mood": 4}},
	})
	require.NoError(t, err)

	_, err = e.StartSession(ctx, "hw", "alice")
	assert.Equal(t, CodeGone, CodeOf(err))

	// Anonymous participants are never blocked.
	_, err = e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
}

func TestAdvance_HelloWorld(t *testing.T) {
	e, pub, mm := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	out, err := e.Advance(ctx, id, "k1", ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "done",
		Payload:  map[string]any{"answers": map[string]any{"mood": 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, "thanks", out.Session.CurrentPageID)
	assert.Equal(t, models.SessionStatusEnded, out.Session.Status)
	assert.Equal(t, int64(4), out.Session.UserState["mood"])
	require.NotNil(t, out.Session.EndedAt)

	events := pub.all()
	require.Len(t, events, 4)
	assert.Equal(t, models.EventTypeSurveySubmission, events[0].Type)
	assert.Equal(t, models.EventTypeStateUpdated, events[1].Type)
	assert.Equal(t, models.EventTypeButtonClick, events[2].Type)
	assert.Equal(t, models.EventTypeSessionEnded, events[3].Type)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	deltas := events[1].Data["deltas"].([]any)
	require.Len(t, deltas, 1)
	delta := deltas[0].(map[string]any)
	assert.Equal(t, "user_state.mood", delta["path"])
	assert.Nil(t, delta["before"])
	assert.Equal(t, int64(4), delta["after"])

	// Ending a session cancels any outstanding pool entry.
	assert.Contains(t, mm.cancelled, id)
}

func TestAdvance_IdempotencyReplay(t *testing.T) {
	e, pub, _ := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	click := ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "done",
		Payload:  map[string]any{"answers": map[string]any{"mood": 2}},
	}
	first, err := e.Advance(ctx, id, "k1", click)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	count := len(pub.all())

	second, err := e.Advance(ctx, id, "k1", click)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Session.CurrentPageID, second.Session.CurrentPageID)
	assert.Len(t, pub.all(), count, "replay must append no events")
}

func TestAdvance_ReplayReturnsOriginalOutcome(t *testing.T) {
	e, _, _ := newTestEngine(t, "consent", consentDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "consent", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	click := ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "next",
		Payload:  map[string]any{"answers": map[string]any{"age": 25}},
	}
	first, err := e.Advance(ctx, id, "k1", click)
	require.NoError(t, err)
	require.Equal(t, "main", first.Session.CurrentPageID)

	// A server-side write lands between the original request and the retry.
	_, err = e.ApplyServerEvent(ctx, id, ServerEvent{
		Type:        models.EventTypeToolCall,
		Data:        map[string]any{"tool": "assign_state"},
		StateWrites: []store.StateWrite{{Path: "user_state.age", Value: 40}},
	})
	require.NoError(t, err)

	// The retry sees the state as of the original batch, not the session's
	// current state.
	second, err := e.Advance(ctx, id, "k1", click)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Session.CurrentPageID, second.Session.CurrentPageID)
	assert.Equal(t, first.Session.Status, second.Session.Status)
	assert.Equal(t, first.Session.UserState, second.Session.UserState)

	live, err := e.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(40), live.Session.UserState["age"])
}

func TestAdvance_Branching(t *testing.T) {
	e, _, _ := newTestEngine(t, "consent", consentDoc)
	ctx := context.Background()

	minor, err := e.StartSession(ctx, "consent", "")
	require.NoError(t, err)
	out, err := e.Advance(ctx, minor.Session.SessionID, "k1", ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "next",
		Payload:  map[string]any{"answers": map[string]any{"age": 17}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ineligible", out.Session.CurrentPageID)
	assert.Equal(t, models.SessionStatusEnded, out.Session.Status)

	adult, err := e.StartSession(ctx, "consent", "")
	require.NoError(t, err)
	out, err = e.Advance(ctx, adult.Session.SessionID, "k1", ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "next",
		Payload:  map[string]any{"answers": map[string]any{"age": 25}},
	})
	require.NoError(t, err)
	assert.Equal(t, "main", out.Session.CurrentPageID)
	assert.Equal(t, models.SessionStatusActive, out.Session.Status)
}

func TestAdvance_Failures(t *testing.T) {
	e, pub, _ := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	tests := []struct {
		name  string
		key   string
		event ClientEvent
		code  Code
	}{
		{
			name:  "unknown button",
			key:   "e1",
			event: ClientEvent{Type: models.EventTypeButtonClick, ButtonID: "nope"},
			code:  CodeUnknownButton,
		},
		{
			name: "answer out of range",
			key:  "e2",
			event: ClientEvent{Type: models.EventTypeButtonClick, ButtonID: "done",
				Payload: map[string]any{"answers": map[string]any{"mood": 9}}},
			code: CodeSchemaMismatch,
		},
		{
			name: "undeclared question",
			key:  "e3",
			event: ClientEvent{Type: models.EventTypeButtonClick, ButtonID: "done",
				Payload: map[string]any{"answers": map[string]any{"mood": 3, "extra": 1}}},
			code: CodeSchemaMismatch,
		},
		{
			name:  "missing required answer",
			key:   "e4",
			event: ClientEvent{Type: models.EventTypeButtonClick, ButtonID: "done"},
			code:  CodeSchemaMismatch,
		},
		{
			name:  "unsupported event type",
			key:   "e5",
			event: ClientEvent{Type: "mouse_move", ButtonID: "done"},
			code:  CodeInvalidEvent,
		},
		{
			name: "missing idempotency key",
			key:  "",
			event: ClientEvent{Type: models.EventTypeButtonClick, ButtonID: "done",
				Payload: map[string]any{"answers": map[string]any{"mood": 3}}},
			code: CodeInvalidEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Advance(ctx, id, tt.key, tt.event)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}

	// Failed advances leave no trace.
	assert.Empty(t, pub.all())
	got, err := e.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "survey", got.Session.CurrentPageID)
}

func TestAdvance_NoBranchMatched(t *testing.T) {
	doc := `{
		"initialPageId": "p",
		"userStateSchema": {"age": {"type": "int"}},
		"pages": [
			{
				"id": "p",
				"survey": {"questions": [{"id": "age", "prompt": "Age?", "answer": "number"}]},
				"buttons": [{"id": "next", "action": {"branches": [
					{"when": "user_state.age < 18", "target": "minor"}
				]}}]
			},
			{"id": "minor", "text": "x", "end": true}
		]
	}`
	e, _, _ := newTestEngine(t, "nb", doc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "nb", "")
	require.NoError(t, err)
	_, err = e.Advance(ctx, snap.Session.SessionID, "k1", ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "next",
		Payload:  map[string]any{"answers": map[string]any{"age": 30}},
	})
	assert.Equal(t, CodeNoBranchMatched, CodeOf(err))
}

func TestAdvance_GoneAfterEnd(t *testing.T) {
	e, _, _ := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	_, err = e.Advance(ctx, id, "k1", ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "done",
		Payload:  map[string]any{"answers": map[string]any{"mood": 1}},
	})
	require.NoError(t, err)

	_, err = e.Advance(ctx, id, "k2", ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "done",
		Payload:  map[string]any{"answers": map[string]any{"mood": 1}},
	})
	assert.Equal(t, CodeGone, CodeOf(err))
}

const matchingDoc = `{
	"initialPageId": "intro",
	"userStateSchema": {},
	"matchmaking": [{"poolId": "main", "numUsers": 2, "timeoutSeconds": 60, "treatments": ["c1", "c2"]}],
	"pages": [
		{"id": "intro", "text": "Hi", "buttons": [{"id": "go", "action": {"target": "waiting"}}]},
		{"id": "waiting", "components": [{"type": "matchmaking", "props": {"poolId": "main", "timeoutTarget": "timed_out"}}]},
		{"id": "timed_out", "text": "No partner found", "end": true}
	]
}`

func TestAdvance_MatchmakingEnqueue(t *testing.T) {
	e, _, mm := newTestEngine(t, "mq", matchingDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "mq", "")
	require.NoError(t, err)

	out, err := e.Advance(ctx, snap.Session.SessionID, "k1", ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "go",
	})
	require.NoError(t, err)
	assert.Equal(t, "waiting", out.Session.CurrentPageID)
	assert.Contains(t, mm.enqueued, snap.Session.SessionID+"/main")
}

func TestApplyServerEvent_StateWrites(t *testing.T) {
	e, pub, _ := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	out, err := e.ApplyServerEvent(ctx, id, ServerEvent{
		Type:        models.EventTypeToolCall,
		Data:        map[string]any{"tool": "assign_state"},
		StateWrites: []store.StateWrite{{Path: "user_state.mood", Value: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Session.UserState["mood"])

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventTypeToolCall, events[0].Type)
	assert.Equal(t, models.EventTypeStateUpdated, events[1].Type)
}

func TestApplyServerEvent_WriteValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	_, err = e.ApplyServerEvent(ctx, id, ServerEvent{
		StateWrites: []store.StateWrite{{Path: "user_state.undeclared", Value: 1}},
	})
	assert.Equal(t, CodeForbiddenWrite, CodeOf(err))

	_, err = e.ApplyServerEvent(ctx, id, ServerEvent{
		StateWrites: []store.StateWrite{{Path: "user_state.mood", Value: "angry"}},
	})
	assert.Equal(t, CodeSchemaMismatch, CodeOf(err))

	_, err = e.ApplyServerEvent(ctx, id, ServerEvent{
		StateWrites: []store.StateWrite{{Path: "secret", Value: 1}},
	})
	assert.Equal(t, CodeForbiddenWrite, CodeOf(err))

	// group_id and treatment are implicitly writable for matchmaking.
	_, err = e.ApplyServerEvent(ctx, id, ServerEvent{
		StateWrites: []store.StateWrite{
			{Path: "user_state.group_id", Value: "g1"},
			{Path: "user_state.treatment", Value: "c1"},
		},
	})
	require.NoError(t, err)
}

func TestApplyServerEvent_TimeoutTransition(t *testing.T) {
	e, pub, _ := newTestEngine(t, "mq", matchingDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "mq", "")
	require.NoError(t, err)
	id := snap.Session.SessionID
	_, err = e.Advance(ctx, id, "k1", ClientEvent{Type: models.EventTypeButtonClick, ButtonID: "go"})
	require.NoError(t, err)

	out, err := e.ApplyServerEvent(ctx, id, ServerEvent{
		Type:         models.EventTypeMatchTimeout,
		Data:         map[string]any{"poolId": "main"},
		TransitionTo: "timed_out",
	})
	require.NoError(t, err)
	assert.Equal(t, "timed_out", out.Session.CurrentPageID)
	assert.Equal(t, models.SessionStatusEnded, out.Session.Status)

	var types []string
	for _, ev := range pub.all() {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, models.EventTypeMatchTimeout)
	assert.Contains(t, types, models.EventTypeSessionEnded)
}

func TestRecordEvent(t *testing.T) {
	e, pub, _ := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	ev, replayed, err := e.RecordEvent(ctx, id, "r1", "focus_lost", map[string]any{"pageId": "survey"})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(1), ev.Sequence)

	again, replayed, err := e.RecordEvent(ctx, id, "r1", "focus_lost", nil)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, ev.Sequence, again.Sequence)
	assert.Len(t, pub.all(), 1)

	_, _, err = e.RecordEvent(ctx, id, "", "focus_lost", nil)
	assert.Equal(t, CodeInvalidEvent, CodeOf(err))
}

func TestAbandon(t *testing.T) {
	e, _, mm := newTestEngine(t, "hw", helloWorldDoc)
	ctx := context.Background()

	snap, err := e.StartSession(ctx, "hw", "")
	require.NoError(t, err)
	id := snap.Session.SessionID

	require.NoError(t, e.Abandon(ctx, id))
	got, err := e.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, got.Session.Status)
	assert.Contains(t, mm.cancelled, id)

	// Absorbing: a second abandon is a no-op.
	require.NoError(t, e.Abandon(ctx, id))

	_, err = e.Advance(ctx, id, "k9", ClientEvent{Type: models.EventTypeButtonClick, ButtonID: "done"})
	assert.Equal(t, CodeGone, CodeOf(err))
}
