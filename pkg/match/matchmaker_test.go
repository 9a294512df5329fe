package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/store"
)

type capturePublisher struct {
	mu     sync.Mutex
	events map[string][]*models.Event
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{events: make(map[string][]*models.Event)}
}

func (p *capturePublisher) Publish(sessionID string, events []*models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[sessionID] = append(p.events[sessionID], events...)
}

func (p *capturePublisher) bySession(sessionID string) []*models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Event(nil), p.events[sessionID]...)
}

const pairDoc = `{
	"initialPageId": "intro",
	"userStateSchema": {},
	"matchmaking": [{"poolId": "p", "numUsers": 2, "timeoutSeconds": 300, "treatments": ["c1", "c2"]}],
	"pages": [
		{"id": "intro", "text": "Hi", "buttons": [{"id": "go", "action": {"target": "waiting"}}]},
		{"id": "waiting", "components": [{"type": "matchmaking", "props": {"poolId": "p", "timeoutTarget": "timed_out"}}]},
		{"id": "timed_out", "text": "No partner", "end": true}
	]
}`

type fixture struct {
	store  store.Store
	engine *engine.Engine
	mm     *Matchmaker
	pub    *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.InsertConfig(context.Background(), &models.StoredConfig{
		ConfigID:   "exp",
		Document:   []byte(pairDoc),
		UploadedAt: time.Now().UTC(),
	}))
	pub := newCapturePublisher()
	eng := engine.New(st, pub, slog.Default())
	mm := New(st, eng, slog.Default())
	eng.SetMatchmaker(mm)
	t.Cleanup(mm.Shutdown)
	return &fixture{store: st, engine: eng, mm: mm, pub: pub}
}

// enterPool starts a session and advances it onto the matchmaking page.
func (f *fixture) enterPool(t *testing.T, n int) string {
	t.Helper()
	ctx := context.Background()
	snap, err := f.engine.StartSession(ctx, "exp", "")
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, snap.Session.SessionID, fmt.Sprintf("enter-%d", n), engine.ClientEvent{
		Type:     models.EventTypeButtonClick,
		ButtonID: "go",
	})
	require.NoError(t, err)
	return snap.Session.SessionID
}

func matchFoundEvent(t *testing.T, events []*models.Event) *models.Event {
	t.Helper()
	for _, e := range events {
		if e.Type == models.EventTypeMatchFound {
			return e
		}
	}
	return nil
}

func TestMatch_PairFormation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enterPool(t, 1)
	b := f.enterPool(t, 2)

	snapA, err := f.engine.GetSession(ctx, a)
	require.NoError(t, err)
	snapB, err := f.engine.GetSession(ctx, b)
	require.NoError(t, err)

	require.NotEmpty(t, snapA.Session.GroupID)
	assert.Equal(t, snapA.Session.GroupID, snapB.Session.GroupID)
	assert.Equal(t, snapA.Session.GroupID, snapA.Session.UserState["group_id"])
	assert.Contains(t, []string{"c1", "c2"}, snapA.Session.UserState["treatment"])
	assert.Equal(t, snapA.Session.UserState["treatment"], snapB.Session.UserState["treatment"])

	group, err := f.store.GetGroup(ctx, snapA.Session.GroupID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, group.MemberSessionIDs)
	assert.Equal(t, group.GroupID, group.ChatGroupID)

	// Each member got exactly one match_found event with identical payload.
	evA := matchFoundEvent(t, f.pub.bySession(a))
	evB := matchFoundEvent(t, f.pub.bySession(b))
	require.NotNil(t, evA)
	require.NotNil(t, evB)
	assert.Equal(t, evA.Data["groupId"], evB.Data["groupId"])
	assert.Equal(t, evA.Data["treatment"], evB.Data["treatment"])

	// Pool is drained.
	entries, err := f.store.ListPoolEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMatch_BalancedTreatments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Four pairs → four groups; a two-condition pool must split 2/2.
	var members []string
	for i := 0; i < 8; i++ {
		members = append(members, f.enterPool(t, i))
	}

	counts := map[string]int{}
	seen := map[string]bool{}
	for _, id := range members {
		snap, err := f.engine.GetSession(ctx, id)
		require.NoError(t, err)
		require.NotEmpty(t, snap.Session.GroupID)
		if !seen[snap.Session.GroupID] {
			seen[snap.Session.GroupID] = true
			counts[snap.Session.UserState["treatment"].(string)]++
		}
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, 2, counts["c1"])
	assert.Equal(t, 2, counts["c2"])

	stats, err := f.store.GetPoolStats(ctx, "exp", "p")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Counts["c1"])
	assert.Equal(t, int64(2), stats.Counts["c2"])
}

func TestMatch_SingleEntryWaits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enterPool(t, 1)

	snap, err := f.engine.GetSession(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, snap.Session.GroupID)
	assert.Equal(t, "waiting", snap.Session.CurrentPageID)

	entries, err := f.store.ListPoolEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMatch_EnqueueConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enterPool(t, 1)
	snap, err := f.engine.GetSession(ctx, a)
	require.NoError(t, err)

	cfg, err := f.engine.Config(ctx, "exp")
	require.NoError(t, err)

	err = f.mm.Enqueue(ctx, snap.Session, cfg, "p")
	assert.Equal(t, engine.CodeMatchmakingConflict, engine.CodeOf(err))

	// Matched sessions conflict too.
	b := f.enterPool(t, 2)
	snapB, err := f.engine.GetSession(ctx, b)
	require.NoError(t, err)
	require.NotEmpty(t, snapB.Session.GroupID)
	err = f.mm.Enqueue(ctx, snapB.Session, cfg, "p")
	assert.Equal(t, engine.CodeMatchmakingConflict, engine.CodeOf(err))
}

func TestMatch_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enterPool(t, 1)
	f.mm.Cancel(ctx, a)

	entries, err := f.store.ListPoolEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// A later arrival does not match against the cancelled entry.
	b := f.enterPool(t, 2)
	snap, err := f.engine.GetSession(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, snap.Session.GroupID)
}

func TestMatch_Timeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enterPool(t, 1)
	f.mm.onTimeout(a, "exp", "p")

	snap, err := f.engine.GetSession(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "timed_out", snap.Session.CurrentPageID)
	assert.Equal(t, models.SessionStatusEnded, snap.Session.Status)

	var types []string
	for _, e := range f.pub.bySession(a) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, models.EventTypeMatchTimeout)
	assert.Contains(t, types, models.EventTypeSessionEnded)

	entries, err := f.store.ListPoolEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// A second fire for the same session is a no-op.
	f.mm.onTimeout(a, "exp", "p")
}

func TestMatch_RebuildFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.enterPool(t, 1)

	// Fresh matchmaker simulating a restarted process sharing the store.
	mm2 := New(f.store, f.engine, slog.Default())
	f.engine.SetMatchmaker(mm2)
	t.Cleanup(mm2.Shutdown)
	require.NoError(t, mm2.Rebuild(ctx))

	b := f.enterPool(t, 2)

	snapA, err := f.engine.GetSession(ctx, a)
	require.NoError(t, err)
	snapB, err := f.engine.GetSession(ctx, b)
	require.NoError(t, err)
	require.NotEmpty(t, snapA.Session.GroupID)
	assert.Equal(t, snapA.Session.GroupID, snapB.Session.GroupID)
}
