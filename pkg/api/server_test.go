package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairit-lab/pairit/pkg/chat"
	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/models"
	"github.com/pairit-lab/pairit/pkg/objstore"
	"github.com/pairit-lab/pairit/pkg/push"
	"github.com/pairit-lab/pairit/pkg/store"
)

const basicDoc = `{
	"initialPageId": "intro",
	"userStateSchema": {"mood": {"type": "string"}},
	"pages": [
		{
			"id": "intro",
			"components": [{"type": "text", "props": {"body": "Welcome"}}],
			"buttons": [{"id": "go", "label": "Go", "action": "end"}]
		}
	]
}`

const chatRoomDoc = `{
	"initialPageId": "room",
	"userStateSchema": {},
	"pages": [
		{
			"id": "room",
			"components": [{"type": "chat", "props": {"maxMessageLen": 200}}],
			"buttons": [{"id": "leave", "action": "end"}]
		}
	]
}`

type testServer struct {
	srv   *Server
	store store.Store
	eng   *engine.Engine
	hub   *push.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.Default()
	st := store.NewMemoryStore()
	hub := push.NewHub(st, logger)
	eng := engine.New(st, hub, logger)
	coord := chat.New(st, hub, eng, logger)

	media, err := objstore.NewFSStore(t.TempDir(), "http://localhost:8080/files")
	require.NoError(t, err)

	srv := NewServer(Options{
		Engine: eng,
		Hub:    hub,
		Chat:   coord,
		Store:  st,
		Media:  media,
		Logger: logger,
	})
	t.Cleanup(hub.Shutdown)
	return &testServer{srv: srv, store: st, eng: eng, hub: hub}
}

// do runs one request against the router. A non-empty user is passed as the
// proxy identity header.
func (ts *testServer) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Forwarded-User", user)
	}

	w := httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func (ts *testServer) uploadConfig(t *testing.T, configID, owner, doc string) {
	t.Helper()
	w, _ := ts.do(t, http.MethodPost, "/configs/upload", owner, map[string]any{
		"configId": configID,
		"config":   json.RawMessage(doc),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHealthWithMemoryStore(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["store"])
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.uploadConfig(t, "exp", "alice", basicDoc)

	w, body := ts.do(t, http.MethodPost, "/sessions/start", "", map[string]any{"configId": "exp"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sessionID := body["sessionId"].(string)
	assert.Equal(t, "intro", body["currentPageId"])
	require.NotNil(t, body["page"])

	w, body = ts.do(t, http.MethodGet, "/sessions/"+sessionID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "intro", body["currentPageId"])

	advance := map[string]any{
		"idempotencyKey": "k1",
		"event":          map[string]any{"type": "button_click", "buttonId": "go"},
	}
	w, body = ts.do(t, http.MethodPost, "/sessions/"+sessionID+"/advance", "", advance)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ended", body["status"])
	assert.Empty(t, w.Header().Get("X-Idempotent-Replay"))
	firstBody := w.Body.String()

	// Replaying the key returns the original outcome: the body is
	// byte-identical to the first response, with the replay flagged only in
	// the header.
	w, _ = ts.do(t, http.MethodPost, "/sessions/"+sessionID+"/advance", "", advance)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, firstBody, w.Body.String())

	// The session is terminal now; a fresh key is rejected with gone.
	advance["idempotencyKey"] = "k2"
	w, body = ts.do(t, http.MethodPost, "/sessions/"+sessionID+"/advance", "", advance)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "gone", body["code"])
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.uploadConfig(t, "exp", "alice", basicDoc)

	w, body := ts.do(t, http.MethodGet, "/sessions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["code"])

	_, started := ts.do(t, http.MethodPost, "/sessions/start", "", map[string]any{"configId": "exp"})
	sessionID := started["sessionId"].(string)

	w, body = ts.do(t, http.MethodPost, "/sessions/"+sessionID+"/advance", "", map[string]any{
		"idempotencyKey": "k1",
		"event":          map[string]any{"type": "button_click", "buttonId": "nope"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown_button", body["code"])

	w, body = ts.do(t, http.MethodPost, "/sessions/start", "", map[string]any{"configId": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestUnknownNodeIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.uploadConfig(t, "exp", "alice", basicDoc)

	// A session pointing at a page the config does not define is a broken
	// request, not a missing resource: the session itself was found.
	now := time.Now().UTC()
	require.NoError(t, ts.store.InsertSession(context.Background(), &models.Session{
		SessionID:      "stray",
		ConfigID:       "exp",
		CurrentPageID:  "vanished",
		Status:         models.SessionStatusActive,
		UserState:      map[string]any{},
		StartedAt:      now,
		LastActivityAt: now,
	}))

	w, body := ts.do(t, http.MethodPost, "/sessions/stray/advance", "", map[string]any{
		"idempotencyKey": "k1",
		"event":          map[string]any{"type": "button_click", "buttonId": "go"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown_node", body["code"])
}

func TestStatusForCodes(t *testing.T) {
	cases := map[engine.Code]int{
		engine.CodeUnauthorized:        http.StatusUnauthorized,
		engine.CodeForbidden:           http.StatusForbidden,
		engine.CodeNotFound:            http.StatusNotFound,
		engine.CodeInvalidEvent:        http.StatusBadRequest,
		engine.CodeUnknownButton:       http.StatusBadRequest,
		engine.CodeUnknownNode:         http.StatusBadRequest,
		engine.CodeSchemaMismatch:      http.StatusBadRequest,
		engine.CodeForbiddenWrite:      http.StatusBadRequest,
		engine.CodeNoBranchMatched:     http.StatusBadRequest,
		engine.CodeMatchmakingConflict: http.StatusConflict,
		engine.CodeGone:                http.StatusGone,
		engine.CodeInternal:            http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), "code %s", code)
	}
}

func TestRequireAuthConfig(t *testing.T) {
	ts := newTestServer(t)
	doc := `{
		"initialPageId": "intro",
		"userStateSchema": {},
		"requireAuth": true,
		"pages": [
			{"id": "intro", "components": [{"type": "text", "props": {"body": "x"}}],
			 "buttons": [{"id": "go", "action": "end"}]}
		]
	}`
	ts.uploadConfig(t, "gated", "alice", doc)

	w, body := ts.do(t, http.MethodPost, "/sessions/start", "", map[string]any{"configId": "gated"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["code"])

	w, _ = ts.do(t, http.MethodPost, "/sessions/start", "bob", map[string]any{"configId": "gated"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConfigManagement(t *testing.T) {
	ts := newTestServer(t)

	// Manager routes reject anonymous callers.
	w, body := ts.do(t, http.MethodPost, "/configs/upload", "", map[string]any{
		"configId": "exp", "config": json.RawMessage(basicDoc),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["code"])

	ts.uploadConfig(t, "exp", "alice", basicDoc)

	// Duplicate ids conflict; configs are immutable after publish.
	w, body = ts.do(t, http.MethodPost, "/configs/upload", "alice", map[string]any{
		"configId": "exp", "config": json.RawMessage(basicDoc),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", body["code"])

	// A broken document reports diagnostics instead of storing anything.
	w, body = ts.do(t, http.MethodPost, "/configs/upload", "alice", map[string]any{
		"configId": "broken",
		"config":   json.RawMessage(`{"initialPageId": "nowhere", "userStateSchema": {}, "pages": []}`),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_config", body["code"])
	require.NotNil(t, body["details"])

	// Owners see only their own configs.
	_, body = ts.do(t, http.MethodGet, "/configs", "alice", nil)
	require.Len(t, body["configs"], 1)
	_, body = ts.do(t, http.MethodGet, "/configs", "mallory", nil)
	assert.Empty(t, body["configs"])

	// Only the owner can delete.
	w, body = ts.do(t, http.MethodDelete, "/configs/exp", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", body["code"])
	w, _ = ts.do(t, http.MethodDelete, "/configs/exp", "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecordEventAndExport(t *testing.T) {
	ts := newTestServer(t)
	ts.uploadConfig(t, "exp", "alice", basicDoc)

	_, started := ts.do(t, http.MethodPost, "/sessions/start", "", map[string]any{"configId": "exp"})
	sessionID := started["sessionId"].(string)

	w, _ := ts.do(t, http.MethodPost, "/sessions/"+sessionID+"/events", "", map[string]any{
		"idempotencyKey": "e1",
		"type":           "focus_lost",
		"payload":        map[string]any{"pageId": "intro"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get("X-Idempotent-Replay"))
	firstBody := w.Body.String()

	w, _ = ts.do(t, http.MethodPost, "/sessions/"+sessionID+"/events", "", map[string]any{
		"idempotencyKey": "e1", "type": "focus_lost",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, firstBody, w.Body.String())

	// Export is a manager route.
	w, _ = ts.do(t, http.MethodGet, "/sessions/"+sessionID+"/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := ts.do(t, http.MethodGet, "/sessions/"+sessionID+"/events", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	first := events[0].(map[string]any)
	assert.Equal(t, "focus_lost", first["type"])
	assert.Equal(t, float64(1), first["sequence"])
}

func (ts *testServer) seedChatGroup(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ts.store.InsertConfig(ctx, &models.StoredConfig{
		ConfigID:   "chatexp",
		Owner:      "alice",
		Document:   []byte(chatRoomDoc),
		UploadedAt: time.Now().UTC(),
	}))
	now := time.Now().UTC()
	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, ts.store.InsertSession(ctx, &models.Session{
			SessionID:      id,
			ConfigID:       "chatexp",
			CurrentPageID:  "room",
			Status:         models.SessionStatusActive,
			GroupID:        "g1",
			StartedAt:      now,
			LastActivityAt: now,
		}))
	}
	require.NoError(t, ts.store.InsertGroup(ctx, &models.Group{
		GroupID:          "g1",
		PoolID:           "p",
		ConfigID:         "chatexp",
		MemberSessionIDs: []string{"s1", "s2"},
		ChatGroupID:      "g1",
		CreatedAt:        now,
	}))
}

func TestChatEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedChatGroup(t)

	w, body := ts.do(t, http.MethodPost, "/chat/g1/message", "", map[string]any{
		"sessionId": "s1", "idempotencyKey": "m1", "body": "hello",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	msg := body["message"].(map[string]any)
	assert.Equal(t, float64(1), msg["sequence"])

	// Non-members are rejected.
	w, body = ts.do(t, http.MethodPost, "/chat/g1/message", "", map[string]any{
		"sessionId": "outsider", "idempotencyKey": "m2", "body": "hi",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", body["code"])

	w, _ = ts.do(t, http.MethodPost, "/chat/g1/typing", "", map[string]any{"sessionId": "s1"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, body = ts.do(t, http.MethodGet, "/chat/g1/messages?sessionId=s2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, false, body["chatEnded"])

	w, body = ts.do(t, http.MethodGet, "/chat/g1/messages?sessionId=outsider", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", body["code"])

	w, body = ts.do(t, http.MethodGet, "/chat/ghost/messages?sessionId=s1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestMediaEndpoints(t *testing.T) {
	ts := newTestServer(t)

	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	w, body := ts.do(t, http.MethodPost, "/media/upload", "alice", map[string]any{
		"object": "stimuli/dog.png", "data": payload, "contentType": "image/png", "public": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "http://localhost:8080/files/stimuli/dog.png", body["url"])

	// Public objects are served without identity.
	w, _ = ts.do(t, http.MethodGet, "/files/stimuli/dog.png", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png-bytes", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	// Private objects need a caller identity.
	_, _ = ts.do(t, http.MethodPost, "/media/upload", "alice", map[string]any{
		"object": "private/notes.txt", "data": payload,
	})
	w, _ = ts.do(t, http.MethodGet, "/files/private/notes.txt", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = ts.do(t, http.MethodGet, "/files/private/notes.txt", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	_, body = ts.do(t, http.MethodGet, "/media?prefix=stimuli/", "alice", nil)
	require.Len(t, body["objects"], 1)

	// The filesystem backend cannot mint signed upload URLs.
	w, body = ts.do(t, http.MethodPost, "/media/upload-url", "alice", map[string]any{
		"object": "big.mp4", "contentType": "video/mp4",
	})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "unsupported", body["code"])

	w, _ = ts.do(t, http.MethodDelete, "/media/stimuli/dog.png", "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = ts.do(t, http.MethodDelete, "/media/stimuli/dog.png", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMediaUploadCap(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := newTestServer(t)
	ts.srv.maxUploadBytes = 8

	payload := base64.StdEncoding.EncodeToString([]byte("way more than eight bytes"))
	w, body := ts.do(t, http.MethodPost, "/media/upload", "alice", map[string]any{
		"object": "big.bin", "data": payload,
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "payload_too_large", body["code"])
}

func TestStreamReplayAndLive(t *testing.T) {
	ts := newTestServer(t)
	ts.uploadConfig(t, "exp", "alice", basicDoc)

	_, started := ts.do(t, http.MethodPost, "/sessions/start", "", map[string]any{"configId": "exp"})
	sessionID := started["sessionId"].(string)

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		_, _, err := ts.eng.RecordEvent(ctx, sessionID, fmt.Sprintf("k%d", i), "focus_lost", nil)
		require.NoError(t, err)
	}

	server := httptest.NewServer(ts.srv.Router())
	defer server.Close()

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, server.URL+"/sessions/"+sessionID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// Event 1 is behind the cursor; the replay starts at sequence 2.
	buf := make([]byte, 4096)
	var got string
	for !bytes.Contains([]byte(got), []byte("focus_lost")) {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got += string(buf[:n])
	}
	assert.Contains(t, got, "id:2")
	assert.NotContains(t, got, "id:1")
	cancel()
}

func TestStreamHeartbeatWhenIdle(t *testing.T) {
	ts := newTestServer(t)
	ts.uploadConfig(t, "exp", "alice", basicDoc)
	ts.srv.heartbeatInterval = 50 * time.Millisecond

	_, started := ts.do(t, http.MethodPost, "/sessions/start", "", map[string]any{"configId": "exp"})
	sessionID := started["sessionId"].(string)

	server := httptest.NewServer(ts.srv.Router())
	defer server.Close()

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, server.URL+"/sessions/"+sessionID+"/stream", nil)
	require.NoError(t, err)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Nothing has been published, so the first frame on the wire is the idle
	// heartbeat. It is ephemeral: no id, so the client cursor stays put.
	buf := make([]byte, 4096)
	var got string
	for !bytes.Contains([]byte(got), []byte(models.EventTypeHeartbeat)) {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got += string(buf[:n])
	}
	assert.NotContains(t, got, "id:")
	cancel()
}

func TestStreamRejectsUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(t, http.MethodGet, "/sessions/ghost/stream", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["code"])
}
