// Package api is the HTTP surface: participant-facing lab routes (sessions,
// push stream, chat) and experimenter-facing manager routes (configs, media,
// data export). Handlers translate between HTTP and the engine; they hold no
// domain logic of their own.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pairit-lab/pairit/pkg/chat"
	"github.com/pairit-lab/pairit/pkg/engine"
	"github.com/pairit-lab/pairit/pkg/objstore"
	"github.com/pairit-lab/pairit/pkg/push"
	"github.com/pairit-lab/pairit/pkg/store"
)

// defaultMaxUploadBytes caps inline media uploads when no limit is configured.
const defaultMaxUploadBytes = 5 << 20

// Options carries the server's dependencies.
type Options struct {
	Engine   *engine.Engine
	Hub      *push.Hub
	Chat     *chat.Coordinator
	Store    store.Store
	Media    objstore.Store
	Identity IdentityProvider

	// DB enables database reachability in /health; nil with the memory store.
	DB *sql.DB

	// MaxUploadBytes bounds inline media uploads (defaults when zero).
	MaxUploadBytes int64

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	engine   *engine.Engine
	hub      *push.Hub
	chat     *chat.Coordinator
	store    store.Store
	media    objstore.Store
	identity IdentityProvider
	db       *sql.DB

	maxUploadBytes    int64
	heartbeatInterval time.Duration
	logger            *slog.Logger

	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(opts Options) *Server {
	s := &Server{
		engine:            opts.Engine,
		hub:               opts.Hub,
		chat:              opts.Chat,
		store:             opts.Store,
		media:             opts.Media,
		identity:          opts.Identity,
		db:                opts.DB,
		maxUploadBytes:    opts.MaxUploadBytes,
		heartbeatInterval: defaultHeartbeatInterval,
		logger:            opts.Logger.With("component", "api"),
	}
	if s.identity == nil {
		s.identity = HeaderIdentity{}
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(securityHeaders())

	r.GET("/health", s.health)

	// Lab routes: participant-facing. Auth is per-config (requireAuth).
	r.POST("/sessions/start", s.startSession)
	r.GET("/sessions/:id", s.getSession)
	r.POST("/sessions/:id/advance", s.advanceSession)
	r.POST("/sessions/:id/events", s.recordEvent)
	r.GET("/sessions/:id/stream", s.streamEvents)

	r.POST("/chat/:groupId/message", s.sendChatMessage)
	r.POST("/chat/:groupId/typing", s.sendTyping)
	r.GET("/chat/:groupId/messages", s.listChatMessages)

	// Public media download; non-public objects require identity.
	r.GET("/files/*object", s.serveObject)

	// Manager routes: experimenter-facing, authenticated caller required.
	manager := r.Group("", s.requireIdentity())
	manager.POST("/configs/upload", s.uploadConfig)
	manager.GET("/configs", s.listConfigs)
	manager.DELETE("/configs/:configId", s.deleteConfig)
	manager.GET("/sessions/:id/events", s.exportEvents)
	manager.POST("/media/upload", s.uploadMedia)
	manager.POST("/media/upload-url", s.signedUploadURL)
	manager.GET("/media", s.listMedia)
	manager.DELETE("/media/*object", s.deleteMedia)

	s.router = r
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests. SSE streams end when the hub shuts
// down; callers should stop the hub first.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// callerID resolves the request identity, empty for anonymous callers.
func (s *Server) callerID(c *gin.Context) string {
	return s.identity.Authenticate(c.Request)
}

// requireIdentity guards manager routes.
func (s *Server) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.callerID(c) == "" {
			respondAPIError(c, http.StatusUnauthorized, string(engine.CodeUnauthorized),
				"authentication required", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// requestLogger logs one line per request with latency and status.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Streaming requests would dominate the log; they log on subscribe.
		if c.FullPath() == "/sessions/:id/stream" {
			return
		}
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
