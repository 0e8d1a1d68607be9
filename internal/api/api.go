// Package api exposes the chat core over HTTP. Every JSON response uses the
// envelope {success, message, data}.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/message"
	"github.com/parley/chat-core/internal/metrics"
	"github.com/parley/chat-core/internal/view"
)

// Conversations is the conversation service as the handlers use it.
type Conversations interface {
	Create(ctx context.Context, requesterID, participantID string) (*view.Conversation, bool, error)
	List(ctx context.Context, userID string) ([]view.ConversationSummary, error)
	Get(ctx context.Context, conversationID, userID string) (*view.ConversationDetail, error)
	Delete(ctx context.Context, conversationID, userID string) error
	ListUsers(ctx context.Context, userID string) ([]view.Profile, error)
}

// Messages is the message service as the handlers use it.
type Messages interface {
	Send(ctx context.Context, in message.SendInput) (*view.Message, error)
	List(ctx context.Context, conversationID, userID string, page, perPage int) (*view.MessagePage, error)
	Delete(ctx context.Context, messageID, userID string) error
}

type Reads interface {
	Unread(ctx context.Context, conversationID, userID string) (*view.Unread, error)
	MarkRead(ctx context.Context, conversationID, userID string) (*view.ReadReceipt, error)
}

// Limiter admits or rejects a caller identified by key and tells a rejected
// caller how long to back off.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	RetryAfter(ctx context.Context, key string) time.Duration
}

// Config tunes request handling.
type Config struct {
	MaxBodyBytes   int64         // request body cap, uploads included
	Timeout        time.Duration // per-request deadline for API routes
	DefaultPerPage int           // page size when a listing omits per_page
}

func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   101 << 20,
		Timeout:        30 * time.Second,
		DefaultPerPage: 20,
	}
}

// Deps are the collaborators of the HTTP surface. WebSocket, Files and
// ConnLimit are optional.
type Deps struct {
	Conversations Conversations
	Messages      Messages
	Reads         Reads
	Authenticate  func(http.Handler) http.Handler
	WebSocket     http.Handler // mounted at /ws
	Files         http.Handler // mounted at /storage/ for the disk blob store
	ConnLimit     Limiter      // per client IP, applied to /ws
	Health        func(ctx context.Context) error
}

// Server is the HTTP surface of the chat core.
type Server struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer fills zero Config fields from DefaultConfig.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DefaultPerPage <= 0 {
		cfg.DefaultPerPage = def.DefaultPerPage
	}
	return &Server{deps: deps, cfg: cfg, logger: logger}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if s.deps.Files != nil {
		r.Handle("/storage/*", http.StripPrefix("/storage", s.deps.Files))
	}
	if s.deps.WebSocket != nil {
		ws := r.With()
		if s.deps.ConnLimit != nil {
			ws = ws.With(s.limit(s.deps.ConnLimit))
		}
		ws.Method(http.MethodGet, "/ws", s.deps.WebSocket)
	}

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.Timeout))
		r.Use(s.deps.Authenticate)

		r.Get("/users", s.listUsers)

		r.Route("/conversation", func(r chi.Router) {
			r.Post("/", s.createConversation)
			r.Get("/", s.listConversations)
			r.Get("/{id}", s.getConversation)
			r.Delete("/{id}", s.deleteConversation)
			r.Get("/{id}/messages", s.listMessages)
			r.Get("/{id}/unread", s.unread)
			r.Post("/{id}/read", s.markRead)
		})

		r.Route("/message", func(r chi.Router) {
			r.Post("/", s.sendMessage)
			r.Delete("/{id}", s.deleteMessage)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Message: "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok"})
}
