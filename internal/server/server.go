// Package server is the presentation boundary of Clementine: the HTTP JSON
// API, the speech WebSocket, and the audio and probe endpoints the browser UI
// talks to.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/clementine/internal/auth"
	"github.com/MrWong99/clementine/internal/config"
	"github.com/MrWong99/clementine/internal/conversation"
	"github.com/MrWong99/clementine/internal/health"
	"github.com/MrWong99/clementine/internal/observe"
	"github.com/MrWong99/clementine/pkg/provider/recognizer"
	"github.com/MrWong99/clementine/pkg/provider/tts"
	"github.com/MrWong99/clementine/pkg/store"
)

// Chat is the conversation surface used by the handlers.
type Chat interface {
	Launch(ctx context.Context, u conversation.User) (conversation.Reply, error)
	Send(ctx context.Context, conversationID string, u conversation.User, text string, src store.Source) (conversation.Reply, error)
	History(ctx context.Context, conversationID string, u conversation.User, limit int) ([]store.Message, error)
	Conversations(ctx context.Context, u conversation.User, limit int) ([]store.Conversation, error)
}

// Profiles reads and merges user profiles.
type Profiles interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	UpsertProfile(ctx context.Context, p store.Profile) (store.Profile, error)
}

// Config holds the dependencies of a [Server].
type Config struct {
	// Chat handles conversations. Required.
	Chat Chat

	// Profiles serves /v1/profile. Required.
	Profiles Profiles

	// Verifier authenticates bearer tokens. Required.
	Verifier *auth.Verifier

	// Audio serves synthesized reply audio. Nil disables /v1/audio.
	Audio *tts.Cache

	// Health serves the probes. Nil registers probes without checks.
	Health *health.Handler

	// MetricsHandler serves /metrics. Nil disables the endpoint.
	MetricsHandler http.Handler

	// Speech returns the current speech settings. Called once per
	// connection. Nil uses defaults.
	Speech func() config.SpeechConfig

	// NewRecognizer constructs a server-side recognizer per connection. Nil
	// selects browser recognition.
	NewRecognizer func() (recognizer.Recognizer, error)

	// UserContext decorates the request context of authenticated requests,
	// for example to forward the user's token to the store.
	UserContext func(ctx context.Context, token string) context.Context

	// AllowedOrigins are the origin patterns accepted for the WebSocket.
	AllowedOrigins []string

	// Metrics records HTTP and connection metrics. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// Server routes HTTP and WebSocket requests.
type Server struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
	handler http.Handler
}

// New validates cfg and builds the routing table.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Chat == nil:
		return nil, errors.New("server: chat must not be nil")
	case cfg.Profiles == nil:
		return nil, errors.New("server: profiles must not be nil")
	case cfg.Verifier == nil:
		return nil, errors.New("server: verifier must not be nil")
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Speech == nil {
		cfg.Speech = func() config.SpeechConfig { return config.SpeechConfig{} }
	}
	s := &Server{cfg: cfg, metrics: cfg.Metrics, log: cfg.Logger}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated.
	s.cfg.Health.Register(mux)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
	if s.cfg.Audio != nil {
		// Audio ids are unguessable and short-lived; <audio> elements cannot
		// send bearer headers.
		mux.HandleFunc("GET /v1/audio/{id}", s.handleAudio)
	}

	authed := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(s.cfg.Verifier)(s.withUserContext(h))
	}
	mux.Handle("POST /v1/conversations", authed(s.handleLaunch))
	mux.Handle("GET /v1/conversations", authed(s.handleListConversations))
	mux.Handle("POST /v1/conversations/{id}/messages", authed(s.handleSend))
	mux.Handle("GET /v1/conversations/{id}/messages", authed(s.handleHistory))
	mux.Handle("GET /v1/profile", authed(s.handleGetProfile))
	mux.Handle("PUT /v1/profile", authed(s.handlePutProfile))
	mux.Handle("GET /v1/speech", authed(s.handleSpeech))

	return observe.Middleware(s.metrics)(s.recoverer(mux))
}

func (s *Server) withUserContext(next http.Handler) http.Handler {
	if s.cfg.UserContext == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := s.cfg.UserContext(r.Context(), auth.TokenFromContext(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer turns a handler panic into a 500 response.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				observe.Logger(r.Context()).Error("server: panic recovered", "panic", v, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// userFrom returns the authenticated caller. The auth middleware guarantees
// presence on every authenticated route.
func userFrom(r *http.Request) conversation.User {
	u, _ := auth.UserFromContext(r.Context())
	return conversation.User{ID: u.ID, Email: u.Email}
}
