package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/clementine/pkg/store"
)

// GuardedStore decorates a [store.Store] with a circuit breaker. While the
// breaker is open every call fails fast with an error wrapping
// [ErrCircuitOpen]. [store.ErrNotFound] does not count as a failure.
type GuardedStore struct {
	inner   store.Store
	breaker *CircuitBreaker
}

var _ store.Store = (*GuardedStore)(nil)

// NewGuardedStore wraps inner. cfg.IsFailure, if nil, is set to ignore
// [store.ErrNotFound] and context cancellation.
func NewGuardedStore(inner store.Store, cfg CircuitBreakerConfig) *GuardedStore {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return defaultIsFailure(err) && !errors.Is(err, store.ErrNotFound)
		}
	}
	return &GuardedStore{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedStore) Breaker() *CircuitBreaker { return g.breaker }

func guard[R any](g *GuardedStore, op string, fn func() (R, error)) (R, error) {
	var result R
	err := g.breaker.Execute(func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	if errors.Is(err, ErrCircuitOpen) {
		return result, fmt.Errorf("resilience: store %s: %w", op, err)
	}
	return result, err
}

// UpsertProfile implements [store.Store].
func (g *GuardedStore) UpsertProfile(ctx context.Context, p store.Profile) (store.Profile, error) {
	return guard(g, "upsert profile", func() (store.Profile, error) { return g.inner.UpsertProfile(ctx, p) })
}

// GetProfile implements [store.Store].
func (g *GuardedStore) GetProfile(ctx context.Context, id string) (store.Profile, error) {
	return guard(g, "get profile", func() (store.Profile, error) { return g.inner.GetProfile(ctx, id) })
}

// CreateConversation implements [store.Store].
func (g *GuardedStore) CreateConversation(ctx context.Context, c store.Conversation) (store.Conversation, error) {
	return guard(g, "create conversation", func() (store.Conversation, error) { return g.inner.CreateConversation(ctx, c) })
}

// GetConversation implements [store.Store].
func (g *GuardedStore) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	return guard(g, "get conversation", func() (store.Conversation, error) { return g.inner.GetConversation(ctx, id) })
}

// ListConversations implements [store.Store].
func (g *GuardedStore) ListConversations(ctx context.Context, f store.ConversationFilter) ([]store.Conversation, error) {
	return guard(g, "list conversations", func() ([]store.Conversation, error) { return g.inner.ListConversations(ctx, f) })
}

// InsertMessage implements [store.Store].
func (g *GuardedStore) InsertMessage(ctx context.Context, m store.Message) (store.Message, error) {
	return guard(g, "insert message", func() (store.Message, error) { return g.inner.InsertMessage(ctx, m) })
}

// ListMessages implements [store.Store].
func (g *GuardedStore) ListMessages(ctx context.Context, f store.MessageFilter) ([]store.Message, error) {
	return guard(g, "list messages", func() ([]store.Message, error) { return g.inner.ListMessages(ctx, f) })
}

// Ping implements [store.Store]. It bypasses the breaker so readiness probes
// report the backend's real state.
func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}
