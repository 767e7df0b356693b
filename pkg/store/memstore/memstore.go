// Package memstore provides a thread-safe, in-memory [store.Store].
//
// It backs the "memory" store provider and is the default for development and
// tests. Nothing survives a process restart.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/clementine/pkg/store"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of [store.Store].
// The zero value is ready to use.
type Store struct {
	mu            sync.RWMutex
	profiles      map[string]store.Profile
	conversations map[string]store.Conversation
	messages      map[string][]store.Message

	// now is overridable in tests.
	now func() time.Time
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{
		profiles:      make(map[string]store.Profile),
		conversations: make(map[string]store.Conversation),
		messages:      make(map[string][]store.Message),
	}
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Store) initLocked() {
	if s.profiles == nil {
		s.profiles = make(map[string]store.Profile)
	}
	if s.conversations == nil {
		s.conversations = make(map[string]store.Conversation)
	}
	if s.messages == nil {
		s.messages = make(map[string][]store.Message)
	}
}

// UpsertProfile implements [store.Store.UpsertProfile].
func (s *Store) UpsertProfile(_ context.Context, p store.Profile) (store.Profile, error) {
	if p.ID == "" {
		return store.Profile{}, fmt.Errorf("memstore: upsert profile: id is required")
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	p.UpdatedAt = now
	existing, ok := s.profiles[p.ID]
	if !ok {
		existing = store.Profile{ID: p.ID, CreatedAt: now}
	}
	merged := store.MergeProfile(existing, p)
	s.profiles[p.ID] = merged
	return cloneProfile(merged), nil
}

// GetProfile implements [store.Store.GetProfile].
func (s *Store) GetProfile(_ context.Context, id string) (store.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return cloneProfile(p), nil
}

// CreateConversation implements [store.Store.CreateConversation].
func (s *Store) CreateConversation(_ context.Context, c store.Conversation) (store.Conversation, error) {
	if c.UserID == "" {
		return store.Conversation{}, fmt.Errorf("memstore: create conversation: user id is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = s.clock()
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = c.StartedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	if _, exists := s.conversations[c.ID]; exists {
		return store.Conversation{}, fmt.Errorf("memstore: create conversation: duplicate id %q", c.ID)
	}
	s.conversations[c.ID] = c
	return c, nil
}

// GetConversation implements [store.Store.GetConversation].
func (s *Store) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

// ListConversations implements [store.Store.ListConversations].
func (s *Store) ListConversations(_ context.Context, f store.ConversationFilter) ([]store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]store.Conversation, 0)
	for _, c := range s.conversations {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b store.Conversation) int {
		if n := b.LastMessageAt.Compare(a.LastMessageAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// InsertMessage implements [store.Store.InsertMessage].
func (s *Store) InsertMessage(_ context.Context, m store.Message) (store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return store.Message{}, fmt.Errorf("memstore: insert message: conversation %q: %w", m.ConversationID, store.ErrNotFound)
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	if m.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = m.CreatedAt
		s.conversations[c.ID] = c
	}
	return m, nil
}

// ListMessages implements [store.Store.ListMessages].
func (s *Store) ListMessages(_ context.Context, f store.MessageFilter) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]store.Message, 0)
	for _, m := range s.messages[f.ConversationID] {
		if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
			continue
		}
		result = append(result, m)
	}
	slices.SortStableFunc(result, func(a, b store.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result, nil
}

// Ping implements [store.Store.Ping]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func cloneProfile(p store.Profile) store.Profile {
	p.Preferences = maps.Clone(p.Preferences)
	return p
}
