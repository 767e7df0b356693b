// Package mock provides a test double for [store.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported *Err fields that force failures. Successful calls are served by an
// embedded in-memory store, so data written through the mock can be read back.
//
// Typical usage:
//
//	st := mock.New()
//	st.InsertMessageErr = errors.New("backend down")
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("InsertMessage"); got != 1 {
//	    t.Errorf("expected 1 InsertMessage call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/clementine/pkg/store"
	"github.com/MrWong99/clementine/pkg/store/memstore"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is a configurable test double for [store.Store].
// All exported *Err fields default to nil (success).
type Store struct {
	mu    sync.Mutex
	calls []Call
	mem   *memstore.Store

	UpsertProfileErr      error
	GetProfileErr         error
	CreateConversationErr error
	GetConversationErr    error
	ListConversationsErr  error
	InsertMessageErr      error
	ListMessagesErr       error
	PingErr               error
}

// New returns a ready-to-use mock store.
func New() *Store {
	return &Store{mem: memstore.New()}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls. Stored data and configured errors are kept.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// record appends a call and returns the configured error and backing store.
func (m *Store) record(method string, errField *error, args ...any) (error, *memstore.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	if m.mem == nil {
		m.mem = memstore.New()
	}
	return *errField, m.mem
}

// UpsertProfile implements [store.Store].
func (m *Store) UpsertProfile(ctx context.Context, p store.Profile) (store.Profile, error) {
	err, mem := m.record("UpsertProfile", &m.UpsertProfileErr, p)
	if err != nil {
		return store.Profile{}, err
	}
	return mem.UpsertProfile(ctx, p)
}

// GetProfile implements [store.Store].
func (m *Store) GetProfile(ctx context.Context, id string) (store.Profile, error) {
	err, mem := m.record("GetProfile", &m.GetProfileErr, id)
	if err != nil {
		return store.Profile{}, err
	}
	return mem.GetProfile(ctx, id)
}

// CreateConversation implements [store.Store].
func (m *Store) CreateConversation(ctx context.Context, c store.Conversation) (store.Conversation, error) {
	err, mem := m.record("CreateConversation", &m.CreateConversationErr, c)
	if err != nil {
		return store.Conversation{}, err
	}
	return mem.CreateConversation(ctx, c)
}

// GetConversation implements [store.Store].
func (m *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	err, mem := m.record("GetConversation", &m.GetConversationErr, id)
	if err != nil {
		return store.Conversation{}, err
	}
	return mem.GetConversation(ctx, id)
}

// ListConversations implements [store.Store].
func (m *Store) ListConversations(ctx context.Context, f store.ConversationFilter) ([]store.Conversation, error) {
	err, mem := m.record("ListConversations", &m.ListConversationsErr, f)
	if err != nil {
		return nil, err
	}
	return mem.ListConversations(ctx, f)
}

// InsertMessage implements [store.Store].
func (m *Store) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	err, mem := m.record("InsertMessage", &m.InsertMessageErr, msg)
	if err != nil {
		return store.Message{}, err
	}
	return mem.InsertMessage(ctx, msg)
}

// ListMessages implements [store.Store].
func (m *Store) ListMessages(ctx context.Context, f store.MessageFilter) ([]store.Message, error) {
	err, mem := m.record("ListMessages", &m.ListMessagesErr, f)
	if err != nil {
		return nil, err
	}
	return mem.ListMessages(ctx, f)
}

// Ping implements [store.Store].
func (m *Store) Ping(context.Context) error {
	err, _ := m.record("Ping", &m.PingErr)
	return err
}
