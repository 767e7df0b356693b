package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/clementine/pkg/store"
)

// fakeClock returns a Store whose clock advances one second per call.
func fakeClock() *Store {
	s := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return s
}

func TestStore_ProfileUpsertMerges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := fakeClock()

	first, err := s.UpsertProfile(ctx, store.Profile{ID: "u1", Email: "sam@example.com", DisplayName: "Sam"})
	if err != nil {
		t.Fatalf("UpsertProfile() error: %v", err)
	}
	if first.CreatedAt.IsZero() {
		t.Error("CreatedAt not set on insert")
	}

	second, err := s.UpsertProfile(ctx, store.Profile{ID: "u1", PartnerName: "Alex", Preferences: map[string]string{"tone": "warm"}})
	if err != nil {
		t.Fatalf("UpsertProfile() error: %v", err)
	}
	if second.DisplayName != "Sam" || second.PartnerName != "Alex" {
		t.Errorf("merged profile = %+v", second)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("UpdatedAt not advanced: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}

	// Returned maps must not alias stored state.
	second.Preferences["tone"] = "cold"
	got, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile() error: %v", err)
	}
	if got.Preferences["tone"] != "warm" {
		t.Errorf("stored preferences mutated through returned value: %v", got.Preferences)
	}
}

func TestStore_ProfileValidation(t *testing.T) {
	t.Parallel()
	s := New()
	if _, err := s.UpsertProfile(context.Background(), store.Profile{}); err == nil {
		t.Error("expected error for empty profile id")
	}
	if _, err := s.GetProfile(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetProfile() err = %v, want ErrNotFound", err)
	}
}

func TestStore_ConversationsOrderedByActivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := fakeClock()

	a, err := s.CreateConversation(ctx, store.Conversation{UserID: "u1", Title: "a"})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	b, err := s.CreateConversation(ctx, store.Conversation{UserID: "u1", Title: "b"})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	if _, err := s.CreateConversation(ctx, store.Conversation{UserID: "u2"}); err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("generated ids = %q, %q", a.ID, b.ID)
	}

	// A message in the older conversation moves it to the front.
	if _, err := s.InsertMessage(ctx, store.Message{ConversationID: a.ID, UserID: "u1", Role: store.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("InsertMessage() error: %v", err)
	}

	list, err := s.ListConversations(ctx, store.ConversationFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("ListConversations() = %+v, want [a b]", list)
	}

	limited, err := s.ListConversations(ctx, store.ConversationFilter{UserID: "u1", Limit: 1})
	if err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited len = %d, want 1", len(limited))
	}

	if _, err := s.CreateConversation(ctx, store.Conversation{ID: a.ID, UserID: "u1"}); err == nil {
		t.Error("expected duplicate id error")
	}
	if _, err := s.CreateConversation(ctx, store.Conversation{}); err == nil {
		t.Error("expected error for missing user id")
	}
}

func TestStore_ListMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := fakeClock()

	c, err := s.CreateConversation(ctx, store.Conversation{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	var inserted []store.Message
	for i := range 5 {
		m, err := s.InsertMessage(ctx, store.Message{
			ConversationID: c.ID,
			UserID:         "u1",
			Role:           store.RoleUser,
			Content:        fmt.Sprintf("msg-%d", i),
		})
		if err != nil {
			t.Fatalf("InsertMessage() error: %v", err)
		}
		inserted = append(inserted, m)
	}

	tests := []struct {
		name   string
		filter store.MessageFilter
		want   []string
	}{
		{"all", store.MessageFilter{ConversationID: c.ID}, []string{"msg-0", "msg-1", "msg-2", "msg-3", "msg-4"}},
		{"most recent two", store.MessageFilter{ConversationID: c.ID, Limit: 2}, []string{"msg-3", "msg-4"}},
		{"since", store.MessageFilter{ConversationID: c.ID, Since: inserted[3].CreatedAt}, []string{"msg-3", "msg-4"}},
		{"unknown conversation", store.MessageFilter{ConversationID: "nope"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.ListMessages(ctx, tc.filter)
			if err != nil {
				t.Fatalf("ListMessages() error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tc.want))
			}
			for i, m := range got {
				if m.Content != tc.want[i] {
					t.Errorf("[%d] = %q, want %q", i, m.Content, tc.want[i])
				}
			}
		})
	}
}

func TestStore_InsertMessageUnknownConversation(t *testing.T) {
	t.Parallel()
	s := New()
	_, err := s.InsertMessage(context.Background(), store.Message{ConversationID: "missing", Content: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ZeroValueUsable(t *testing.T) {
	t.Parallel()
	var s Store
	if _, err := s.UpsertProfile(context.Background(), store.Profile{ID: "u1"}); err != nil {
		t.Fatalf("UpsertProfile() on zero value: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}
