package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/clementine/pkg/store"
	"github.com/MrWong99/clementine/pkg/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CLEMENTINE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CLEMENTINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CLEMENTINE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS conversations CASCADE",
		"DROP TABLE IF EXISTS profiles CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}

	st, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	_ = newTestStore(t)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestStore_UpsertProfileMerges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.UpsertProfile(ctx, store.Profile{
		ID:          "u1",
		Email:       "sam@example.com",
		DisplayName: "Sam",
		Preferences: map[string]string{"tone": "gentle", "language": "en"},
	}); err != nil {
		t.Fatalf("UpsertProfile() error: %v", err)
	}
	got, err := st.UpsertProfile(ctx, store.Profile{
		ID:          "u1",
		PartnerName: "Alex",
		Preferences: map[string]string{"tone": "direct"},
	})
	if err != nil {
		t.Fatalf("UpsertProfile() error: %v", err)
	}
	if got.Email != "sam@example.com" || got.DisplayName != "Sam" || got.PartnerName != "Alex" {
		t.Errorf("profile = %+v", got)
	}
	if got.Preferences["tone"] != "direct" || got.Preferences["language"] != "en" {
		t.Errorf("preferences = %v", got.Preferences)
	}

	if _, err := st.GetProfile(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetProfile(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_ConversationLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	older, err := st.CreateConversation(ctx, store.Conversation{UserID: "u1", StartedAt: base})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	newer, err := st.CreateConversation(ctx, store.Conversation{UserID: "u1", StartedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}

	for i := range 4 {
		if _, err := st.InsertMessage(ctx, store.Message{
			ConversationID: older.ID,
			UserID:         "u1",
			Role:           store.RoleUser,
			Content:        fmt.Sprintf("msg-%d", i),
			Source:         store.SourceTyped,
			CreatedAt:      base.Add(time.Duration(i+2) * time.Minute),
		}); err != nil {
			t.Fatalf("InsertMessage() error: %v", err)
		}
	}

	list, err := st.ListConversations(ctx, store.ConversationFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID || list[1].ID != newer.ID {
		t.Errorf("ListConversations() order = %+v", list)
	}

	recent, err := st.ListMessages(ctx, store.MessageFilter{ConversationID: older.ID, Limit: 2})
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "msg-2" || recent[1].Content != "msg-3" {
		t.Errorf("ListMessages(limit 2) = %+v", recent)
	}
	if recent[0].Source != store.SourceTyped || recent[0].Role != store.RoleUser {
		t.Errorf("role/source not round-tripped: %+v", recent[0])
	}

	_, err = st.InsertMessage(ctx, store.Message{ConversationID: "missing", Role: store.RoleUser, Content: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("InsertMessage(missing conversation) err = %v, want ErrNotFound", err)
	}
}
