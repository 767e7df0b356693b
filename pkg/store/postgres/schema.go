// Package postgres provides a PostgreSQL-backed [store.Store].
//
// It talks to the database directly through a [pgxpool.Pool] and is meant for
// self-hosted deployments where the backend-as-a-service database is reachable
// without its REST gateway.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	conv, _ := st.CreateConversation(ctx, store.Conversation{UserID: uid})
//	_, _ = st.InsertMessage(ctx, store.Message{ConversationID: conv.ID, …})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    id                  TEXT         PRIMARY KEY,
    email               TEXT         NOT NULL DEFAULT '',
    display_name        TEXT         NOT NULL DEFAULT '',
    partner_name        TEXT         NOT NULL DEFAULT '',
    relationship_status TEXT         NOT NULL DEFAULT '',
    preferences         JSONB        NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);`

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id              TEXT         PRIMARY KEY,
    user_id         TEXT         NOT NULL,
    title           TEXT         NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_message_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_activity
    ON conversations (user_id, last_message_at DESC);`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id              TEXT         PRIMARY KEY,
    conversation_id TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    user_id         TEXT         NOT NULL DEFAULT '',
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    audio_url       TEXT         NOT NULL DEFAULT '',
    source          TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
    ON messages (conversation_id, created_at);`

// Migrate creates the profiles, conversations, and messages tables if they do
// not already exist. It is idempotent and safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		ddl  string
	}{
		{"profiles", ddlProfiles},
		{"conversations", ddlConversations},
		{"messages", ddlMessages},
	} {
		if _, err := pool.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
