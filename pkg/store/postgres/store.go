package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/clementine/pkg/store"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by PostgreSQL.
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies it with
// a ping, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [store.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

const foreignKeyViolation = "23503"

const profileColumns = `id, email, display_name, partner_name, relationship_status, preferences, created_at, updated_at`

// UpsertProfile implements [store.Store.UpsertProfile]. Empty text columns in
// p keep the stored value; preference keys are merged.
func (s *Store) UpsertProfile(ctx context.Context, p store.Profile) (store.Profile, error) {
	if p.ID == "" {
		return store.Profile{}, errors.New("postgres store: upsert profile: id is required")
	}
	prefs := p.Preferences
	if prefs == nil {
		prefs = map[string]string{}
	}

	q := `
		INSERT INTO profiles (id, email, display_name, partner_name, relationship_status, preferences)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    email               = COALESCE(NULLIF(EXCLUDED.email, ''), profiles.email),
		    display_name        = COALESCE(NULLIF(EXCLUDED.display_name, ''), profiles.display_name),
		    partner_name        = COALESCE(NULLIF(EXCLUDED.partner_name, ''), profiles.partner_name),
		    relationship_status = COALESCE(NULLIF(EXCLUDED.relationship_status, ''), profiles.relationship_status),
		    preferences         = profiles.preferences || EXCLUDED.preferences,
		    updated_at          = now()
		RETURNING ` + profileColumns

	rows, err := s.pool.Query(ctx, q, p.ID, p.Email, p.DisplayName, p.PartnerName, p.RelationshipStatus, prefs)
	if err != nil {
		return store.Profile{}, fmt.Errorf("postgres store: upsert profile: %w", err)
	}
	out, err := pgx.CollectExactlyOneRow(rows, scanProfile)
	if err != nil {
		return store.Profile{}, fmt.Errorf("postgres store: upsert profile: %w", err)
	}
	return out, nil
}

// GetProfile implements [store.Store.GetProfile].
func (s *Store) GetProfile(ctx context.Context, id string) (store.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
	if err != nil {
		return store.Profile{}, fmt.Errorf("postgres store: get profile: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProfile)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Profile{}, store.ErrNotFound
	}
	if err != nil {
		return store.Profile{}, fmt.Errorf("postgres store: get profile: %w", err)
	}
	return p, nil
}

func scanProfile(row pgx.CollectableRow) (store.Profile, error) {
	var p store.Profile
	err := row.Scan(&p.ID, &p.Email, &p.DisplayName, &p.PartnerName, &p.RelationshipStatus,
		&p.Preferences, &p.CreatedAt, &p.UpdatedAt)
	if len(p.Preferences) == 0 {
		p.Preferences = nil
	}
	return p, err
}

const conversationColumns = `id, user_id, title, started_at, last_message_at`

// CreateConversation implements [store.Store.CreateConversation].
func (s *Store) CreateConversation(ctx context.Context, c store.Conversation) (store.Conversation, error) {
	if c.UserID == "" {
		return store.Conversation{}, errors.New("postgres store: create conversation: user id is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = c.StartedAt
	}

	const q = `
		INSERT INTO conversations (id, user_id, title, started_at, last_message_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, c.ID, c.UserID, c.Title, c.StartedAt, c.LastMessageAt); err != nil {
		return store.Conversation{}, fmt.Errorf("postgres store: create conversation: %w", err)
	}
	return c, nil
}

// GetConversation implements [store.Store.GetConversation].
func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("postgres store: get conversation: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[conversationRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Conversation{}, store.ErrNotFound
	}
	if err != nil {
		return store.Conversation{}, fmt.Errorf("postgres store: get conversation: %w", err)
	}
	return store.Conversation(c), nil
}

// conversationRow matches conversationColumns positionally.
type conversationRow struct {
	ID            string
	UserID        string
	Title         string
	StartedAt     time.Time
	LastMessageAt time.Time
}

// ListConversations implements [store.Store.ListConversations].
func (s *Store) ListConversations(ctx context.Context, f store.ConversationFilter) ([]store.Conversation, error) {
	q := `SELECT ` + conversationColumns + `
		FROM   conversations
		WHERE  ($1::text = '' OR user_id = $1)
		ORDER  BY last_message_at DESC, id`
	args := []any{f.UserID}
	if f.Limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list conversations: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByPos[conversationRow])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list conversations: %w", err)
	}
	out := make([]store.Conversation, len(list))
	for i, c := range list {
		out[i] = store.Conversation(c)
	}
	return out, nil
}

// InsertMessage implements [store.Store.InsertMessage]. The insert and the
// conversation bump run in one transaction.
func (s *Store) InsertMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO messages (id, conversation_id, user_id, role, content, audio_url, source, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := tx.Exec(ctx, insert, m.ID, m.ConversationID, m.UserID, string(m.Role),
			m.Content, m.AudioURL, string(m.Source), m.CreatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return store.ErrNotFound
			}
			return err
		}

		const bump = `
			UPDATE conversations
			SET    last_message_at = GREATEST(last_message_at, $2)
			WHERE  id = $1`
		tag, err := tx.Exec(ctx, bump, m.ConversationID, m.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("postgres store: insert message: %w", err)
	}
	return m, nil
}

// ListMessages implements [store.Store.ListMessages].
func (s *Store) ListMessages(ctx context.Context, f store.MessageFilter) ([]store.Message, error) {
	args := []any{f.ConversationID}
	where := "conversation_id = $1"
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	q := `SELECT id, conversation_id, user_id, role, content, audio_url, source, created_at
		FROM   messages
		WHERE  ` + where + `
		ORDER  BY created_at, id`
	if f.Limit > 0 {
		// Newest N, re-ordered oldest first.
		args = append(args, f.Limit)
		q = `SELECT * FROM (` + `SELECT id, conversation_id, user_id, role, content, audio_url, source, created_at
			FROM   messages
			WHERE  ` + where + `
			ORDER  BY created_at DESC, id DESC
			LIMIT  $` + fmt.Sprint(len(args)) + `) recent
			ORDER  BY created_at, id`
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var (
			m            store.Message
			role, source string
		)
		if err := row.Scan(&m.ID, &m.ConversationID, &m.UserID, &role, &m.Content,
			&m.AudioURL, &source, &m.CreatedAt); err != nil {
			return store.Message{}, err
		}
		m.Role = store.Role(role)
		m.Source = store.Source(source)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	return msgs, nil
}
