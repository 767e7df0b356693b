// Package store defines the memory/profile store used by Clementine to persist
// user profiles, conversations, and chat messages.
//
// The store is a thin adapter over a backend-as-a-service. Its consistency and
// error semantics belong to that backend; callers treat every failure as
// recoverable and never block a chat reply on persistence.
//
// Implementations live in sub-packages: rest (PostgREST-style BaaS over HTTP),
// postgres (direct pgx access), memstore (in-process maps), and mock (test
// double with call recording).
package store

import (
	"context"
	"errors"
	"maps"
	"time"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source records how a message entered the conversation.
type Source string

const (
	SourceTyped   Source = "typed"
	SourceVoice   Source = "voice"
	SourceRuntime Source = "runtime"
)

// Profile is a user's persistent profile. ID is the backend user id and the
// unique key for upserts.
type Profile struct {
	ID                 string            `json:"id"`
	Email              string            `json:"email,omitempty"`
	DisplayName        string            `json:"display_name,omitempty"`
	PartnerName        string            `json:"partner_name,omitempty"`
	RelationshipStatus string            `json:"relationship_status,omitempty"`
	Preferences        map[string]string `json:"preferences,omitempty"`
	CreatedAt          time.Time         `json:"created_at,omitzero"`
	UpdatedAt          time.Time         `json:"updated_at,omitzero"`
}

// Conversation is one chat thread of a user.
type Conversation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
}

// Message is a single chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	AudioURL       string    `json:"audio_url,omitempty"`
	Source         Source    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
}

// ConversationFilter selects conversations. Results are ordered by most recent
// activity first.
type ConversationFilter struct {
	// UserID restricts results to one user. Required.
	UserID string

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// MessageFilter selects messages of one conversation. Results are ordered
// oldest first.
type MessageFilter struct {
	// ConversationID is required.
	ConversationID string

	// Since, when non-zero, excludes messages created before it.
	Since time.Time

	// Limit, when positive, keeps only the most recent Limit messages.
	Limit int
}

// Store persists profiles, conversations, and messages.
// Implementations must be safe for concurrent use.
type Store interface {
	// UpsertProfile inserts p or merges it into the existing profile with the
	// same ID. Empty fields of p leave stored values untouched.
	UpsertProfile(ctx context.Context, p Profile) (Profile, error)

	// GetProfile returns the profile with the given id or ErrNotFound.
	GetProfile(ctx context.Context, id string) (Profile, error)

	// CreateConversation inserts c. Missing ID and StartedAt are filled in.
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)

	// GetConversation returns the conversation with the given id or ErrNotFound.
	GetConversation(ctx context.Context, id string) (Conversation, error)

	// ListConversations returns the conversations matching f.
	ListConversations(ctx context.Context, f ConversationFilter) ([]Conversation, error)

	// InsertMessage appends m and bumps the conversation's LastMessageAt.
	// Missing ID and CreatedAt are filled in.
	InsertMessage(ctx context.Context, m Message) (Message, error)

	// ListMessages returns the messages matching f.
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// MergeProfile overlays the non-empty fields of update onto existing. Keys of
// update.Preferences replace keys of existing.Preferences. CreatedAt is kept
// from existing; UpdatedAt is taken from update.
func MergeProfile(existing, update Profile) Profile {
	out := existing
	if update.Email != "" {
		out.Email = update.Email
	}
	if update.DisplayName != "" {
		out.DisplayName = update.DisplayName
	}
	if update.PartnerName != "" {
		out.PartnerName = update.PartnerName
	}
	if update.RelationshipStatus != "" {
		out.RelationshipStatus = update.RelationshipStatus
	}
	if len(update.Preferences) > 0 {
		prefs := make(map[string]string, len(existing.Preferences)+len(update.Preferences))
		maps.Copy(prefs, existing.Preferences)
		maps.Copy(prefs, update.Preferences)
		out.Preferences = prefs
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = update.CreatedAt
	}
	out.UpdatedAt = update.UpdatedAt
	return out
}
