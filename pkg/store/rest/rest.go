// Package rest implements [store.Store] against a PostgREST-compatible
// backend-as-a-service (for example a Supabase project).
//
// Tables are addressed as /rest/v1/<table>. Every request carries the project
// API key in the "apikey" header and a bearer token in Authorization. The
// bearer token defaults to the API key and can be replaced per request with
// [WithUserToken] so that row-level security applies to the calling user.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/MrWong99/clementine/pkg/store"
)

const (
	tableProfiles      = "profiles"
	tableConversations = "conversations"
	tableMessages      = "messages"

	defaultTimeout = 10 * time.Second
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by a PostgREST HTTP API.
type Store struct {
	client *resty.Client
	apiKey string
}

// Option is a functional option for configuring a [Store].
type Option func(*Store)

// WithTimeout sets the per-request timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.client.SetTimeout(d) }
}

// WithRetries enables resty's built-in retry for transport errors and 5xx
// responses. Default: no retries.
func WithRetries(count int, wait time.Duration) Option {
	return func(s *Store) {
		s.client.SetRetryCount(count).
			SetRetryWaitTime(wait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}
}

// New creates a Store talking to the project at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Store, error) {
	if baseURL == "" {
		return nil, errors.New("rest: base URL must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("rest: API key must not be empty")
	}
	s := &Store{
		apiKey: apiKey,
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(defaultTimeout).
			SetHeader("apikey", apiKey).
			SetAuthToken(apiKey).
			SetHeader("Accept", "application/json"),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

type tokenKey struct{}

// WithUserToken returns a context whose requests authenticate as the user
// holding token instead of the project API key.
func WithUserToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func (s *Store) request(ctx context.Context) *resty.Request {
	r := s.client.R().SetContext(ctx)
	if tok, ok := ctx.Value(tokenKey{}).(string); ok && tok != "" {
		r.SetAuthToken(tok)
	}
	return r
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string

	// Message is the message field of a PostgREST error body, if any.
	Message string
}

func (e *StatusError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	return fmt.Sprintf("rest: %s: status %d: %s", e.Op, e.Status, detail)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("rest: %s: %w", op, err)
	}
	if resp.IsError() {
		se := &StatusError{Op: op, Status: resp.StatusCode(), Body: resp.String()}
		var b errorBody
		if json.Unmarshal(resp.Body(), &b) == nil {
			se.Message = b.Message
		}
		return se
	}
	return nil
}

// profileRow mirrors the profiles table. Preferences are sent as a JSON object.
type profileRow struct {
	ID                 string            `json:"id"`
	Email              *string           `json:"email,omitempty"`
	DisplayName        *string           `json:"display_name,omitempty"`
	PartnerName        *string           `json:"partner_name,omitempty"`
	RelationshipStatus *string           `json:"relationship_status,omitempty"`
	Preferences        map[string]string `json:"preferences,omitempty"`
	CreatedAt          *time.Time        `json:"created_at,omitempty"`
	UpdatedAt          *time.Time        `json:"updated_at,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r profileRow) profile() store.Profile {
	p := store.Profile{
		ID:                 r.ID,
		Email:              deref(r.Email),
		DisplayName:        deref(r.DisplayName),
		PartnerName:        deref(r.PartnerName),
		RelationshipStatus: deref(r.RelationshipStatus),
		Preferences:        r.Preferences,
	}
	if r.CreatedAt != nil {
		p.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		p.UpdatedAt = *r.UpdatedAt
	}
	return p
}

// UpsertProfile implements [store.Store.UpsertProfile].
//
// PostgREST's merge-duplicates resolution replaces whole columns, so the
// existing row is read first and merged client-side. Empty fields are omitted
// from the payload and therefore left untouched on insert.
func (s *Store) UpsertProfile(ctx context.Context, p store.Profile) (store.Profile, error) {
	if p.ID == "" {
		return store.Profile{}, errors.New("rest: upsert profile: id is required")
	}
	existing, err := s.GetProfile(ctx, p.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = store.Profile{ID: p.ID}
	case err != nil:
		return store.Profile{}, fmt.Errorf("rest: upsert profile: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	merged := store.MergeProfile(existing, p)

	row := profileRow{
		ID:                 merged.ID,
		Email:              optional(merged.Email),
		DisplayName:        optional(merged.DisplayName),
		PartnerName:        optional(merged.PartnerName),
		RelationshipStatus: optional(merged.RelationshipStatus),
		Preferences:        merged.Preferences,
		UpdatedAt:          &merged.UpdatedAt,
	}

	var out []profileRow
	resp, err := s.request(ctx).
		SetQueryParam("on_conflict", "id").
		SetHeader("Prefer", "resolution=merge-duplicates,return=representation").
		SetBody([]profileRow{row}).
		SetResult(&out).
		Post("/rest/v1/" + tableProfiles)
	if err := check("upsert profile", resp, err); err != nil {
		return store.Profile{}, err
	}
	if len(out) == 0 {
		return merged, nil
	}
	return out[0].profile(), nil
}

// GetProfile implements [store.Store.GetProfile].
func (s *Store) GetProfile(ctx context.Context, id string) (store.Profile, error) {
	var out []profileRow
	resp, err := s.request(ctx).
		SetQueryParam("id", "eq."+id).
		SetQueryParam("limit", "1").
		SetResult(&out).
		Get("/rest/v1/" + tableProfiles)
	if err := check("get profile", resp, err); err != nil {
		return store.Profile{}, err
	}
	if len(out) == 0 {
		return store.Profile{}, store.ErrNotFound
	}
	return out[0].profile(), nil
}

// CreateConversation implements [store.Store.CreateConversation].
func (s *Store) CreateConversation(ctx context.Context, c store.Conversation) (store.Conversation, error) {
	if c.UserID == "" {
		return store.Conversation{}, errors.New("rest: create conversation: user id is required")
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

	var out []store.Conversation
	resp, err := s.request(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody([]store.Conversation{c}).
		SetResult(&out).
		Post("/rest/v1/" + tableConversations)
	if err := check("create conversation", resp, err); err != nil {
		return store.Conversation{}, err
	}
	if len(out) == 0 {
		return c, nil
	}
	return out[0], nil
}

// GetConversation implements [store.Store.GetConversation].
func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	var out []store.Conversation
	resp, err := s.request(ctx).
		SetQueryParam("id", "eq."+id).
		SetQueryParam("limit", "1").
		SetResult(&out).
		Get("/rest/v1/" + tableConversations)
	if err := check("get conversation", resp, err); err != nil {
		return store.Conversation{}, err
	}
	if len(out) == 0 {
		return store.Conversation{}, store.ErrNotFound
	}
	return out[0], nil
}

// ListConversations implements [store.Store.ListConversations].
func (s *Store) ListConversations(ctx context.Context, f store.ConversationFilter) ([]store.Conversation, error) {
	req := s.request(ctx).SetQueryParam("order", "last_message_at.desc,id.asc")
	if f.UserID != "" {
		req.SetQueryParam("user_id", "eq."+f.UserID)
	}
	if f.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(f.Limit))
	}
	out := []store.Conversation{}
	req.SetResult(&out)
	resp, err := req.Get("/rest/v1/" + tableConversations)
	if err := check("list conversations", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertMessage implements [store.Store.InsertMessage].
//
// The message insert and the conversation bump are two requests. The message
// is stored once the first succeeds; a failed bump is only logged.
func (s *Store) InsertMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var out []store.Message
	resp, err := s.request(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody([]store.Message{m}).
		SetResult(&out).
		Post("/rest/v1/" + tableMessages)
	if err := check("insert message", resp, err); err != nil {
		return store.Message{}, err
	}
	if len(out) > 0 {
		m = out[0]
	}

	resp, err = s.request(ctx).
		SetQueryParam("id", "eq."+m.ConversationID).
		SetBody(map[string]time.Time{"last_message_at": m.CreatedAt}).
		Patch("/rest/v1/" + tableConversations)
	if err := check("bump conversation", resp, err); err != nil {
		slog.Warn("rest: message stored but conversation not bumped",
			"conversation_id", m.ConversationID, "message_id", m.ID, "err", err)
	}
	return m, nil
}

// ListMessages implements [store.Store.ListMessages].
//
// With a limit the newest rows are fetched in descending order and reversed so
// the caller always receives oldest first.
func (s *Store) ListMessages(ctx context.Context, f store.MessageFilter) ([]store.Message, error) {
	req := s.request(ctx).SetQueryParam("conversation_id", "eq."+f.ConversationID)
	if !f.Since.IsZero() {
		req.SetQueryParam("created_at", "gte."+f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		req.SetQueryParam("order", "created_at.desc")
		req.SetQueryParam("limit", strconv.Itoa(f.Limit))
	} else {
		req.SetQueryParam("order", "created_at.asc")
	}
	out := []store.Message{}
	req.SetResult(&out)
	resp, err := req.Get("/rest/v1/" + tableMessages)
	if err := check("list messages", resp, err); err != nil {
		return nil, err
	}
	if f.Limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// Ping implements [store.Store.Ping] by issuing a cheap HEAD against the
// profiles table.
func (s *Store) Ping(ctx context.Context) error {
	resp, err := s.request(ctx).
		SetQueryParam("limit", "0").
		Head("/rest/v1/" + tableProfiles)
	return check("ping", resp, err)
}
