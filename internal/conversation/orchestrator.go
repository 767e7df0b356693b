// Package conversation implements the Conversation Orchestrator: it forwards
// typed text and voice transcripts to the conversational runtime, persists
// both sides of the exchange through the memory store, and returns the reply
// the browser renders.
//
// A reply is always produced. Runtime failures turn into an apology marked as
// a fallback, and store failures are logged without delaying the reply.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/clementine/internal/observe"
	"github.com/MrWong99/clementine/pkg/provider/runtime"
	"github.com/MrWong99/clementine/pkg/store"
)

// DefaultApology is the reply shown when the runtime cannot answer.
const DefaultApology = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

// Sentinel errors returned by the orchestrator.
var (
	ErrEmptyMessage         = errors.New("conversation: message is empty")
	ErrConversationNotFound = errors.New("conversation: not found")
	ErrForbidden            = errors.New("conversation: belongs to another user")
)

// User identifies the caller.
type User struct {
	ID    string
	Email string
}

// Reply is what the presentation layer renders for one turn.
type Reply struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Text           string `json:"text"`
	AudioURL       string `json:"audio_url,omitempty"`
	Fallback       bool   `json:"fallback"`
}

// Config holds the orchestrator's dependencies and tunables.
type Config struct {
	// Runtime answers user messages. Required.
	Runtime runtime.Runtime

	// RuntimeName labels runtime metrics. Default: "runtime".
	RuntimeName string

	// Store persists conversations and messages. Required.
	Store store.Store

	// Apology replaces the reply when the runtime fails. Default: DefaultApology.
	Apology string

	// RuntimeTimeout bounds a single runtime call. Default: 30s.
	RuntimeTimeout time.Duration

	// StoreTimeout bounds a single store call. Default: 5s.
	StoreTimeout time.Duration

	// HistoryTurns caps the turns passed to the runtime. Default: 12.
	HistoryTurns int

	// HistoryTokens caps the estimated tokens of those turns. Default: 2000.
	HistoryTokens int

	// MaxBufferedConversations caps the conversations kept in memory.
	// Default: 1024.
	MaxBufferedConversations int

	// Metrics records orchestrator metrics. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Orchestrator coordinates runtime and store for chat turns.
// All methods are safe for concurrent use.
type Orchestrator struct {
	rt             runtime.Runtime
	rtName         string
	store          store.Store
	apology        string
	runtimeTimeout time.Duration
	storeTimeout   time.Duration
	historyTurns   int
	buf            *turnBuffer
	metrics        *observe.Metrics
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("conversation: runtime must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if cfg.RuntimeName == "" {
		cfg.RuntimeName = "runtime"
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.RuntimeTimeout <= 0 {
		cfg.RuntimeTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 12
	}
	if cfg.HistoryTokens <= 0 {
		cfg.HistoryTokens = 2000
	}
	if cfg.MaxBufferedConversations <= 0 {
		cfg.MaxBufferedConversations = 1024
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		rt:             cfg.Runtime,
		rtName:         cfg.RuntimeName,
		store:          cfg.Store,
		apology:        cfg.Apology,
		runtimeTimeout: cfg.RuntimeTimeout,
		storeTimeout:   cfg.StoreTimeout,
		historyTurns:   cfg.HistoryTurns,
		buf:            newTurnBuffer(cfg.HistoryTurns, cfg.HistoryTokens, cfg.MaxBufferedConversations),
		metrics:        cfg.Metrics,
	}, nil
}

// Launch starts a new conversation for u, seeds the runtime with what the
// store knows about u, and returns the greeting. If the store is unavailable
// the conversation proceeds with an unpersisted id.
func (o *Orchestrator) Launch(ctx context.Context, u User) (Reply, error) {
	if u.ID == "" {
		return Reply{}, errors.New("conversation: launch: user id is required")
	}
	ctx, span := observe.StartSpan(ctx, "conversation.launch", trace.WithAttributes(attribute.String("user.id", u.ID)))
	defer span.End()
	log := observe.Logger(ctx)

	conv, err := storeCall(ctx, o, "create_conversation", func(ctx context.Context) (store.Conversation, error) {
		return o.store.CreateConversation(ctx, store.Conversation{UserID: u.ID})
	})
	if err != nil {
		conv = store.Conversation{ID: uuid.NewString(), UserID: u.ID}
		log.Warn("conversation: store unavailable, continuing unpersisted", "conversation_id", conv.ID, "err", err)
	}
	o.buf.open(conv.ID, u.ID)
	o.buf.seed(conv.ID, u.ID, nil)

	profile, err := storeCall(ctx, o, "get_profile", func(ctx context.Context) (store.Profile, error) {
		return o.store.GetProfile(ctx, u.ID)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("conversation: profile lookup failed", "user_id", u.ID, "err", err)
	}

	req := runtime.Request{
		UserID:         u.ID,
		ConversationID: conv.ID,
		Variables:      Variables(u, profile),
	}
	resp, err := o.callRuntime(ctx, "launch", func(ctx context.Context) (runtime.Response, error) {
		return o.rt.Launch(ctx, req)
	})
	if err != nil {
		return o.fallback(ctx, conv.ID, "launch", err), nil
	}
	return o.persistReply(ctx, conv.ID, u.ID, resp), nil
}

// Send delivers text from u in the given conversation and returns the reply.
// It fails only for invalid input or a conversation u may not use; runtime
// failures yield a fallback reply instead.
func (o *Orchestrator) Send(ctx context.Context, conversationID string, u User, text string, src store.Source) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	if src == "" {
		src = store.SourceTyped
	}
	ctx, span := observe.StartSpan(ctx, "conversation.send", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("message.source", string(src)),
	))
	defer span.End()
	log := observe.Logger(ctx)

	if err := o.authorize(ctx, conversationID, u); err != nil {
		observe.EndSpan(span, err)
		return Reply{}, err
	}
	history := o.history(ctx, conversationID, u.ID)

	if _, err := storeCall(ctx, o, "insert_message", func(ctx context.Context) (store.Message, error) {
		return o.store.InsertMessage(ctx, store.Message{
			ConversationID: conversationID,
			UserID:         u.ID,
			Role:           store.RoleUser,
			Content:        text,
			Source:         src,
		})
	}); err != nil {
		log.Warn("conversation: failed to persist user message", "conversation_id", conversationID, "err", err)
	}
	o.metrics.RecordMessage(ctx, string(store.RoleUser), string(src))
	o.buf.append(conversationID, u.ID, runtime.Turn{Role: string(store.RoleUser), Text: text})

	req := runtime.Request{
		UserID:         u.ID,
		ConversationID: conversationID,
		Text:           text,
		History:        history,
	}
	resp, err := o.callRuntime(ctx, "interact", func(ctx context.Context) (runtime.Response, error) {
		return o.rt.Interact(ctx, req)
	})
	if err != nil {
		return o.fallback(ctx, conversationID, "interact", err), nil
	}
	return o.persistReply(ctx, conversationID, u.ID, resp), nil
}

// History returns the most recent limit messages of a conversation owned by
// u, oldest first. A non-positive limit returns all messages.
func (o *Orchestrator) History(ctx context.Context, conversationID string, u User, limit int) ([]store.Message, error) {
	if err := o.authorize(ctx, conversationID, u); err != nil {
		return nil, err
	}
	msgs, err := storeCall(ctx, o, "list_messages", func(ctx context.Context) ([]store.Message, error) {
		return o.store.ListMessages(ctx, store.MessageFilter{ConversationID: conversationID, Limit: limit})
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: history: %w", err)
	}
	return msgs, nil
}

// Conversations lists u's conversations, most recently active first.
func (o *Orchestrator) Conversations(ctx context.Context, u User, limit int) ([]store.Conversation, error) {
	list, err := storeCall(ctx, o, "list_conversations", func(ctx context.Context) ([]store.Conversation, error) {
		return o.store.ListConversations(ctx, store.ConversationFilter{UserID: u.ID, Limit: limit})
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	return list, nil
}

// authorize checks that u may use conversationID. Conversations started in
// this process are checked from memory. Otherwise the store decides; when the
// store is unreachable the request is let through so chat keeps working.
func (o *Orchestrator) authorize(ctx context.Context, conversationID string, u User) error {
	if conversationID == "" {
		return ErrConversationNotFound
	}
	if owner, ok := o.buf.owner(conversationID); ok {
		if owner != u.ID {
			return ErrForbidden
		}
		return nil
	}
	conv, err := storeCall(ctx, o, "get_conversation", func(ctx context.Context) (store.Conversation, error) {
		return o.store.GetConversation(ctx, conversationID)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrConversationNotFound
	case err != nil:
		observe.Logger(ctx).Warn("conversation: ownership check skipped, store unavailable",
			"conversation_id", conversationID, "err", err)
		return nil
	case conv.UserID != u.ID:
		return ErrForbidden
	}
	o.buf.open(conversationID, u.ID)
	return nil
}

// history returns the buffered turns, loading them from the store the first
// time a conversation is seen by this process.
func (o *Orchestrator) history(ctx context.Context, conversationID, userID string) []runtime.Turn {
	if !o.buf.loaded(conversationID) {
		msgs, err := storeCall(ctx, o, "list_messages", func(ctx context.Context) ([]store.Message, error) {
			return o.store.ListMessages(ctx, store.MessageFilter{ConversationID: conversationID, Limit: o.historyTurns})
		})
		if err != nil {
			observe.Logger(ctx).Warn("conversation: history unavailable", "conversation_id", conversationID, "err", err)
		} else {
			turns := make([]runtime.Turn, 0, len(msgs))
			for _, m := range msgs {
				turns = append(turns, runtime.Turn{Role: string(m.Role), Text: m.Content})
			}
			o.buf.seed(conversationID, userID, turns)
		}
	}
	return o.buf.history(conversationID)
}

// persistReply stores the assistant message and builds the reply. An empty
// runtime answer is treated as a failure.
func (o *Orchestrator) persistReply(ctx context.Context, conversationID, userID string, resp runtime.Response) Reply {
	text := resp.Text()
	if text == "" {
		return o.fallback(ctx, conversationID, "empty", errors.New("runtime returned no text"))
	}
	reply := Reply{ConversationID: conversationID, Text: text, AudioURL: resp.AudioURL()}

	msg, err := storeCall(ctx, o, "insert_message", func(ctx context.Context) (store.Message, error) {
		return o.store.InsertMessage(ctx, store.Message{
			ConversationID: conversationID,
			UserID:         userID,
			Role:           store.RoleAssistant,
			Content:        text,
			AudioURL:       reply.AudioURL,
			Source:         store.SourceRuntime,
		})
	})
	if err != nil {
		observe.Logger(ctx).Warn("conversation: failed to persist reply", "conversation_id", conversationID, "err", err)
	} else {
		reply.MessageID = msg.ID
	}
	o.metrics.RecordMessage(ctx, string(store.RoleAssistant), string(store.SourceRuntime))
	o.buf.append(conversationID, userID, runtime.Turn{Role: string(store.RoleAssistant), Text: text})
	return reply
}

// fallback builds the apology reply. It is not persisted.
func (o *Orchestrator) fallback(ctx context.Context, conversationID, reason string, err error) Reply {
	observe.Logger(ctx).Error("conversation: runtime failed, sending apology",
		"conversation_id", conversationID, "reason", reason, "err", err)
	o.metrics.ReplyFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return Reply{ConversationID: conversationID, Text: o.apology, Fallback: true}
}

func (o *Orchestrator) callRuntime(ctx context.Context, op string, fn func(context.Context) (runtime.Response, error)) (runtime.Response, error) {
	ctx, span := observe.StartSpan(ctx, "runtime."+op)
	ctx, cancel := context.WithTimeout(ctx, o.runtimeTimeout)
	defer cancel()

	start := time.Now()
	resp, err := fn(ctx)
	o.metrics.RuntimeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", op)))

	status := "ok"
	if err != nil {
		status = "error"
		o.metrics.RecordProviderError(ctx, o.rtName, "runtime")
	}
	o.metrics.RecordProviderRequest(ctx, o.rtName, "runtime", status)
	observe.EndSpan(span, err)
	return resp, err
}

func storeCall[R any](ctx context.Context, o *Orchestrator, op string, fn func(context.Context) (R, error)) (R, error) {
	ctx, span := observe.StartSpan(ctx, "store."+op)
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()

	start := time.Now()
	r, err := fn(ctx)
	o.metrics.StoreDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", op)))
	if errors.Is(err, store.ErrNotFound) {
		span.End()
	} else {
		observe.EndSpan(span, err)
	}
	return r, err
}

// Variables builds the runtime context variables for u from its profile.
// Preference keys are added with a "pref_" prefix.
func Variables(u User, p store.Profile) map[string]string {
	vars := map[string]string{"user_id": u.ID}
	set := func(k, v string) {
		if v != "" {
			vars[k] = v
		}
	}
	set("user_email", u.Email)
	if p.Email != "" {
		set("user_email", p.Email)
	}
	set("user_name", p.DisplayName)
	set("partner_name", p.PartnerName)
	set("relationship_status", p.RelationshipStatus)
	for k, v := range p.Preferences {
		set("pref_"+k, v)
	}
	return vars
}
