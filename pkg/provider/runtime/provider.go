// Package runtime defines the interface to the conversational-AI runtime that
// produces Clementine's replies.
//
// A runtime receives the user's text (typed or transcribed) and answers with
// one or more reply messages, each carrying display text and an optional audio
// URL. Dialog state lives either inside the runtime service (Voiceflow) or is
// rebuilt from the History carried on every [Request] (LLM-backed runtimes).
//
// Implementations must be safe for concurrent use.
package runtime

import (
	"context"
	"strings"
)

// Turn is one prior message of the conversation.
type Turn struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the message content.
	Text string
}

// Request is a single call to the runtime.
type Request struct {
	// UserID identifies the end user. Runtimes that keep server-side state key
	// it by ConversationID when set, else by UserID.
	UserID string

	// ConversationID identifies the chat thread.
	ConversationID string

	// Text is the user's message. Empty for Launch.
	Text string

	// Variables carry identity and context (user name, partner name,
	// relationship status). Stateful runtimes only read them on Launch.
	Variables map[string]string

	// History holds recent turns, oldest first, excluding Text.
	History []Turn
}

// StateKey returns the key under which runtime-side dialog state is stored.
func (r Request) StateKey() string {
	if r.ConversationID != "" {
		return r.ConversationID
	}
	return r.UserID
}

// Message is one reply bubble.
type Message struct {
	Text     string
	AudioURL string
}

// Response is the runtime's answer to a Request.
type Response struct {
	Messages []Message
}

// Text joins all reply texts with a blank line.
func (r Response) Text() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		if t := strings.TrimSpace(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// AudioURL returns the first non-empty audio URL, or "".
func (r Response) AudioURL() string {
	for _, m := range r.Messages {
		if m.AudioURL != "" {
			return m.AudioURL
		}
	}
	return ""
}

// Runtime is the abstraction over a conversational-AI backend.
type Runtime interface {
	// Launch starts a dialog for req.StateKey(), seeding it with req.Variables,
	// and returns the greeting.
	Launch(ctx context.Context, req Request) (Response, error)

	// Interact sends req.Text and returns the runtime's reply.
	Interact(ctx context.Context, req Request) (Response, error)
}
