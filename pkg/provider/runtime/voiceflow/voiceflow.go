// Package voiceflow provides a [runtime.Runtime] backed by the Voiceflow
// Dialog Manager API.
//
// Dialog state is kept by Voiceflow per state key (see
// [runtime.Request.StateKey]). Launch first patches the user's variables and
// then sends a launch action; Interact sends a text action. Replies are built
// from "text" and "speak" traces; speak traces contribute their audio src.
//
// Every interact asks Voiceflow for speech. When a reply still arrives without
// audio and a [Voice] is configured, its text is synthesized locally.
package voiceflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/clementine/pkg/provider/runtime"
)

const (
	defaultBaseURL = "https://general-runtime.voiceflow.com"
	defaultTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Voiceflow Runtime.
type Option func(*Runtime)

// WithBaseURL overrides the Dialog Manager API base URL.
func WithBaseURL(u string) Option {
	return func(r *Runtime) { r.client.SetBaseURL(u) }
}

// WithVersion selects the project version ("development", "production", or a
// version id). Default: "production".
func WithVersion(v string) Option {
	return func(r *Runtime) { r.version = v }
}

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.client.SetTimeout(d) }
}

// WithPlatformTTS controls whether interact requests ask Voiceflow to attach
// audio to speak traces. Default: true.
func WithPlatformTTS(enabled bool) Option {
	return func(r *Runtime) { r.platformTTS = enabled }
}

// Voice turns reply text into a playable audio URL.
type Voice interface {
	Publish(ctx context.Context, text string) (string, error)
}

// WithVoice synthesizes replies that Voiceflow returned without audio.
func WithVoice(v Voice) Option {
	return func(r *Runtime) { r.voice = v }
}

// Runtime implements runtime.Runtime against Voiceflow.
type Runtime struct {
	client      *resty.Client
	version     string
	platformTTS bool
	voice       Voice
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a Voiceflow runtime authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Runtime, error) {
	if apiKey == "" {
		return nil, errors.New("voiceflow: apiKey must not be empty")
	}
	r := &Runtime{
		client: resty.New().
			SetBaseURL(defaultBaseURL).
			SetTimeout(defaultTimeout).
			SetHeader("Authorization", apiKey).
			SetHeader("Accept", "application/json"),
		version:     "production",
		platformTTS: true,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// action is the request body of the interact endpoint.
type action struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type interactConfig struct {
	TTS bool `json:"tts"`
}

type interactRequest struct {
	Action action         `json:"action"`
	Config interactConfig `json:"config"`
}

// trace is one element of the interact response.
type trace struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type textPayload struct {
	Message string `json:"message"`
}

type speakPayload struct {
	Message string `json:"message"`
	Src     string `json:"src"`
	Type    string `json:"type"`
}

// Launch implements runtime.Runtime.
func (r *Runtime) Launch(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	key := req.StateKey()
	if key == "" {
		return runtime.Response{}, errors.New("voiceflow: launch: state key must not be empty")
	}
	if len(req.Variables) > 0 {
		resp, err := r.client.R().
			SetContext(ctx).
			SetHeader("versionID", r.version).
			SetBody(req.Variables).
			Patch("/state/user/" + url.PathEscape(key) + "/variables")
		if err := check("update variables", resp, err); err != nil {
			return runtime.Response{}, err
		}
	}
	return r.interact(ctx, key, action{Type: "launch"})
}

// Interact implements runtime.Runtime.
func (r *Runtime) Interact(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	key := req.StateKey()
	if key == "" {
		return runtime.Response{}, errors.New("voiceflow: interact: state key must not be empty")
	}
	return r.interact(ctx, key, action{Type: "text", Payload: req.Text})
}

func (r *Runtime) interact(ctx context.Context, key string, a action) (runtime.Response, error) {
	var traces []trace
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("versionID", r.version).
		SetBody(interactRequest{Action: a, Config: interactConfig{TTS: r.platformTTS}}).
		SetResult(&traces).
		Post("/state/user/" + url.PathEscape(key) + "/interact")
	if err := check("interact", resp, err); err != nil {
		return runtime.Response{}, err
	}
	return r.withAudio(ctx, parseTraces(traces)), nil
}

// withAudio synthesizes the reply text when no trace carried audio. The clip
// is attached to the first message with text. Synthesis failures only drop
// the audio.
func (r *Runtime) withAudio(ctx context.Context, resp runtime.Response) runtime.Response {
	if r.voice == nil || resp.AudioURL() != "" {
		return resp
	}
	text := resp.Text()
	if text == "" {
		return resp
	}
	u, err := r.voice.Publish(ctx, text)
	if err != nil {
		slog.Warn("voiceflow: synthesis failed, replying without audio", "err", err)
		return resp
	}
	for i := range resp.Messages {
		if strings.TrimSpace(resp.Messages[i].Text) != "" {
			resp.Messages[i].AudioURL = u
			break
		}
	}
	return resp
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("voiceflow: %s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("voiceflow: %s: status %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// parseTraces converts Voiceflow traces to reply messages. Unknown trace types
// and malformed payloads are skipped.
func parseTraces(traces []trace) runtime.Response {
	var out runtime.Response
	for _, tr := range traces {
		switch tr.Type {
		case "text":
			var p textPayload
			if json.Unmarshal(tr.Payload, &p) != nil || p.Message == "" {
				continue
			}
			out.Messages = append(out.Messages, runtime.Message{Text: p.Message})
		case "speak":
			var p speakPayload
			if json.Unmarshal(tr.Payload, &p) != nil {
				continue
			}
			msg := runtime.Message{Text: stripSSML(p.Message), AudioURL: p.Src}
			if msg.Text == "" && msg.AudioURL == "" {
				continue
			}
			out.Messages = append(out.Messages, msg)
		}
	}
	return out
}

// stripSSML removes markup tags from a speak message.
func stripSSML(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
