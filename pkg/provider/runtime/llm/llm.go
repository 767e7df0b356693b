// Package llm provides a [runtime.Runtime] that answers with a large language
// model through github.com/mozilla-ai/any-llm-go.
//
// The runtime is stateless: every call rebuilds the prompt from the persona
// system prompt, the caller's context variables, and the recent history on the
// request. When a [Voice] is configured, each reply is also synthesized and
// the resulting audio URL attached to the message.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"text/template"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/clementine/pkg/provider/runtime"
)

// DefaultSystemPrompt is used when no persona prompt is configured.
const DefaultSystemPrompt = `You are Clementine, a warm and thoughtful relationship coach.
Listen carefully, ask one clarifying question at a time, and give practical,
kind advice. Keep replies short enough to be read aloud comfortably.
You are not a therapist; suggest professional help when someone may be at risk.`

const launchInstruction = "The user just opened the chat. Greet them by name if you know it and invite them to share what is on their mind."

// Voice turns reply text into a playable audio URL.
type Voice interface {
	Publish(ctx context.Context, text string) (string, error)
}

// Option is a functional option for configuring the Runtime.
type Option func(*Runtime)

// WithSystemPrompt sets the persona system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(r *Runtime) { r.systemPrompt = prompt }
}

// WithGreeting sets a fixed greeting template used by Launch instead of asking
// the model. The template sees the request variables, e.g. {{.user_name}}.
func WithGreeting(tmpl string) Option {
	return func(r *Runtime) { r.greeting = tmpl }
}

// WithVoice attaches synthesized audio to every reply.
func WithVoice(v Voice) Option {
	return func(r *Runtime) { r.voice = v }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(r *Runtime) { r.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *Runtime) { r.temperature = t }
}

// completeFunc sends a chat completion and returns the reply text.
type completeFunc func(ctx context.Context, params anyllmlib.CompletionParams) (string, error)

// Runtime implements runtime.Runtime on top of any-llm-go.
type Runtime struct {
	complete     completeFunc
	model        string
	systemPrompt string
	greeting     string
	voice        Voice
	maxTokens    int
	temperature  float64
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a Runtime for the given any-llm-go provider name and model.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
func New(providerName, model string, backendOpts []anyllmlib.Option, opts ...Option) (*Runtime, error) {
	if providerName == "" {
		return nil, errors.New("llm runtime: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("llm runtime: model must not be empty")
	}
	backend, err := createBackend(providerName, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("llm runtime: create %q backend: %w", providerName, err)
	}
	complete := func(ctx context.Context, params anyllmlib.CompletionParams) (string, error) {
		resp, err := backend.Completion(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("empty choices in response")
		}
		return resp.Choices[0].Message.ContentString(), nil
	}
	return newRuntime(complete, model, opts...), nil
}

func newRuntime(complete completeFunc, model string, opts ...Option) *Runtime {
	r := &Runtime{
		complete:     complete,
		model:        model,
		systemPrompt: DefaultSystemPrompt,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Launch implements runtime.Runtime.
func (r *Runtime) Launch(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	if r.greeting != "" {
		text, err := renderGreeting(r.greeting, req.Variables)
		if err != nil {
			return runtime.Response{}, fmt.Errorf("llm runtime: launch: %w", err)
		}
		return r.reply(ctx, text), nil
	}
	text, err := r.complete(ctx, r.buildParams(req, launchInstruction))
	if err != nil {
		return runtime.Response{}, fmt.Errorf("llm runtime: launch: %w", err)
	}
	return r.reply(ctx, text), nil
}

// Interact implements runtime.Runtime.
func (r *Runtime) Interact(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return runtime.Response{}, errors.New("llm runtime: interact: empty text")
	}
	text, err := r.complete(ctx, r.buildParams(req, req.Text))
	if err != nil {
		return runtime.Response{}, fmt.Errorf("llm runtime: interact: %w", err)
	}
	return r.reply(ctx, text), nil
}

// reply wraps text into a response, attaching audio when a voice is set.
// Synthesis failures only drop the audio.
func (r *Runtime) reply(ctx context.Context, text string) runtime.Response {
	text = strings.TrimSpace(text)
	msg := runtime.Message{Text: text}
	if r.voice != nil && text != "" {
		u, err := r.voice.Publish(ctx, text)
		if err != nil {
			slog.Warn("llm runtime: synthesis failed, replying without audio", "err", err)
		} else {
			msg.AudioURL = u
		}
	}
	return runtime.Response{Messages: []runtime.Message{msg}}
}

func (r *Runtime) buildParams(req runtime.Request, userText string) anyllmlib.CompletionParams {
	system := r.systemPrompt
	if ctxBlock := describeVariables(req.Variables); ctxBlock != "" {
		system += "\n\nWhat you know about the user:\n" + ctxBlock
	}

	messages := make([]anyllmlib.Message, 0, len(req.History)+2)
	messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	for _, t := range req.History {
		role := anyllmlib.RoleUser
		if t.Role == "assistant" {
			role = anyllmlib.RoleAssistant
		}
		messages = append(messages, anyllmlib.Message{Role: role, Content: t.Text})
	}
	messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: userText})

	params := anyllmlib.CompletionParams{
		Model:    r.model,
		Messages: messages,
	}
	if r.temperature != 0 {
		t := r.temperature
		params.Temperature = &t
	}
	if r.maxTokens > 0 {
		mt := r.maxTokens
		params.MaxTokens = &mt
	}
	return params
}

// describeVariables renders the variables as sorted "key: value" lines.
func describeVariables(vars map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		if vars[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", strings.ReplaceAll(k, "_", " "), vars[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderGreeting(tmpl string, vars map[string]string) (string, error) {
	t, err := template.New("greeting").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse greeting: %w", err)
	}
	if vars == nil {
		vars = map[string]string{}
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("render greeting: %w", err)
	}
	return strings.Join(strings.Fields(b.String()), " "), nil
}
