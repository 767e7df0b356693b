// Package browser implements recognizer.Recognizer and recognizer.Permissions
// for a client whose Web Speech API does the actual recognition.
//
// The Bridge never touches audio. It sends commands (start, stop, abort,
// request-permission) to the client through a SendFunc and receives the
// client's recognition events and permission reports through HandleEvent and
// HandlePermission. Every start command carries a run identifier that the
// client echoes on its events, so events of a finished pass can never reach
// the sink of a newer one.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/clementine/pkg/provider/recognizer"
)

const defaultWriteTimeout = 5 * time.Second

// Command names understood by the client.
const (
	CommandStart             = "start"
	CommandStop              = "stop"
	CommandAbort             = "abort"
	CommandRequestPermission = "request-permission"
)

// Command is a server-to-client instruction.
type Command struct {
	Type           string `json:"type"`
	Command        string `json:"command"`
	Run            string `json:"run,omitempty"`
	Lang           string `json:"lang,omitempty"`
	Continuous     bool   `json:"continuous,omitempty"`
	InterimResults bool   `json:"interim_results,omitempty"`
}

// Event is a recognition event relayed by the client.
type Event struct {
	// Event is one of "start", "result", "error", "end".
	Event string `json:"event"`
	Run   string `json:"run,omitempty"`

	// ResultIndex is the platform index of Results[0]. Clients forward the
	// entries of SpeechRecognitionEvent.results from resultIndex onward, so
	// Results[i] is platform entry ResultIndex+i.
	ResultIndex int           `json:"result_index"`
	Results     []EventResult `json:"results,omitempty"`
	Error       string        `json:"error,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// EventResult mirrors a SpeechRecognitionResult.
type EventResult struct {
	IsFinal      bool               `json:"is_final"`
	Alternatives []EventAlternative `json:"alternatives"`
}

// EventAlternative mirrors a SpeechRecognitionAlternative.
type EventAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// SendFunc delivers a command to the client.
type SendFunc func(ctx context.Context, cmd Command) error

// Option configures a Bridge.
type Option func(*Bridge)

// WithLanguage sets the BCP-47 language passed with every start command.
func WithLanguage(lang string) Option {
	return func(b *Bridge) { b.lang = lang }
}

// WithWriteTimeout bounds Stop and Abort command delivery. Default 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// Bridge relays recognition between the server and one client.
// All methods are safe for concurrent use.
type Bridge struct {
	send         SendFunc
	lang         string
	writeTimeout time.Duration

	mu      sync.Mutex
	sinks   map[string]recognizer.Sink
	current string
	mic     recognizer.PermissionState
	recog   recognizer.PermissionState
	waiters []chan recognizer.PermissionState
}

// New creates a Bridge that sends commands through send.
func New(send SendFunc, opts ...Option) *Bridge {
	b := &Bridge{
		send:         send,
		writeTimeout: defaultWriteTimeout,
		sinks:        make(map[string]recognizer.Sink),
		mic:          recognizer.PermissionUnknown,
		recog:        recognizer.PermissionUnknown,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start asks the client to begin a recognition pass whose events go to sink.
func (b *Bridge) Start(ctx context.Context, sink recognizer.Sink) error {
	b.mu.Lock()
	switch {
	case b.recog == recognizer.PermissionUnsupported:
		b.mu.Unlock()
		return recognizer.ErrUnsupported
	case b.mic == recognizer.PermissionDenied:
		b.mu.Unlock()
		return recognizer.ErrNotAllowed
	}
	run := uuid.NewString()
	b.sinks[run] = sink
	b.current = run
	b.mu.Unlock()

	err := b.send(ctx, Command{
		Type:           "command",
		Command:        CommandStart,
		Run:            run,
		Lang:           b.lang,
		Continuous:     true,
		InterimResults: true,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.sinks, run)
		if b.current == run {
			b.current = ""
		}
		b.mu.Unlock()
		return fmt.Errorf("browser: send start: %w", err)
	}
	return nil
}

// Stop asks the client to stop the current pass gracefully.
func (b *Bridge) Stop() error {
	return b.command(CommandStop)
}

// Abort asks the client to abort the current pass.
func (b *Bridge) Abort() error {
	return b.command(CommandAbort)
}

func (b *Bridge) command(name string) error {
	b.mu.Lock()
	run := b.current
	b.mu.Unlock()
	if run == "" {
		return recognizer.ErrNotRunning
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	if err := b.send(ctx, Command{Type: "command", Command: name, Run: run}); err != nil {
		return fmt.Errorf("browser: send %s: %w", name, err)
	}
	return nil
}

// HandleEvent routes a client event to the sink of the pass it belongs to.
// Events of unknown passes are dropped. A not-allowed or service-not-allowed
// error marks the microphone as denied, so later Starts fail without asking
// the client again.
func (b *Bridge) HandleEvent(ev Event) {
	b.mu.Lock()
	if ev.Event == "error" && deniesAccess(recognizer.ErrorCode(ev.Error)) {
		b.mic = recognizer.PermissionDenied
	}
	run := ev.Run
	if run == "" {
		run = b.current
	}
	sink, ok := b.sinks[run]
	if ok && ev.Event == "end" {
		delete(b.sinks, run)
		if b.current == run {
			b.current = ""
		}
	}
	b.mu.Unlock()

	if !ok {
		slog.Debug("browser: dropping event for unknown run", "run", ev.Run, "event", ev.Event)
		return
	}

	switch ev.Event {
	case "start":
		sink.OnStart()
	case "result":
		sink.OnResult(convertResults(ev))
	case "error":
		sink.OnError(recognizer.ErrorEvent{
			Code:    recognizer.ErrorCode(ev.Error),
			Message: ev.Message,
		})
	case "end":
		sink.OnEnd()
	default:
		slog.Debug("browser: unknown event", "event", ev.Event)
	}
}

func deniesAccess(code recognizer.ErrorCode) bool {
	return code == recognizer.CodeNotAllowed || code == recognizer.CodeServiceNotAllowed
}

func convertResults(ev Event) recognizer.ResultEvent {
	base := max(ev.ResultIndex, 0)
	out := recognizer.ResultEvent{
		ResultIndex: base,
		Results:     make([]recognizer.Result, 0, len(ev.Results)),
	}
	for i, r := range ev.Results {
		alts := make([]recognizer.Alternative, 0, len(r.Alternatives))
		for _, a := range r.Alternatives {
			alts = append(alts, recognizer.Alternative{Transcript: a.Transcript, Confidence: a.Confidence})
		}
		out.Results = append(out.Results, recognizer.Result{
			Index:        base + i,
			IsFinal:      r.IsFinal,
			Alternatives: alts,
		})
	}
	return out
}

// HandlePermission records a permission report from the client and wakes any
// pending RequestMicrophone call. Empty values leave the state unchanged.
func (b *Bridge) HandlePermission(microphone, recognition string) {
	b.mu.Lock()
	if microphone != "" {
		b.mic = recognizer.ParsePermissionState(microphone)
	}
	if recognition != "" {
		b.recog = recognizer.ParsePermissionState(recognition)
	}
	mic := b.mic
	waiters := b.waiters
	if mic != recognizer.PermissionUnknown {
		b.waiters = nil
	} else {
		waiters = nil
	}
	b.mu.Unlock()

	for _, w := range waiters {
		w <- mic
	}
}

// Microphone implements recognizer.Permissions.
func (b *Bridge) Microphone() recognizer.PermissionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mic
}

// Recognition implements recognizer.Permissions.
func (b *Bridge) Recognition() recognizer.PermissionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recog
}

// RequestMicrophone asks the client to prompt for microphone access and
// waits for the next definitive permission report.
func (b *Bridge) RequestMicrophone(ctx context.Context) (recognizer.PermissionState, error) {
	b.mu.Lock()
	if b.mic == recognizer.PermissionGranted || b.mic == recognizer.PermissionDenied {
		mic := b.mic
		b.mu.Unlock()
		return mic, nil
	}
	w := make(chan recognizer.PermissionState, 1)
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	if err := b.send(ctx, Command{Type: "command", Command: CommandRequestPermission}); err != nil {
		b.dropWaiter(w)
		return recognizer.PermissionUnknown, fmt.Errorf("browser: send permission request: %w", err)
	}

	select {
	case st := <-w:
		return st, nil
	case <-ctx.Done():
		b.dropWaiter(w)
		return recognizer.PermissionUnknown, errors.Join(errors.New("browser: permission request"), ctx.Err())
	}
}

func (b *Bridge) dropWaiter(w chan recognizer.PermissionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.waiters {
		if x == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

var (
	_ recognizer.Recognizer  = (*Bridge)(nil)
	_ recognizer.Permissions = (*Bridge)(nil)
)
