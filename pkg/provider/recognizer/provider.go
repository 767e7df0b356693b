// Package recognizer defines the speech-recognition platform abstraction driven
// by the speech session manager.
//
// A Recognizer models the platform API exactly as the browser exposes it: a
// single recognizer that is started, stopped, or aborted, and that reports its
// progress through start, result, error, and end events. Events are delivered
// to the [Sink] passed to Start. A recognizer may deliver events after Stop or
// Abort returns; consumers must be prepared to discard late events.
//
// Implementations live in sub-packages: browser (events relayed from the
// client's Web Speech API over a WebSocket), deepgram (server-side streaming
// recognition), and mock (scripted test double).
package recognizer

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnsupported is returned by Start when the platform has no speech
	// recognition capability.
	ErrUnsupported = errors.New("recognizer: speech recognition is not supported")

	// ErrNotAllowed is returned by Start when the platform refuses to capture
	// audio because permission was denied.
	ErrNotAllowed = errors.New("recognizer: microphone access not allowed")

	// ErrNotRunning is returned by operations that require a running
	// recognition pass.
	ErrNotRunning = errors.New("recognizer: not running")
)

// ErrorCode is the platform error code reported with an error event.
type ErrorCode string

const (
	CodeAborted           ErrorCode = "aborted"
	CodeNoSpeech          ErrorCode = "no-speech"
	CodeNotAllowed        ErrorCode = "not-allowed"
	CodeServiceNotAllowed ErrorCode = "service-not-allowed"
	CodeNetwork           ErrorCode = "network"
	CodeAudioCapture      ErrorCode = "audio-capture"
	CodeLanguage          ErrorCode = "language-not-supported"
	CodeBadGrammar        ErrorCode = "bad-grammar"
)

// Alternative is one recognition hypothesis for a result entry.
type Alternative struct {
	// Transcript is the recognised text.
	Transcript string

	// Confidence is the platform's confidence in the range 0.0–1.0. Zero when
	// the platform does not report confidence.
	Confidence float64
}

// Result is a single entry of a result event. Platforms that redeliver the
// cumulative results array on every event report the same Index for the same
// entry each time.
type Result struct {
	// Index is the position of this entry in the platform's results list.
	Index int

	// IsFinal reports whether the platform will revise this entry further.
	IsFinal bool

	// Alternatives holds the hypotheses, best first.
	Alternatives []Alternative
}

// Text returns the trimmed transcript of the best alternative, or "" when the
// entry carries no alternatives.
func (r Result) Text() string {
	if len(r.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Alternatives[0].Transcript)
}

// ResultEvent is one batch of results delivered by the platform.
type ResultEvent struct {
	// ResultIndex is the lowest index that changed in this event.
	ResultIndex int

	// Results lists the entries carried by the event in platform order.
	Results []Result
}

// ErrorEvent describes a platform-reported recognition error.
type ErrorEvent struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface so an ErrorEvent can be wrapped.
func (e ErrorEvent) Error() string {
	if e.Message == "" {
		return "recognition error: " + string(e.Code)
	}
	return "recognition error: " + string(e.Code) + ": " + e.Message
}

// Sink receives the events of one recognition pass. Implementations must not
// block for long; events are delivered from the recognizer's own goroutine.
type Sink interface {
	OnStart()
	OnResult(ev ResultEvent)
	OnError(ev ErrorEvent)
	OnEnd()
}

// Recognizer is the speech-recognition platform.
//
// Start may be called again after the previous pass delivered OnEnd; this is
// how a consumer restarts recognition when the platform stops on its own.
// Stop requests a graceful end (pending results are still delivered); Abort
// discards pending results. Both eventually lead to OnEnd on the sink of the
// pass being stopped.
type Recognizer interface {
	Start(ctx context.Context, sink Sink) error
	Stop() error
	Abort() error
}

// AudioSink is implemented by recognizers that transcribe audio pushed to
// them by the server rather than captured by the client.
type AudioSink interface {
	SendAudio(chunk []byte) error
}

// PermissionState is the capability or consent state of the platform.
type PermissionState string

const (
	PermissionUnknown     PermissionState = "unknown"
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
	PermissionUnsupported PermissionState = "unsupported"
)

// ParsePermissionState maps the browser permissions API vocabulary onto a
// PermissionState. "prompt" and unrecognised values map to PermissionUnknown.
func ParsePermissionState(s string) PermissionState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "granted":
		return PermissionGranted
	case "denied":
		return PermissionDenied
	case "unsupported":
		return PermissionUnsupported
	default:
		return PermissionUnknown
	}
}

// Permissions reports and requests the client's microphone consent.
type Permissions interface {
	// Microphone returns the last known microphone permission state.
	Microphone() PermissionState

	// Recognition returns whether the platform supports speech recognition.
	Recognition() PermissionState

	// RequestMicrophone runs the consent flow and returns its outcome. It
	// blocks until the user answers or ctx is done.
	RequestMicrophone(ctx context.Context) (PermissionState, error)
}
