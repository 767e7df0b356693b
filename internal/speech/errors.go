package speech

import (
	"errors"

	"github.com/MrWong99/clementine/pkg/provider/recognizer"
)

var (
	// ErrPermissionDenied means the user or the platform refused microphone
	// access.
	ErrPermissionDenied = errors.New("speech: microphone permission denied")

	// ErrRecognitionUnavailable means the platform has no speech-recognition
	// capability.
	ErrRecognitionUnavailable = errors.New("speech: speech recognition unavailable")

	// ErrRecognitionTransport covers network and audio-capture failures of the
	// platform, including a failed restart.
	ErrRecognitionTransport = errors.New("speech: recognition transport error")

	// ErrSessionTimeout means the safety timer force-ended a session that
	// stopped receiving results.
	ErrSessionTimeout = errors.New("speech: session timed out")

	// ErrNoSpeechDetected means the platform heard nothing. It is only
	// surfaced when no session is capturing.
	ErrNoSpeechDetected = errors.New("speech: no speech detected")

	// ErrStaleSessionEvent marks an event for a session that has already
	// ended. It is never surfaced; it appears in debug logs only.
	ErrStaleSessionEvent = errors.New("speech: stale session event")

	// ErrSessionActive is returned by Start while a session is capturing.
	ErrSessionActive = errors.New("speech: a session is already active")

	// ErrNoActiveSession is returned by End when nothing is capturing.
	ErrNoActiveSession = errors.New("speech: no active session")
)

// RecognitionError is a platform-reported error mapped onto the speech error
// taxonomy. errors.Is matches the taxonomy sentinel in Err.
type RecognitionError struct {
	Code    recognizer.ErrorCode
	Message string
	Err     error
}

func (e *RecognitionError) Error() string {
	msg := e.Err.Error() + " (" + string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg + ")"
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// StatusKind returns a stable, machine-readable kind for err, used by clients
// to pick an icon or retry affordance.
func StatusKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission-denied"
	case errors.Is(err, ErrRecognitionUnavailable):
		return "unavailable"
	case errors.Is(err, ErrRecognitionTransport):
		return "transport"
	case errors.Is(err, ErrSessionTimeout):
		return "timeout"
	case errors.Is(err, ErrNoSpeechDetected):
		return "no-speech"
	default:
		return "error"
	}
}

// StatusMessage returns the short user-facing status string for err.
func StatusMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access was denied. You can still type your message."
	case errors.Is(err, ErrRecognitionUnavailable):
		return "Voice input is not supported in this browser. You can still type your message."
	case errors.Is(err, ErrRecognitionTransport):
		return "Voice input lost its connection. Please try again or type your message."
	case errors.Is(err, ErrSessionTimeout):
		return "Voice input stopped after a long pause."
	case errors.Is(err, ErrNoSpeechDetected):
		return "I didn't hear anything. Please try again."
	default:
		return "Something went wrong with voice input."
	}
}
