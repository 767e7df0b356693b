// Package speech turns the event stream of a speech-recognition platform into
// exactly one consolidated transcript per capture gesture.
//
// A [Manager] owns one lazily constructed [recognizer.Recognizer] and at most
// one capture session at a time. It tolerates the usual platform quirks:
// recognition ending on its own while the user is still holding the talk
// button (transparent restart), cumulative result lists that redeliver the same
// final entry (deduplication), and events that keep arriving after the session
// was stopped (session identifiers bound into every event sink).
//
// Session state is cleared and the session identifier invalidated before any
// callback runs, so a late event can never mutate a finished session.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/clementine/internal/observe"
	"github.com/MrWong99/clementine/pkg/provider/recognizer"
)

// Defaults for [Config] fields left zero.
const (
	DefaultSafetyTimeout     = 60 * time.Second
	DefaultPermissionTimeout = 30 * time.Second
)

// Outcome labels recorded with the speech session metrics.
const (
	outcomeTranscript = "transcript"
	outcomeEmpty      = "empty"
	outcomeAborted    = "aborted"
	outcomeTimeout    = "timeout"
	outcomeError      = "error"
)

// Config holds the dependencies and callbacks of a [Manager].
type Config struct {
	// NewRecognizer constructs the platform recognizer. It is called on the
	// first Start and the result is reused for the lifetime of the Manager.
	NewRecognizer func() (recognizer.Recognizer, error)

	// Permissions reports microphone consent and recognition capability.
	// A nil Permissions treats both as granted.
	Permissions recognizer.Permissions

	// SafetyTimeout force-ends a session that receives no result for this
	// long. Default: 60s.
	SafetyTimeout time.Duration

	// PermissionTimeout bounds the consent flow run by Start when the
	// microphone permission is unknown. Default: 30s.
	PermissionTimeout time.Duration

	// NewDeduper returns the final-fragment filter of a new session.
	// Default: [NewKeyDeduper].
	NewDeduper func() Deduper

	// OnTranscript receives the consolidated transcript of every session that
	// produced text. Called without the manager lock held.
	OnTranscript func(Transcript)

	// OnError receives asynchronous, user-visible errors: timeouts, transport
	// failures, and permission revocations. Errors returned by Start are not
	// repeated here.
	OnError func(error)

	// OnCaption receives a live preview after every accepted result event.
	OnCaption func(Caption)

	// Metrics records session outcomes. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Default: [slog.Default].
	Logger *slog.Logger
}

// Manager is the speech session manager of one client.
// All methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	state State
	sess  *session
	rec   recognizer.Recognizer
	timer *time.Timer

	// timerGen identifies the armed safety timer; a timer that fired while
	// being re-armed finds a newer generation and does nothing.
	timerGen uint64
}

// NewManager creates a Manager. cfg.NewRecognizer must be non-nil.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.NewRecognizer == nil {
		return nil, errors.New("speech: NewRecognizer must not be nil")
	}
	if cfg.SafetyTimeout <= 0 {
		cfg.SafetyTimeout = DefaultSafetyTimeout
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = DefaultPermissionTimeout
	}
	if cfg.NewDeduper == nil {
		cfg.NewDeduper = NewKeyDeduper
	}
	m := &Manager{
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the identifier of the capturing session, or "".
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.id
}

// SetSafetyTimeout changes the safety timeout for sessions started afterwards
// and for the next re-arm of the current one.
func (m *Manager) SetSafetyTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.SafetyTimeout = d
	m.mu.Unlock()
}

// Start begins a capture session. It fails with [ErrSessionActive] while a
// session is capturing, [ErrRecognitionUnavailable] when the platform cannot
// recognise speech, and [ErrPermissionDenied] when microphone access is
// refused. When the microphone permission is unknown, Start runs the consent
// flow first and may block until the user answers or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state.capturing() {
		id := m.sess.id
		m.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}
	m.mu.Unlock()

	if err := m.ensurePermission(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state.capturing() {
		m.mu.Unlock()
		return ErrSessionActive
	}
	rec, err := m.recognizerLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	sess := &session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		dedup:     m.cfg.NewDeduper(),
	}
	m.sess = sess
	m.state = StateActive
	m.armTimerLocked(sess.id)
	m.mu.Unlock()

	m.metrics.ActiveSpeechSessions.Add(ctx, 1)

	if err := rec.Start(ctx, m.sinkFor(sess.id, sess.pass)); err != nil {
		m.mu.Lock()
		current := m.isCurrentLocked(sess.id)
		if current {
			m.teardownLocked()
		}
		m.mu.Unlock()
		if current {
			m.finish(sess, outcomeError)
			m.settle()
		}
		return mapStartError(err)
	}

	m.log.Info("speech session started", "session_id", sess.id)
	return nil
}

// End finishes the capturing session and returns its consolidated
// transcript. When the transcript is not empty it is also delivered to
// OnTranscript, after the session state has been cleared.
func (m *Manager) End() (Transcript, error) {
	defer m.settle()
	m.mu.Lock()
	if !m.state.capturing() {
		m.mu.Unlock()
		return Transcript{}, ErrNoActiveSession
	}
	sess := m.sess
	tr := sess.consolidate(time.Now())
	m.teardownLocked()
	rec := m.rec
	m.mu.Unlock()

	if err := rec.Stop(); err != nil && !errors.Is(err, recognizer.ErrNotRunning) {
		m.log.Warn("speech: stop recognizer", "session_id", sess.id, "err", err)
	}
	m.emit(sess, tr)
	return tr, nil
}

// Abort finishes the capturing session without producing a transcript. It is
// a no-op when nothing is capturing.
func (m *Manager) Abort() {
	defer m.settle()
	m.mu.Lock()
	if !m.state.capturing() {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	m.teardownLocked()
	rec := m.rec
	m.mu.Unlock()

	if err := rec.Abort(); err != nil && !errors.Is(err, recognizer.ErrNotRunning) {
		m.log.Warn("speech: abort recognizer", "session_id", sess.id, "err", err)
	}
	m.finish(sess, outcomeAborted)
	m.log.Info("speech session aborted", "session_id", sess.id)
}

// Toggle starts a session when none is capturing and ends the current one
// otherwise. The transcript of an ended session is delivered to OnTranscript.
func (m *Manager) Toggle(ctx context.Context) error {
	if m.State().capturing() {
		_, err := m.End()
		if errors.Is(err, ErrNoActiveSession) {
			return m.Start(ctx)
		}
		return err
	}
	err := m.Start(ctx)
	if errors.Is(err, ErrSessionActive) {
		_, err = m.End()
	}
	return err
}

// ensurePermission checks capability and consent, running the consent flow
// when the microphone state is unknown.
func (m *Manager) ensurePermission(ctx context.Context) error {
	p := m.cfg.Permissions
	if p == nil {
		return nil
	}
	if p.Recognition() == recognizer.PermissionUnsupported {
		return ErrRecognitionUnavailable
	}
	switch p.Microphone() {
	case recognizer.PermissionGranted:
		return nil
	case recognizer.PermissionDenied:
		return ErrPermissionDenied
	case recognizer.PermissionUnsupported:
		return ErrRecognitionUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.PermissionTimeout)
	defer cancel()
	st, err := p.RequestMicrophone(ctx)
	if err != nil {
		return fmt.Errorf("speech: request microphone permission: %w", err)
	}
	switch st {
	case recognizer.PermissionGranted:
		return nil
	case recognizer.PermissionUnsupported:
		return ErrRecognitionUnavailable
	default:
		return ErrPermissionDenied
	}
}

func (m *Manager) recognizerLocked() (recognizer.Recognizer, error) {
	if m.rec != nil {
		return m.rec, nil
	}
	rec, err := m.cfg.NewRecognizer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognitionUnavailable, err)
	}
	m.rec = rec
	return rec, nil
}

func mapStartError(err error) error {
	switch {
	case errors.Is(err, recognizer.ErrUnsupported):
		return fmt.Errorf("%w: %w", ErrRecognitionUnavailable, err)
	case errors.Is(err, recognizer.ErrNotAllowed):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %w", ErrRecognitionTransport, err)
	}
}

// ---- session bookkeeping (callers hold m.mu) ----

func (m *Manager) isCurrentLocked(id string) bool {
	return m.state.capturing() && m.sess != nil && m.sess.id == id
}

// teardownLocked invalidates the current session. Every event bound to its
// identifier is stale from here on.
func (m *Manager) teardownLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.sess = nil
	m.state = StateEnded
}

// settle moves a torn-down manager from StateEnded back to StateIdle once
// its teardown work is done. A session started meanwhile is left alone.
func (m *Manager) settle() {
	m.mu.Lock()
	if m.state == StateEnded {
		m.state = StateIdle
	}
	m.mu.Unlock()
}

func (m *Manager) armTimerLocked(id string) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(m.cfg.SafetyTimeout, func() { m.handleTimeout(id, gen) })
}

// ---- callbacks (called without m.mu) ----

func (m *Manager) emit(sess *session, tr Transcript) {
	if tr.Empty() {
		m.finish(sess, outcomeEmpty)
		m.log.Info("speech session ended without text", "session_id", sess.id)
		return
	}
	m.finish(sess, outcomeTranscript)
	m.log.Info("speech session ended",
		"session_id", sess.id,
		"origin", string(tr.Origin),
		"fragments", tr.Fragments,
		"chars", len(tr.Text),
	)
	if m.cfg.OnTranscript != nil {
		m.cfg.OnTranscript(tr)
	}
}

func (m *Manager) finish(sess *session, outcome string) {
	ctx := context.Background()
	m.metrics.ActiveSpeechSessions.Add(ctx, -1)
	m.metrics.RecordSpeechSession(ctx, outcome, time.Since(sess.startedAt).Seconds())
}

func (m *Manager) surface(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

func (m *Manager) stale(id string, event string) {
	m.metrics.StaleEvents.Add(context.Background(), 1)
	m.log.Debug("speech: discarding event", "session_id", id, "event", event, "err", ErrStaleSessionEvent)
}

// ---- platform events ----

// sinkFor binds a recognizer sink to a session and recognition pass.
func (m *Manager) sinkFor(id string, pass int) recognizer.Sink {
	return &sessionSink{m: m, id: id, pass: pass}
}

type sessionSink struct {
	m    *Manager
	id   string
	pass int
}

func (s *sessionSink) OnStart() { s.m.handleStart(s.id, s.pass) }

func (s *sessionSink) OnResult(ev recognizer.ResultEvent) { s.m.handleResult(s.id, s.pass, ev) }

func (s *sessionSink) OnError(ev recognizer.ErrorEvent) { s.m.handleError(s.id, ev) }

func (s *sessionSink) OnEnd() { s.m.handleEnd(s.id, s.pass) }

func (m *Manager) handleStart(id string, pass int) {
	m.mu.Lock()
	current := m.isCurrentLocked(id)
	m.mu.Unlock()
	if !current {
		m.stale(id, "start")
		return
	}
	m.log.Debug("speech: recognition started", "session_id", id, "pass", pass)
}

func (m *Manager) handleResult(id string, pass int, ev recognizer.ResultEvent) {
	m.mu.Lock()
	if !m.isCurrentLocked(id) {
		m.mu.Unlock()
		m.stale(id, "result")
		return
	}
	sess := m.sess
	m.armTimerLocked(id)

	var interims []string
	for _, r := range ev.Results {
		text := r.Text()
		if text == "" {
			continue
		}
		if !r.IsFinal {
			interims = append(interims, text)
			continue
		}
		if sess.dedup.Seen(FragmentKey{Pass: pass, Index: r.Index, Text: text}) {
			continue
		}
		sess.finals = append(sess.finals, Fragment{Text: text, Final: true, Index: r.Index, Pass: pass})
	}
	sess.interim = strings.Join(interims, " ")
	caption := Caption{SessionID: id, Text: sess.preview()}
	m.mu.Unlock()

	if m.cfg.OnCaption != nil {
		m.cfg.OnCaption(caption)
	}
}

func (m *Manager) handleError(id string, ev recognizer.ErrorEvent) {
	m.metrics.RecordRecognitionError(context.Background(), string(ev.Code))

	m.mu.Lock()
	current := m.isCurrentLocked(id)
	capturing := m.state.capturing()
	m.mu.Unlock()

	switch ev.Code {
	case recognizer.CodeAborted:
		m.log.Debug("speech: recognition aborted", "session_id", id)
	case recognizer.CodeNoSpeech:
		if capturing {
			m.log.Debug("speech: no speech yet", "session_id", id)
			return
		}
		m.surface(&RecognitionError{Code: ev.Code, Message: ev.Message, Err: ErrNoSpeechDetected})
	case recognizer.CodeNotAllowed, recognizer.CodeServiceNotAllowed:
		if !current {
			m.stale(id, "error")
			return
		}
		m.forceEnd(id, false, &RecognitionError{Code: ev.Code, Message: ev.Message, Err: ErrPermissionDenied})
	case recognizer.CodeNetwork, recognizer.CodeAudioCapture:
		if !current {
			m.stale(id, "error")
			return
		}
		m.forceEnd(id, true, &RecognitionError{Code: ev.Code, Message: ev.Message, Err: ErrRecognitionTransport})
	default:
		m.log.Warn("speech: recognition error", "session_id", id, "code", string(ev.Code), "message", ev.Message)
	}
}

// handleEnd restarts recognition when the platform ended it while the
// session is still capturing. One restart is attempted per end event.
func (m *Manager) handleEnd(id string, pass int) {
	m.mu.Lock()
	if !m.isCurrentLocked(id) || m.sess.pass != pass {
		m.mu.Unlock()
		m.stale(id, "end")
		return
	}
	m.state = StateAwaitingRestart
	m.sess.pass++
	next := m.sess.pass
	rec := m.rec
	m.mu.Unlock()

	err := rec.Start(context.Background(), m.sinkFor(id, next))

	m.mu.Lock()
	if !m.isCurrentLocked(id) {
		// Ended or aborted while restarting.
		m.mu.Unlock()
		if err == nil {
			_ = rec.Abort()
		}
		return
	}
	if err == nil {
		m.state = StateActive
		m.mu.Unlock()
		m.metrics.RecordRestart(context.Background(), "ok")
		m.log.Debug("speech: recognition restarted", "session_id", id, "pass", next)
		return
	}
	m.mu.Unlock()

	m.metrics.RecordRestart(context.Background(), "error")
	m.forceEnd(id, true, fmt.Errorf("%w: restart: %w", ErrRecognitionTransport, err))
}

// handleTimeout force-ends a session whose safety timer fired. Nothing is
// emitted.
func (m *Manager) handleTimeout(id string, gen uint64) {
	defer m.settle()
	m.mu.Lock()
	if !m.isCurrentLocked(id) || m.timerGen != gen {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	timeout := m.cfg.SafetyTimeout
	m.teardownLocked()
	rec := m.rec
	m.mu.Unlock()

	if err := rec.Abort(); err != nil && !errors.Is(err, recognizer.ErrNotRunning) {
		m.log.Warn("speech: abort recognizer", "session_id", id, "err", err)
	}
	m.finish(sess, outcomeTimeout)
	m.log.Warn("speech session timed out", "session_id", id, "timeout", timeout)
	m.surface(fmt.Errorf("%w after %s", ErrSessionTimeout, timeout))
}

// forceEnd tears down session id because of cause. With keep set, text
// collected so far is still delivered to OnTranscript before cause is
// surfaced.
func (m *Manager) forceEnd(id string, keep bool, cause error) {
	defer m.settle()
	m.mu.Lock()
	if !m.isCurrentLocked(id) {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	tr := sess.consolidate(time.Now())
	m.teardownLocked()
	rec := m.rec
	m.mu.Unlock()

	if err := rec.Abort(); err != nil && !errors.Is(err, recognizer.ErrNotRunning) {
		m.log.Debug("speech: abort recognizer", "session_id", id, "err", err)
	}
	m.log.Warn("speech session force-ended", "session_id", id, "err", cause)
	if keep && !tr.Empty() {
		m.emit(sess, tr)
	} else {
		m.finish(sess, outcomeError)
	}
	m.surface(cause)
}
