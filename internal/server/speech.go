package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/clementine/internal/conversation"
	"github.com/MrWong99/clementine/internal/speech"
	"github.com/MrWong99/clementine/pkg/provider/recognizer"
	"github.com/MrWong99/clementine/pkg/provider/recognizer/browser"
	"github.com/MrWong99/clementine/pkg/store"
)

const (
	// speechReadLimit bounds a single client frame; audio chunks are small.
	speechReadLimit = 1 << 20

	speechWriteTimeout = 5 * time.Second

	// pendingTurns is how many transcripts may wait for a reply.
	pendingTurns = 4

	busyKind    = "busy"
	busyMessage = "Still thinking about your last message. Please wait a moment."
)

// Client-to-server message types.
const (
	msgPress       = "press"
	msgRelease     = "release"
	msgToggle      = "toggle"
	msgCancel      = "cancel"
	msgPermission  = "permission"
	msgRecognition = "recognition"
)

// clientMessage is a JSON text frame from the browser. Recognition events
// carry the browser.Event fields inline.
type clientMessage struct {
	Type        string `json:"type"`
	Microphone  string `json:"microphone,omitempty"`
	Recognition string `json:"recognition,omitempty"`
	browser.Event
}

type captionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type transcriptMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type replyMessage struct {
	Type string `json:"type"`
	conversation.Reply
}

type statusMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// serverPermissions reports recognition as available because the server
// transcribes audio itself; microphone consent still comes from the browser.
type serverPermissions struct {
	*browser.Bridge
}

func (serverPermissions) Recognition() recognizer.PermissionState {
	return recognizer.PermissionGranted
}

// speechConn is the state of one speech WebSocket.
type speechConn struct {
	s      *Server
	conn   *websocket.Conn
	user   conversation.User
	convID string
	log    *slog.Logger

	bridge *browser.Bridge
	mgr    *speech.Manager

	gestures chan string
	turns    chan speech.Transcript

	// writeJSON sends one text frame. Writes never happen under mu.
	writeJSON func(ctx context.Context, v any) error

	mu          sync.Mutex
	audio       recognizer.AudioSink
	cancelStart context.CancelFunc
	closed      bool
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("server: speech socket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(speechReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	c := &speechConn{
		s:        s,
		conn:     conn,
		user:     userFrom(r),
		convID:   r.URL.Query().Get("conversation_id"),
		gestures: make(chan string, 16),
		turns:    make(chan speech.Transcript, pendingTurns),
		writeJSON: func(ctx context.Context, v any) error {
			return wsjson.Write(ctx, conn, v)
		},
	}
	c.log = s.log.With("user_id", c.user.ID)

	if err := c.setup(ctx); err != nil {
		c.log.Error("server: speech setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "speech setup failed")
		return
	}

	var wg sync.WaitGroup
	wg.Go(func() { c.gestureLoop(ctx) })
	wg.Go(func() { c.replyLoop(ctx) })

	c.readLoop(ctx)

	c.mgr.Abort()
	c.shutdown()
	cancel()
	wg.Wait()
	c.mgr.Abort()
	conn.Close(websocket.StatusNormalClosure, "")
}

// setup launches a conversation when none was given and builds the
// recognizer and speech manager of the connection.
func (c *speechConn) setup(ctx context.Context) error {
	if c.convID == "" {
		reply, err := c.s.cfg.Chat.Launch(ctx, c.user)
		if err != nil {
			return err
		}
		c.convID = reply.ConversationID
		c.write(ctx, replyMessage{Type: "reply", Reply: reply})
	}

	sc := c.s.cfg.Speech()
	c.bridge = browser.New(c.sendCommand, browser.WithLanguage(sc.Language))

	var perms recognizer.Permissions = c.bridge
	newRec := func() (recognizer.Recognizer, error) { return c.bridge, nil }
	if c.s.cfg.NewRecognizer != nil {
		perms = serverPermissions{c.bridge}
		newRec = func() (recognizer.Recognizer, error) {
			rec, err := c.s.cfg.NewRecognizer()
			if err != nil {
				return nil, err
			}
			if sink, ok := rec.(recognizer.AudioSink); ok {
				c.mu.Lock()
				c.audio = sink
				c.mu.Unlock()
			}
			return rec, nil
		}
	}

	mgr, err := speech.NewManager(speech.Config{
		NewRecognizer:     newRec,
		Permissions:       perms,
		SafetyTimeout:     sc.SafetyTimeout,
		PermissionTimeout: sc.PermissionTimeout,
		OnTranscript:      func(tr speech.Transcript) { c.onTranscript(ctx, tr) },
		OnError:           func(err error) { c.status(ctx, err) },
		OnCaption: func(cp speech.Caption) {
			c.write(ctx, captionMessage{Type: "caption", SessionID: cp.SessionID, Text: cp.Text})
		},
		Metrics: c.s.metrics,
		Logger:  c.log,
	})
	if err != nil {
		return err
	}
	c.mgr = mgr
	return nil
}

func (c *speechConn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.log.Debug("server: speech socket closed", "err", err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			c.sendAudio(data)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.write(ctx, statusMessage{Type: "status", Kind: "protocol", Message: "malformed message"})
			continue
		}
		switch msg.Type {
		case msgPermission:
			c.bridge.HandlePermission(msg.Microphone, msg.Recognition)
		case msgRecognition:
			c.bridge.HandleEvent(msg.Event)
		case msgRelease, msgCancel:
			// Letting go while consent is pending abandons the start.
			c.abortPendingStart()
			c.gesture(ctx, msg.Type)
		case msgPress, msgToggle:
			c.gesture(ctx, msg.Type)
		default:
			c.write(ctx, statusMessage{Type: "status", Kind: "protocol", Message: "unknown message type " + msg.Type})
		}
	}
}

func (c *speechConn) gesture(ctx context.Context, g string) {
	select {
	case c.gestures <- g:
	case <-ctx.Done():
	}
}

// gestureLoop applies gestures in arrival order. Start may block on the
// consent flow while the read loop keeps delivering permission reports.
func (c *speechConn) gestureLoop(ctx context.Context) {
	for {
		var g string
		select {
		case <-ctx.Done():
			return
		case g = <-c.gestures:
		}

		var err error
		switch g {
		case msgPress:
			err = c.start(ctx)
			if errors.Is(err, speech.ErrSessionActive) {
				err = nil
			}
		case msgToggle:
			err = c.withStartContext(ctx, c.mgr.Toggle)
		case msgRelease:
			if _, err = c.mgr.End(); errors.Is(err, speech.ErrNoActiveSession) {
				err = nil
			}
		case msgCancel:
			c.mgr.Abort()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.status(ctx, err)
		}
	}
}

func (c *speechConn) start(ctx context.Context) error {
	return c.withStartContext(ctx, c.mgr.Start)
}

func (c *speechConn) withStartContext(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelStart = cancel
	c.mu.Unlock()

	err := fn(sctx)

	c.mu.Lock()
	c.cancelStart = nil
	c.mu.Unlock()
	return err
}

// abortPendingStart cancels a Start still waiting for microphone consent.
func (c *speechConn) abortPendingStart() {
	c.mu.Lock()
	cancel := c.cancelStart
	c.mu.Unlock()
	if st := c.mgr.State(); cancel != nil && st != speech.StateActive && st != speech.StateAwaitingRestart {
		cancel()
	}
}

func (c *speechConn) onTranscript(ctx context.Context, tr speech.Transcript) {
	c.write(ctx, transcriptMessage{Type: "transcript", SessionID: tr.SessionID, Text: tr.Text})

	if c.enqueue(tr) {
		return
	}
	c.log.Warn("server: dropping transcript, replies pending", "session_id", tr.SessionID)
	c.write(ctx, statusMessage{Type: "status", Kind: busyKind, Message: busyMessage})
}

// enqueue hands tr to the reply loop without blocking. It reports false only
// when the queue is full; a closed connection swallows the transcript.
func (c *speechConn) enqueue(tr speech.Transcript) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.turns <- tr:
		return true
	default:
		return false
	}
}

// replyLoop forwards transcripts to the conversation one at a time so
// replies arrive in the order the user spoke.
func (c *speechConn) replyLoop(ctx context.Context) {
	// Replies are persisted even when the client has gone away.
	ctx = context.WithoutCancel(ctx)
	for tr := range c.turns {
		reply, err := c.s.cfg.Chat.Send(ctx, c.convID, c.user, tr.Text, store.SourceVoice)
		if err != nil {
			c.log.Warn("server: voice message rejected", "session_id", tr.SessionID, "err", err)
			c.write(ctx, statusMessage{Type: "status", Kind: "error", Message: "Your message could not be delivered."})
			continue
		}
		c.write(ctx, replyMessage{Type: "reply", Reply: reply})
	}
}

// shutdown stops accepting transcripts.
func (c *speechConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.turns)
	}
}

func (c *speechConn) sendAudio(chunk []byte) {
	c.mu.Lock()
	sink := c.audio
	c.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.SendAudio(chunk); err != nil && !errors.Is(err, recognizer.ErrNotRunning) {
		c.log.Debug("server: forward audio", "err", err)
	}
}

func (c *speechConn) sendCommand(ctx context.Context, cmd browser.Command) error {
	ctx, cancel := context.WithTimeout(ctx, speechWriteTimeout)
	defer cancel()
	return c.writeJSON(ctx, cmd)
}

func (c *speechConn) status(ctx context.Context, err error) {
	c.write(ctx, statusMessage{Type: "status", Kind: speech.StatusKind(err), Message: speech.StatusMessage(err)})
}

func (c *speechConn) write(ctx context.Context, v any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), speechWriteTimeout)
	defer cancel()
	if err := c.writeJSON(ctx, v); err != nil {
		c.log.Debug("server: speech socket write", "err", err)
	}
}
