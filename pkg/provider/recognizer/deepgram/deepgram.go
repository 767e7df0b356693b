// Package deepgram provides a server-side recognizer.Recognizer backed by the
// Deepgram streaming WebSocket API. The client streams raw PCM to the server,
// which forwards it to Deepgram through SendAudio.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/clementine/pkg/provider/recognizer"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
	audioQueueSize    = 256
)

// Option is a functional option for configuring the Deepgram Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(r *Recognizer) {
		r.language = language
	}
}

// WithSampleRate sets the sample rate in Hz of the 16-bit mono PCM the client
// streams.
func WithSampleRate(rate int) Option {
	return func(r *Recognizer) {
		r.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) {
		r.endpoint = endpoint
	}
}

// Recognizer implements recognizer.Recognizer and recognizer.AudioSink.
// At most one stream is open at a time; starting a new pass while one is open
// aborts the old one.
type Recognizer struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string

	mu     sync.Mutex
	stream *stream
}

// New creates a new Deepgram Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start opens a streaming connection whose events go to sink.
func (r *Recognizer) Start(ctx context.Context, sink recognizer.Sink) error {
	wsURL, err := r.buildURL()
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		conn:   conn,
		sink:   sink,
		audio:  make(chan []byte, audioQueueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	r.mu.Lock()
	old := r.stream
	r.stream = s
	r.mu.Unlock()
	if old != nil {
		old.abort()
	}

	sink.OnStart()
	go s.readLoop(streamCtx, r)
	go s.writeLoop(streamCtx)
	return nil
}

// Stop asks Deepgram to flush pending audio and close the stream. Remaining
// results and the end event are still delivered.
func (r *Recognizer) Stop() error {
	s := r.current()
	if s == nil {
		return recognizer.ErrNotRunning
	}
	s.stop()
	return nil
}

// Abort closes the stream immediately. The sink receives an aborted error
// followed by the end event.
func (r *Recognizer) Abort() error {
	s := r.current()
	if s == nil {
		return recognizer.ErrNotRunning
	}
	s.abort()
	return nil
}

// SendAudio queues a PCM chunk for the open stream.
func (r *Recognizer) SendAudio(chunk []byte) error {
	s := r.current()
	if s == nil {
		return recognizer.ErrNotRunning
	}
	return s.send(chunk)
}

func (r *Recognizer) current() *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

func (r *Recognizer) release(s *stream) {
	r.mu.Lock()
	if r.stream == s {
		r.stream = nil
	}
	r.mu.Unlock()
}

func (r *Recognizer) buildURL() (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", r.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.sampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type stream struct {
	conn   *websocket.Conn
	sink   recognizer.Sink
	audio  chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	mu       sync.Mutex
	stopping bool
	aborted  bool
	closed   bool

	// finals counts final results so far; it is the index of the entry the
	// next interim or final result describes.
	finals int
}

func (s *stream) send(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	}
}

func (s *stream) stop() {
	s.mu.Lock()
	if s.closed || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *stream) abort() {
	s.mu.Lock()
	if s.closed || s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	_ = s.conn.CloseNow()
	s.cancel()
}

// writeLoop forwards queued audio to Deepgram. Once the stream is stopping it
// drains the queue and sends CloseStream so Deepgram flushes its final results.
func (s *stream) writeLoop(ctx context.Context) {
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		}
	}
}

// readLoop dispatches Deepgram messages to the sink until the connection
// closes, then reports the end of the pass.
func (s *stream) readLoop(ctx context.Context, r *Recognizer) {
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.cancel()
			r.release(s)
			s.finish(err)
			return
		}
		res, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		s.mu.Lock()
		res.Index = s.finals
		if res.IsFinal {
			s.finals++
		}
		s.mu.Unlock()
		if res.IsFinal && res.Text() == "" {
			continue
		}
		s.sink.OnResult(recognizer.ResultEvent{ResultIndex: res.Index, Results: []recognizer.Result{res}})
	}
}

func (s *stream) finish(err error) {
	s.mu.Lock()
	s.closed = true
	stopping, aborted := s.stopping, s.aborted
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })

	switch {
	case aborted:
		s.sink.OnError(recognizer.ErrorEvent{Code: recognizer.CodeAborted})
	case stopping || websocket.CloseStatus(err) == websocket.StatusNormalClosure:
	default:
		slog.Warn("deepgram: stream closed unexpectedly", "err", err)
		s.sink.OnError(recognizer.ErrorEvent{Code: recognizer.CodeNetwork, Message: err.Error()})
	}
	_ = s.conn.CloseNow()
	s.sink.OnEnd()
}

// parseDeepgramResponse parses a raw Deepgram message into a single result
// entry. It returns false for messages that carry no transcript.
func parseDeepgramResponse(data []byte) (recognizer.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return recognizer.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return recognizer.Result{}, false
	}
	alts := make([]recognizer.Alternative, 0, len(resp.Channel.Alternatives))
	for _, a := range resp.Channel.Alternatives {
		alts = append(alts, recognizer.Alternative{Transcript: a.Transcript, Confidence: a.Confidence})
	}
	return recognizer.Result{IsFinal: resp.IsFinal, Alternatives: alts}, true
}

var (
	_ recognizer.Recognizer = (*Recognizer)(nil)
	_ recognizer.AudioSink  = (*Recognizer)(nil)
)
