package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/clementine/pkg/provider/recognizer"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	r, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := r.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en-US", q.Get("language"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_Options(t *testing.T) {
	r, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := r.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	q, _ := url.Parse(rawURL)

	assertEqual(t, "model", "base", q.Query().Get("model"))
	assertEqual(t, "language", "de-DE", q.Query().Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Query().Get("sample_rate"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {"alternatives": [{"transcript": " I feel ignored ", "confidence": 0.95}]}
	}`)

	res, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !res.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "I feel ignored", res.Text())
	if res.Alternatives[0].Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", res.Alternatives[0].Confidence)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"metadata", `{"type":"Metadata","request_id":"abc"}`},
		{"empty alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{"invalid json", `{invalid`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseDeepgramResponse([]byte(tc.raw)); ok {
				t.Error("expected ok=false")
			}
		})
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- streaming tests ----

type recordingSink struct {
	mu      sync.Mutex
	starts  int
	results []recognizer.Result
	errs    []recognizer.ErrorEvent
	ended   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ended: make(chan struct{})}
}

func (s *recordingSink) OnStart() {
	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
}

func (s *recordingSink) OnResult(ev recognizer.ResultEvent) {
	s.mu.Lock()
	s.results = append(s.results, ev.Results...)
	s.mu.Unlock()
}

func (s *recordingSink) OnError(ev recognizer.ErrorEvent) {
	s.mu.Lock()
	s.errs = append(s.errs, ev)
	s.mu.Unlock()
}

func (s *recordingSink) OnEnd() { close(s.ended) }

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received OnEnd")
	}
}

// fakeDeepgram replies to the first audio frame with the given messages and
// closes normally once it receives CloseStream.
func fakeDeepgram(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key" {
			t.Errorf("Authorization = %q, want %q", got, "Token key")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		replied := false
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(msg), "CloseStream") {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if !replied {
				replied = true
				for _, m := range replies {
					_ = conn.Write(ctx, websocket.MessageText, []byte(m))
				}
			}
		}
	}))
}

func TestRecognizer_StreamAndStop(t *testing.T) {
	srv := fakeDeepgram(t,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"I feel"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"I feel ignored"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"by my partner"}]}}`,
	)
	defer srv.Close()

	r, err := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := newRecordingSink()
	if err := r.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.SendAudio([]byte{0, 1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.results)
		sink.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("received %d results, want 3", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.starts != 1 {
		t.Errorf("starts = %d, want 1", sink.starts)
	}
	if len(sink.errs) != 0 {
		t.Errorf("errors = %+v, want none", sink.errs)
	}
	wantIdx := []int{0, 0, 1}
	for i, res := range sink.results {
		if res.Index != wantIdx[i] {
			t.Errorf("result[%d].Index = %d, want %d", i, res.Index, wantIdx[i])
		}
	}
	if err := r.SendAudio([]byte{0}); err == nil {
		t.Error("SendAudio after end should fail")
	}
}

func TestRecognizer_Abort(t *testing.T) {
	srv := fakeDeepgram(t)
	defer srv.Close()

	r, err := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := newRecordingSink()
	if err := r.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 1 || sink.errs[0].Code != recognizer.CodeAborted {
		t.Errorf("errors = %+v, want one aborted", sink.errs)
	}
}

func TestRecognizer_NotRunning(t *testing.T) {
	r, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Stop(); err != recognizer.ErrNotRunning {
		t.Errorf("Stop err = %v, want ErrNotRunning", err)
	}
	if err := r.SendAudio(nil); err != recognizer.ErrNotRunning {
		t.Errorf("SendAudio err = %v, want ErrNotRunning", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
