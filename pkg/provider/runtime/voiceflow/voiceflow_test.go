package voiceflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/clementine/pkg/provider/runtime"
)

type seenRequest struct {
	method  string
	path    string
	auth    string
	version string
	body    map[string]any
}

type fakeVoiceflow struct {
	mu     sync.Mutex
	seen   []seenRequest
	traces string
	status int
}

func (f *fakeVoiceflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.seen = append(f.seen, seenRequest{
		method:  r.Method,
		path:    r.URL.Path,
		auth:    r.Header.Get("Authorization"),
		version: r.Header.Get("versionID"),
		body:    body,
	})
	status, traces := f.status, f.traces
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, "boom", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodPatch {
		_, _ = io.WriteString(w, `{}`)
		return
	}
	_, _ = io.WriteString(w, traces)
}

func (f *fakeVoiceflow) requests() []seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seenRequest(nil), f.seen...)
}

type fakeVoice struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (v *fakeVoice) Publish(_ context.Context, text string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.texts = append(v.texts, text)
	if v.err != nil {
		return "", v.err
	}
	return "https://clementine.example/v1/audio/clip-1", nil
}

func newTestRuntime(t *testing.T, f *fakeVoiceflow, opts ...Option) *Runtime {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithVersion("development")}, opts...)
	r, err := New("VF.DM.key", opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return r
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestRuntime_LaunchPatchesVariablesFirst(t *testing.T) {
	t.Parallel()
	f := &fakeVoiceflow{traces: `[{"type":"text","payload":{"message":"Hi Sam, I'm Clementine."}}]`}
	r := newTestRuntime(t, f)

	resp, err := r.Launch(context.Background(), runtime.Request{
		UserID:         "u1",
		ConversationID: "c1",
		Variables:      map[string]string{"user_name": "Sam", "partner_name": "Alex"},
	})
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}
	if got := resp.Text(); got != "Hi Sam, I'm Clementine." {
		t.Errorf("Text() = %q", got)
	}

	seen := f.requests()
	if len(seen) != 2 {
		t.Fatalf("requests = %d, want 2", len(seen))
	}
	patch, launch := seen[0], seen[1]
	if patch.method != http.MethodPatch || patch.path != "/state/user/c1/variables" {
		t.Errorf("first request = %s %s", patch.method, patch.path)
	}
	if patch.body["partner_name"] != "Alex" {
		t.Errorf("variables body = %v", patch.body)
	}
	if launch.method != http.MethodPost || launch.path != "/state/user/c1/interact" {
		t.Errorf("second request = %s %s", launch.method, launch.path)
	}
	if a, _ := launch.body["action"].(map[string]any); a["type"] != "launch" {
		t.Errorf("action = %v, want launch", launch.body["action"])
	}
	if launch.auth != "VF.DM.key" || launch.version != "development" {
		t.Errorf("headers auth=%q version=%q", launch.auth, launch.version)
	}
}

func TestRuntime_InteractSendsText(t *testing.T) {
	t.Parallel()
	f := &fakeVoiceflow{traces: `[
		{"type":"speak","payload":{"message":"<voice name=\"Joanna\">That sounds hard.</voice>","src":"https://cdn.example/a.mp3","type":"message"}},
		{"type":"text","payload":{"message":"Want to talk about it?"}},
		{"type":"end","payload":null}
	]`}
	r := newTestRuntime(t, f)

	resp, err := r.Interact(context.Background(), runtime.Request{UserID: "u1", Text: "we argued again"})
	if err != nil {
		t.Fatalf("Interact() error: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(resp.Messages))
	}
	if resp.Messages[0].Text != "That sounds hard." || resp.AudioURL() != "https://cdn.example/a.mp3" {
		t.Errorf("speak message = %+v", resp.Messages[0])
	}

	req := f.requests()[0]
	if req.path != "/state/user/u1/interact" {
		t.Errorf("path = %q, want user-keyed state", req.path)
	}
	a, _ := req.body["action"].(map[string]any)
	if a["type"] != "text" || a["payload"] != "we argued again" {
		t.Errorf("action = %v", a)
	}
}

func TestRuntime_RequestsPlatformTTS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []Option
		want bool
	}{
		{name: "default", want: true},
		{name: "disabled", opts: []Option{WithPlatformTTS(false)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeVoiceflow{traces: `[]`}
			r := newTestRuntime(t, f, tt.opts...)
			if _, err := r.Launch(context.Background(), runtime.Request{UserID: "u1"}); err != nil {
				t.Fatalf("Launch() error: %v", err)
			}
			if _, err := r.Interact(context.Background(), runtime.Request{UserID: "u1", Text: "hello"}); err != nil {
				t.Fatalf("Interact() error: %v", err)
			}
			for _, req := range f.requests() {
				cfg, ok := req.body["config"].(map[string]any)
				if !ok {
					t.Fatalf("%s body = %v, want a config object", req.path, req.body)
				}
				if cfg["tts"] != tt.want {
					t.Errorf("%s config.tts = %v, want %v", req.path, cfg["tts"], tt.want)
				}
			}
		})
	}
}

func TestRuntime_VoiceFillsMissingAudio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		traces    string
		voiceErr  error
		wantURL   string
		wantTexts int
	}{
		{
			name:      "text only reply is synthesized",
			traces:    `[{"type":"text","payload":{"message":"That sounds hard."}},{"type":"text","payload":{"message":"Tell me more."}}]`,
			wantURL:   "https://clementine.example/v1/audio/clip-1",
			wantTexts: 1,
		},
		{
			name:    "platform audio is kept",
			traces:  `[{"type":"speak","payload":{"message":"Hi","src":"https://cdn.example/a.mp3"}}]`,
			wantURL: "https://cdn.example/a.mp3",
		},
		{
			name:      "synthesis failure keeps the text",
			traces:    `[{"type":"text","payload":{"message":"Hi"}}]`,
			voiceErr:  errors.New("tts down"),
			wantTexts: 1,
		},
		{
			name:   "empty reply is not synthesized",
			traces: `[]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := &fakeVoice{err: tt.voiceErr}
			r := newTestRuntime(t, &fakeVoiceflow{traces: tt.traces}, WithVoice(v))

			resp, err := r.Interact(context.Background(), runtime.Request{UserID: "u1", Text: "hello"})
			if err != nil {
				t.Fatalf("Interact() error: %v", err)
			}
			if got := resp.AudioURL(); got != tt.wantURL {
				t.Errorf("AudioURL() = %q, want %q", got, tt.wantURL)
			}
			if len(v.texts) != tt.wantTexts {
				t.Fatalf("Publish calls = %v, want %d", v.texts, tt.wantTexts)
			}
			if tt.wantTexts > 0 && v.texts[0] != resp.Text() {
				t.Errorf("Publish text = %q, want reply text %q", v.texts[0], resp.Text())
			}
		})
	}
}

func TestRuntime_HTTPError(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, &fakeVoiceflow{status: http.StatusBadGateway})
	if _, err := r.Interact(context.Background(), runtime.Request{UserID: "u1", Text: "hi"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestRuntime_EmptyStateKey(t *testing.T) {
	t.Parallel()
	r := newTestRuntime(t, &fakeVoiceflow{})
	if _, err := r.Launch(context.Background(), runtime.Request{}); err == nil {
		t.Error("Launch: expected error for empty state key")
	}
	if _, err := r.Interact(context.Background(), runtime.Request{Text: "x"}); err == nil {
		t.Error("Interact: expected error for empty state key")
	}
}

func TestStripSSML(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{`<speak>Hello <break time="1s"/> there</speak>`, "Hello there"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := stripSSML(tc.in); got != tc.want {
			t.Errorf("stripSSML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
