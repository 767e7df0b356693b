package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/clementine/internal/auth"
	"github.com/MrWong99/clementine/internal/conversation"
	"github.com/MrWong99/clementine/pkg/provider/runtime"
	rtmock "github.com/MrWong99/clementine/pkg/provider/runtime/mock"
	"github.com/MrWong99/clementine/pkg/provider/tts"
	"github.com/MrWong99/clementine/pkg/store"
	storemock "github.com/MrWong99/clementine/pkg/store/mock"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

var (
	alice = auth.User{ID: "u-alice", Email: "alice@example.com"}
	bob   = auth.User{ID: "u-bob", Email: "bob@example.com"}
)

// testEnv is a server backed by a real orchestrator over mock providers.
type testEnv struct {
	srv      *httptest.Server
	verifier *auth.Verifier
	rt       *rtmock.Runtime
	st       *storemock.Store
	audio    *tts.Cache
}

// newTestEnv builds the environment. mutate runs before the server starts, so
// it may reconfigure the mocks without racing request handlers.
func newTestEnv(t *testing.T, mutate func(*testEnv, *Config)) *testEnv {
	t.Helper()

	v, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}
	rt := &rtmock.Runtime{
		LaunchResponse: runtime.Response{Messages: []runtime.Message{{Text: "Hi, I'm Clementine."}}},
		InteractFunc: func(req runtime.Request) (runtime.Response, error) {
			return runtime.Response{Messages: []runtime.Message{{Text: "You said: " + req.Text}}}, nil
		},
	}
	st := storemock.New()
	orch, err := conversation.New(conversation.Config{Runtime: rt, Store: st})
	if err != nil {
		t.Fatalf("conversation.New() error: %v", err)
	}
	cfg := Config{
		Chat:     orch,
		Profiles: st,
		Verifier: v,
		Audio:    tts.NewCache(time.Minute, 8),
	}
	env := &testEnv{verifier: v, rt: rt, st: st, audio: cfg.Audio}
	if mutate != nil {
		mutate(env, &cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) token(t *testing.T, u auth.User) string {
	t.Helper()
	tok, err := e.verifier.Sign(u, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return tok
}

// do sends a request as u (zero u means anonymous) and decodes a JSON
// response into out when out is non-nil.
func (e *testEnv) do(t *testing.T, u auth.User, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if u.ID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, u))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	v, _ := auth.NewVerifier(testSecret)
	st := storemock.New()
	orch, _ := conversation.New(conversation.Config{Runtime: &rtmock.Runtime{}, Store: st})

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no chat", Config{Profiles: st, Verifier: v}},
		{"no profiles", Config{Chat: orch, Verifier: v}},
		{"no verifier", Config{Chat: orch, Profiles: st}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestServer_RequiresAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	for _, path := range []string{"/v1/conversations", "/v1/profile"} {
		if code := env.do(t, auth.User{}, http.MethodGet, path, "", nil); code != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, code)
		}
	}
	if code := env.do(t, auth.User{}, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", code)
	}
}

func TestServer_ConversationRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	var greeting conversation.Reply
	if code := env.do(t, alice, http.MethodPost, "/v1/conversations", "", &greeting); code != http.StatusCreated {
		t.Fatalf("launch status = %d, want 201", code)
	}
	if greeting.Text != "Hi, I'm Clementine." || greeting.ConversationID == "" {
		t.Fatalf("greeting = %+v", greeting)
	}

	path := "/v1/conversations/" + greeting.ConversationID + "/messages"
	var reply conversation.Reply
	if code := env.do(t, alice, http.MethodPost, path, `{"text":"  we keep arguing  ","source":"voice"}`, &reply); code != http.StatusOK {
		t.Fatalf("send status = %d, want 200", code)
	}
	if reply.Text != "You said: we keep arguing" {
		t.Errorf("reply text = %q", reply.Text)
	}

	var hist struct {
		Messages []store.Message `json:"messages"`
	}
	if code := env.do(t, alice, http.MethodGet, path, "", &hist); code != http.StatusOK {
		t.Fatalf("history status = %d, want 200", code)
	}
	if len(hist.Messages) != 3 {
		t.Fatalf("history has %d messages, want 3", len(hist.Messages))
	}
	if got := hist.Messages[1]; got.Role != store.RoleUser || got.Source != store.SourceVoice {
		t.Errorf("user message = %+v", got)
	}

	var list struct {
		Conversations []store.Conversation `json:"conversations"`
	}
	if code := env.do(t, alice, http.MethodGet, "/v1/conversations?limit=5", "", &list); code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", code)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != greeting.ConversationID {
		t.Errorf("conversations = %+v", list.Conversations)
	}
}

func TestServer_SendErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	var greeting conversation.Reply
	env.do(t, bob, http.MethodPost, "/v1/conversations", "", &greeting)
	bobPath := "/v1/conversations/" + greeting.ConversationID + "/messages"

	tests := []struct {
		name string
		user auth.User
		path string
		body string
		code int
		err  string
	}{
		{"empty text", bob, bobPath, `{"text":"   "}`, http.StatusBadRequest, "empty_message"},
		{"bad source", bob, bobPath, `{"text":"hi","source":"telepathy"}`, http.StatusBadRequest, "invalid_source"},
		{"unknown field", bob, bobPath, `{"text":"hi","mood":"sad"}`, http.StatusBadRequest, "invalid_body"},
		{"malformed", bob, bobPath, `{`, http.StatusBadRequest, "invalid_body"},
		{"foreign conversation", alice, bobPath, `{"text":"hi"}`, http.StatusForbidden, "forbidden"},
		{"unknown conversation", bob, "/v1/conversations/nope/messages", `{"text":"hi"}`, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var body errorBody
			if code := env.do(t, tt.user, http.MethodPost, tt.path, tt.body, &body); code != tt.code {
				t.Errorf("status = %d, want %d", code, tt.code)
			}
			if body.Error != tt.err {
				t.Errorf("error = %q, want %q", body.Error, tt.err)
			}
		})
	}
}

func TestServer_InvalidLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	if code := env.do(t, alice, http.MethodGet, "/v1/conversations?limit=-1", "", nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestServer_RuntimeFailureStillReplies(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(e *testEnv, _ *Config) {
		e.rt.InteractFunc = nil
		e.rt.InteractErr = context.DeadlineExceeded
	})
	var greeting conversation.Reply
	env.do(t, alice, http.MethodPost, "/v1/conversations", "", &greeting)

	var reply conversation.Reply
	path := "/v1/conversations/" + greeting.ConversationID + "/messages"
	if code := env.do(t, alice, http.MethodPost, path, `{"text":"hello?"}`, &reply); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !reply.Fallback || reply.Text != conversation.DefaultApology {
		t.Errorf("reply = %+v, want apology fallback", reply)
	}
}

func TestServer_Profile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	var p store.Profile
	if code := env.do(t, alice, http.MethodGet, "/v1/profile", "", &p); code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", code)
	}
	if p.ID != alice.ID || p.Email != alice.Email || p.PartnerName != "" {
		t.Errorf("empty profile = %+v", p)
	}

	body := `{"display_name":" Alice ","partner_name":"Bob","preferences":{"tone":"direct"}}`
	if code := env.do(t, alice, http.MethodPut, "/v1/profile", body, &p); code != http.StatusOK {
		t.Fatalf("put status = %d, want 200", code)
	}
	p = store.Profile{}
	env.do(t, alice, http.MethodGet, "/v1/profile", "", &p)
	if p.DisplayName != "Alice" || p.PartnerName != "Bob" || p.Preferences["tone"] != "direct" {
		t.Errorf("stored profile = %+v", p)
	}
}

func TestServer_ProfileStoreDown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(e *testEnv, _ *Config) {
		e.st.GetProfileErr = context.DeadlineExceeded
	})
	if code := env.do(t, alice, http.MethodGet, "/v1/profile", "", nil); code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", code)
	}
}

func TestServer_Audio(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	id := env.audio.Put(tts.Audio{Data: []byte("ID3fake"), ContentType: "audio/mpeg"})

	resp, err := http.Get(env.srv.URL + "/v1/audio/" + id)
	if err != nil {
		t.Fatalf("GET audio error: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.Equal(data, []byte("ID3fake")) {
		t.Errorf("body = %q", data)
	}

	if code := env.do(t, auth.User{}, http.MethodGet, "/v1/audio/missing", "", nil); code != http.StatusNotFound {
		t.Errorf("missing audio status = %d, want 404", code)
	}
}

func TestServer_UserContextReceivesToken(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	env := newTestEnv(t, func(_ *testEnv, c *Config) {
		c.UserContext = func(ctx context.Context, token string) context.Context {
			select {
			case got <- token:
			default:
			}
			return ctx
		}
	})
	env.do(t, alice, http.MethodGet, "/v1/profile", "", nil)

	select {
	case tok := <-got:
		if _, err := env.verifier.Verify(tok); err != nil {
			t.Errorf("forwarded token does not verify: %v", err)
		}
	default:
		t.Fatal("UserContext was not called")
	}
}

type panicChat struct{}

func (panicChat) Launch(context.Context, conversation.User) (conversation.Reply, error) {
	panic("boom")
}

func (panicChat) Send(context.Context, string, conversation.User, string, store.Source) (conversation.Reply, error) {
	panic("boom")
}

func (panicChat) History(context.Context, string, conversation.User, int) ([]store.Message, error) {
	panic("boom")
}

func (panicChat) Conversations(context.Context, conversation.User, int) ([]store.Conversation, error) {
	panic("boom")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ *testEnv, c *Config) {
		c.Chat = panicChat{}
	})
	var body errorBody
	if code := env.do(t, alice, http.MethodPost, "/v1/conversations", "", &body); code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
	if body.Error != "internal" {
		t.Errorf("error = %q, want internal", body.Error)
	}
}
