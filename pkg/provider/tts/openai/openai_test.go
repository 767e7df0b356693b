package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestSynthesizer_Synthesize(t *testing.T) {
	t.Parallel()

	type seen struct {
		path, auth string
		body       map[string]any
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		got <- seen{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake"))
	}))
	t.Cleanup(srv.Close)

	s, err := New("sk-test",
		WithBaseURL(srv.URL+"/v1/"),
		WithVoice("nova"),
		WithInstructions("Speak warmly."),
		WithMaxRetries(0),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	audio, err := s.Synthesize(context.Background(), "You two can work this out.")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if string(audio.Data) != "ID3fake" || audio.ContentType != "audio/mpeg" {
		t.Errorf("audio = %q (%s)", audio.Data, audio.ContentType)
	}

	req := <-got
	if req.path != "/v1/audio/speech" {
		t.Errorf("path = %q", req.path)
	}
	if req.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", req.auth)
	}
	body := req.body
	if body["voice"] != "nova" || body["model"] != defaultModel || body["input"] != "You two can work this out." {
		t.Errorf("body = %v", body)
	}
	if body["response_format"] != "mp3" || body["instructions"] != "Speak warmly." {
		t.Errorf("body = %v", body)
	}
}

func TestSynthesizer_HTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	t.Cleanup(srv.Close)

	s, err := New("sk-bad", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatal("expected error for 401 response")
	}
}
