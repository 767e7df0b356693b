package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/clementine/internal/conversation"
	"github.com/MrWong99/clementine/internal/observe"
	"github.com/MrWong99/clementine/pkg/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// maxListLimit caps the limit query parameter.
const maxListLimit = 200

type sendRequest struct {
	Text   string       `json:"text"`
	Source store.Source `json:"source,omitempty"`
}

type profileUpdate struct {
	DisplayName        string            `json:"display_name"`
	PartnerName        string            `json:"partner_name"`
	RelationshipStatus string            `json:"relationship_status"`
	Preferences        map[string]string `json:"preferences"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	reply, err := s.cfg.Chat.Launch(r.Context(), userFrom(r))
	if err != nil {
		s.chatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := s.cfg.Chat.Conversations(r.Context(), userFrom(r), limit)
	if err != nil {
		s.chatError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Source {
	case "", store.SourceTyped, store.SourceVoice:
	default:
		writeError(w, http.StatusBadRequest, "invalid_source", `source must be "typed" or "voice"`)
		return
	}
	reply, err := s.cfg.Chat.Send(r.Context(), r.PathValue("id"), userFrom(r), req.Text, req.Source)
	if err != nil {
		s.chatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	msgs, err := s.cfg.Chat.History(r.Context(), r.PathValue("id"), userFrom(r), limit)
	if err != nil {
		s.chatError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	p, err := s.cfg.Profiles.GetProfile(r.Context(), u.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = store.Profile{ID: u.ID, Email: u.Email}
	case err != nil:
		observe.Logger(r.Context()).Error("server: get profile", "user_id", u.ID, "err", err)
		writeError(w, http.StatusBadGateway, "store_unavailable", "profile is temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var upd profileUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	u := userFrom(r)
	p, err := s.cfg.Profiles.UpsertProfile(r.Context(), store.Profile{
		ID:                 u.ID,
		Email:              u.Email,
		DisplayName:        strings.TrimSpace(upd.DisplayName),
		PartnerName:        strings.TrimSpace(upd.PartnerName),
		RelationshipStatus: strings.TrimSpace(upd.RelationshipStatus),
		Preferences:        upd.Preferences,
	})
	if err != nil {
		observe.Logger(r.Context()).Error("server: upsert profile", "user_id", u.ID, "err", err)
		writeError(w, http.StatusBadGateway, "store_unavailable", "profile could not be saved")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	a, ok := s.cfg.Audio.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "audio not found or expired")
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Cache-Control", "private, max-age=600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}

// chatError maps orchestrator errors onto HTTP statuses.
func (s *Server) chatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "empty_message", "message text is empty")
	case errors.Is(err, conversation.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, conversation.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "conversation belongs to another user")
	default:
		observe.Logger(r.Context()).Error("server: chat request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadGateway, "unavailable", "conversation history is temporarily unavailable")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}
