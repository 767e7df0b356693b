package speech

import (
	"strings"
	"time"
)

// Origin tells where a consolidated transcript's text came from.
type Origin string

const (
	// OriginFinals means the text is the space-joined final fragments.
	OriginFinals Origin = "finals"

	// OriginInterim means no final fragment arrived and the latest interim
	// text was used instead.
	OriginInterim Origin = "interim"

	// OriginNone means the session produced no text.
	OriginNone Origin = "none"
)

// Fragment is a piece of recognised text owned by one session.
type Fragment struct {
	Text  string
	Final bool

	// Index is the result position reported by the platform.
	Index int

	// Pass is the recognition pass that produced the fragment.
	Pass int
}

// Transcript is the consolidated result of one capture session.
type Transcript struct {
	SessionID string
	Text      string
	Origin    Origin

	// Fragments is the number of final fragments collected.
	Fragments int

	StartedAt time.Time
	EndedAt   time.Time
}

// Empty reports whether the transcript carries no text.
func (t Transcript) Empty() bool { return t.Text == "" }

// Caption is a live preview of a capturing session.
type Caption struct {
	SessionID string
	Text      string
}

// session is the mutable state of one capture gesture. It is only touched by
// the Manager under its lock.
type session struct {
	id        string
	startedAt time.Time
	finals    []Fragment
	interim   string
	dedup     Deduper
	pass      int
}

func (s *session) finalText() string {
	parts := make([]string, 0, len(s.finals))
	for _, f := range s.finals {
		parts = append(parts, f.Text)
	}
	return strings.Join(parts, " ")
}

// preview is the finals followed by the latest interim.
func (s *session) preview() string {
	text := s.finalText()
	switch {
	case s.interim == "":
		return text
	case text == "":
		return s.interim
	default:
		return text + " " + s.interim
	}
}

// consolidate builds the transcript: finals if any, else the latest interim,
// else empty.
func (s *session) consolidate(now time.Time) Transcript {
	t := Transcript{
		SessionID: s.id,
		Origin:    OriginNone,
		Fragments: len(s.finals),
		StartedAt: s.startedAt,
		EndedAt:   now,
	}
	switch {
	case len(s.finals) > 0:
		t.Text = s.finalText()
		t.Origin = OriginFinals
	case s.interim != "":
		t.Text = s.interim
		t.Origin = OriginInterim
	}
	return t
}
