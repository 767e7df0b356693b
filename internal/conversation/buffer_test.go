package conversation

import (
	"strings"
	"testing"

	"github.com/MrWong99/clementine/pkg/provider/runtime"
)

func turn(role, text string) runtime.Turn { return runtime.Turn{Role: role, Text: text} }

func TestTurnBuffer_TrimsToMaxTurns(t *testing.T) {
	t.Parallel()

	b := newTurnBuffer(3, 0, 0)
	b.append("c1", "u1", turn("user", "1"), turn("assistant", "2"), turn("user", "3"), turn("assistant", "4"))

	got := b.history("c1")
	if len(got) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(got))
	}
	if got[0].Text != "2" || got[2].Text != "4" {
		t.Errorf("history = %+v, want turns 2..4", got)
	}
}

func TestTurnBuffer_TrimsToTokenBudget(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 400) // ~104 tokens with overhead
	b := newTurnBuffer(0, 150, 0)
	b.append("c1", "u1", turn("user", long), turn("assistant", long))

	got := b.history("c1")
	if len(got) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(got))
	}
	if got[0].Role != "assistant" {
		t.Errorf("kept role = %q, want the newest turn", got[0].Role)
	}
}

func TestTurnBuffer_KeepsOversizedSingleTurn(t *testing.T) {
	t.Parallel()

	b := newTurnBuffer(0, 1, 0)
	b.append("c1", "u1", turn("user", strings.Repeat("y", 100)))
	if got := len(b.history("c1")); got != 1 {
		t.Errorf("len(history) = %d, want 1", got)
	}
}

func TestTurnBuffer_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	b := newTurnBuffer(10, 0, 2)
	b.open("a", "u1")
	b.open("b", "u1")
	b.open("a", "u1") // a is now most recent
	b.open("c", "u2")

	if _, ok := b.owner("b"); ok {
		t.Error("b should have been evicted")
	}
	if owner, ok := b.owner("a"); !ok || owner != "u1" {
		t.Errorf("owner(a) = %q, %v", owner, ok)
	}
	if owner, ok := b.owner("c"); !ok || owner != "u2" {
		t.Errorf("owner(c) = %q, %v", owner, ok)
	}
}

func TestTurnBuffer_SeedOnlyOnce(t *testing.T) {
	t.Parallel()

	b := newTurnBuffer(10, 0, 0)
	if b.loaded("c1") {
		t.Fatal("unknown conversation reported as loaded")
	}
	b.seed("c1", "u1", []runtime.Turn{turn("user", "stored")})
	b.seed("c1", "u1", []runtime.Turn{turn("user", "again")})

	if !b.loaded("c1") {
		t.Error("loaded = false after seed")
	}
	got := b.history("c1")
	if len(got) != 1 || got[0].Text != "stored" {
		t.Errorf("history = %+v, want the first seed only", got)
	}
}

func TestTurnBuffer_SeedDoesNotOverwriteAppended(t *testing.T) {
	t.Parallel()

	b := newTurnBuffer(10, 0, 0)
	b.append("c1", "u1", turn("user", "live"))
	b.seed("c1", "u1", []runtime.Turn{turn("user", "stored")})

	got := b.history("c1")
	if len(got) != 1 || got[0].Text != "live" {
		t.Errorf("history = %+v", got)
	}
}

func TestTurnBuffer_HistoryIsCopy(t *testing.T) {
	t.Parallel()

	b := newTurnBuffer(10, 0, 0)
	b.append("c1", "u1", turn("user", "hi"))
	h := b.history("c1")
	h[0].Text = "changed"
	if got := b.history("c1")[0].Text; got != "hi" {
		t.Errorf("buffer mutated through history copy: %q", got)
	}
	if b.history("missing") != nil {
		t.Error("history of unknown conversation should be nil")
	}
}
