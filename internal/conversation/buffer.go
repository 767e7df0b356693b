package conversation

import (
	"sync"

	"github.com/MrWong99/clementine/pkg/provider/runtime"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common tokenizers.
const charsPerToken = 4

// thread is the buffered state of one conversation.
type thread struct {
	owner  string
	turns  []runtime.Turn
	tokens int
	loaded bool
}

// turnBuffer keeps the most recent turns of every active conversation in
// memory so LLM-backed runtimes get context without a store round trip per
// message. Each thread is trimmed from the oldest end whenever it exceeds
// maxTurns or maxTokens. Conversations are evicted least recently used once
// more than maxThreads are buffered.
//
// All methods are safe for concurrent use.
type turnBuffer struct {
	maxTurns   int
	maxTokens  int
	maxThreads int

	mu      sync.Mutex
	threads map[string]*thread
	lru     []string
}

func newTurnBuffer(maxTurns, maxTokens, maxThreads int) *turnBuffer {
	return &turnBuffer{
		maxTurns:   maxTurns,
		maxTokens:  maxTokens,
		maxThreads: maxThreads,
		threads:    make(map[string]*thread),
	}
}

func estimateTokens(t runtime.Turn) int {
	// Per-turn overhead for role and formatting.
	return (len(t.Text)+charsPerToken-1)/charsPerToken + 4
}

// open registers a conversation and its owner. Turns of an already open
// conversation are kept.
func (b *turnBuffer) open(id, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threadLocked(id, owner)
}

// owner reports the owner of a buffered conversation.
func (b *turnBuffer) owner(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[id]
	if !ok {
		return "", false
	}
	return th.owner, true
}

// loaded reports whether history for id was already seeded from the store.
func (b *turnBuffer) loaded(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[id]
	return ok && th.loaded
}

// seed replaces the turns of id with history loaded from the store, unless
// turns were appended meanwhile.
func (b *turnBuffer) seed(id, owner string, turns []runtime.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	th := b.threadLocked(id, owner)
	if th.loaded {
		return
	}
	th.loaded = true
	if len(th.turns) > 0 {
		return
	}
	for _, t := range turns {
		b.appendLocked(th, t)
	}
}

// append adds turns to id and trims the thread to its budget.
func (b *turnBuffer) append(id, owner string, turns ...runtime.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	th := b.threadLocked(id, owner)
	for _, t := range turns {
		b.appendLocked(th, t)
	}
}

// history returns a copy of the buffered turns of id, oldest first.
func (b *turnBuffer) history(id string) []runtime.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[id]
	if !ok {
		return nil
	}
	out := make([]runtime.Turn, len(th.turns))
	copy(out, th.turns)
	return out
}

// threadLocked returns the thread for id, creating it if needed, and marks it
// most recently used. Must be called with b.mu held.
func (b *turnBuffer) threadLocked(id, owner string) *thread {
	th, ok := b.threads[id]
	if !ok {
		th = &thread{owner: owner}
		b.threads[id] = th
	}
	b.touchLocked(id)
	for b.maxThreads > 0 && len(b.lru) > b.maxThreads {
		delete(b.threads, b.lru[0])
		b.lru = b.lru[1:]
	}
	return th
}

func (b *turnBuffer) touchLocked(id string) {
	for i, v := range b.lru {
		if v == id {
			b.lru = append(b.lru[:i], b.lru[i+1:]...)
			break
		}
	}
	b.lru = append(b.lru, id)
}

// appendLocked must be called with b.mu held.
func (b *turnBuffer) appendLocked(th *thread, t runtime.Turn) {
	th.turns = append(th.turns, t)
	th.tokens += estimateTokens(t)
	for len(th.turns) > 1 &&
		((b.maxTurns > 0 && len(th.turns) > b.maxTurns) || (b.maxTokens > 0 && th.tokens > b.maxTokens)) {
		th.tokens -= estimateTokens(th.turns[0])
		th.turns = th.turns[1:]
	}
}
