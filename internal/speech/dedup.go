package speech

// FragmentKey identifies a final fragment for deduplication. Pass is the
// recognition pass within the session (it grows on every transparent
// restart); Index is the result position the platform reported.
type FragmentKey struct {
	Pass  int
	Index int
	Text  string
}

// Deduper filters final fragments that the platform delivered more than once.
//
// Browsers redeliver the cumulative results list on every result event, so
// the same final entry arrives repeatedly with the same index and text. This
// is a compatibility shim for that behaviour, not a general text
// deduplication algorithm; a platform that reports each final exactly once
// can use a Deduper that never reports a duplicate.
type Deduper interface {
	// Seen records k and reports whether it had been recorded before.
	Seen(k FragmentKey) bool
}

// NewKeyDeduper returns a Deduper keyed on (pass, index, text).
func NewKeyDeduper() Deduper {
	return keyDeduper{}
}

type keyDeduper map[FragmentKey]struct{}

func (d keyDeduper) Seen(k FragmentKey) bool {
	if _, ok := d[k]; ok {
		return true
	}
	d[k] = struct{}{}
	return false
}
