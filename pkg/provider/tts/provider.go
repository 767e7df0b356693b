// Package tts defines the Synthesizer interface for text-to-speech backends
// and the small amount of plumbing needed to serve synthesized replies to the
// browser: an in-memory [Cache] of rendered clips and a [Voice] that turns
// text into a URL under which the clip can be fetched.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Audio is one synthesized clip.
type Audio struct {
	// Data holds the encoded audio bytes.
	Data []byte

	// ContentType is the MIME type of Data, e.g. "audio/mpeg".
	ContentType string
}

// Synthesizer renders text into a complete audio clip.
type Synthesizer interface {
	// Synthesize converts text to audio. It returns an error if the backend
	// cannot be reached or rejects the request.
	Synthesize(ctx context.Context, text string) (Audio, error)
}
