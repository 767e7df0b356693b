package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// VoiceOption is a functional option for configuring a [Voice].
type VoiceOption func(*Voice)

// WithObserver registers a callback invoked after every synthesis with its
// duration and error.
func WithObserver(fn func(d time.Duration, err error)) VoiceOption {
	return func(v *Voice) { v.observe = fn }
}

// WithMaxChars truncates text longer than n runes before synthesis.
// Default: 4096, the OpenAI speech input limit.
func WithMaxChars(n int) VoiceOption {
	return func(v *Voice) { v.maxChars = n }
}

// Voice synthesizes text, stores the clip in a [Cache], and returns the URL
// under which the clip is served.
type Voice struct {
	synth    Synthesizer
	cache    *Cache
	prefix   string
	maxChars int
	observe  func(time.Duration, error)
}

// NewVoice returns a Voice publishing clips as prefix + id.
func NewVoice(synth Synthesizer, cache *Cache, prefix string, opts ...VoiceOption) (*Voice, error) {
	if synth == nil {
		return nil, errors.New("tts: voice: synthesizer must not be nil")
	}
	if cache == nil {
		return nil, errors.New("tts: voice: cache must not be nil")
	}
	v := &Voice{
		synth:    synth,
		cache:    cache,
		prefix:   strings.TrimRight(prefix, "/") + "/",
		maxChars: 4096,
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Publish synthesizes text and returns its URL.
func (v *Voice) Publish(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("tts: publish: empty text")
	}
	if r := []rune(text); v.maxChars > 0 && len(r) > v.maxChars {
		text = string(r[:v.maxChars])
	}

	start := time.Now()
	audio, err := v.synth.Synthesize(ctx, text)
	if v.observe != nil {
		v.observe(time.Since(start), err)
	}
	if err != nil {
		return "", fmt.Errorf("tts: publish: %w", err)
	}
	if len(audio.Data) == 0 {
		return "", errors.New("tts: publish: synthesizer returned no audio")
	}
	return v.prefix + v.cache.Put(audio), nil
}
