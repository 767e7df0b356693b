package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"runtime":     {"voiceflow", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"store":       {"rest", "postgres", "memory"},
	"recognizer":  {"deepgram"},
	"synthesizer": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references in
// secrets, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets resolves environment references in fields that usually hold
// credentials so they need not be committed with the file.
func expandSecrets(cfg *Config) {
	cfg.Auth.JWTSecret = os.ExpandEnv(cfg.Auth.JWTSecret)
	entries := []*ProviderEntry{
		&cfg.Providers.Runtime,
		&cfg.Providers.Store,
		&cfg.Providers.Recognizer,
		&cfg.Providers.Synthesizer,
	}
	for i := range cfg.Providers.RuntimeFallbacks {
		entries = append(entries, &cfg.Providers.RuntimeFallbacks[i])
	}
	for _, e := range entries {
		e.APIKey = os.ExpandEnv(e.APIKey)
		e.BaseURL = os.ExpandEnv(e.BaseURL)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if u := cfg.Server.PublicURL; u != "" {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute URL", u))
		}
	}

	// Auth
	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	} else if len(cfg.Auth.JWTSecret) < 32 {
		slog.Warn("auth.jwt_secret is shorter than 32 bytes")
	}

	// Providers
	if cfg.Providers.Runtime.Name == "" {
		errs = append(errs, errors.New("providers.runtime.name is required"))
	}
	validateProviderName("runtime", cfg.Providers.Runtime.Name)
	for i, fb := range cfg.Providers.RuntimeFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.runtime_fallbacks[%d].name is required", i))
		}
		validateProviderName("runtime", fb.Name)
	}
	validateProviderName("store", cfg.Providers.Store.Name)
	validateProviderName("recognizer", cfg.Providers.Recognizer.Name)
	validateProviderName("synthesizer", cfg.Providers.Synthesizer.Name)

	switch cfg.Providers.Store.Name {
	case "":
		slog.Warn("providers.store is not configured; conversations are kept in memory and lost on restart")
	case "rest", "postgres":
		if cfg.Providers.Store.BaseURL == "" {
			errs = append(errs, fmt.Errorf("providers.store.base_url is required for store %q", cfg.Providers.Store.Name))
		}
	}

	// Speech
	if m := cfg.Speech.Mode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("speech.mode %q is invalid; valid values: browser, server", m))
	}
	if cfg.Speech.Mode == RecognitionServer && cfg.Providers.Recognizer.Name == "" {
		errs = append(errs, errors.New("speech.mode \"server\" requires providers.recognizer"))
	}
	if cfg.Speech.Mode != RecognitionServer && cfg.Providers.Recognizer.Name != "" {
		slog.Warn("providers.recognizer is configured but speech.mode is not \"server\"; it will not be used")
	}
	errs = append(errs, validateDuration("speech.safety_timeout", cfg.Speech.SafetyTimeout)...)
	errs = append(errs, validateDuration("speech.permission_timeout", cfg.Speech.PermissionTimeout)...)

	// Conversation
	errs = append(errs, validateDuration("conversation.runtime_timeout", cfg.Conversation.RuntimeTimeout)...)
	if cfg.Conversation.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("conversation.history_turns %d must not be negative", cfg.Conversation.HistoryTurns))
	}
	if cfg.Conversation.HistoryTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.history_tokens %d must not be negative", cfg.Conversation.HistoryTokens))
	}

	// Persona
	if cfg.Persona.SystemPrompt != "" && cfg.Providers.Runtime.Name == "voiceflow" {
		slog.Warn("persona.system_prompt has no effect with the voiceflow runtime")
	}

	return errors.Join(errs...)
}

func validateDuration(field string, d time.Duration) []error {
	if d < 0 {
		return []error{fmt.Errorf("%s %s must not be negative", field, d)}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// OptString returns the string option key from opts, or "" when it is absent
// or not a string.
func OptString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// OptInt returns the integer option key from opts, or def when it is absent.
// YAML integers decode as int; floats are truncated.
func OptInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// OptFloat returns the numeric option key from opts, or def when it is absent.
func OptFloat(opts map[string]any, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// OptBool returns the boolean option key from opts, or def when it is absent
// or not a boolean.
func OptBool(opts map[string]any, key string, def bool) bool {
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return def
}

// OptDuration returns the duration option key from opts, parsed from a
// string like "10s", or def when it is absent or invalid.
func OptDuration(opts map[string]any, key string, def time.Duration) time.Duration {
	if s, ok := opts[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}
