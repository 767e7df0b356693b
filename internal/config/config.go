// Package config provides the configuration schema, loader, and provider registry
// for the Clementine chat server.
package config

import "time"

// LogLevel controls log verbosity for the Clementine server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// RecognitionMode selects where speech recognition runs.
type RecognitionMode string

const (
	// RecognitionBrowser relays the browser's Web Speech API events.
	RecognitionBrowser RecognitionMode = "browser"

	// RecognitionServer streams browser microphone audio to the configured
	// recognizer provider.
	RecognitionServer RecognitionMode = "server"
)

// IsValid reports whether m is a recognised recognition mode.
func (m RecognitionMode) IsValid() bool {
	return m == RecognitionBrowser || m == RecognitionServer
}

// Config is the root configuration structure for Clementine.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Speech       SpeechConfig       `yaml:"speech"`
	Conversation ConversationConfig `yaml:"conversation"`
	Persona      PersonaConfig      `yaml:"persona"`
}

// ServerConfig holds network and logging settings for the Clementine server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists the origin patterns accepted for the speech
	// WebSocket (e.g., "app.example.com"). Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// PublicURL is the externally visible base URL used to build audio links.
	// Empty produces relative links.
	PublicURL string `yaml:"public_url"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig configures verification of the bearer tokens issued by the
// backend-as-a-service.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret shared with the token issuer.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`

	// Audience, when set, must be contained in the token's aud claim.
	Audience string `yaml:"audience"`
}

// ProvidersConfig declares which implementation to use for each external
// dependency. Each entry selects a named factory registered in the [Registry].
type ProvidersConfig struct {
	Runtime          ProviderEntry   `yaml:"runtime"`
	RuntimeFallbacks []ProviderEntry `yaml:"runtime_fallbacks"`
	Store            ProviderEntry   `yaml:"store"`
	Recognizer       ProviderEntry   `yaml:"recognizer"`
	Synthesizer      ProviderEntry   `yaml:"synthesizer"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "voiceflow", "rest").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. For the
	// postgres store it holds the connection string.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SpeechConfig tunes the speech session manager. All fields may be changed
// at runtime through the config watcher; new values apply to sessions started
// afterwards.
type SpeechConfig struct {
	// Mode selects browser or server-side recognition. Default: browser.
	Mode RecognitionMode `yaml:"mode"`

	// Language is the BCP 47 recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// SafetyTimeout force-ends a session that receives no result for this
	// long. Default: 60s.
	SafetyTimeout time.Duration `yaml:"safety_timeout"`

	// PermissionTimeout bounds the microphone consent flow. Default: 30s.
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
}

// ConversationConfig tunes the conversation orchestrator.
type ConversationConfig struct {
	// RuntimeTimeout bounds one runtime call. Default: 30s.
	RuntimeTimeout time.Duration `yaml:"runtime_timeout"`

	// HistoryTurns caps the recent turns given to LLM runtimes. Default: 12.
	HistoryTurns int `yaml:"history_turns"`

	// HistoryTokens caps the estimated tokens of those turns. Default: 2000.
	HistoryTokens int `yaml:"history_tokens"`
}

// PersonaConfig describes the assistant's voice towards the user.
type PersonaConfig struct {
	// Name is the assistant's display name. Default: "Clementine".
	Name string `yaml:"name"`

	// SystemPrompt replaces the built-in persona prompt of LLM runtimes.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is a text/template rendered with the user's profile variables
	// as the first message of a conversation. Empty lets the runtime greet.
	Greeting string `yaml:"greeting"`

	// Apology is the reply shown when the runtime fails.
	Apology string `yaml:"apology"`
}
