package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SpeechChanged is true when any speech tunable changed. Mode changes are
	// not hot-reloadable and are reported in RestartRequired instead.
	SpeechChanged bool
	NewSpeech     SpeechConfig

	PersonaChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SpeechChanged && !d.PersonaChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Speech tunables
	if old.Speech.Language != new.Speech.Language ||
		old.Speech.SafetyTimeout != new.Speech.SafetyTimeout ||
		old.Speech.PermissionTimeout != new.Speech.PermissionTimeout {
		d.SpeechChanged = true
		d.NewSpeech = new.Speech
		d.NewSpeech.Mode = old.Speech.Mode
	}

	if old.Persona != new.Persona {
		d.PersonaChanged = true
	}

	// Settings wired once at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Speech.Mode != new.Speech.Mode {
		d.RestartRequired = append(d.RestartRequired, "speech.mode")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if !sameEntry(old.Providers.Runtime, new.Providers.Runtime) ||
		!sameEntry(old.Providers.Store, new.Providers.Store) ||
		!sameEntry(old.Providers.Recognizer, new.Providers.Recognizer) ||
		!sameEntry(old.Providers.Synthesizer, new.Providers.Synthesizer) ||
		len(old.Providers.RuntimeFallbacks) != len(new.Providers.RuntimeFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Persona != new.Persona {
		d.RestartRequired = append(d.RestartRequired, "persona")
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
