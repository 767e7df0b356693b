// Command clementine is the main entry point for the Clementine relationship
// advice chat server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/clementine/internal/app"
	"github.com/MrWong99/clementine/internal/config"
	"github.com/MrWong99/clementine/internal/observe"
	"github.com/MrWong99/clementine/pkg/provider/recognizer"
	"github.com/MrWong99/clementine/pkg/provider/recognizer/deepgram"
	"github.com/MrWong99/clementine/pkg/provider/runtime"
	"github.com/MrWong99/clementine/pkg/provider/runtime/llm"
	"github.com/MrWong99/clementine/pkg/provider/runtime/voiceflow"
	"github.com/MrWong99/clementine/pkg/provider/tts"
	oaitts "github.com/MrWong99/clementine/pkg/provider/tts/openai"
	"github.com/MrWong99/clementine/pkg/store"
	"github.com/MrWong99/clementine/pkg/store/memstore"
	"github.com/MrWong99/clementine/pkg/store/postgres"
	"github.com/MrWong99/clementine/pkg/store/rest"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "clementine: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "clementine: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("clementine starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level)}
	if *watch {
		opts = append(opts, app.WithConfigFile(*configPath))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// llmProviders are the any-llm backends usable as a runtime.
var llmProviders = []string{
	"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Runtime ───────────────────────────────────────────────────────────────

	reg.RegisterRuntime("voiceflow", func(entry config.ProviderEntry, deps config.RuntimeDeps) (runtime.Runtime, error) {
		opts := []voiceflow.Option{voiceflow.WithPlatformTTS(config.OptBool(entry.Options, "tts", true))}
		if deps.Voice != nil {
			opts = append(opts, voiceflow.WithVoice(deps.Voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, voiceflow.WithBaseURL(entry.BaseURL))
		}
		if v := config.OptString(entry.Options, "version"); v != "" {
			opts = append(opts, voiceflow.WithVersion(v))
		}
		if d := config.OptDuration(entry.Options, "timeout", 0); d > 0 {
			opts = append(opts, voiceflow.WithTimeout(d))
		}
		return voiceflow.New(entry.APIKey, opts...)
	})

	// The any-llm backends share one pattern: optional APIKey + optional
	// BaseURL. ollama is a local server and only uses BaseURL.
	for _, providerName := range llmProviders {
		reg.RegisterRuntime(providerName, func(entry config.ProviderEntry, deps config.RuntimeDeps) (runtime.Runtime, error) {
			var backend []anyllmlib.Option
			if entry.APIKey != "" && providerName != "ollama" {
				backend = append(backend, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				backend = append(backend, anyllmlib.WithBaseURL(entry.BaseURL))
			}

			var opts []llm.Option
			if deps.Persona.SystemPrompt != "" {
				opts = append(opts, llm.WithSystemPrompt(deps.Persona.SystemPrompt))
			}
			if deps.Persona.Greeting != "" {
				opts = append(opts, llm.WithGreeting(deps.Persona.Greeting))
			}
			if deps.Voice != nil {
				opts = append(opts, llm.WithVoice(deps.Voice))
			}
			if n := config.OptInt(entry.Options, "max_tokens", 0); n > 0 {
				opts = append(opts, llm.WithMaxTokens(n))
			}
			if t := config.OptFloat(entry.Options, "temperature", -1); t >= 0 {
				opts = append(opts, llm.WithTemperature(t))
			}
			return llm.New(providerName, entry.Model, backend, opts...)
		})
	}

	// ── Store ─────────────────────────────────────────────────────────────────

	reg.RegisterStore("rest", func(_ context.Context, entry config.ProviderEntry) (store.Store, error) {
		var opts []rest.Option
		if d := config.OptDuration(entry.Options, "timeout", 0); d > 0 {
			opts = append(opts, rest.WithTimeout(d))
		}
		if n := config.OptInt(entry.Options, "retries", -1); n >= 0 {
			opts = append(opts, rest.WithRetries(n, config.OptDuration(entry.Options, "retry_wait", 200*time.Millisecond)))
		}
		return rest.New(entry.BaseURL, entry.APIKey, opts...)
	})

	reg.RegisterStore("postgres", func(ctx context.Context, entry config.ProviderEntry) (store.Store, error) {
		return postgres.NewStore(ctx, entry.BaseURL)
	})

	reg.RegisterStore("memory", func(context.Context, config.ProviderEntry) (store.Store, error) {
		slog.Warn("using the in-memory store; conversations are lost on restart")
		return memstore.New(), nil
	})

	// ── Recognizer ────────────────────────────────────────────────────────────

	reg.RegisterRecognizer("deepgram", func(entry config.ProviderEntry, speech config.SpeechConfig) (recognizer.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		lang := config.OptString(entry.Options, "language")
		if lang == "" {
			lang = speech.Language
		}
		if lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := config.OptInt(entry.Options, "sample_rate", 0); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Synthesizer ───────────────────────────────────────────────────────────

	reg.RegisterSynthesizer("openai", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if v := config.OptString(entry.Options, "voice"); v != "" {
			opts = append(opts, oaitts.WithVoice(v))
		}
		if s := config.OptString(entry.Options, "instructions"); s != "" {
			opts = append(opts, oaitts.WithInstructions(s))
		}
		return oaitts.New(entry.APIKey, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Clementine: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Runtime", cfg.Providers.Runtime.Name, cfg.Providers.Runtime.Model)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.RuntimeFallbacks))
	printProvider("Store", cfg.Providers.Store.Name, "")
	printProvider("Recognizer", cfg.Providers.Recognizer.Name, cfg.Providers.Recognizer.Model)
	printProvider("Synthesizer", cfg.Providers.Synthesizer.Name, cfg.Providers.Synthesizer.Model)
	fmt.Printf("║  %-12s    : %-19s ║\n", "Speech mode", string(cfg.Speech.Mode))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
