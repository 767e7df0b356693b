// Package app wires all Clementine subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and watches the config file, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithRuntime, etc.). When an option is not provided, New
// creates real implementations from the config through the provider
// registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clementine/internal/auth"
	"github.com/MrWong99/clementine/internal/config"
	"github.com/MrWong99/clementine/internal/conversation"
	"github.com/MrWong99/clementine/internal/health"
	"github.com/MrWong99/clementine/internal/observe"
	"github.com/MrWong99/clementine/internal/resilience"
	"github.com/MrWong99/clementine/internal/server"
	"github.com/MrWong99/clementine/pkg/provider/recognizer"
	"github.com/MrWong99/clementine/pkg/provider/runtime"
	"github.com/MrWong99/clementine/pkg/provider/tts"
	"github.com/MrWong99/clementine/pkg/store"
	"github.com/MrWong99/clementine/pkg/store/rest"
)

const (
	audioTTL        = 10 * time.Minute
	audioMaxEntries = 256
	shutdownGrace   = 10 * time.Second
)

// App owns all subsystem lifetimes of the Clementine server.
type App struct {
	cfg *config.Config
	reg *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	store         store.Store
	guarded       *resilience.GuardedStore
	runtime       runtime.Runtime
	synth         tts.Synthesizer
	audio         *tts.Cache
	voice         *tts.Voice
	newRecognizer func() (recognizer.Recognizer, error)
	orch          *conversation.Orchestrator
	srv           *server.Server
	httpSrv       *http.Server
	watcher       *config.Watcher

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	speech         atomic.Pointer[config.SpeechConfig]
	configPath     string
	watchOpts      []config.WatcherOption

	addrMu sync.Mutex
	addr   net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a memory store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRuntime injects a conversational runtime instead of creating one (and
// its fallbacks) from config.
func WithRuntime(rt runtime.Runtime) Option {
	return func(a *App) { a.runtime = rt }
}

// WithSynthesizer injects a speech synthesizer instead of creating one from
// config.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithRecognizerFactory injects the per-connection recognizer constructor
// used in server recognition mode.
func WithRecognizerFactory(fn func() (recognizer.Recognizer, error)) Option {
	return func(a *App) { a.newRecognizer = fn }
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetrics sets the metric instruments and the /metrics handler.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

// WithConfigFile enables hot reload of the config file at path while Run
// is active.
func WithConfigFile(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// New creates an App by wiring all subsystems together. Providers not
// injected through options are created from cfg using reg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(SlogLevel(cfg.Server.LogLevel))
	}
	speech := cfg.Speech
	a.speech.Store(&speech)

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initVoice(); err != nil {
		return nil, fmt.Errorf("app: init voice: %w", err)
	}
	if err := a.initRuntime(); err != nil {
		return nil, fmt.Errorf("app: init runtime: %w", err)
	}
	if err := a.initRecognizer(); err != nil {
		return nil, fmt.Errorf("app: init recognizer: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, a.watchOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

// initStore creates the memory store and guards it with a circuit breaker.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		if a.reg == nil {
			return errors.New("no store injected and no registry")
		}
		st, err := a.reg.CreateStore(ctx, a.cfg.Providers.Store)
		if err != nil {
			return err
		}
		a.store = st
		if c, ok := st.(interface{ Close() }); ok {
			a.closers = append(a.closers, func() error {
				c.Close()
				return nil
			})
		}
		slog.Info("provider created", "kind", "store", "name", a.cfg.Providers.Store.Name)
	}
	a.guarded = resilience.NewGuardedStore(a.store, resilience.CircuitBreakerConfig{
		Name: "store",
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return nil
}

// initVoice creates the synthesizer and the audio cache when one is
// configured. Without a synthesizer replies carry no audio.
func (a *App) initVoice() error {
	if a.synth == nil && a.cfg.Providers.Synthesizer.Name != "" && a.reg != nil {
		s, err := a.reg.CreateSynthesizer(a.cfg.Providers.Synthesizer)
		if err != nil {
			return err
		}
		a.synth = s
		slog.Info("provider created", "kind", "synthesizer", "name", a.cfg.Providers.Synthesizer.Name)
	}
	if a.synth == nil {
		return nil
	}

	a.audio = tts.NewCache(audioTTL, audioMaxEntries)
	prefix := strings.TrimRight(a.cfg.Server.PublicURL, "/") + "/v1/audio/"
	v, err := tts.NewVoice(a.synth, a.audio, prefix, tts.WithObserver(a.observeSynthesis))
	if err != nil {
		return err
	}
	a.voice = v
	return nil
}

func (a *App) observeSynthesis(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	a.metrics.SynthesisDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
}

// initRuntime creates the primary runtime and wraps it in a fallback group
// when fallbacks are configured.
func (a *App) initRuntime() error {
	if a.runtime != nil {
		return nil
	}
	if a.reg == nil {
		return errors.New("no runtime injected and no registry")
	}
	deps := config.RuntimeDeps{Persona: a.cfg.Persona}
	if a.voice != nil {
		deps.Voice = a.voice
	}

	primary, err := a.reg.CreateRuntime(a.cfg.Providers.Runtime, deps)
	if err != nil {
		return fmt.Errorf("create runtime %q: %w", a.cfg.Providers.Runtime.Name, err)
	}
	slog.Info("provider created", "kind", "runtime", "name", a.cfg.Providers.Runtime.Name)
	if len(a.cfg.Providers.RuntimeFallbacks) == 0 {
		a.runtime = primary
		return nil
	}

	fb := resilience.NewRuntimeFallback(primary, a.cfg.Providers.Runtime.Name, resilience.FallbackConfig{})
	for _, entry := range a.cfg.Providers.RuntimeFallbacks {
		rt, err := a.reg.CreateRuntime(entry, deps)
		if err != nil {
			return fmt.Errorf("create fallback runtime %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, rt)
		slog.Info("provider created", "kind", "runtime_fallback", "name", entry.Name)
	}
	a.runtime = fb
	return nil
}

// initRecognizer resolves the recognizer factory for server recognition.
// Browser mode needs none.
func (a *App) initRecognizer() error {
	if a.cfg.Speech.Mode != config.RecognitionServer || a.newRecognizer != nil {
		return nil
	}
	if a.reg == nil {
		return errors.New("server recognition requires a registry")
	}
	fn, err := a.reg.RecognizerFactoryFor(a.cfg.Providers.Recognizer, a.cfg.Speech)
	if err != nil {
		return err
	}
	a.newRecognizer = fn
	return nil
}

// initServer builds the orchestrator, probes, and HTTP server.
func (a *App) initServer() error {
	orch, err := conversation.New(conversation.Config{
		Runtime:        a.runtime,
		RuntimeName:    a.cfg.Providers.Runtime.Name,
		Store:          a.guarded,
		Apology:        a.cfg.Persona.Apology,
		RuntimeTimeout: a.cfg.Conversation.RuntimeTimeout,
		HistoryTurns:   a.cfg.Conversation.HistoryTurns,
		HistoryTokens:  a.cfg.Conversation.HistoryTokens,
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}
	a.orch = orch

	verifier, err := auth.NewVerifier(a.cfg.Auth.JWTSecret,
		auth.WithIssuer(a.cfg.Auth.Issuer),
		auth.WithAudience(a.cfg.Auth.Audience),
	)
	if err != nil {
		return err
	}

	probes := health.New(
		health.PingChecker("store", a.guarded),
		health.BreakerChecker("store_breaker", func() string { return a.guarded.Breaker().State().String() }),
	)

	srv, err := server.New(server.Config{
		Chat:           orch,
		Profiles:       a.guarded,
		Verifier:       verifier,
		Audio:          a.audio,
		Health:         probes,
		MetricsHandler: a.metricsHandler,
		Speech:         a.Speech,
		NewRecognizer:  a.newRecognizer,
		UserContext:    rest.WithUserToken,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}
	a.srv = srv
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Speech returns the current speech settings.
func (a *App) Speech() config.SpeechConfig { return *a.speech.Load() }

// Addr returns the bound listen address once Run is serving, else nil.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when configured, watches the config file. It blocks
// until ctx is cancelled or the listener fails. On cancellation Run drains
// in-flight requests and returns the context error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})
	if a.watcher != nil {
		g.Go(func() error {
			err := a.watcher.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	slog.Info("app running", "addr", ln.Addr().String(), "speech_mode", string(a.cfg.Speech.Mode))
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// applyConfig applies the hot-reloadable part of a config change.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.SpeechChanged {
		sc := d.NewSpeech
		a.speech.Store(&sc)
		slog.Info("speech settings changed",
			"language", sc.Language,
			"safety_timeout", sc.SafetyTimeout,
			"permission_timeout", sc.PermissionTimeout,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "settings", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
