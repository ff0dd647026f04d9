// Package app wires the tablevoice subsystems into a running client.
//
// The App owns the full lifecycle: New builds the discovery engine, the
// audio arbiter, the voice session and the diagnostics server, Run drives
// them until the context ends, and Shutdown tears everything down in order.
//
// Between those, the App is the session orchestrator. It gates the talk
// button on a connected game server, answers the voice session's questions
// through the chat API, keeps the conversation history, loads the current
// game's vocabulary, and reduces everything to one status line for the UI.
//
// For testing, inject doubles via functional options (WithDiscovery,
// WithHTTPClient, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tablevoice/internal/arbiter"
	"github.com/MrWong99/tablevoice/internal/chatapi"
	"github.com/MrWong99/tablevoice/internal/config"
	"github.com/MrWong99/tablevoice/internal/discovery"
	"github.com/MrWong99/tablevoice/internal/health"
	"github.com/MrWong99/tablevoice/internal/observe"
	"github.com/MrWong99/tablevoice/internal/resilience"
	"github.com/MrWong99/tablevoice/internal/transcript"
	"github.com/MrWong99/tablevoice/internal/voice"
	"github.com/MrWong99/tablevoice/pkg/audio"
	"github.com/MrWong99/tablevoice/pkg/provider/stt"
	"github.com/MrWong99/tablevoice/pkg/provider/tts"
)

var (
	// ErrNotConnected is returned by [App.Press] while no game server is
	// known.
	ErrNotConnected = errors.New("app: not connected to a game server")

	// ErrInvalidAddress is returned by [App.SetServerAddress] for anything
	// but an IPv4 address.
	ErrInvalidAddress = errors.New("app: invalid server address")

	// ErrUnknownGame means the configured game is not in the server's list.
	ErrUnknownGame = errors.New("app: game not known to the server")
)

// keywordCacheSize bounds the per-server, per-game vocabulary cache.
const keywordCacheSize = 32

// diagnosticsShutdown bounds the graceful stop of the diagnostics server.
const diagnosticsShutdown = 5 * time.Second

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry. All three are required.
type Providers struct {
	STT   stt.Provider
	TTS   tts.Provider
	Audio audio.Device
}

// Discoverer is the part of [discovery.Engine] the App drives.
type Discoverer interface {
	Start() error
	Stop()
	State() discovery.State
}

var _ Discoverer = (*discovery.Engine)(nil)

// App is the top-level application. Create with [New], start with
// [App.Run], stop with [App.Shutdown]. Exported methods are safe for
// concurrent use.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New.
	disc      Discoverer
	arb       *arbiter.Arbiter
	voice     *voice.Session
	corrector *transcript.Corrector
	keywords  *lru.Cache[string, []string]
	breaker   *resilience.CircuitBreaker
	watcher   *config.Watcher
	diag      http.Handler
	srv       *http.Server

	// Injected via options.
	newDiscoverer func(discovery.Config) Discoverer
	httpClient    *http.Client
	configPath    string
	watchOpts     []config.WatcherOption
	logLevel      *slog.LevelVar
	statusHook    func(msg string, alert bool)

	// ctx bounds background work such as keyword loading. Cancelled by
	// Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	voiceRunning atomic.Bool

	mu        sync.Mutex
	client    *chatapi.Client
	server    netip.Addr
	sessionID uuid.UUID
	history   []chatapi.HistoryEntry
	settings  config.SessionConfig
	hints     []string
	kwGen     uint64
	status    string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDiscovery replaces the discovery engine constructor. The function
// receives the engine config with the App's callbacks filled in.
func WithDiscovery(f func(discovery.Config) Discoverer) Option {
	return func(a *App) { a.newDiscoverer = f }
}

// WithHTTPClient sets the HTTP client used for the chat API.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigFile enables hot reload of the session settings from path.
func WithConfigFile(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// WithLogLevel lets a config reload change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithStatusHook forwards every status line to the UI. alert is set for
// updates that warrant a haptic or audible cue. The hook runs on the
// goroutine that produced the update and must not block.
func WithStatusHook(f func(msg string, alert bool)) Option {
	return func(a *App) { a.statusHook = f }
}

// New creates an App from cfg and providers. cfg must already carry
// defaults ([config.Load] applies them).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil || providers.Audio == nil {
		return nil, errors.New("app: stt, tts and audio providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		sessionID: uuid.New(),
		settings:  cfg.Session,
		status:    msgStarting,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.newDiscoverer == nil {
		a.newDiscoverer = func(c discovery.Config) Discoverer {
			return discovery.New(c, discovery.WithMetrics(a.metrics))
		}
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	// ── 1. Discovery ─────────────────────────────────────────────────────
	d := cfg.Discovery
	a.disc = a.newDiscoverer(discovery.Config{
		Port:             d.Port,
		Request:          d.Request,
		ReplyMarker:      d.ReplyMarker,
		AttemptsPerCycle: d.AttemptsPerCycle,
		MaxCycles:        d.MaxCycles,
		MinInterval:      d.MinInterval,
		MaxInterval:      d.MaxInterval,
		Cooldown:         d.Cooldown,
		OnStatus:         a.onDiscoveryStatus,
		OnServerFound:    a.connect,
		OnExhausted:      a.onExhausted,
	})
	a.closers = append(a.closers, func() error {
		a.disc.Stop()
		return nil
	})

	// ── 2. Audio arbiter ─────────────────────────────────────────────────
	capture, playback, synthesis := format(cfg.Audio.Capture), format(cfg.Audio.Playback), format(cfg.Audio.Synthesis)
	a.arb = arbiter.New(providers.Audio, arbiter.Config{
		CaptureFormat:  capture,
		PlaybackFormat: playback,
	}, a.metrics)
	a.closers = append(a.closers, func() error {
		a.arb.ForceRelease()
		return nil
	})

	// ── 3. Chat resilience + vocabulary ──────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "chat",
		MaxFailures: 3,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Info("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})
	a.corrector = transcript.NewCorrector()
	cache, err := lru.New[string, []string](keywordCacheSize)
	if err != nil {
		return nil, fmt.Errorf("app: keyword cache: %w", err)
	}
	a.keywords = cache

	// ── 4. Voice session ─────────────────────────────────────────────────
	v := cfg.Voice
	a.voice = voice.New(voice.Config{
		Audio:           a.arb,
		STT:             providers.STT,
		TTS:             providers.TTS,
		Replier:         a,
		CaptureFormat:   capture,
		SynthesisFormat: synthesis,
		PlaybackFormat:  playback,
		Language:        v.Language,
		Voice:           a.voiceProfile,
		Hints:           a.Hints,
		Placeholders:    v.Placeholders,
		RecordTimeout:   v.RecordTimeout,
		FirstNotice:     v.FirstNotice,
		SecondNotice:    v.SecondNotice,
		ReplyTimeout:    v.ReplyTimeout,
		AcquireTimeout:  v.AcquireTimeout,
		OnStatus:        a.onVoiceStatus,
	}, voice.WithMetrics(a.metrics))

	// ── 5. Settings hot reload ───────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, a.watchOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 6. Diagnostics ───────────────────────────────────────────────────
	a.diag = a.diagnosticsHandler()
	if addr := cfg.Server.ListenAddr; addr != "" {
		a.srv = &http.Server{
			Addr:              addr,
			Handler:           a.diag,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// ── 7. Provider teardown ─────────────────────────────────────────────
	for _, p := range []any{providers.STT, providers.TTS, providers.Audio} {
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	slog.Info("app initialised",
		"session_id", a.sessionID,
		"table_id", a.settings.TableID,
		"game", a.settings.Game,
		"diagnostics", cfg.Server.ListenAddr,
	)
	return a, nil
}

// Run starts discovery (or connects to the configured address) and blocks
// running the voice loop, the config watcher and the diagnostics server
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	var server netip.Addr
	if addr := a.cfg.Discovery.ServerAddress; addr != "" {
		ip, err := parseServerAddress(addr)
		if err != nil {
			return err
		}
		server = ip
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.voiceRunning.Store(true)
		defer a.voiceRunning.Store(false)
		return a.voice.Run(gctx)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if a.srv != nil {
		g.Go(func() error {
			slog.Info("diagnostics server listening", "addr", a.srv.Addr)
			if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), diagnosticsShutdown)
			defer cancel()
			return a.srv.Shutdown(sctx)
		})
	}

	if server.IsValid() {
		a.connect(server)
	} else {
		a.startDiscovery()
	}

	return g.Wait()
}

// Shutdown stops discovery, releases the audio device and closes providers.
// It respects ctx cancellation: if ctx expires before all closers finish,
// Shutdown returns ctx.Err(). Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.cancel()

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

// Phase returns the voice session phase.
func (a *App) Phase() voice.Phase { return a.voice.Phase() }

// DiagnosticsHandler returns the handler serving /healthz, /readyz and
// /metrics.
func (a *App) DiagnosticsHandler() http.Handler { return a.diag }

func (a *App) diagnosticsHandler() http.Handler {
	hc := health.New(
		health.Flag("game_server", "no game server connected", a.Connected),
		health.Flag("voice", "voice loop not running", a.voiceRunning.Load),
	)
	mux := http.NewServeMux()
	hc.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return observe.Middleware(a.metrics)(mux)
}

func format(f config.FormatConfig) audio.Format {
	return audio.Format{SampleRate: f.SampleRate, Channels: f.Channels}
}
