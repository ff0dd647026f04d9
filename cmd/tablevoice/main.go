// Command tablevoice is the push-to-talk rules assistant client for a game
// table tablet.
//
// The terminal front end maps Enter to the talk button. Other commands:
//
//	c            cancel the current turn
//	addr <ipv4>  connect to a game server manually
//	q            quit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/tablevoice/internal/app"
	"github.com/MrWong99/tablevoice/internal/config"
	"github.com/MrWong99/tablevoice/internal/observe"
	"github.com/MrWong99/tablevoice/internal/resilience"
	"github.com/MrWong99/tablevoice/pkg/audio"
	"github.com/MrWong99/tablevoice/pkg/audio/sdl"
	"github.com/MrWong99/tablevoice/pkg/provider/stt"
	oaistt "github.com/MrWong99/tablevoice/pkg/provider/stt/openai"
	"github.com/MrWong99/tablevoice/pkg/provider/stt/whisper"
	"github.com/MrWong99/tablevoice/pkg/provider/tts"
	"github.com/MrWong99/tablevoice/pkg/provider/tts/elevenlabs"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "tablevoice.yaml", "path to the YAML configuration file")
	serverAddr := flag.String("server", "", "game server IPv4 address; skips discovery")
	noReload := flag.Bool("no-reload", false, "do not watch the config file for setting changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tablevoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tablevoice: %v\n", err)
		}
		return 1
	}
	if *serverAddr != "" {
		cfg.Discovery.ServerAddress = *serverAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.LogLevel(cfg.Log.Level))
	logger, closeLog := newLogger(cfg.Log, level)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("tablevoice starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Log.Level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if f, ok := providers.TTS.(interface{ Format() audio.Format }); ok {
		out := f.Format()
		cfg.Audio.Synthesis = config.FormatConfig{SampleRate: out.SampleRate, Channels: out.Channels}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithStatusHook(printStatus),
	}
	if !*noReload {
		opts = append(opts, app.WithConfigFile(*configPath))
	}
	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	go readCommands(ctx, os.Stdin, application, stop)

	slog.Info("client ready; press Enter to talk, q to quit")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Terminal front end ────────────────────────────────────────────────────────

// readCommands maps terminal lines to button presses until r is exhausted
// or ctx ends. quit is called on "q"; end of input only stops reading.
func readCommands(ctx context.Context, r io.Reader, a *app.App, quit func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToLower(cmd) {
		case "":
			if err := a.Press(); err != nil {
				fmt.Printf("  ! %s\n", a.Status())
			}
		case "c", "cancel":
			a.Cancel()
		case "addr", "server":
			if err := a.SetServerAddress(arg); err != nil {
				fmt.Printf("  ! %v\n", err)
			}
		case "q", "quit", "exit":
			quit()
			return
		default:
			fmt.Println("  commands: <Enter> talk · c cancel · addr <ip> · q quit")
		}
	}
}

func printStatus(msg string, alert bool) {
	if alert {
		fmt.Printf("\a» %s\n", msg)
		return
	}
	fmt.Printf("» %s\n", msg)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if v, ok := optFloat(entry.Options, "min_confidence"); ok {
			opts = append(opts, oaistt.WithMinConfidence(v))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("sdl", func(entry config.ProviderEntry) (audio.Device, error) {
		return sdl.New(optString(entry.Options, "capture_device"), optString(entry.Options, "playback_device"))
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// Speech recognisers are chained behind one failover provider, primary first.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.STT.Name; name != "" {
		fb := resilience.NewSTTFallback(resilience.FallbackConfig{}, observe.DefaultMetrics())
		added := 0
		for _, entry := range append([]config.ProviderEntry{cfg.Providers.STT}, cfg.Providers.STTFallbacks...) {
			p, err := reg.CreateSTT(entry)
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Warn("unknown provider, skipping", "kind", "stt", "name", entry.Name)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
			}
			fb.Add(entry.Name, p)
			added++
			slog.Info("provider created", "kind", "stt", "name", entry.Name)
		}
		if added > 0 {
			ps.STT = fb
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown provider, skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	audioEntry := cfg.Providers.Audio
	if audioEntry.Name == "" {
		audioEntry.Name = "sdl"
	}
	p, err := reg.CreateAudio(audioEntry)
	if err != nil {
		return nil, fmt.Errorf("create audio device %q: %w", audioEntry.Name, err)
	}
	ps.Audio = p
	slog.Info("provider created", "kind", "audio", "name", audioEntry.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         tablevoice startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	fmt.Printf("║  STT fallbacks   : %-19d ║\n", len(cfg.Providers.STTFallbacks))
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	printRow("Table", cfg.Session.TableID)
	printRow("Game", cfg.Session.Game)
	if cfg.Discovery.ServerAddress != "" {
		printRow("Server", cfg.Discovery.ServerAddress)
	} else {
		printRow("Server", "(discover)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Diagnostics", cfg.Server.ListenAddr)
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
	printRow(kind, value)
}

func printRow(label, value string) {
	if value == "" {
		value = "(none)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes text records to stderr and, when cfg.File is set, to a
// size-rotated file. The returned func closes the file.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, func()) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rot)
		closeFn = func() { _ = rot.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// optFloat extracts a numeric value; YAML decodes integers as int.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
