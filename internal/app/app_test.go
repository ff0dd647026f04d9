package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/tablevoice/internal/app"
	"github.com/MrWong99/tablevoice/internal/chatapi"
	"github.com/MrWong99/tablevoice/internal/config"
	"github.com/MrWong99/tablevoice/internal/discovery"
	"github.com/MrWong99/tablevoice/internal/observe"
	"github.com/MrWong99/tablevoice/internal/resilience"
	"github.com/MrWong99/tablevoice/internal/voice"
	"github.com/MrWong99/tablevoice/pkg/audio"
	amock "github.com/MrWong99/tablevoice/pkg/audio/mock"
	"github.com/MrWong99/tablevoice/pkg/provider/stt"
	smock "github.com/MrWong99/tablevoice/pkg/provider/stt/mock"
	tmock "github.com/MrWong99/tablevoice/pkg/provider/tts/mock"
)

const waitFor = 2 * time.Second

var localhost = netip.MustParseAddr("127.0.0.1")

// ── fakes ───────────────────────────────────────────────────────────────────

// fakeDiscoverer stands in for the broadcast engine. Tests drive its
// callbacks directly.
type fakeDiscoverer struct {
	cfg discovery.Config

	mu     sync.Mutex
	state  discovery.State
	starts int
	stops  int
}

func (f *fakeDiscoverer) Start() error {
	f.mu.Lock()
	f.starts++
	f.state = discovery.State{Phase: discovery.PhaseBroadcasting}
	st := f.state
	f.mu.Unlock()
	f.cfg.OnStatus(st)
	return nil
}

func (f *fakeDiscoverer) Stop() {
	f.mu.Lock()
	f.stops++
	f.state = discovery.State{Phase: discovery.PhaseIdle}
	f.mu.Unlock()
}

func (f *fakeDiscoverer) State() discovery.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeDiscoverer) found(addr netip.Addr) {
	f.mu.Lock()
	f.state = discovery.State{Phase: discovery.PhaseConnected, ServerAddress: addr}
	st := f.state
	f.mu.Unlock()
	f.cfg.OnStatus(st)
	f.cfg.OnServerFound(addr)
}

func (f *fakeDiscoverer) exhaust() {
	f.mu.Lock()
	f.state = discovery.State{Phase: discovery.PhaseExhausted}
	st := f.state
	f.mu.Unlock()
	f.cfg.OnStatus(st)
	f.cfg.OnExhausted()
}

func (f *fakeDiscoverer) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// chatServer is a scripted game server.
type chatServer struct {
	srv  *httptest.Server
	port int

	mu       sync.Mutex
	requests []chatapi.ChatRequest
	status   int
	reply    chatapi.ChatReply
	keywords map[string][]string
	kwCalls  int
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	cs := &chatServer{
		reply: chatapi.ChatReply{Response: "One point per tile.", Intent: "rules", Source: "rulebook"},
		keywords: map[string][]string{
			"1": {"Carcassonne", "meeple", "Ticket to Ride"},
			"2": {"Catan", "robber"},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatapi.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cs.mu.Lock()
		cs.requests = append(cs.requests, req)
		status, reply := cs.status, cs.reply
		cs.mu.Unlock()
		if status != 0 {
			http.Error(w, "boom", status)
			return
		}
		_ = json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("GET /api/games", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"games":[{"id":1,"name":"Carcassonne"},{"id":"2","name":"Catan"}]}`))
	})
	mux.HandleFunc("GET /api/keywords/{id}", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.kwCalls++
		words := cs.keywords[r.PathValue("id")]
		cs.mu.Unlock()
		_ = json.NewEncoder(w).Encode(words)
	})
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)

	u, err := url.Parse(cs.srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	cs.port, _ = strconv.Atoi(u.Port())
	return cs
}

func (cs *chatServer) setStatus(code int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.status = code
}

func (cs *chatServer) chats() []chatapi.ChatRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return slices.Clone(cs.requests)
}

func (cs *chatServer) keywordCalls() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.kwCalls
}

type statusLog struct {
	mu      sync.Mutex
	entries []string
	alerts  []bool
}

func (l *statusLog) hook(msg string, alert bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, msg)
	l.alerts = append(l.alerts, alert)
}

// alerted reports whether msg was ever shown with the alert flag.
func (l *statusLog) alerted(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == msg && l.alerts[i] {
			return true
		}
	}
	return false
}

// shown reports whether msg was ever shown, with or without the alert flag.
func (l *statusLog) shown(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.entries, msg)
}

// ── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	app    *app.App
	disc   *fakeDiscoverer
	chat   *chatServer
	dev    *amock.Device
	stt    *smock.Provider
	tts    *tmock.Provider
	status *statusLog
}

func testConfig(port int) *config.Config {
	cfg := &config.Config{
		API:     config.APIConfig{Port: port, Timeout: time.Second, HistoryLimit: 4},
		Session: config.SessionConfig{TableID: "table-7", Game: "Carcassonne", VoiceID: "narrator", SpeechRate: 1.1},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newHarness(t *testing.T, configure func(*config.Config), opts ...app.Option) *harness {
	t.Helper()
	h := &harness{
		disc:   &fakeDiscoverer{},
		chat:   newChatServer(t),
		dev:    &amock.Device{},
		stt:    &smock.Provider{Result: stt.Result{Text: "How many points is a road worth?", Confidence: 0.9}},
		tts:    &tmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320)}},
		status: &statusLog{},
	}
	cfg := testConfig(h.chat.port)
	if configure != nil {
		configure(cfg)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	opts = append([]app.Option{
		app.WithDiscovery(func(c discovery.Config) app.Discoverer {
			h.disc.cfg = c
			return h.disc
		}),
		app.WithMetrics(m),
		app.WithStatusHook(h.status.hook),
	}, opts...)

	a, err := app.New(cfg, &app.Providers{STT: h.stt, TTS: h.tts, Audio: h.dev}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return h
}

// run starts the App and stops it at cleanup.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(waitFor):
			t.Error("Run did not return after cancel")
		}
	})
}

// connect reports the test server as found and waits for its vocabulary.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.disc.found(localhost)
	eventually(t, "vocabulary loaded", func() bool { return len(h.app.Hints()) > 0 })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── tests ───────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig(0)
	tests := []struct {
		name string
		p    *app.Providers
	}{
		{"nil", nil},
		{"no stt", &app.Providers{TTS: &tmock.Provider{}, Audio: &amock.Device{}}},
		{"no tts", &app.Providers{STT: &smock.Provider{}, Audio: &amock.Device{}}},
		{"no audio", &app.Providers{STT: &smock.Provider{}, TTS: &tmock.Provider{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := app.New(cfg, tt.p); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestApp_PressNotConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	eventually(t, "discovery started", func() bool { s, _ := h.disc.counts(); return s == 1 })

	if err := h.app.Press(); !errors.Is(err, app.ErrNotConnected) {
		t.Fatalf("Press() error = %v, want ErrNotConnected", err)
	}
	if got, want := h.app.Status(), "Looking for the game server…"; got != want {
		t.Errorf("Status() = %q, want %q", got, want)
	}
	if got := h.app.Phase(); got != voice.PhaseIdle {
		t.Errorf("Phase() = %v, want idle", got)
	}
	if starts, _ := h.disc.counts(); starts != 1 {
		t.Errorf("discovery starts = %d, want 1 (search already running)", starts)
	}
}

func TestApp_ExhaustedThenPressSearchesAgain(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	eventually(t, "discovery started", func() bool { s, _ := h.disc.counts(); return s == 1 })

	h.disc.exhaust()
	const notFound = "Game server not found. Enter its address to continue."
	if got := h.app.Status(); got != notFound {
		t.Errorf("Status() = %q, want %q", got, notFound)
	}
	if !h.status.alerted(notFound) {
		t.Error("exhaustion was not reported as an alert")
	}

	if err := h.app.Press(); !errors.Is(err, app.ErrNotConnected) {
		t.Fatalf("Press() error = %v, want ErrNotConnected", err)
	}
	if starts, _ := h.disc.counts(); starts != 2 {
		t.Errorf("discovery starts = %d, want 2", starts)
	}
	if got, want := h.app.Status(), "Looking for the game server…"; got != want {
		t.Errorf("Status() = %q, want %q", got, want)
	}
}

func TestApp_ServerFoundLoadsVocabulary(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	if !h.app.Connected() {
		t.Fatal("Connected() = false after server found")
	}
	if got := h.app.ServerAddress(); got != localhost {
		t.Errorf("ServerAddress() = %v, want %v", got, localhost)
	}
	want := []string{"Carcassonne", "meeple", "Ticket to Ride"}
	if got := h.app.Hints(); !slices.Equal(got, want) {
		t.Errorf("Hints() = %v, want %v", got, want)
	}
	if got := h.app.Status(); got != "Connected to the game server." {
		t.Errorf("Status() = %q", got)
	}
}

func TestApp_KeywordsCachedPerServer(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	// Reconnecting to the same server reuses the cached vocabulary.
	h.disc.found(localhost)
	eventually(t, "vocabulary reloaded", func() bool { return len(h.app.Hints()) == 3 })
	time.Sleep(20 * time.Millisecond)
	if got := h.chat.keywordCalls(); got != 1 {
		t.Errorf("keyword requests = %d, want 1", got)
	}
}

func TestApp_UnknownGameClearsVocabulary(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Session.Game = "Go Fish" })
	h.disc.found(localhost)
	eventually(t, "connected", h.app.Connected)
	time.Sleep(50 * time.Millisecond)
	if got := h.app.Hints(); len(got) != 0 {
		t.Errorf("Hints() = %v, want none", got)
	}
}

func TestApp_Reply(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	turn := uuid.New()
	got, err := h.app.Reply(context.Background(), turn, "where do I place the carcasone?")
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if got != "One point per tile." {
		t.Errorf("Reply() = %q", got)
	}

	reqs := h.chat.chats()
	if len(reqs) != 1 {
		t.Fatalf("chat requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.UserInput != "where do I place the Carcassonne?" {
		t.Errorf("user_input = %q, want corrected game name", req.UserInput)
	}
	if req.TableID != "table-7" {
		t.Errorf("table_id = %q, want table-7", req.TableID)
	}
	if req.GameContext.GameName != "Carcassonne" {
		t.Errorf("game_name = %q, want Carcassonne", req.GameContext.GameName)
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		t.Errorf("session_id = %q is not a uuid: %v", req.SessionID, err)
	}
	if len(req.History) != 0 {
		t.Errorf("history = %v, want empty on first turn", req.History)
	}

	want := []chatapi.HistoryEntry{
		{Role: "user", Content: "where do I place the Carcassonne?", Intent: "rules"},
		{Role: "assistant", Content: "One point per tile.", Intent: "rules"},
	}
	if got := h.app.History(); !slices.Equal(got, want) {
		t.Errorf("History() = %+v, want %+v", got, want)
	}
}

func TestApp_ReplySendsRecentHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	ctx := context.Background()
	for _, q := range []string{"first question", "second question", "third question"} {
		if _, err := h.app.Reply(ctx, uuid.New(), q); err != nil {
			t.Fatalf("Reply(%q) error = %v", q, err)
		}
	}

	reqs := h.chat.chats()
	if len(reqs) != 3 {
		t.Fatalf("chat requests = %d, want 3", len(reqs))
	}
	if got := len(reqs[1].History); got != 2 {
		t.Errorf("second request history = %d entries, want 2", got)
	}
	last := reqs[2].History
	if len(last) != 4 {
		t.Fatalf("third request history = %d entries, want history_limit 4", len(last))
	}
	if last[0].Content != "first question" || last[3].Content != "One point per tile." {
		t.Errorf("third request history = %+v, want the most recent four", last)
	}
	if got := len(h.app.History()); got != 6 {
		t.Errorf("History() = %d entries, want 6", got)
	}
}

func TestApp_ReplyServerErrorKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.chat.setStatus(http.StatusInternalServerError)

	_, err := h.app.Reply(context.Background(), uuid.New(), "who goes first?")
	var se *chatapi.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("Reply() error = %v, want StatusError 500", err)
	}
	if !h.app.Connected() {
		t.Error("Connected() = false after an HTTP error")
	}
	if got := h.app.History(); len(got) != 0 {
		t.Errorf("History() = %v, want nothing recorded for a failed reply", got)
	}
}

func TestApp_ReplyUnreachableRestartsDiscovery(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.chat.srv.Close()

	startsBefore, _ := h.disc.counts()
	_, err := h.app.Reply(context.Background(), uuid.New(), "who goes first?")
	if !errors.Is(err, chatapi.ErrUnreachable) {
		t.Fatalf("Reply() error = %v, want ErrUnreachable", err)
	}
	if h.app.Connected() {
		t.Error("Connected() = true after the server became unreachable")
	}
	if starts, _ := h.disc.counts(); starts != startsBefore+1 {
		t.Errorf("discovery starts = %d, want %d", starts, startsBefore+1)
	}
	if err := h.app.Press(); !errors.Is(err, app.ErrNotConnected) {
		t.Errorf("Press() error = %v, want ErrNotConnected", err)
	}
}

func TestApp_ReplyOpenBreakerRestartsDiscovery(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.chat.setStatus(http.StatusBadGateway)

	ctx := context.Background()
	for i := range 3 {
		if _, err := h.app.Reply(ctx, uuid.New(), "q"); err == nil {
			t.Fatalf("Reply %d: error = nil", i)
		}
		if !h.app.Connected() {
			t.Fatalf("disconnected after %d HTTP errors, want 3 before the breaker opens", i+1)
		}
	}

	_, err := h.app.Reply(ctx, uuid.New(), "q")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Reply() error = %v, want ErrCircuitOpen", err)
	}
	if h.app.Connected() {
		t.Error("Connected() = true with the chat breaker open")
	}
	if got := len(h.chat.chats()); got != 3 {
		t.Errorf("chat requests = %d, want 3 (open breaker sends nothing)", got)
	}
}

func TestApp_SetServerAddress(t *testing.T) {
	h := newHarness(t, nil)

	for _, bad := range []string{"", "nonsense", "::1", "256.1.1.1"} {
		if err := h.app.SetServerAddress(bad); !errors.Is(err, app.ErrInvalidAddress) {
			t.Errorf("SetServerAddress(%q) error = %v, want ErrInvalidAddress", bad, err)
		}
	}
	if h.app.Connected() {
		t.Fatal("Connected() = true after invalid addresses")
	}

	if err := h.app.SetServerAddress(" 127.0.0.1 "); err != nil {
		t.Fatalf("SetServerAddress() error = %v", err)
	}
	if !h.app.Connected() {
		t.Error("Connected() = false after SetServerAddress")
	}
	if _, stops := h.disc.counts(); stops == 0 {
		t.Error("discovery was not stopped")
	}
	eventually(t, "vocabulary loaded", func() bool { return len(h.app.Hints()) > 0 })
}

func TestApp_ConfiguredServerSkipsDiscovery(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Discovery.ServerAddress = "127.0.0.1" })
	h.run(t)

	eventually(t, "connected", h.app.Connected)
	if starts, _ := h.disc.counts(); starts != 0 {
		t.Errorf("discovery starts = %d, want 0", starts)
	}
}

func TestApp_ConfiguredServerInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tablevoice.yaml")
	base := time.Now().Add(-time.Hour)
	if err := os.WriteFile(path, []byte("session:\n  voice_id: narrator\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, base, base); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t,
		func(c *config.Config) { c.Discovery.ServerAddress = "not-an-ip" },
		app.WithConfigFile(path, config.WithInterval(10*time.Millisecond)),
	)

	done := make(chan error, 1)
	go func() { done <- h.app.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, app.ErrInvalidAddress) {
			t.Fatalf("Run() error = %v, want ErrInvalidAddress", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return for an invalid server address")
	}

	if h.app.Connected() {
		t.Error("Connected() = true after invalid address")
	}
	if starts, _ := h.disc.counts(); starts != 0 {
		t.Errorf("discovery starts = %d, want 0", starts)
	}

	// Nothing may keep running once Run has returned: a config change
	// must not be picked up by a leftover watcher.
	if err := os.WriteFile(path, []byte("session:\n  voice_id: bard\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, base.Add(time.Minute), base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := h.app.Settings().VoiceID; got == "bard" {
		t.Errorf("VoiceID = %q, config watcher still running after Run returned", got)
	}
	if got := h.app.Phase(); got != voice.PhaseIdle {
		t.Errorf("Phase() = %v, want idle", got)
	}
}

func TestApp_ApplySettings(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	ctx := context.Background()
	if _, err := h.app.Reply(ctx, uuid.New(), "first"); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	t.Run("voice change keeps the conversation", func(t *testing.T) {
		s := h.app.Settings()
		s.VoiceID, s.SpeechRate = "bard", 0.9
		h.app.ApplySettings(s)
		if got := len(h.app.History()); got != 2 {
			t.Errorf("History() = %d entries, want 2", got)
		}
	})

	t.Run("game change starts a new conversation", func(t *testing.T) {
		before := h.chat.chats()[0].SessionID
		s := h.app.Settings()
		s.Game = "Catan"
		h.app.ApplySettings(s)

		if got := h.app.History(); len(got) != 0 {
			t.Errorf("History() = %v, want empty", got)
		}
		eventually(t, "Catan vocabulary", func() bool {
			return slices.Equal(h.app.Hints(), []string{"Catan", "robber"})
		})
		if _, err := h.app.Reply(ctx, uuid.New(), "where does the robber go?"); err != nil {
			t.Fatalf("Reply() error = %v", err)
		}
		reqs := h.chat.chats()
		last := reqs[len(reqs)-1]
		if last.SessionID == before {
			t.Error("session_id unchanged after switching game")
		}
		if last.GameContext.GameName != "Catan" {
			t.Errorf("game_name = %q, want Catan", last.GameContext.GameName)
		}
	})

	t.Run("empty table id takes the default", func(t *testing.T) {
		s := h.app.Settings()
		s.TableID = ""
		h.app.ApplySettings(s)
		if got := h.app.Settings().TableID; got != config.DefaultTableID {
			t.Errorf("TableID = %q, want %q", got, config.DefaultTableID)
		}
	})
}

func TestApp_ConfigReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tablevoice.yaml")
	write := func(body string, mtime time.Time) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	base := time.Now().Add(-time.Hour)
	write("session:\n  game: Carcassonne\n  voice_id: narrator\n", base)

	h := newHarness(t, nil, app.WithConfigFile(path, config.WithInterval(10*time.Millisecond)))
	h.run(t)

	write("session:\n  game: Carcassonne\n  voice_id: bard\n  speech_rate: 1.5\n", base.Add(time.Minute))
	eventually(t, "settings reloaded", func() bool { return h.app.Settings().VoiceID == "bard" })
	if got := h.app.Settings().SpeechRate; got != 1.5 {
		t.Errorf("SpeechRate = %v, want 1.5", got)
	}
}

func TestApp_FullTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	h.connect(t)

	if err := h.app.Press(); err != nil {
		t.Fatalf("Press() error = %v", err)
	}
	eventually(t, "recording", func() bool { return h.app.Phase() == voice.PhaseRecording })
	frame := audio.Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	eventually(t, "capture open", func() bool { return h.dev.Feed(frame) })
	eventually(t, "audio delivered", func() bool {
		s := h.stt.Last()
		return s != nil && s.AudioLen() > 0
	})

	if err := h.app.Press(); err != nil {
		t.Fatalf("second Press() error = %v", err)
	}
	eventually(t, "turn finished", func() bool {
		return len(h.app.History()) == 2 && h.app.Phase() == voice.PhaseIdle
	})

	if got := h.stt.Last().Hints(); !slices.Contains(got, "Carcassonne") {
		t.Errorf("STT hints = %v, want game vocabulary", got)
	}
	voices := h.tts.Voices()
	if len(voices) != 1 || voices[0].ID != "narrator" || voices[0].SpeedFactor != 1.1 {
		t.Errorf("TTS voices = %+v, want one with the configured voice", voices)
	}
	if got := h.chat.chats()[0].UserInput; got != "How many points is a road worth?" {
		t.Errorf("user_input = %q", got)
	}
}

func TestApp_FailedTurnIsNotAnAlert(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.Result = stt.Result{}
	h.run(t)
	h.connect(t)

	if err := h.app.Press(); err != nil {
		t.Fatalf("Press() error = %v", err)
	}
	eventually(t, "recording", func() bool { return h.app.Phase() == voice.PhaseRecording })
	if err := h.app.Press(); err != nil {
		t.Fatalf("second Press() error = %v", err)
	}

	const notCaught = "Sorry, I didn't catch that."
	eventually(t, "empty transcript reported", func() bool { return h.status.shown(notCaught) })
	if h.status.alerted(notCaught) {
		t.Error("failed turn was reported as an alert")
	}
}

func TestApp_Diagnostics(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.app.DiagnosticsHandler()

	get := func(path string) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	if got := get("/healthz"); got != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", got)
	}
	if got := get("/readyz"); got != http.StatusServiceUnavailable {
		t.Errorf("/readyz before start = %d, want 503", got)
	}

	h.run(t)
	h.connect(t)
	eventually(t, "ready", func() bool { return get("/readyz") == http.StatusOK })
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
	if _, stops := h.disc.counts(); stops != 1 {
		t.Errorf("discovery stops = %d, want 1", stops)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() error = %v, want context.Canceled", err)
	}
}
