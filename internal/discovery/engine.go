// Package discovery locates the game server on the local subnet.
//
// The [Engine] broadcasts a fixed request string to every subnet-directed
// broadcast address of the host and listens on the same socket for a reply
// carrying the server's IPv4 address. Attempts are spaced by a random
// interval so co-located tablets that power up together do not broadcast in
// lockstep. Attempts are grouped into cycles separated by a cooldown; when
// every cycle has run unanswered the engine gives up and the user is asked to
// enter the address manually.
//
// All state changes happen under one operation lock, and every timer and
// receive-loop callback carries the generation it was started with, so a
// retry that fires after [Engine.Stop], a restart, or a successful reply is a
// no-op.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tablevoice/internal/netif"
	"github.com/MrWong99/tablevoice/internal/observe"
)

// Wire defaults of the reference deployment.
const (
	DefaultPort             = 37020
	DefaultRequest          = "DISCOVER_AKKA_SERVER_REQUEST"
	DefaultReplyMarker      = "DISCOVER_AKKA_SERVER_REPLY"
	DefaultAttemptsPerCycle = 6
	DefaultMaxCycles        = 10
	DefaultMinInterval      = 1 * time.Second
	DefaultMaxInterval      = 3 * time.Second
	DefaultCooldown         = 30 * time.Second
)

// maxDatagram bounds a single reply read.
const maxDatagram = 2048

// Phase is the coarse state of the engine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBroadcasting
	PhaseConnected
	PhaseExhausted
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBroadcasting:
		return "broadcasting"
	case PhaseConnected:
		return "connected"
	case PhaseExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a snapshot of the engine's progress.
//
// While Phase is [PhaseBroadcasting], Attempt < AttemptsPerCycle and
// Cycle < MaxCycles. ServerAddress is valid only in [PhaseConnected].
type State struct {
	Phase         Phase
	Cycle         int
	Attempt       int
	ServerAddress netip.Addr
}

// Config holds the protocol parameters and the engine's outputs. Zero
// numeric and string fields take the Default* values.
type Config struct {
	Port             int
	Request          string
	ReplyMarker      string
	AttemptsPerCycle int
	MaxCycles        int
	MinInterval      time.Duration
	MaxInterval      time.Duration
	Cooldown         time.Duration

	// FirstDelay is the wait before the first attempt of a run. Zero sends
	// immediately.
	FirstDelay time.Duration

	// OnStatus receives every state change, in order.
	OnStatus func(State)

	// OnServerFound fires once per run when a reply is accepted.
	OnServerFound func(netip.Addr)

	// OnExhausted fires once per run when the last cycle ends unanswered.
	OnExhausted func()
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Request == "" {
		c.Request = DefaultRequest
	}
	if c.ReplyMarker == "" {
		c.ReplyMarker = DefaultReplyMarker
	}
	if c.AttemptsPerCycle <= 0 {
		c.AttemptsPerCycle = DefaultAttemptsPerCycle
	}
	if c.MaxCycles <= 0 {
		c.MaxCycles = DefaultMaxCycles
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = max(DefaultMaxInterval, c.MinInterval)
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

// timer is the part of [time.Timer] the engine needs.
type timer interface {
	Stop() bool
}

// Option customises an [Engine].
type Option func(*Engine)

// WithTargets replaces the interface enumerator.
func WithTargets(l netif.Lister) Option {
	return func(e *Engine) { e.targets = l }
}

// WithListener replaces the socket factory.
func WithListener(listen func() (Transport, error)) Option {
	return func(e *Engine) { e.listen = listen }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine runs the broadcast discovery protocol. Create one with [New].
//
// Callbacks in [Config] run while the engine's operation lock is held; they
// may call [Engine.State] but must not call Start or Stop synchronously.
type Engine struct {
	cfg      Config
	targets  netif.Lister
	listen   func() (Transport, error)
	schedule func(time.Duration, func()) timer
	metrics  *observe.Metrics

	// opMu serialises whole operations (start, stop, attempt, reply) so that
	// callbacks are delivered in state order.
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	gen     uint64
	tr      Transport
	pending timer
	started time.Time
}

// New creates an idle engine.
func New(cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		targets: netif.ListBroadcastTargets,
		listen:  ListenUDP,
		schedule: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// State returns a snapshot of the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start begins a discovery run. A running engine is reset first. A failure
// to open the socket is returned wrapped in [ErrSocket] and leaves the
// engine idle.
func (e *Engine) Start() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	wasIdle := e.state.Phase == PhaseIdle
	e.teardownLocked()
	e.state = State{Phase: PhaseIdle}

	tr, err := e.listen()
	if err != nil {
		e.mu.Unlock()
		if !wasIdle {
			e.emit(State{Phase: PhaseIdle})
		}
		return fmt.Errorf("%w: open: %w", ErrSocket, err)
	}

	gen := e.gen
	e.tr = tr
	e.state = State{Phase: PhaseBroadcasting}
	e.started = time.Now()
	e.pending = e.schedule(e.cfg.FirstDelay, func() { e.attempt(gen) })
	st := e.state
	e.mu.Unlock()

	go e.receive(gen, tr)

	slog.Info("discovery started",
		"port", e.cfg.Port,
		"attempts_per_cycle", e.cfg.AttemptsPerCycle,
		"max_cycles", e.cfg.MaxCycles,
	)
	e.emit(st)
	return nil
}

// Stop cancels the pending retry, closes the socket and returns to idle.
// Calling Stop on an idle engine does nothing.
func (e *Engine) Stop() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state.Phase == PhaseIdle && e.tr == nil {
		e.mu.Unlock()
		return
	}
	e.teardownLocked()
	e.state = State{Phase: PhaseIdle}
	e.mu.Unlock()

	slog.Debug("discovery stopped")
	e.emit(State{Phase: PhaseIdle})
}

// teardownLocked cancels the timer, closes the socket and invalidates every
// outstanding callback. Caller holds e.mu.
func (e *Engine) teardownLocked() {
	e.gen++
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
	}
	if e.tr != nil {
		if err := e.tr.Close(); err != nil {
			slog.Debug("discovery: close socket", "err", err)
		}
		e.tr = nil
	}
}

// attempt sends one broadcast round and schedules the next one.
func (e *Engine) attempt(gen uint64) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if gen != e.gen || e.state.Phase != PhaseBroadcasting {
		e.mu.Unlock()
		return
	}
	e.pending = nil
	tr := e.tr
	e.mu.Unlock()

	e.broadcast(tr)

	e.mu.Lock()
	e.state.Attempt++
	exhausted := false
	switch {
	case e.state.Attempt < e.cfg.AttemptsPerCycle:
		e.pending = e.schedule(e.interval(), func() { e.attempt(gen) })
	default:
		e.state.Cycle++
		e.metrics.DiscoveryCycles.Add(context.Background(), 1)
		if e.state.Cycle >= e.cfg.MaxCycles {
			e.teardownLocked()
			e.state.Phase = PhaseExhausted
			e.state.Attempt = 0
			exhausted = true
			break
		}
		e.state.Attempt = 0
		e.pending = e.schedule(e.cfg.Cooldown, func() { e.attempt(gen) })
		slog.Info("discovery cycle finished without reply",
			"cycle", e.state.Cycle, "cooldown", e.cfg.Cooldown)
	}
	st := e.state
	e.mu.Unlock()

	e.emit(st)
	if exhausted {
		slog.Warn("discovery exhausted", "cycles", st.Cycle, "err", ErrExhausted)
		e.metrics.RecordDiscoveryOutcome(context.Background(), "exhausted")
		if e.cfg.OnExhausted != nil {
			e.cfg.OnExhausted()
		}
	}
}

// broadcast sends the request to every current target. Failures are logged
// and counted; they never abort the schedule.
func (e *Engine) broadcast(tr Transport) {
	ctx := context.Background()
	e.metrics.DiscoveryAttempts.Add(ctx, 1)

	targets := e.targets()
	if len(targets) == 0 {
		slog.Warn("discovery attempt skipped", "err", ErrNetworkUnavailable)
		return
	}
	payload := []byte(e.cfg.Request)
	for _, t := range targets {
		dst := netip.AddrPortFrom(t.Broadcast, uint16(e.cfg.Port))
		if err := tr.WriteTo(payload, dst); err != nil {
			e.metrics.DiscoverySendErrors.Add(ctx, 1)
			slog.Warn("discovery send failed",
				"interface", t.InterfaceName,
				"addr", dst,
				"err", fmt.Errorf("%w: %w", ErrSocket, err),
			)
			continue
		}
		slog.Debug("discovery request sent", "interface", t.InterfaceName, "addr", dst)
	}
}

// interval draws the next retry delay uniformly from [MinInterval, MaxInterval].
func (e *Engine) interval() time.Duration {
	span := e.cfg.MaxInterval - e.cfg.MinInterval
	return e.cfg.MinInterval + rand.N(span+1)
}

// receive reads datagrams until the transport is closed.
func (e *Engine) receive(gen uint64, tr Transport) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := tr.ReadFrom(buf)
		if err != nil {
			e.mu.Lock()
			current := gen == e.gen
			e.mu.Unlock()
			if current && !errors.Is(err, net.ErrClosed) {
				slog.Warn("discovery receive failed", "err", fmt.Errorf("%w: %w", ErrSocket, err))
			}
			return
		}
		e.handle(gen, string(buf[:n]), from)
	}
}

// handle classifies one inbound datagram.
func (e *Engine) handle(gen uint64, payload string, from netip.AddrPort) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if gen != e.gen || e.state.Phase != PhaseBroadcasting {
		e.mu.Unlock()
		return
	}

	if payload == e.cfg.Request {
		e.mu.Unlock()
		slog.Debug("discovery echo ignored", "from", from)
		return
	}
	if !strings.Contains(payload, e.cfg.ReplyMarker) {
		e.mu.Unlock()
		slog.Debug("discovery datagram ignored", "from", from, "bytes", len(payload))
		return
	}

	addr, err := ParseReply(payload, e.cfg.ReplyMarker)
	if err != nil {
		e.mu.Unlock()
		slog.Warn("discovery reply ignored", "from", from, "err", err)
		return
	}

	e.teardownLocked()
	e.state = State{
		Phase:         PhaseConnected,
		Cycle:         e.state.Cycle,
		Attempt:       e.state.Attempt,
		ServerAddress: addr,
	}
	st := e.state
	elapsed := time.Since(e.started)
	e.mu.Unlock()

	ctx := context.Background()
	e.metrics.DiscoveryDuration.Record(ctx, elapsed.Seconds())
	e.metrics.RecordDiscoveryOutcome(ctx, "connected")
	slog.Info("game server discovered", "addr", addr, "from", from, "elapsed", elapsed)

	e.emit(st)
	if e.cfg.OnServerFound != nil {
		e.cfg.OnServerFound(addr)
	}
}

func (e *Engine) emit(st State) {
	if e.cfg.OnStatus != nil {
		e.cfg.OnStatus(st)
	}
}
