package app

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/MrWong99/tablevoice/internal/chatapi"
	"github.com/MrWong99/tablevoice/internal/discovery"
	"github.com/MrWong99/tablevoice/internal/voice"
)

// Status lines owned by the App. The voice session supplies the rest.
const (
	msgStarting  = "Starting…"
	msgSearching = "Looking for the game server…"
	msgNotFound  = "Game server not found. Enter its address to continue."
	msgNoNetwork = "No network connection."
	msgConnected = "Connected to the game server."
)

// Press is the talk button. Without a connected server it returns
// [ErrNotConnected]; if discovery had given up or never started, pressing
// starts a new search.
func (a *App) Press() error {
	if !a.Connected() {
		switch a.disc.State().Phase {
		case discovery.PhaseIdle, discovery.PhaseExhausted:
			a.startDiscovery()
		default:
			a.setStatus(msgSearching, false)
		}
		return ErrNotConnected
	}
	a.voice.Press()
	return nil
}

// Cancel aborts the current voice turn, if any.
func (a *App) Cancel() { a.voice.Interrupt() }

// Connected reports whether a game server is known.
func (a *App) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil
}

// ServerAddress returns the connected server, or the zero Addr.
func (a *App) ServerAddress() netip.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server
}

// SetServerAddress stops discovery and connects to addr, an IPv4 address
// entered by the user.
func (a *App) SetServerAddress(addr string) error {
	ip, err := parseServerAddress(addr)
	if err != nil {
		return err
	}
	a.disc.Stop()
	a.connect(ip)
	return nil
}

func parseServerAddress(addr string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil || !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return ip, nil
}

// Status returns the current status line.
func (a *App) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *App) setStatus(msg string, alert bool) {
	a.mu.Lock()
	a.status = msg
	hook := a.statusHook
	a.mu.Unlock()
	if hook != nil {
		hook(msg, alert)
	}
}

func (a *App) startDiscovery() {
	if err := a.disc.Start(); err != nil {
		slog.Error("app: start discovery", "err", err)
		a.setStatus(msgNoNetwork, true)
	}
}

// connect switches the chat client to addr. Called from the discovery
// engine's callback and from SetServerAddress; it must not call back into
// the engine.
func (a *App) connect(addr netip.Addr) {
	base := chatapi.BaseURL(addr, a.cfg.API.Port)
	opts := []chatapi.Option{
		chatapi.WithTimeout(a.cfg.API.Timeout),
		chatapi.WithMetrics(a.metrics),
	}
	if a.httpClient != nil {
		opts = append(opts, chatapi.WithHTTPClient(a.httpClient))
	}
	client, err := chatapi.New(base, opts...)
	if err != nil {
		slog.Error("app: chat client", "addr", addr, "err", err)
		return
	}

	a.mu.Lock()
	a.client = client
	a.server = addr
	a.mu.Unlock()
	a.breaker.Reset()

	slog.Info("connected to game server", "addr", addr, "api", base)
	a.setStatus(msgConnected, false)
	go a.refreshKeywords()
}

// disconnect forgets client after a connectivity failure and searches for
// the server again. A client that was already replaced is ignored.
func (a *App) disconnect(client *chatapi.Client, cause error) {
	a.mu.Lock()
	if a.client != client {
		a.mu.Unlock()
		return
	}
	a.client = nil
	a.server = netip.Addr{}
	a.mu.Unlock()

	slog.Warn("game server lost, restarting discovery", "api", client.BaseURL(), "err", cause)
	a.startDiscovery()
}

func (a *App) onDiscoveryStatus(st discovery.State) {
	slog.Debug("discovery status", "phase", st.Phase, "cycle", st.Cycle, "attempt", st.Attempt)
	if st.Phase == discovery.PhaseBroadcasting && !a.Connected() {
		a.setStatus(msgSearching, false)
	}
}

func (a *App) onExhausted() {
	a.setStatus(msgNotFound, true)
}

func (a *App) onVoiceStatus(st voice.Status) {
	if st.Err != nil {
		slog.Warn("voice turn failed", "turn", st.TurnID, "err", st.Err)
	}
	a.setStatus(st.Message, st.Kind == voice.KindAlert)
}
