// Package chatapi is the HTTP client for the game server's rules assistant.
//
// The server exposes three endpoints on port 8000 of the discovered host:
//
//	POST /api/chat              answer a question, given recent history
//	GET  /api/games             list the games the server knows
//	GET  /api/keywords/{id}     vocabulary for one game
//
// The list endpoints return either a bare JSON array or an object wrapping
// it; the client accepts both.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/tablevoice/internal/observe"
)

const (
	// DefaultPort is the chat API port on the game server.
	DefaultPort = 8000

	// DefaultTimeout bounds every request.
	DefaultTimeout = 15 * time.Second
)

var (
	// ErrUnreachable is returned when the server could not be contacted
	// (connection refused, no route to host). HTTP error responses are
	// reported as [*StatusError] instead.
	ErrUnreachable = errors.New("chatapi: server unreachable")

	// ErrTimeout is returned when the request timeout expired.
	ErrTimeout = errors.New("chatapi: request timed out")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chatapi: HTTP %d", e.Code)
	}
	return fmt.Sprintf("chatapi: HTTP %d: %s", e.Code, e.Body)
}

// ── Wire types ──────────────────────────────────────────────────────────────

// HistoryEntry is one message of the conversation log.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Intent  string `json:"intent,omitempty"`
}

// Roles used in [HistoryEntry].
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GameContext names the game the question is about.
type GameContext struct {
	GameName string `json:"game_name"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	TableID     string         `json:"table_id"`
	SessionID   string         `json:"session_id"`
	GameContext GameContext    `json:"game_context"`
	UserInput   string         `json:"user_input"`
	History     []HistoryEntry `json:"history"`
}

// ChatReply is the response of POST /api/chat.
type ChatReply struct {
	Response  string `json:"response"`
	Intent    string `json:"intent"`
	Source    string `json:"source"`
	LatencyMS *int64 `json:"latency_ms,omitempty"`
}

// Game is one entry of GET /api/games.
type Game struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// ID is a game identifier. The server may send it as a number or a string.
type ID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chatapi: game id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// ── Client ──────────────────────────────────────────────────────────────────

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the per-request timeout. Default [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithMetrics records request counts and chat latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// Client talks to one game server. Safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	metrics *observe.Metrics
}

// BaseURL returns the API root for a discovered server address.
func BaseURL(addr netip.Addr, port int) string {
	if port <= 0 {
		port = DefaultPort
	}
	return "http://" + netip.AddrPortFrom(addr, uint16(port)).String()
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("chatapi: invalid base URL %q", baseURL)
	}
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the API root this client talks to.
func (c *Client) BaseURL() string { return c.base }

// Chat sends a question and returns the assistant's reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	ctx, span := observe.StartSpan(ctx, "chatapi.Chat")
	defer span.End()

	if req.History == nil {
		req.History = []HistoryEntry{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChatReply{}, fmt.Errorf("chatapi: encode request: %w", err)
	}

	start := time.Now()
	var reply ChatReply
	err = c.do(ctx, http.MethodPost, "/api/chat", body, func(data []byte) error {
		return json.Unmarshal(data, &reply)
	})
	c.record(ctx, "chat", err)
	if c.metrics != nil && err == nil {
		c.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		return ChatReply{}, err
	}
	return reply, nil
}

// Games lists the games the server can answer questions about.
func (c *Client) Games(ctx context.Context) ([]Game, error) {
	var games []Game
	err := c.do(ctx, http.MethodGet, "/api/games", nil, func(data []byte) error {
		return decodeList(data, "games", &games)
	})
	c.record(ctx, "games", err)
	if err != nil {
		return nil, err
	}
	return games, nil
}

// Keywords returns the vocabulary of one game. Entries may be plain
// strings or objects carrying a "keyword", "term" or "name" field.
func (c *Client) Keywords(ctx context.Context, gameID ID) ([]string, error) {
	var raw []json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/keywords/"+url.PathEscape(string(gameID)), nil, func(data []byte) error {
		return decodeList(data, "keywords", &raw)
	})
	c.record(ctx, "keywords", err)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if kw := keywordOf(r); kw != "" {
			out = append(out, kw)
		}
	}
	return out, nil
}

// FindGame returns the game whose name or id matches want, ignoring case.
func FindGame(games []Game, want string) (Game, bool) {
	for _, g := range games {
		if strings.EqualFold(g.Name, want) || strings.EqualFold(string(g.ID), want) {
			return g, true
		}
	}
	return Game{}, false
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, decode func([]byte) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("chatapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classify(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return &StatusError{Code: resp.StatusCode, Body: msg}
	}
	if err := decode(data); err != nil {
		return fmt.Errorf("chatapi: decode %s: %w", path, err)
	}
	return nil
}

// classify maps transport errors onto the package sentinels. Caller
// cancellation passes through unchanged.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("chatapi: %w", context.Canceled)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
}

func (c *Client) record(ctx context.Context, kind string, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, "chatapi", kind)
	}
	c.metrics.RecordProviderRequest(ctx, "chatapi", kind, status)
}

// decodeList unmarshals either a bare array or {key: array} into dst.
func decodeList(data []byte, key string, dst any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, dst)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	inner, ok := wrapped[key]
	if !ok {
		return fmt.Errorf("missing %q field", key)
	}
	return json.Unmarshal(inner, dst)
}

func keywordOf(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	for _, k := range []string{"keyword", "term", "name"} {
		switch v := obj[k].(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
