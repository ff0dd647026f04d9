package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

func newClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestBaseURL(t *testing.T) {
	addr := netip.MustParseAddr("192.168.1.20")
	if got := BaseURL(addr, 0); got != "http://192.168.1.20:8000" {
		t.Errorf("BaseURL = %q", got)
	}
	if got := BaseURL(addr, 9000); got != "http://192.168.1.20:9000" {
		t.Errorf("BaseURL = %q", got)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "192.168.1.2:8000"} {
		if _, err := New(u); err == nil {
			t.Errorf("New(%q) succeeded, want error", u)
		}
	}
}

func TestChat(t *testing.T) {
	var got ChatRequest
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":"Roll two dice.","intent":"rules","source":"rulebook p.4","latency_ms":412}`))
	})

	reply, err := c.Chat(context.Background(), ChatRequest{
		TableID:     "table-7",
		SessionID:   "s1",
		GameContext: GameContext{GameName: "Catan"},
		UserInput:   "How do I start?",
		History: []HistoryEntry{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello", Intent: "greeting"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Response != "Roll two dice." || reply.Intent != "rules" || reply.Source != "rulebook p.4" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.LatencyMS == nil || *reply.LatencyMS != 412 {
		t.Errorf("LatencyMS = %v, want 412", reply.LatencyMS)
	}
	if got.TableID != "table-7" || got.GameContext.GameName != "Catan" || got.UserInput != "How do I start?" {
		t.Errorf("request = %+v", got)
	}
	if len(got.History) != 2 || got.History[1].Intent != "greeting" {
		t.Errorf("history = %+v", got.History)
	}
}

func TestChat_EmptyHistoryIsArray(t *testing.T) {
	var raw map[string]json.RawMessage
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	})
	if _, err := c.Chat(context.Background(), ChatRequest{UserInput: "q"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if string(raw["history"]) != "[]" {
		t.Errorf("history = %s, want []", raw["history"])
	}
}

func TestChat_StatusError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "llm overloaded", http.StatusServiceUnavailable)
	})
	_, err := c.Chat(context.Background(), ChatRequest{UserInput: "q"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Body != "llm overloaded" {
		t.Errorf("StatusError = %+v", se)
	}
	if errors.Is(err, ErrUnreachable) {
		t.Error("HTTP error classified as unreachable")
	}
}

func TestChat_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c, _ := New("http://" + addr)
	if _, err := c.Chat(context.Background(), ChatRequest{UserInput: "q"}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestChat_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))
	defer close(release)

	if _, err := c.Chat(context.Background(), ChatRequest{UserInput: "q"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestChat_CallerCancel(t *testing.T) {
	release := make(chan struct{})
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.Chat(ctx, ChatRequest{UserInput: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) {
		t.Errorf("cancellation misclassified: %v", err)
	}
}

func TestGames(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"id":1,"name":"Catan"},{"id":"azul","name":"Azul"}]`},
		{"wrapped", `{"games":[{"id":1,"name":"Catan"},{"id":"azul","name":"Azul"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/games" {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			})
			games, err := c.Games(context.Background())
			if err != nil {
				t.Fatalf("Games: %v", err)
			}
			if len(games) != 2 {
				t.Fatalf("games = %+v", games)
			}
			if games[0].ID != "1" || games[1].ID != "azul" {
				t.Errorf("ids = %q, %q", games[0].ID, games[1].ID)
			}
			g, ok := FindGame(games, "catan")
			if !ok || g.ID != "1" {
				t.Errorf("FindGame(catan) = %+v, %v", g, ok)
			}
			if _, ok := FindGame(games, "chess"); ok {
				t.Error("FindGame(chess) found a game")
			}
		})
	}
}

func TestGames_MissingWrapperKey(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	if _, err := c.Games(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestKeywords(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"strings", `["Settlement", " Robber ", ""]`},
		{"wrapped objects", `{"keywords":[{"keyword":"Settlement"},{"term":"Robber"},{"other":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				_, _ = w.Write([]byte(tt.body))
			})
			kws, err := c.Keywords(context.Background(), "catan base")
			if err != nil {
				t.Fatalf("Keywords: %v", err)
			}
			if path != "/api/keywords/catan base" {
				t.Errorf("path = %q", path)
			}
			if len(kws) != 2 || kws[0] != "Settlement" || kws[1] != "Robber" {
				t.Errorf("keywords = %q", kws)
			}
		})
	}
}
