package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/torchvox/internal/relay"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startChatServer launches a test WebSocket server standing in for the game
// server's chat plugin. The handler receives the accepted conn.
func startChatServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

type routed struct {
	line   string
	player relay.Player
}

// fakeRouter records handled lines and signals arrivals on a channel.
type fakeRouter struct {
	mu    sync.Mutex
	lines []routed
	got   chan struct{}
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{got: make(chan struct{}, 16)}
}

func (r *fakeRouter) Handle(line string, player relay.Player) int {
	r.mu.Lock()
	r.lines = append(r.lines, routed{line, player})
	r.mu.Unlock()
	r.got <- struct{}{}
	return 1
}

func (r *fakeRouter) wait(t *testing.T) routed {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(3 * time.Second):
		t.Fatal("no chat line routed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines[len(r.lines)-1]
}

type fakeRoster struct {
	mu   sync.Mutex
	left []relay.Player
	got  chan struct{}
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{got: make(chan struct{}, 16)}
}

func (r *fakeRoster) OnDisconnect(player relay.Player) {
	r.mu.Lock()
	r.left = append(r.left, player)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func TestRun_RoutesChatLines(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, wireMessage{
			Type:    "chat",
			Player:  &wirePlayer{UserID: 3, UniqueID: "STEAM_1:0:11", Name: "Alice", Level: 2},
			Message: "!play http://example.com/a.mp3",
		})
		// Keep the conn open until the client drops it.
		ctx := context.Background()
		conn.Read(ctx)
	})

	router := newFakeRouter()
	b := New(Config{URL: wsURL(srv), Router: router})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	got := router.wait(t)
	if got.line != "!play http://example.com/a.mp3" {
		t.Errorf("line = %q", got.line)
	}
	if got.player.Name != "Alice" || got.player.UserID != 3 || got.player.Level != 2 {
		t.Errorf("player = %+v", got.player)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_DispatchesDisconnects(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, wireMessage{
			Type:   "disconnect",
			Player: &wirePlayer{UserID: 7, UniqueID: "STEAM_1:0:42", Name: "Bob"},
		})
		conn.Read(context.Background())
	})

	roster := newFakeRoster()
	b := New(Config{URL: wsURL(srv), Roster: roster})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	select {
	case <-roster.got:
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect dispatched")
	}
	roster.mu.Lock()
	defer roster.mu.Unlock()
	if len(roster.left) != 1 || roster.left[0].UniqueID != "STEAM_1:0:42" {
		t.Errorf("left = %+v", roster.left)
	}
}

func TestRun_IgnoresMalformedAndUnknownMessages(t *testing.T) {
	t.Parallel()

	srv := startChatServer(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, wireMessage{Type: "ping"})
		writeJSON(t, conn, wireMessage{Type: "chat"}) // no player
		writeJSON(t, conn, wireMessage{
			Type:    "chat",
			Player:  &wirePlayer{Name: "Carol"},
			Message: "!stop",
		})
		conn.Read(context.Background())
	})

	router := newFakeRouter()
	b := New(Config{URL: wsURL(srv), Router: router})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	got := router.wait(t)
	if got.line != "!stop" || got.player.Name != "Carol" {
		t.Errorf("routed = %+v", got)
	}
	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.lines) != 1 {
		t.Errorf("routed %d lines, want 1", len(router.lines))
	}
}

func TestSay_WritesEnvelopes(t *testing.T) {
	t.Parallel()

	connected := make(chan *websocket.Conn, 1)
	srv := startChatServer(t, func(conn *websocket.Conn) {
		connected <- conn
		var msg wireMessage
		readJSON(t, conn, &msg)
		if msg.Type != "say" || msg.Message != "hello everyone" {
			t.Errorf("say frame = %+v", msg)
		}
		readJSON(t, conn, &msg)
		if msg.Type != "psay" || msg.UniqueID != "STEAM_1:0:5" || msg.Message != "just you" {
			t.Errorf("psay frame = %+v", msg)
		}
	})

	b := New(Config{URL: wsURL(srv)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge never connected")
	}
	// The server has the conn; wait for the client side to register it too.
	deadline := time.Now().Add(3 * time.Second)
	for {
		b.mu.Lock()
		ready := b.conn != nil
		b.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client conn never set")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.SayChat("hello everyone")
	b.SayPrivate(relay.Player{UniqueID: "STEAM_1:0:5"}, "just you")
}

func TestSend_DroppedWhileDisconnected(t *testing.T) {
	t.Parallel()

	b := New(Config{URL: "ws://127.0.0.1:1/nowhere"})
	// Must not panic or block.
	b.SayChat("into the void")
	b.SayPrivate(relay.Player{UniqueID: "STEAM_1:0:9"}, "also dropped")
}

func TestRun_ReconnectsAfterServerClose(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	accepts := 0
	srv := startChatServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		accepts++
		n := accepts
		mu.Unlock()
		if n == 1 {
			return // immediate close forces a reconnect
		}
		writeJSON(t, conn, wireMessage{
			Type:    "chat",
			Player:  &wirePlayer{Name: "Dave"},
			Message: "!play after reconnect",
		})
		conn.Read(context.Background())
	})

	router := newFakeRouter()
	b := New(Config{URL: wsURL(srv), Router: router})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// First connection drops instantly; the retry backoff starts at one
	// second, so allow a generous window.
	select {
	case <-router.got:
	case <-time.After(10 * time.Second):
		t.Fatal("no chat line after reconnect")
	}
	router.mu.Lock()
	defer router.mu.Unlock()
	if router.lines[0].line != "!play after reconnect" {
		t.Errorf("line = %q", router.lines[0].line)
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	b := New(Config{URL: "ws://unused"})
	router := newFakeRouter()
	roster := newFakeRoster()
	b.Bind(router, roster)
	if b.router != Router(router) || b.roster != Disconnecter(roster) {
		t.Error("Bind did not attach collaborators")
	}
}
