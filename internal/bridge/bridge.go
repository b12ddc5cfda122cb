// Package bridge connects Torchvox to the game server's chat plugin over a
// WebSocket. Inbound chat lines are routed to the command handler and player
// disconnects to the playback registry; outbound it implements the chat and
// private-message sinks the registry and pipelines notify through.
//
// The bridge owns exactly one connection at a time and reconnects with
// capped exponential backoff when it drops. Messages sent while disconnected
// are logged and dropped; game chat is ephemeral and replaying stale
// notifications after a reconnect would be worse than losing them.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/torchvox/internal/observe"
	"github.com/MrWong99/torchvox/internal/relay"
)

const (
	writeTimeout   = 5 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Router receives inbound chat lines. Implemented by command.Handler.
type Router interface {
	Handle(line string, player relay.Player) int
}

// Disconnecter receives player-left notifications. Implemented by
// relay.Manager.
type Disconnecter interface {
	OnDisconnect(player relay.Player)
}

// wireMessage is the JSON envelope exchanged with the chat plugin. Types:
// "chat" and "disconnect" inbound, "say" and "psay" outbound.
type wireMessage struct {
	Type     string      `json:"type"`
	Player   *wirePlayer `json:"player,omitempty"`
	UniqueID string      `json:"unique_id,omitempty"`
	Message  string      `json:"message,omitempty"`
}

type wirePlayer struct {
	UserID   int    `json:"user_id"`
	UniqueID string `json:"unique_id"`
	Name     string `json:"name"`
	Level    int    `json:"level"`
}

func (p *wirePlayer) player() relay.Player {
	return relay.Player{
		UserID:   p.UserID,
		UniqueID: p.UniqueID,
		Name:     p.Name,
		Level:    p.Level,
	}
}

// Bridge is the WebSocket chat client. It satisfies relay.Notifier and
// voice.Notifier.
type Bridge struct {
	url     string
	router  Router
	roster  Disconnecter
	metrics *observe.Metrics

	// dial is swapped in tests to avoid a network listener.
	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	mu   sync.Mutex
	conn *websocket.Conn
}

// Config carries the collaborators for [New].
type Config struct {
	// URL is the websocket endpoint of the chat plugin.
	URL string

	// Router handles inbound chat lines. May be nil; lines are then
	// dropped.
	Router Router

	// Roster receives disconnect notifications. May be nil.
	Roster Disconnecter

	// Metrics records message counts. Defaults to the shared instance.
	Metrics *observe.Metrics
}

// Bind attaches the inbound collaborators. The command handler and the
// registry both need the bridge as their notifier, so they are constructed
// after it; call Bind before [Bridge.Run].
func (b *Bridge) Bind(router Router, roster Disconnecter) {
	b.router = router
	b.roster = roster
}

// New creates a bridge for the given endpoint. Call [Bridge.Run] to connect.
func New(cfg Config) *Bridge {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Bridge{
		url:     cfg.URL,
		router:  cfg.Router,
		roster:  cfg.Roster,
		metrics: m,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, nil)
			return conn, err
		},
	}
}

// Run connects to the chat plugin and processes messages until ctx is
// cancelled, reconnecting on failure. It always returns ctx.Err().
func (b *Bridge) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		conn, err := b.dial(ctx, b.url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("chat bridge dial failed", "url", b.url, "retry_in", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		slog.Info("chat bridge connected", "url", b.url)
		backoff = initialBackoff
		b.setConn(conn)

		err = b.readLoop(ctx, conn)
		b.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("chat bridge disconnected", "error", err)
	}
}

// readLoop dispatches inbound messages until the connection or ctx fails.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("chat bridge bad message", "error", err)
			continue
		}

		switch msg.Type {
		case "chat":
			if msg.Player == nil {
				continue
			}
			b.metrics.RecordBridgeMessage(ctx, "in")
			if b.router != nil {
				b.router.Handle(msg.Message, msg.Player.player())
			}
		case "disconnect":
			if msg.Player == nil {
				continue
			}
			slog.Info("player disconnected", "player", msg.Player.Name)
			if b.roster != nil {
				b.roster.OnDisconnect(msg.Player.player())
			}
		default:
			slog.Debug("chat bridge unknown message type", "type", msg.Type)
		}
	}
}

// SayChat broadcasts msg to all players.
func (b *Bridge) SayChat(msg string) {
	b.send(wireMessage{Type: "say", Message: msg})
}

// SayPrivate messages one player.
func (b *Bridge) SayPrivate(p relay.Player, msg string) {
	b.send(wireMessage{Type: "psay", UniqueID: p.UniqueID, Message: msg})
}

func (b *Bridge) send(msg wireMessage) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		slog.Warn("chat bridge not connected, dropping message", "type", msg.Type)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("chat bridge marshal", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("chat bridge write failed", "type", msg.Type, "error", err)
		return
	}
	b.metrics.RecordBridgeMessage(ctx, "out")
}

func (b *Bridge) setConn(conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
}

var _ relay.Notifier = (*Bridge)(nil)
