// Package ws terminates client WebSocket connections and relays their
// messages to room coordinators.
package ws

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/internal/metrics"
	"github.com/suyeshs/stonepot-sub001/internal/room"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Config struct {
	// ConnectTimeout is how long a connection may stay open without a
	// successful join.
	ConnectTimeout    time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		MessagesPerSecond: 20,
		MessageBurst:      40,
	}
}

// Gateway owns the set of live client connections.
type Gateway struct {
	registry *room.Registry
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewGateway(registry *room.Registry, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Gateway {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = def.MessagesPerSecond
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = def.MessageBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		clients:  make(map[*Client]struct{}),
	}
}

// ServeWs upgrades GET /ws?room={id} or /ws/{id}. Unknown rooms are
// rejected before the upgrade.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	}
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}

	if _, err := g.registry.Get(r.Context(), roomID); err != nil {
		if protocol.IsCode(err, protocol.CodeNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		g.logger.Error("Failed to resolve room", zap.String("room_id", roomID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Info("Upgrade error", zap.Error(err))
		return
	}

	client := newClient(g, conn, roomID)
	g.register(client)
	client.logger.Debug("Connection opened", zap.String("remote_addr", conn.RemoteAddr().String()))

	go client.writePump()
	go client.readPump()
}

// Connections is the number of open sockets, joined or not.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Shutdown closes every open connection.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	g.logger.Info("Gateway closed connections", zap.Int("count", len(clients)))
}

func (g *Gateway) register(c *Client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}
