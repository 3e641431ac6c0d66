package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/internal/ratelimit"
	"github.com/suyeshs/stonepot-sub001/internal/room"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	// Connections that keep flooding after this many dropped frames are cut.
	maxRateViolations = 200
	detachTimeout     = 5 * time.Second
)

var (
	errClientClosed = errors.New("client closed")
	errSlowConsumer = errors.New("client send buffer full")
)

// Client is one WebSocket connection. It is the room.Subscriber the
// coordinator delivers frames to.
type Client struct {
	gateway     *Gateway
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	roomID      string
	clientID    string
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger

	joined atomic.Bool
	// coord is set by the first successful join; only readPump touches it.
	coord *room.Coordinator
}

func newClient(g *Gateway, conn *websocket.Conn, roomID string) *Client {
	id := uuid.NewString()
	return &Client{
		gateway:     g,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		roomID:      roomID,
		clientID:    id,
		rateLimiter: ratelimit.NewLimiter(g.cfg.MessagesPerSecond, g.cfg.MessageBurst),
		logger:      g.logger.With(zap.String("room_id", roomID), zap.String("conn_id", id)),
	}
}

func (c *Client) ID() string { return c.clientID }

// Deliver queues a frame without blocking. A full buffer means the peer is
// not keeping up, so the connection is closed.
func (c *Client) Deliver(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn("Dropping slow client")
		c.close()
		return errSlowConsumer
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(c.gateway.cfg.ConnectTimeout, c.connectTimeout)

	defer func() {
		timer.Stop()
		cancel()
		c.detach()
		c.close()
		c.gateway.unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("WebSocket read error", zap.Error(err))
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			c.gateway.metrics.RateLimited()
			if rateLimitWarnings%50 == 1 {
				c.logger.Warn("Rate limit exceeded", zap.Int("warnings", rateLimitWarnings))
				c.Deliver(protocol.EncodeError(protocol.Errorf(protocol.CodeRateLimited, "slow down"), ""))
			}
			if rateLimitWarnings > maxRateViolations {
				c.logger.Warn("Disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		msg, err := protocol.Decode(message)
		if err != nil {
			c.Deliver(protocol.EncodeError(err, ""))
			continue
		}
		if !c.dispatch(ctx, msg) {
			return
		}
	}
}

// dispatch hands msg to the room. It returns false when the connection
// should be dropped.
func (c *Client) dispatch(ctx context.Context, msg *protocol.ClientMessage) bool {
	if c.coord == nil {
		if msg.Type != protocol.TypeJoin {
			c.Deliver(protocol.EncodeError(protocol.Errorf(protocol.CodeInvalidInput, "join first"), msg.RequestID))
			return true
		}
		return c.join(ctx, msg)
	}

	err := c.coord.Dispatch(ctx, c, msg)
	if errors.Is(err, room.ErrStopped) {
		// The room went away under an attached connection, e.g. on shutdown.
		// Dropping the connection makes the client reconnect and rejoin.
		c.Deliver(protocol.EncodeError(protocol.Errorf(protocol.CodeInternal, "room unavailable"), msg.RequestID))
		return false
	}
	if msg.Type == protocol.TypeLeave && err == nil {
		c.coord = nil
		c.joined.Store(false)
	}
	return true
}

// join resolves the room and attaches. A coordinator that hibernated
// between lookup and dispatch is resolved once more.
func (c *Client) join(ctx context.Context, msg *protocol.ClientMessage) bool {
	for attempt := 0; attempt < 2; attempt++ {
		coord, err := c.gateway.registry.Get(ctx, c.roomID)
		if err != nil {
			c.Deliver(protocol.EncodeError(err, msg.RequestID))
			return !protocol.IsCode(err, protocol.CodeNotFound)
		}

		err = coord.Dispatch(ctx, c, msg)
		if errors.Is(err, room.ErrStopped) {
			continue
		}
		if err == nil {
			c.coord = coord
			c.joined.Store(true)
		}
		// Rejections were already delivered by the coordinator.
		return true
	}
	c.Deliver(protocol.EncodeError(protocol.Errorf(protocol.CodeInternal, "room unavailable"), msg.RequestID))
	return false
}

func (c *Client) connectTimeout() {
	if c.joined.Load() {
		return
	}
	c.logger.Info("Connection did not join in time")
	c.Deliver(protocol.EncodeError(protocol.Errorf(protocol.CodeConnectTimeout, "join not received in time"), ""))
	c.close()
}

func (c *Client) detach() {
	if c.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	if err := c.coord.Detach(ctx, c); err != nil && !errors.Is(err, room.ErrStopped) {
		c.logger.Warn("Detach failed", zap.Error(err))
	}
	c.coord = nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.close()
				return
			}

		case <-c.done:
			// Flush what was queued before the close, then say goodbye.
		drain:
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}
