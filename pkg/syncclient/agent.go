// Package syncclient is the client side of an order room: it keeps a
// read-only mirror of the room, sends actions, and reconnects on its own.
//
// The mirror only changes when the server says so. Actions wait in a pending
// queue keyed by request id until the server echoes that id back.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	// StatusDisconnected is terminal: the reconnect budget is spent or the
	// agent was closed.
	StatusDisconnected Status = "disconnected"
)

var (
	ErrNotConnected = errors.New("syncclient: not connected")
	ErrClosed       = errors.New("syncclient: agent closed")
)

// Callbacks are invoked from the agent's read goroutine, never while it
// holds its lock. Room arguments are private copies.
type Callbacks struct {
	OnSync              func(room *protocol.Room)
	OnParticipantJoined func(p protocol.Participant, room *protocol.Room)
	OnParticipantLeft   func(p protocol.Participant, room *protocol.Room)
	OnItemAdded         func(item protocol.Item, room *protocol.Room)
	OnItemRemoved       func(itemID string, room *protocol.Room)
	OnQuantityUpdated   func(item protocol.Item, room *protocol.Room)
	OnSplitUpdated      func(room *protocol.Room)
	OnOrderFinalized    func(room *protocol.Room)
	OnError             func(err *protocol.Error, requestID string)
	OnStatusChange      func(status Status)
}

type Config struct {
	// URL is the connect URL handed out when the room started.
	URL             string
	ParticipantID   string
	ParticipantName string
	ContactRef      string

	// MaxAttempts bounds reconnection; the delay doubles from
	// InitialBackoff each attempt.
	MaxAttempts    uint
	InitialBackoff time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type Agent struct {
	cfg    Config
	cb     Callbacks
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	state   *protocol.Room
	status  Status
	pending map[string]protocol.MessageType
	closed  bool

	writeMu sync.Mutex
}

func New(cfg Config, cb Callbacks) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:     cfg.withDefaults(),
		cb:      cb,
		ctx:     ctx,
		cancel:  cancel,
		status:  StatusIdle,
		pending: make(map[string]protocol.MessageType),
	}
}

// Connect dials the room and sends join. The room snapshot arrives later
// through OnSync.
func (a *Agent) Connect(ctx context.Context) error {
	a.setStatus(StatusConnecting)
	conn, _, err := a.cfg.Dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		a.setStatus(StatusDisconnected)
		return fmt.Errorf("dial room: %w", err)
	}
	if err := a.attach(conn); err != nil {
		a.setStatus(StatusDisconnected)
		return err
	}
	_, err = a.SendJoin()
	return err
}

// attach installs conn as the live connection and starts reading from it.
func (a *Agent) attach(conn *websocket.Conn) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	a.conn = conn
	a.mu.Unlock()

	a.setStatus(StatusConnected)
	go a.readLoop(conn)
	return nil
}

// Close leaves the room and stops reconnecting.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	a.cancel()
	if conn != nil {
		a.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		conn.Close()
	}
	a.setStatus(StatusDisconnected)
	return nil
}

// State returns a copy of the mirrored room, or nil before the first sync.
func (a *Agent) State() *protocol.Room {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Pending returns the request ids still awaiting a server response.
func (a *Agent) Pending() map[string]protocol.MessageType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]protocol.MessageType, len(a.pending))
	for id, t := range a.pending {
		out[id] = t
	}
	return out
}

func (a *Agent) SendJoin() (string, error) {
	return a.send(protocol.TypeJoin, protocol.JoinData{ContactRef: a.cfg.ContactRef})
}

func (a *Agent) SendAddItem(item protocol.AddItemData) (string, error) {
	return a.send(protocol.TypeAddItem, item)
}

func (a *Agent) SendRemoveItem(itemID string) (string, error) {
	return a.send(protocol.TypeRemoveItem, protocol.RemoveItemData{ItemID: itemID})
}

func (a *Agent) SendUpdateQuantity(itemID string, quantity int) (string, error) {
	return a.send(protocol.TypeUpdateQuantity, protocol.UpdateQuantityData{ItemID: itemID, Quantity: quantity})
}

func (a *Agent) SendUpdateSplit(splitType protocol.SplitType, customAmounts map[string]int64) (string, error) {
	return a.send(protocol.TypeUpdateSplit, protocol.UpdateSplitData{SplitType: splitType, CustomAmounts: customAmounts})
}

func (a *Agent) SendFinalize() (string, error) {
	return a.send(protocol.TypeFinalize, nil)
}

func (a *Agent) SendLeave() (string, error) {
	return a.send(protocol.TypeLeave, nil)
}

// send writes one action and records it as pending. It returns the
// request id the server will echo.
func (a *Agent) send(t protocol.MessageType, data any) (string, error) {
	msg, err := protocol.NewClientMessage(t, a.cfg.ParticipantID, a.cfg.ParticipantName, data)
	if err != nil {
		return "", err
	}
	msg.RequestID = uuid.NewString()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", ErrClosed
	}
	conn := a.conn
	if conn == nil || a.status != StatusConnected {
		a.mu.Unlock()
		return "", ErrNotConnected
	}
	a.pending[msg.RequestID] = t
	a.mu.Unlock()

	a.writeMu.Lock()
	err = conn.WriteJSON(msg)
	a.writeMu.Unlock()
	if err != nil {
		a.mu.Lock()
		delete(a.pending, msg.RequestID)
		a.mu.Unlock()
		return "", fmt.Errorf("send %s: %w", t, err)
	}
	return msg.RequestID, nil
}

func (a *Agent) readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			a.connectionLost(conn, err)
			return
		}
		a.handle(msg)
	}
}

func (a *Agent) handle(msg protocol.ServerMessage) {
	if msg.Type == protocol.TypeError {
		var data protocol.ErrorData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			a.cfg.Logger.Warn("Malformed error frame", zap.Error(err))
			return
		}
		a.mu.Lock()
		delete(a.pending, msg.RequestID)
		a.mu.Unlock()
		if a.cb.OnError != nil {
			a.cb.OnError(&protocol.Error{Code: data.Code, Message: data.Message}, msg.RequestID)
		}
		return
	}

	var data protocol.EventData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Room == nil {
		a.cfg.Logger.Warn("Malformed event frame", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	a.mu.Lock()
	a.state = data.Room
	if msg.RequestID != "" {
		delete(a.pending, msg.RequestID)
	}
	room := a.state.Clone()
	a.mu.Unlock()

	switch msg.Type {
	case protocol.TypeSync:
		if a.cb.OnSync != nil {
			a.cb.OnSync(room)
		}
	case protocol.TypeParticipantJoined:
		if a.cb.OnParticipantJoined != nil && data.Participant != nil {
			a.cb.OnParticipantJoined(*data.Participant, room)
		}
	case protocol.TypeParticipantLeft:
		if a.cb.OnParticipantLeft != nil && data.Participant != nil {
			a.cb.OnParticipantLeft(*data.Participant, room)
		}
	case protocol.TypeItemAdded:
		if a.cb.OnItemAdded != nil && data.Item != nil {
			a.cb.OnItemAdded(*data.Item, room)
		}
	case protocol.TypeItemRemoved:
		if a.cb.OnItemRemoved != nil {
			a.cb.OnItemRemoved(data.ItemID, room)
		}
	case protocol.TypeQuantityUpdated:
		if a.cb.OnQuantityUpdated != nil && data.Item != nil {
			a.cb.OnQuantityUpdated(*data.Item, room)
		}
	case protocol.TypeSplitUpdated:
		if a.cb.OnSplitUpdated != nil {
			a.cb.OnSplitUpdated(room)
		}
	case protocol.TypeOrderFinalized:
		if a.cb.OnOrderFinalized != nil {
			a.cb.OnOrderFinalized(room)
		}
	}
}

// connectionLost starts reconnecting unless the loss was asked for.
func (a *Agent) connectionLost(conn *websocket.Conn, cause error) {
	a.mu.Lock()
	if a.closed || a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	// Unconfirmed actions are lost with the connection; the rejoin sync
	// becomes the new source of truth.
	a.pending = make(map[string]protocol.MessageType)
	a.mu.Unlock()
	conn.Close()

	a.cfg.Logger.Info("Connection lost", zap.Error(cause))
	a.setStatus(StatusReconnecting)
	go a.reconnect()
}

func (a *Agent) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = a.cfg.InitialBackoff << a.cfg.MaxAttempts

	attempt := 0
	conn, err := backoff.Retry(a.ctx, func() (*websocket.Conn, error) {
		attempt++
		conn, _, err := a.cfg.Dialer.DialContext(a.ctx, a.cfg.URL, nil)
		if err != nil {
			a.cfg.Logger.Debug("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return conn, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(a.cfg.MaxAttempts))
	if err != nil {
		a.cfg.Logger.Warn("Giving up reconnecting", zap.Int("attempts", attempt), zap.Error(err))
		a.setStatus(StatusDisconnected)
		return
	}

	if err := a.attach(conn); err != nil {
		return
	}
	if _, err := a.SendJoin(); err != nil {
		a.cfg.Logger.Warn("Rejoin failed", zap.Error(err))
	}
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	if a.status == s || (a.status == StatusDisconnected && a.closed) {
		a.mu.Unlock()
		return
	}
	a.status = s
	a.mu.Unlock()

	if a.cb.OnStatusChange != nil {
		a.cb.OnStatusChange(s)
	}
}
