package room

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/internal/metrics"
	"github.com/suyeshs/stonepot-sub001/internal/split"
	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

type commandKind int

const (
	cmdMessage commandKind = iota
	cmdDetach
	cmdSnapshot
	cmdHibernate
	cmdClose
	cmdStop
)

type command struct {
	kind   commandKind
	sub    Subscriber
	msg    *protocol.ClientMessage
	source protocol.ItemSource
	grace  time.Duration
	reply  chan result
}

type result struct {
	err     error
	room    *protocol.Room
	stopped bool
}

type attachment struct {
	sub           Subscriber
	participantID string
}

// Coordinator serializes every change to one room. All fields below inbox
// are owned by the run goroutine.
type Coordinator struct {
	id      string
	inbox   chan command
	done    chan struct{}
	conns   atomic.Int32
	onStop  func(*Coordinator)
	store   store.Store
	calc    split.Calculator
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	state     *protocol.Room
	subs      map[string]*attachment
	dirty     bool
	idleSince time.Time
}

func newCoordinator(state *protocol.Room, st store.Store, opts Options, onStop func(*Coordinator)) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		id:        state.ID,
		inbox:     make(chan command),
		done:      make(chan struct{}),
		onStop:    onStop,
		store:     st,
		calc:      opts.Calculator,
		logger:    opts.Logger.With(zap.String("room_id", state.ID)),
		metrics:   opts.Metrics,
		opts:      opts,
		state:     state,
		subs:      make(map[string]*attachment),
		idleSince: opts.Now(),
	}

	// Presence does not survive a restart, and totals are never trusted
	// from storage.
	for i := range c.state.Participants {
		c.state.Participants[i].ConnectionCount = 0
		c.state.Participants[i].Online = false
	}
	if c.state.Items == nil {
		c.state.Items = []protocol.Item{}
	}
	c.recompute()
	return c
}

func (c *Coordinator) ID() string { return c.id }

// Connections is the number of attached connections.
func (c *Coordinator) Connections() int { return int(c.conns.Load()) }

func (c *Coordinator) run() {
	ticker := time.NewTicker(c.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-c.inbox:
			res := c.handle(cmd)
			if res.stopped {
				c.shutdown()
				cmd.reply <- res
				return
			}
			cmd.reply <- res
		case <-ticker.C:
			if c.dirty {
				c.persist()
			}
		}
	}
}

// shutdown unregisters before closing done so that anyone who observes
// ErrStopped and re-resolves the room gets a fresh coordinator.
func (c *Coordinator) shutdown() {
	if c.onStop != nil {
		c.onStop(c)
	}
	close(c.done)
}

// send hands cmd to the run loop and waits for its result. Once a command
// is accepted it runs to completion; ctx only bounds the wait to enqueue.
func (c *Coordinator) send(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case c.inbox <- cmd:
	case <-c.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	return <-cmd.reply, nil
}

// Dispatch applies a client message. sub is the originating connection, or
// nil for server-side entry points such as voice orders. Rejections are
// returned and, when sub is set, also delivered to it as an error frame.
func (c *Coordinator) Dispatch(ctx context.Context, sub Subscriber, msg *protocol.ClientMessage) error {
	return c.dispatch(ctx, sub, msg, protocol.SourceClient)
}

// DispatchVoice applies an add_item that originated from the voice agent.
func (c *Coordinator) DispatchVoice(ctx context.Context, msg *protocol.ClientMessage) error {
	return c.dispatch(ctx, nil, msg, protocol.SourceVoice)
}

func (c *Coordinator) dispatch(ctx context.Context, sub Subscriber, msg *protocol.ClientMessage, source protocol.ItemSource) error {
	res, err := c.send(ctx, command{kind: cmdMessage, sub: sub, msg: msg, source: source})
	if err != nil {
		return err
	}
	return res.err
}

// Detach is the leave-equivalent for a connection that went away.
func (c *Coordinator) Detach(ctx context.Context, sub Subscriber) error {
	_, err := c.send(ctx, command{kind: cmdDetach, sub: sub})
	return err
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (*protocol.Room, error) {
	res, err := c.send(ctx, command{kind: cmdSnapshot})
	if err != nil {
		return nil, err
	}
	return res.room, nil
}

// Hibernate stops the coordinator if nobody has been attached for at least
// grace and its last snapshot is durable. It reports whether it stopped.
func (c *Coordinator) Hibernate(ctx context.Context, grace time.Duration) (bool, error) {
	res, err := c.send(ctx, command{kind: cmdHibernate, grace: grace})
	if err != nil {
		return false, err
	}
	return res.stopped, res.err
}

// Close deletes the room's snapshot and stops the coordinator. It fails with
// room_busy while any connection is attached.
func (c *Coordinator) Close(ctx context.Context) error {
	res, err := c.send(ctx, command{kind: cmdClose})
	if err != nil {
		return err
	}
	return res.err
}

// Stop flushes and stops unconditionally; used on server shutdown.
func (c *Coordinator) Stop(ctx context.Context) error {
	_, err := c.send(ctx, command{kind: cmdStop})
	return err
}

func (c *Coordinator) handle(cmd command) result {
	switch cmd.kind {
	case cmdMessage:
		err := c.apply(cmd)
		c.record(cmd.msg.Type, err)
		if err != nil && cmd.sub != nil {
			c.deliverTo(cmd.sub, protocol.EncodeError(err, cmd.msg.RequestID))
		}
		return result{err: err}

	case cmdDetach:
		c.detach(cmd.sub.ID())
		return result{}

	case cmdSnapshot:
		return result{room: c.state.Clone()}

	case cmdHibernate:
		if len(c.subs) > 0 || c.opts.Now().Sub(c.idleSince) < cmd.grace {
			return result{}
		}
		if c.dirty {
			c.persist()
			if c.dirty {
				return result{}
			}
		}
		c.logger.Info("Room hibernating")
		c.metrics.Hibernated()
		return result{stopped: true}

	case cmdClose:
		if len(c.subs) > 0 {
			return result{err: protocol.Errorf(protocol.CodeRoomBusy,
				"room has %d attached connections", len(c.subs))}
		}
		// The snapshot goes before the registry entry does, so a lookup that
		// misses the map can never rehydrate a closed room.
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SaveTimeout)
		err := c.store.Delete(ctx, c.id)
		cancel()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("Failed to delete snapshot", zap.Error(err))
			return result{err: fmt.Errorf("delete room %s: %w", c.id, err)}
		}
		c.dirty = false
		c.logger.Info("Room closed")
		return result{stopped: true}

	case cmdStop:
		if c.dirty {
			c.persist()
		}
		return result{stopped: true}
	}
	return result{}
}

func (c *Coordinator) record(t protocol.MessageType, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(protocol.CodeOf(err))
		c.logger.Debug("Message rejected",
			zap.String("type", string(t)),
			zap.String("code", outcome),
			zap.Error(err))
	}
	c.metrics.Message(string(t), outcome)
}

// recompute refreshes every derived field after a change.
func (c *Coordinator) recompute() {
	c.state.Total = c.state.ComputeTotal()
	c.state.Split = c.calc.Compute(c.state)
}

// persist writes the full snapshot, retrying briefly. On failure the room
// stays dirty and the run loop keeps retrying until a save lands.
func (c *Coordinator) persist() {
	c.state.UpdatedAt = c.opts.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SaveTimeout)
		defer cancel()
		return struct{}{}, c.store.Save(ctx, c.state)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.opts.SaveAttempts))

	if err != nil {
		if !c.dirty {
			c.logger.Error("Snapshot save failed; will retry", zap.Error(err))
		}
		c.dirty = true
		c.metrics.PersistFailed()
		return
	}
	if c.dirty {
		c.logger.Info("Snapshot save recovered")
	}
	c.dirty = false
}

// broadcast encodes once and delivers to every attachment except skip.
// Handles whose Deliver fails are detached afterwards.
func (c *Coordinator) broadcast(t protocol.MessageType, actor *protocol.ClientMessage, data protocol.EventData, skip string) {
	data.Room = c.state
	env := protocol.ServerMessage{Type: t}
	if actor != nil {
		env.ParticipantID = actor.ParticipantID
		env.ParticipantName = actor.ParticipantName
		env.RequestID = actor.RequestID
	}
	frame, err := protocol.Encode(env, data)
	if err != nil {
		c.logger.Error("Failed to encode broadcast", zap.String("type", string(t)), zap.Error(err))
		return
	}

	var failed []string
	delivered := 0
	for id, att := range c.subs {
		if id == skip {
			continue
		}
		if err := att.sub.Deliver(frame); err != nil {
			failed = append(failed, id)
			continue
		}
		delivered++
	}
	c.metrics.FramesDelivered(delivered)

	for _, id := range failed {
		c.logger.Warn("Pruning unreachable connection", zap.String("conn_id", id))
		c.detach(id)
	}
}

func (c *Coordinator) deliverTo(sub Subscriber, frame []byte) {
	if err := sub.Deliver(frame); err != nil {
		c.detach(sub.ID())
		return
	}
	c.metrics.FramesDelivered(1)
}

// detach drops one connection. The participant goes offline, and the others
// hear about it, only when its last connection is gone.
func (c *Coordinator) detach(subID string) {
	att, ok := c.subs[subID]
	if !ok {
		return
	}
	delete(c.subs, subID)
	c.conns.Add(-1)
	c.metrics.ConnectionDetached()

	now := c.opts.Now()
	if len(c.subs) == 0 {
		c.idleSince = now
	}

	p, ok := c.state.Participant(att.participantID)
	if !ok {
		return
	}
	if p.ConnectionCount > 0 {
		p.ConnectionCount--
	}
	p.LastSeenAt = now
	if p.ConnectionCount > 0 {
		return
	}

	p.Online = false
	left := *p
	c.persist()
	c.broadcast(protocol.TypeParticipantLeft, &protocol.ClientMessage{
		ParticipantID:   left.ID,
		ParticipantName: left.DisplayName,
	}, protocol.EventData{Participant: &left}, "")
}
