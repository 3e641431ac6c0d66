package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

// Registry maps room ids to their single live Coordinator, rehydrating from
// the store on demand.
type Registry struct {
	store  store.Store
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*Coordinator
	group singleflight.Group
}

func NewRegistry(st store.Store, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		store:  st,
		opts:   opts,
		logger: opts.Logger,
		rooms:  make(map[string]*Coordinator),
	}
}

// StartParams describes a room opened by the order-taking collaborator.
type StartParams struct {
	CircleID           string `json:"circleId"`
	TenantID           string `json:"tenantId"`
	OwnerParticipantID string `json:"ownerParticipantId"`
	OwnerName          string `json:"ownerName,omitempty"`
	// OwnerContact derives the owner id when OwnerParticipantID is empty.
	OwnerContact       string `json:"ownerContact,omitempty"`
}

// Start creates, persists and spawns a new room owned by p.OwnerParticipantID.
func (r *Registry) Start(ctx context.Context, p StartParams) (*protocol.Room, error) {
	if p.OwnerParticipantID == "" && strings.TrimSpace(p.OwnerContact) != "" && p.TenantID != "" {
		p.OwnerParticipantID = ParticipantID(p.TenantID, p.OwnerContact)
	}
	if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.OwnerParticipantID) == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidInput, "tenantId and ownerParticipantId are required")
	}

	now := r.opts.Now()
	state := &protocol.Room{
		ID:       uuid.NewString(),
		TenantID: p.TenantID,
		CircleID: p.CircleID,
		OwnerID:  p.OwnerParticipantID,
		Participants: []protocol.Participant{{
			ID:          p.OwnerParticipantID,
			DisplayName: strings.TrimSpace(p.OwnerName),
			Role:        protocol.RoleOwner,
			JoinedAt:    now,
			LastSeenAt:  now,
		}},
		Items:     []protocol.Item{},
		SplitType: protocol.SplitEqual,
		Status:    protocol.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	state.Split = r.opts.Calculator.Compute(state)

	if err := r.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("save new room: %w", err)
	}

	out := state.Clone()
	c := r.spawn(state)
	r.logger.Info("Room started",
		zap.String("room_id", c.ID()),
		zap.String("tenant_id", p.TenantID),
		zap.String("circle_id", p.CircleID))
	return out, nil
}

// Get returns the live Coordinator for id, loading it from the store if it
// is not in memory. Unknown rooms fail with not_found.
func (r *Registry) Get(ctx context.Context, id string) (*Coordinator, error) {
	if c, ok := r.Lookup(id); ok {
		return c, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		if c, ok := r.Lookup(id); ok {
			return c, nil
		}
		state, err := r.store.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.Errorf(protocol.CodeNotFound, "room %s not found", id)
		}
		if err != nil {
			return nil, fmt.Errorf("load room %s: %w", id, err)
		}
		r.logger.Info("Room rehydrated", zap.String("room_id", id))
		return r.spawn(state), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Coordinator), nil
}

// Lookup returns the live Coordinator for id without touching the store.
func (r *Registry) Lookup(id string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rooms[id]
	return c, ok
}

// Do resolves id and runs fn against its Coordinator, resolving once more if
// the Coordinator stopped in between.
func (r *Registry) Do(ctx context.Context, id string, fn func(*Coordinator) error) error {
	for attempt := 0; ; attempt++ {
		c, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		err = fn(c)
		if errors.Is(err, ErrStopped) && attempt == 0 {
			continue
		}
		return err
	}
}

// Snapshot returns a copy of the room's current state.
func (r *Registry) Snapshot(ctx context.Context, id string) (*protocol.Room, error) {
	var room *protocol.Room
	err := r.Do(ctx, id, func(c *Coordinator) error {
		var err error
		room, err = c.Snapshot(ctx)
		return err
	})
	return room, err
}

// Close deletes the room and stops its coordinator. Rooms not in memory are
// loaded first so the delete always runs on the room's own goroutine. It
// fails with room_busy while any connection is attached.
func (r *Registry) Close(ctx context.Context, id string) error {
	return r.Do(ctx, id, func(c *Coordinator) error {
		return c.Close(ctx)
	})
}

// Sweep hibernates every coordinator idle for at least grace and returns
// how many stopped.
func (r *Registry) Sweep(ctx context.Context, grace time.Duration) int {
	stopped := 0
	for _, c := range r.live() {
		ok, err := c.Hibernate(ctx, grace)
		if err != nil && !errors.Is(err, ErrStopped) {
			r.logger.Warn("Hibernate failed", zap.String("room_id", c.ID()), zap.Error(err))
			continue
		}
		if ok {
			stopped++
		}
	}
	return stopped
}

// Shutdown flushes and stops every live coordinator.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, c := range r.live() {
		if err := c.Stop(ctx); err != nil && !errors.Is(err, ErrStopped) {
			r.logger.Warn("Stop failed", zap.String("room_id", c.ID()), zap.Error(err))
		}
	}
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Rooms: len(r.rooms)}
	for _, c := range r.rooms {
		s.Connections += c.Connections()
	}
	return s
}

func (r *Registry) live() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Coordinator, 0, len(r.rooms))
	for _, c := range r.rooms {
		out = append(out, c)
	}
	return out
}

func (r *Registry) spawn(state *protocol.Room) *Coordinator {
	c := newCoordinator(state, r.store, r.opts, r.remove)

	r.mu.Lock()
	r.rooms[c.ID()] = c
	r.mu.Unlock()

	r.opts.Metrics.RoomOpened()
	go c.run()
	return c
}

func (r *Registry) remove(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[c.ID()] == c {
		delete(r.rooms, c.ID())
		r.opts.Metrics.RoomEvicted()
	}
}
