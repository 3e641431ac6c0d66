package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suyeshs/stonepot-sub001/internal/metrics"
	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/internal/store/memory"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

func TestRegistryStart(t *testing.T) {
	st := memory.New()
	reg := NewRegistry(st, Options{Metrics: metrics.New()})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	room, err := reg.Start(context.Background(), StartParams{
		CircleID: "circle-9", TenantID: "t1", OwnerParticipantID: "owner", OwnerName: " Ravi ",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, room.ID)
	assert.Equal(t, protocol.StatusActive, room.Status)
	assert.Equal(t, protocol.SplitEqual, room.SplitType)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, protocol.RoleOwner, room.Participants[0].Role)
	assert.Equal(t, "Ravi", room.Participants[0].DisplayName)

	saved, err := st.Load(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner", saved.OwnerID)

	assert.Equal(t, Stats{Rooms: 1}, reg.Stats())
}

func TestRegistryStartValidation(t *testing.T) {
	reg := NewRegistry(memory.New(), Options{})
	_, err := reg.Start(context.Background(), StartParams{TenantID: "t1"})
	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidInput))
}

func TestRegistryGetUnknownRoom(t *testing.T) {
	reg := NewRegistry(memory.New(), Options{})
	_, err := reg.Get(context.Background(), "missing")
	assert.True(t, protocol.IsCode(err, protocol.CodeNotFound))
}

func TestRegistryRehydratesOneCoordinator(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.Save(context.Background(), &protocol.Room{
		ID:      "r1",
		OwnerID: "A",
		Participants: []protocol.Participant{
			{ID: "A", Role: protocol.RoleOwner, Online: true, ConnectionCount: 3},
		},
		Items: []protocol.Item{
			{ID: "i1", DishName: "Dal", Quantity: 3, UnitPrice: 70, AddedBy: "A"},
		},
		SplitType: protocol.SplitEqual,
		Status:    protocol.StatusActive,
	}))

	reg := NewRegistry(st, Options{})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	const callers = 20
	got := make([]*Coordinator, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.Get(context.Background(), "r1")
			assert.NoError(t, err)
			got[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range got {
		assert.Same(t, got[0], c)
	}

	r, err := reg.Snapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(210), r.Total)
	assert.False(t, r.Participants[0].Online)
}

func TestRegistryReResolvesAfterHibernate(t *testing.T) {
	tr := setupRoom(t, nil, Options{})
	stopped, err := tr.coord.Hibernate(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, stopped)

	// The stale handle reports ErrStopped; the registry brings the room back.
	_, err = tr.coord.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrStopped)

	r, err := tr.reg.Snapshot(context.Background(), tr.room.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.room.ID, r.ID)

	fresh, ok := tr.reg.Lookup(tr.room.ID)
	require.True(t, ok)
	assert.NotSame(t, tr.coord, fresh)
}

func TestRegistryClose(t *testing.T) {
	st := memory.New()
	tr := setupRoom(t, st, Options{})
	conn := tr.join("A")

	err := tr.reg.Close(context.Background(), tr.room.ID)
	assert.True(t, protocol.IsCode(err, protocol.CodeRoomBusy))

	require.NoError(t, tr.coord.Detach(context.Background(), conn))
	require.NoError(t, tr.reg.Close(context.Background(), tr.room.ID))

	_, err = st.Load(context.Background(), tr.room.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = tr.reg.Get(context.Background(), tr.room.ID)
	assert.True(t, protocol.IsCode(err, protocol.CodeNotFound))
}

// slowDeleteStore signals when a delete starts and holds it for a while.
type slowDeleteStore struct {
	*memory.Store
	started chan struct{}
	once    sync.Once
}

func (s *slowDeleteStore) Delete(ctx context.Context, id string) error {
	s.once.Do(func() { close(s.started) })
	time.Sleep(50 * time.Millisecond)
	return s.Store.Delete(ctx, id)
}

func TestRegistryCloseRacesJoin(t *testing.T) {
	st := &slowDeleteStore{Store: memory.New(), started: make(chan struct{})}
	tr := setupRoom(t, st, Options{})

	joinErr := make(chan error, 1)
	go func() {
		<-st.started
		msg, err := protocol.NewClientMessage(protocol.TypeJoin, "B", "", nil)
		if err != nil {
			joinErr <- err
			return
		}
		joinErr <- tr.reg.Do(context.Background(), tr.room.ID, func(c *Coordinator) error {
			return c.Dispatch(context.Background(), newFakeConn("late"), msg)
		})
	}()

	require.NoError(t, tr.reg.Close(context.Background(), tr.room.ID))

	select {
	case err := <-joinErr:
		assert.True(t, protocol.IsCode(err, protocol.CodeNotFound), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("join did not return")
	}

	_, live := tr.reg.Lookup(tr.room.ID)
	assert.False(t, live)
	_, err := st.Load(context.Background(), tr.room.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistrySweep(t *testing.T) {
	reg := NewRegistry(memory.New(), Options{})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	idle, err := reg.Start(context.Background(), StartParams{TenantID: "t", OwnerParticipantID: "A"})
	require.NoError(t, err)
	busy, err := reg.Start(context.Background(), StartParams{TenantID: "t", OwnerParticipantID: "B"})
	require.NoError(t, err)

	c, err := reg.Get(context.Background(), busy.ID)
	require.NoError(t, err)
	msg, err := protocol.NewClientMessage(protocol.TypeJoin, "B", "", nil)
	require.NoError(t, err)
	require.NoError(t, c.Dispatch(context.Background(), newFakeConn("b1"), msg))

	assert.Equal(t, 1, reg.Sweep(context.Background(), 0))
	_, ok := reg.Lookup(idle.ID)
	assert.False(t, ok)
	_, ok = reg.Lookup(busy.ID)
	assert.True(t, ok)
	assert.Equal(t, Stats{Rooms: 1, Connections: 1}, reg.Stats())
}

func TestParticipantIDIsStable(t *testing.T) {
	a := ParticipantID("tenant", "+91 98450 00000")
	b := ParticipantID("tenant", " +91 98450 00000 ")
	c := ParticipantID("other", "+91 98450 00000")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestStartDerivesOwnerFromContact(t *testing.T) {
	reg := NewRegistry(memory.New(), Options{})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	started, err := reg.Start(context.Background(), StartParams{
		TenantID: "tenant", OwnerContact: "+91 98450 00000", OwnerName: "Meera",
	})
	require.NoError(t, err)
	assert.Equal(t, ParticipantID("tenant", "+91 98450 00000"), started.OwnerID)
}
