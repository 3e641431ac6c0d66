package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

func TestStore_SaveLoadIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()
	room := &protocol.Room{
		ID:    "r1",
		Items: []protocol.Item{{ID: "i1", DishName: "Dal", Quantity: 1, UnitPrice: 90}},
	}
	require.NoError(t, s.Save(ctx, room))

	// Later changes by the caller must not leak into the store.
	room.Items[0].Quantity = 7

	loaded, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Items[0].Quantity)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ListAndStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	finalized := time.Now().Add(-2 * time.Hour)

	require.NoError(t, s.Save(ctx, &protocol.Room{ID: "a", Status: protocol.StatusActive}))
	require.NoError(t, s.Save(ctx, &protocol.Room{ID: "b", Status: protocol.StatusFinalized, FinalizedAt: &finalized}))
	require.NoError(t, s.Save(ctx, &protocol.Room{ID: "c", Status: protocol.StatusActive}))

	page, err := s.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	page, err = s.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	page, err = s.List(ctx, 2, 5)
	require.NoError(t, err)
	assert.Empty(t, page)

	ids, err := s.FinalizedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Rooms: 3, Finalized: 1}, stats)

	require.NoError(t, s.Delete(ctx, "b"))
	require.NoError(t, s.Delete(ctx, "b"))
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rooms)
}
