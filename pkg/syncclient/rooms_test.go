package syncclient

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

func TestRoomsClientStartRoom(t *testing.T) {
	ts := setupServer(t)
	client := NewRoomsClient(ts.srv.URL, zap.NewNop())

	resp, err := client.StartRoom(context.Background(), StartRoomRequest{
		CircleID: "c2", TenantID: "t1", OwnerParticipantID: "A", OwnerName: "Asha",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RoomID)
	assert.Contains(t, resp.ConnectURL, "room="+resp.RoomID)
	require.NotNil(t, resp.Room)
	assert.Equal(t, "A", resp.Room.OwnerID)

	_, err = client.StartRoom(context.Background(), StartRoomRequest{TenantID: "t1"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, protocol.CodeInvalidInput, apiErr.Code)
}

func TestRoomsClientVoiceItemReachesAgents(t *testing.T) {
	ts := setupServer(t)
	rec := &recorder{}
	a := connectAgent(t, ts, "A", rec)
	client := NewRoomsClient(ts.srv.URL, zap.NewNop())

	snapshot, err := client.AddVoiceItem(context.Background(), ts.roomID, VoiceItem{
		ParticipantID: "A",
		AddItemData:   protocol.AddItemData{DishName: "Masala Dosa", Quantity: 2, UnitPrice: 120},
	})
	require.NoError(t, err)
	require.Len(t, snapshot.Items, 1)
	assert.Equal(t, protocol.SourceVoice, snapshot.Items[0].Source)

	require.Eventually(t, func() bool { return len(a.State().Items) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(240), a.State().Total)

	got, err := client.GetRoom(context.Background(), ts.roomID)
	require.NoError(t, err)
	assert.Equal(t, int64(240), got.Total)
}

func TestRoomsClientErrors(t *testing.T) {
	ts := setupServer(t)
	client := NewRoomsClient(ts.srv.URL, zap.NewNop())

	_, err := client.GetRoom(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, protocol.CodeNotFound, apiErr.Code)

	_, err = client.AddVoiceItem(context.Background(), ts.roomID, VoiceItem{
		ParticipantID: "Z",
		AddItemData:   protocol.AddItemData{DishName: "Idli", Quantity: 1},
	})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "forbidden")
}
