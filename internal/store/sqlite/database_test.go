package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "stonepot-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath, zap.NewNop())
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func testRoom(id string) *protocol.Room {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &protocol.Room{
		ID:       id,
		TenantID: "tenant-1",
		CircleID: "circle-1",
		OwnerID:  "owner",
		Participants: []protocol.Participant{
			{ID: "owner", DisplayName: "Asha", Role: protocol.RoleOwner},
		},
		Items: []protocol.Item{
			{ID: "i1", DishName: "Biryani", Quantity: 2, UnitPrice: 150, AddedBy: "owner"},
		},
		Total:     300,
		SplitType: protocol.SplitEqual,
		Status:    protocol.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSaveAndLoad(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	room := testRoom("room-1")
	require.NoError(t, db.Save(ctx, room))

	loaded, err := db.Load(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, loaded.ID)
	assert.Equal(t, room.Items, loaded.Items)
	assert.Equal(t, int64(300), loaded.Total)

	// Overwrite keeps a single row per room.
	room.Items = append(room.Items, protocol.Item{ID: "i2", DishName: "Lassi", Quantity: 1, UnitPrice: 50, AddedBy: "owner"})
	require.NoError(t, db.Save(ctx, room))

	loaded, err = db.Load(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 2)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rooms)
}

func TestLoadMissing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.Load(context.Background(), "non-existent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, db.Save(ctx, testRoom("room-1")))
	require.NoError(t, db.Delete(ctx, "room-1"))

	_, err := db.Load(ctx, "room-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deleting again is fine.
	assert.NoError(t, db.Delete(ctx, "room-1"))
}

func TestListPagination(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, db.Save(ctx, testRoom("page-room-"+string(rune('a'+i)))))
	}

	rooms, err := db.List(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, rooms, 3)

	rooms, err = db.List(ctx, 3, 7)
	require.NoError(t, err)
	assert.Len(t, rooms, 3)
	assert.Equal(t, int64(300), rooms[0].Total)
	assert.Equal(t, 1, rooms[0].ParticipantCount)
}

func TestFinalizedBefore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := testRoom("old")
	oldAt := time.Now().Add(-48 * time.Hour)
	old.Status = protocol.StatusFinalized
	old.FinalizedAt = &oldAt
	require.NoError(t, db.Save(ctx, old))

	recent := testRoom("recent")
	recentAt := time.Now()
	recent.Status = protocol.StatusFinalized
	recent.FinalizedAt = &recentAt
	require.NoError(t, db.Save(ctx, recent))

	require.NoError(t, db.Save(ctx, testRoom("active")))

	ids, err := db.FinalizedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}

func TestSaveRollsBackOnSnapshotFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := NewWithDB(sqlDB, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rooms`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO room_snapshots`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = db.Save(context.Background(), testRoom("room-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert snapshot")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCorruptSnapshot(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := NewWithDB(sqlDB, zap.NewNop())

	mock.ExpectQuery(`SELECT snapshot_data FROM room_snapshots`).
		WithArgs("room-1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_data"}).AddRow([]byte("{not json")))

	_, err = db.Load(context.Background(), "room-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
