package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabaseCreation(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Ping(context.Background()))
}

func TestRoomOperations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateRoom(ctx, "test-room", "Test Room"))
	// Creating twice keeps the original row.
	require.NoError(t, db.CreateRoom(ctx, "test-room", "Other"))

	room, err := db.GetRoom(ctx, "test-room")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "test-room", room.ID)
	assert.Equal(t, "Test Room", room.Name)

	room, err = db.GetRoom(ctx, "non-existent")
	require.NoError(t, err)
	assert.Nil(t, room)

	require.NoError(t, db.DeleteRoom(ctx, "test-room"))
	room, err = db.GetRoom(ctx, "test-room")
	require.NoError(t, err)
	assert.Nil(t, room)
}

func TestListRooms(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, db.CreateRoom(ctx, fmt.Sprintf("room-%c", 'a'+i), fmt.Sprintf("Room %c", 'A'+i)))
	}

	tests := []struct {
		limit, offset, want int
	}{
		{10, 0, 5},
		{2, 0, 2},
		{2, 3, 2},
		{10, 5, 0},
	}
	for _, tt := range tests {
		rooms, err := db.ListRooms(ctx, tt.limit, tt.offset)
		require.NoError(t, err)
		assert.Len(t, rooms, tt.want, "limit %d offset %d", tt.limit, tt.offset)
	}
}

func TestDocumentUpdates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	roomID := "update-test-room"

	updates := [][]byte{
		{0, 1, 2, 3},
		{4, 5, 6, 7},
		{8, 9, 10, 11},
	}
	for _, update := range updates {
		require.NoError(t, db.SaveUpdate(ctx, roomID, update))
	}

	// SaveUpdate creates the room on first use.
	room, err := db.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, room)

	retrieved, err := db.GetUpdates(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, retrieved, 3)
	for i, u := range retrieved {
		assert.Equal(t, updates[i], u.Data)
		if i > 0 {
			assert.Greater(t, u.ID, retrieved[i-1].ID)
		}
	}

	count, err := db.GetUpdateCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSnapshots(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	roomID := "snapshot-test-room"

	snapshot, count, err := db.GetSnapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	assert.Zero(t, count)

	require.NoError(t, db.SaveSnapshot(ctx, roomID, []byte{100, 101, 102, 103}, 10))
	snapshot, count, err = db.GetSnapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	assert.Len(t, snapshot, 4)

	require.NoError(t, db.SaveSnapshot(ctx, roomID, []byte{200, 201, 202}, 20))
	snapshot, count, err = db.GetSnapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 20, count)
	assert.Equal(t, []byte{200, 201, 202}, snapshot)
}

func TestCompactKeepsLaterUpdates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	roomID := "compact-room"

	for i := 0; i < 4; i++ {
		require.NoError(t, db.SaveUpdate(ctx, roomID, []byte{byte(i)}))
	}
	updates, err := db.GetUpdates(ctx, roomID)
	require.NoError(t, err)

	deleted, err := db.Compact(ctx, roomID, []byte("merged"), updates[2].ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	snapshot, rest, err := db.LoadDocument(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []byte("merged"), snapshot)
	assert.Equal(t, [][]byte{{3}}, rest)
}

func TestDeleteRoomCascades(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveUpdate(ctx, "gone", []byte{1}))
	require.NoError(t, db.SaveSnapshot(ctx, "gone", []byte{2}, 0))
	_, err := db.CreateVersion(ctx, Version{RoomID: "gone", Name: "v1", Content: "x", ContentHash: "h"})
	require.NoError(t, err)

	require.NoError(t, db.DeleteRoom(ctx, "gone"))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, *stats)
}

func TestVersions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	roomID := "idea:42"

	v1, err := db.CreateVersion(ctx, Version{
		RoomID:      roomID,
		Name:        "First draft",
		Content:     "# Idea",
		ContentHash: "abc",
		CreatedBy:   "alice",
	})
	require.NoError(t, err)
	require.NotNil(t, v1)
	assert.Equal(t, "First draft", v1.Name)
	assert.Equal(t, "alice", v1.CreatedBy)
	assert.False(t, v1.CreatedAt.IsZero())

	v2, err := db.CreateVersion(ctx, Version{RoomID: roomID, Name: "auto", Content: "# Idea\nmore", ContentHash: "def", IsAuto: true})
	require.NoError(t, err)

	latest, err := db.GetLatestVersion(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)

	versions, err := db.ListVersions(ctx, roomID, 10, 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, v2.ID, versions[0].ID)

	count, err := db.GetVersionCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	missing, err := db.GetVersion(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.DeleteVersion(ctx, v1.ID))
	count, err = db.GetVersionCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteOldAutoVersions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	manual, err := db.CreateVersion(ctx, Version{RoomID: "r", Name: "manual", Content: "m", ContentHash: "m"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := db.CreateVersion(ctx, Version{RoomID: "r", Name: fmt.Sprintf("auto-%d", i), Content: "a", ContentHash: "a", IsAuto: true})
		require.NoError(t, err)
	}

	require.NoError(t, db.DeleteOldAutoVersions(ctx, "r", 2))

	versions, err := db.ListVersions(ctx, "r", 10, 0)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	names := []string{versions[0].Name, versions[1].Name, versions[2].Name}
	assert.Contains(t, names, "auto-4")
	assert.Contains(t, names, "auto-3")
	assert.Contains(t, names, manual.Name)
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, db.CreateRoom(ctx, fmt.Sprintf("stats-room-%c", 'a'+i), ""))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, db.SaveUpdate(ctx, "stats-room-a", []byte{byte(i)}))
	}

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Rooms)
	assert.Equal(t, 5, stats.Updates)
	assert.Zero(t, stats.Versions)
}
