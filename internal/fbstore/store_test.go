package fbstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var stableTime = time.Date(2026, 10, 18, 10, 11, 12, 0, time.UTC)

func TestDecode(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		snapshot, err := Decode(nil)
		require.NoError(t, err)
		require.Equal(t, NewSnapshot(), snapshot)
	})

	t.Run("Corrupt", func(t *testing.T) {
		_, err := Decode([]byte(`{"posts": [`))
		require.ErrorIs(t, err, ErrSnapshotCorrupt)
	})

	t.Run("WrongShape", func(t *testing.T) {
		_, err := Decode([]byte(`{"posts": "not a list"}`))
		require.ErrorIs(t, err, ErrSnapshotCorrupt)
	})

	t.Run("DropsNullRecords", func(t *testing.T) {
		snapshot, err := Decode([]byte(`{"posts": [null, {"id": ""}, {"id": "a"}], "rooms": null}`))
		require.NoError(t, err)
		require.Len(t, snapshot.Posts, 1)
		require.Equal(t, "a", snapshot.Posts[0].ID)
		require.Equal(t, []*Room{}, snapshot.Rooms)
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	roomID := "room-1"
	snapshot := &Snapshot{
		Posts: []*Post{
			{
				ID:          "post-2",
				RoomID:      &roomID,
				Content:     "in a room",
				DeleteToken: "token-2",
				CreatedAt:   stableTime.Add(time.Second),
				ExpiresAt:   stableTime.Add(time.Second + 10*time.Minute),
			},
			{
				ID:          "post-1",
				Media:       &MediaRef{URL: "/uploads/a.png", Path: "a.png"},
				DeleteToken: "token-1",
				CreatedAt:   stableTime,
				ExpiresAt:   stableTime.Add(10 * time.Minute),
			},
		},
		Rooms: []*Room{
			{ID: roomID, Label: "lobby", CreatedAt: stableTime, LastActiveAt: stableTime},
		},
	}

	data, err := Encode(snapshot)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, snapshot, decoded)

	// Encoding again produces identical bytes.
	dataAgain, err := Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, data, dataAgain)
}

func TestPostInRoom(t *testing.T) {
	roomID := "room-1"

	mainFeedPost := &Post{ID: "a"}
	require.True(t, mainFeedPost.InRoom(""))
	require.False(t, mainFeedPost.InRoom(roomID))

	roomPost := &Post{ID: "b", RoomID: &roomID}
	require.False(t, roomPost.InRoom(""))
	require.True(t, roomPost.InRoom(roomID))
	require.False(t, roomPost.InRoom("room-2"))
}
