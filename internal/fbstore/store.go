// Package fbstore contains the snapshot model shared by every component along
// with the interface that snapshot persistence backends implement.
package fbstore

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"
)

var ErrSnapshotCorrupt = xerrors.New("snapshot is corrupt")

// Post is a short-lived piece of content. Posts are never mutated after
// creation, only removed.
type Post struct {
	ID string `json:"id"`

	// RoomID is nil for posts in the main feed.
	RoomID *string `json:"roomId"`

	Content     string    `json:"content"`
	Media       *MediaRef `json:"media"`
	DeleteToken string    `json:"deleteToken"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// InRoom returns true if the post is scoped to the given room. An empty room
// ID targets the main feed.
func (p *Post) InRoom(roomID string) bool {
	if p.RoomID == nil {
		return roomID == ""
	}
	return *p.RoomID == roomID
}

// MediaRef points to a file owned by the media store. URL is the only part
// that's ever shown to clients.
type MediaRef struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// MediaFile is a file found in the media store while listing it.
type MediaFile struct {
	Name    string
	ModTime time.Time
}

type Room struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Snapshot is the entire persisted state. It's loaded, mutated, and saved as a
// unit.
type Snapshot struct {
	Posts []*Post `json:"posts"`
	Rooms []*Room `json:"rooms"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Posts: []*Post{},
		Rooms: []*Room{},
	}
}

// SnapshotStore persists snapshots. Load should return an empty snapshot
// rather than an error when there's no prior state.
type SnapshotStore interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Decode parses a serialized snapshot. Empty data is treated as no prior state.
// Anything unparseable returns ErrSnapshotCorrupt so that backends can log it
// and start fresh.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) == 0 {
		return NewSnapshot(), nil
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	snapshot.normalize()
	return &snapshot, nil
}

func Encode(snapshot *Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("error encoding snapshot: %w", err)
	}
	return data, nil
}

// Records that came back as JSON null, or without an ID, can't be targeted by
// anything and are dropped.
func (s *Snapshot) normalize() {
	posts := make([]*Post, 0, len(s.Posts))
	for _, post := range s.Posts {
		if post != nil && post.ID != "" {
			posts = append(posts, post)
		}
	}
	s.Posts = posts

	rooms := make([]*Room, 0, len(s.Rooms))
	for _, room := range s.Rooms {
		if room != nil && room.ID != "" {
			rooms = append(rooms, room)
		}
	}
	s.Rooms = rooms
}
