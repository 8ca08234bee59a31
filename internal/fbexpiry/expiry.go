// Package fbexpiry decides which posts and rooms have run their course and which
// media files are no longer referenced. Everything in here is a pure function of
// its inputs. Callers are responsible for acting on the results.
package fbexpiry

import (
	"sort"
	"time"

	"golang.org/x/exp/maps"

	"github.com/brandur/fadeboard/internal/fbstore"
)

// IsActive is true until the instant a post's expiry is reached. Expiry is
// inclusive: at exactly `ExpiresAt` the post is gone.
func IsActive(post *fbstore.Post, now time.Time) bool {
	return post.ExpiresAt.After(now)
}

// IsAlive is true while a room has seen activity within the grace period.
func IsAlive(room *fbstore.Room, now time.Time, grace time.Duration) bool {
	return now.Sub(room.LastActiveAt) < grace
}

// PartitionPosts splits posts into active and expired, preserving order.
func PartitionPosts(posts []*fbstore.Post, now time.Time) ([]*fbstore.Post, []*fbstore.Post) {
	active := make([]*fbstore.Post, 0, len(posts))
	var expired []*fbstore.Post

	for _, post := range posts {
		if IsActive(post, now) {
			active = append(active, post)
		} else {
			expired = append(expired, post)
		}
	}

	return active, expired
}

// PartitionRooms splits rooms into alive and dead, preserving order.
func PartitionRooms(rooms []*fbstore.Room, now time.Time, grace time.Duration) ([]*fbstore.Room, []*fbstore.Room) {
	alive := make([]*fbstore.Room, 0, len(rooms))
	var dead []*fbstore.Room

	for _, room := range rooms {
		if IsAlive(room, now, grace) {
			alive = append(alive, room)
		} else {
			dead = append(dead, room)
		}
	}

	return alive, dead
}

// CascadePosts removes room-scoped posts whose room isn't among the alive
// rooms. That covers rooms that just died as well as references to rooms that
// were never persisted.
func CascadePosts(posts []*fbstore.Post, aliveRooms []*fbstore.Room) ([]*fbstore.Post, []*fbstore.Post) {
	aliveIDs := make(map[string]struct{}, len(aliveRooms))
	for _, room := range aliveRooms {
		aliveIDs[room.ID] = struct{}{}
	}

	kept := make([]*fbstore.Post, 0, len(posts))
	var cascaded []*fbstore.Post

	for _, post := range posts {
		if post.RoomID != nil {
			if _, ok := aliveIDs[*post.RoomID]; !ok {
				cascaded = append(cascaded, post)
				continue
			}
		}
		kept = append(kept, post)
	}

	return kept, cascaded
}

// FindOrphanMedia returns the names of files that no active post references and
// that are older than orphanAge. Younger files are left alone because they may
// belong to a post that hasn't been persisted yet. Results are sorted by name.
func FindOrphanMedia(activePosts []*fbstore.Post, files []fbstore.MediaFile, now time.Time, orphanAge time.Duration) []string {
	referenced := make(map[string]struct{}, len(activePosts))
	for _, post := range activePosts {
		if post.Media != nil && post.Media.Path != "" {
			referenced[post.Media.Path] = struct{}{}
		}
	}

	orphans := make(map[string]struct{})
	for _, file := range files {
		if _, ok := referenced[file.Name]; ok {
			continue
		}

		if now.Sub(file.ModTime) > orphanAge {
			orphans[file.Name] = struct{}{}
		}
	}

	names := maps.Keys(orphans)
	sort.Strings(names)
	return names
}
