// Package fblifecycle owns the lifecycle of posts and rooms. Every operation
// loads the snapshot, expires whatever has run its course, applies its change,
// and persists, all while holding a single lock so that no two operations can
// interleave their load and save.
package fblifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fbexpiry"
	"github.com/brandur/fadeboard/internal/fbmedia"
	"github.com/brandur/fadeboard/internal/fbmetrics"
	"github.com/brandur/fadeboard/internal/fbstore"
	"github.com/brandur/fadeboard/internal/util/randutil"
)

const (
	DefaultMaxContentLength = 500
	DefaultMaxLabelLength   = 40
	DefaultMaxTTL           = 60 * time.Minute
	DefaultMinTTL           = 1 * time.Minute
	DefaultOrphanAge        = 1 * time.Hour
	DefaultRoomGracePeriod  = 10 * time.Minute
	DefaultTTL              = 10 * time.Minute
)

// Bytes of randomness in a delete token.
const deleteTokenSize = 32

// MediaStore is the subset of fbmedia.Store that the manager needs.
type MediaStore interface {
	Put(ctx context.Context, upload *fbmedia.Upload) (*fbstore.MediaRef, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]fbstore.MediaFile, error)
}

type Config struct {
	DefaultTTL       time.Duration
	MaxContentLength int
	MaxLabelLength   int
	MaxTTL           time.Duration
	MinTTL           time.Duration

	// OrphanAge is how old an unreferenced media file has to be before it's
	// swept. Files younger than this may belong to a post that's still being
	// created.
	OrphanAge time.Duration

	// RoomGracePeriod is how long a room survives without a heartbeat or a
	// new post.
	RoomGracePeriod time.Duration
}

func (c *Config) setDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.MaxContentLength == 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.MaxLabelLength == 0 {
		c.MaxLabelLength = DefaultMaxLabelLength
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = DefaultMaxTTL
	}
	if c.MinTTL == 0 {
		c.MinTTL = DefaultMinTTL
	}
	if c.OrphanAge == 0 {
		c.OrphanAge = DefaultOrphanAge
	}
	if c.RoomGracePeriod == 0 {
		c.RoomGracePeriod = DefaultRoomGracePeriod
	}
}

func (c *Config) validate() error {
	if c.MinTTL > c.MaxTTL {
		return xerrors.Errorf("minimum TTL %v is greater than maximum TTL %v", c.MinTTL, c.MaxTTL)
	}
	if c.DefaultTTL < c.MinTTL || c.DefaultTTL > c.MaxTTL {
		return xerrors.Errorf("default TTL %v is outside of bounds [%v, %v]", c.DefaultTTL, c.MinTTL, c.MaxTTL)
	}
	return nil
}

type Manager struct {
	config  Config
	logger  *logrus.Logger
	media   MediaStore
	metrics *fbmetrics.Metrics
	mut     sync.Mutex
	name    string
	store   fbstore.SnapshotStore

	// All for purposes of testability.
	newID    func() string
	newToken func() string
	timeNow  func() time.Time
}

func NewManager(logger *logrus.Logger, store fbstore.SnapshotStore, media MediaStore, metrics *fbmetrics.Metrics, config Config) (*Manager, error) { //nolint:lll
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = fbmetrics.NewMetrics(prometheus.NewRegistry())
	}

	return &Manager{
		config:   config,
		logger:   logger,
		media:    media,
		metrics:  metrics,
		name:     reflect.TypeOf(Manager{}).Name(),
		store:    store,
		newID:    func() string { return uuid.New().String() },
		newToken: func() string { return randutil.Hex(deleteTokenSize) },
		timeNow:  time.Now,
	}, nil
}

//
// Maintenance
//

// PassResult describes what a maintenance pass removed.
type PassResult struct {
	NumCascaded       int
	NumExpired        int
	NumOrphansRemoved int
	NumRoomsRemoved   int
}

func (r *PassResult) Empty() bool {
	return r.NumCascaded == 0 && r.NumExpired == 0 && r.NumOrphansRemoved == 0 && r.NumRoomsRemoved == 0
}

// RunMaintenancePass expires posts, removes dead rooms along with their posts,
// deletes media that's no longer referenced, and persists the result. Running
// it twice in a row without any other change makes no changes the second time.
func (m *Manager) RunMaintenancePass(ctx context.Context, now time.Time) (*PassResult, error) {
	start := time.Now()
	defer func() {
		m.metrics.MaintenancePassDuration.Observe(time.Since(start).Seconds())
	}()

	m.mut.Lock()
	defer m.mut.Unlock()

	ws := m.begin(ctx, now)
	if err := m.commit(ctx, ws); err != nil {
		m.metrics.MaintenancePassFailures.Inc()
		return nil, err
	}

	return ws.result, nil
}

//
// Posts
//

type CreatePostParams struct {
	Content string

	// Media is optional. When set, it's stored before the post is persisted.
	Media *fbmedia.Upload

	// RoomID is empty for the main feed.
	RoomID string

	// TTL is how long the post lives. Zero means the configured default.
	TTL time.Duration
}

// CreatePostResult is the only place a delete token is ever returned.
type CreatePostResult struct {
	ID          string    `json:"id"`
	DeleteToken string    `json:"deleteToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (m *Manager) CreatePost(ctx context.Context, params *CreatePostParams) (*CreatePostResult, error) {
	content := strings.TrimSpace(params.Content)

	if utf8.RuneCountInString(content) > m.config.MaxContentLength {
		return nil, &ValidationError{fmt.Sprintf("Content is longer than the maximum of %d characters.", m.config.MaxContentLength)}
	}

	if content == "" && params.Media == nil {
		return nil, &ValidationError{"Post needs text content or an image."}
	}

	ttl := params.TTL
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	if ttl < m.config.MinTTL || ttl > m.config.MaxTTL {
		return nil, &ValidationError{fmt.Sprintf("TTL must be between %v and %v.", m.config.MinTTL, m.config.MaxTTL)}
	}

	// Media goes to disk before the lock is taken and before any record refers
	// to it. The orphan sweep leaves young files alone, so it's safe even if a
	// pass runs in between.
	var mediaRef *fbstore.MediaRef
	if params.Media != nil {
		var err error
		mediaRef, err = m.media.Put(ctx, params.Media)
		if err != nil {
			var rejectedErr *fbmedia.RejectedError
			if errors.As(err, &rejectedErr) {
				return nil, &ValidationError{rejectedErr.Reason}
			}
			return nil, xerrors.Errorf("error storing media: %w", err)
		}
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	ws := m.begin(ctx, m.timeNow())

	var roomID *string
	if params.RoomID != "" {
		room := ws.findRoom(params.RoomID)
		if room == nil {
			if mediaRef != nil {
				m.deleteMedia(ctx, mediaRef.Path)
			}
			return nil, m.abort(ctx, ws, &NotFoundError{"Room", params.RoomID})
		}

		room.LastActiveAt = ws.now
		id := room.ID
		roomID = &id
	}

	post := &fbstore.Post{
		ID:          m.newID(),
		RoomID:      roomID,
		Content:     content,
		Media:       mediaRef,
		DeleteToken: m.newToken(),
		CreatedAt:   ws.now,
		ExpiresAt:   ws.now.Add(ttl),
	}

	// Most recent first.
	ws.Posts = append([]*fbstore.Post{post}, ws.Posts...)
	ws.dirty = true

	if err := m.commit(ctx, ws); err != nil {
		// Nothing persisted refers to the media, so don't leave it for the
		// orphan sweep.
		if mediaRef != nil {
			m.deleteMedia(ctx, mediaRef.Path)
		}
		return nil, err
	}

	m.metrics.PostsCreated.Inc()

	return &CreatePostResult{
		ID:          post.ID,
		DeleteToken: post.DeleteToken,
		ExpiresAt:   post.ExpiresAt,
	}, nil
}

// PublicPost is a post as shown to anyone. It never includes the delete token
// or where media is stored on disk.
type PublicPost struct {
	ID        string    `json:"id"`
	RoomID    *string   `json:"roomId"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ListPosts returns active posts for a room, or for the main feed when roomID is
// empty, newest first.
func (m *Manager) ListPosts(ctx context.Context, roomID string) ([]*PublicPost, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	ws := m.begin(ctx, m.timeNow())

	if roomID != "" && ws.findRoom(roomID) == nil {
		return nil, m.abort(ctx, ws, &NotFoundError{"Room", roomID})
	}

	posts := make([]*PublicPost, 0, len(ws.Posts))
	for _, post := range ws.Posts {
		if !post.InRoom(roomID) {
			continue
		}

		publicPost := &PublicPost{
			ID:        post.ID,
			RoomID:    post.RoomID,
			Content:   post.Content,
			CreatedAt: post.CreatedAt,
			ExpiresAt: post.ExpiresAt,
		}
		if post.Media != nil {
			publicPost.MediaURL = post.Media.URL
		}
		posts = append(posts, publicPost)
	}

	// Posts are stored newest first already, but a stable sort keeps the
	// contract even for snapshots written by something else. Ties keep snapshot
	// order.
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})

	if err := m.commit(ctx, ws); err != nil {
		return nil, err
	}

	return posts, nil
}

// DeletePost removes a post if the token matches the one issued at creation.
// Posts that have already expired are reported as not found.
func (m *Manager) DeletePost(ctx context.Context, id, token string) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	ws := m.begin(ctx, m.timeNow())

	index := -1
	for i, post := range ws.Posts {
		if post.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		return m.abort(ctx, ws, &NotFoundError{"Post", id})
	}

	post := ws.Posts[index]
	if subtle.ConstantTimeCompare([]byte(post.DeleteToken), []byte(token)) != 1 {
		return m.abort(ctx, ws, ErrForbidden)
	}

	ws.Posts = append(ws.Posts[:index:index], ws.Posts[index+1:]...)
	ws.dirty = true
	if post.Media != nil {
		ws.doomedMedia = append(ws.doomedMedia, post.Media.Path)
	}

	if err := m.commit(ctx, ws); err != nil {
		return err
	}

	m.metrics.PostsRemoved.WithLabelValues(fbmetrics.ReasonDeleted).Inc()

	return nil
}

//
// Rooms
//

func (m *Manager) CreateRoom(ctx context.Context, label string) (*fbstore.Room, error) {
	label = strings.TrimSpace(label)
	if utf8.RuneCountInString(label) > m.config.MaxLabelLength {
		return nil, &ValidationError{fmt.Sprintf("Label is longer than the maximum of %d characters.", m.config.MaxLabelLength)}
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	ws := m.begin(ctx, m.timeNow())

	room := &fbstore.Room{
		ID:           m.newID(),
		Label:        label,
		CreatedAt:    ws.now,
		LastActiveAt: ws.now,
	}
	ws.Rooms = append(ws.Rooms, room)
	ws.dirty = true

	if err := m.commit(ctx, ws); err != nil {
		return nil, err
	}

	m.metrics.RoomsCreated.Inc()

	return room, nil
}

// HeartbeatRoom keeps a room alive. It's called frequently, so unlike other
// operations it doesn't run a maintenance pass, but a room that's past its
// grace period is still treated as gone.
func (m *Manager) HeartbeatRoom(ctx context.Context, id string) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	now := m.timeNow()
	snapshot, _ := m.load(ctx)

	var room *fbstore.Room
	for _, r := range snapshot.Rooms {
		if r.ID == id {
			room = r
			break
		}
	}

	if room == nil || !fbexpiry.IsAlive(room, now, m.config.RoomGracePeriod) {
		return &NotFoundError{"Room", id}
	}

	room.LastActiveAt = now

	if err := m.store.Save(ctx, snapshot); err != nil {
		return xerrors.Errorf("error saving snapshot: %w", err)
	}

	return nil
}

//
// Stats
//

type Stats struct {
	ActivePosts  int `json:"activePosts"`
	AliveRooms   int `json:"aliveRooms"`
	ExpiredPosts int `json:"expiredPosts"`
	DeadRooms    int `json:"deadRooms"`
}

// Stats counts what's in the persisted snapshot without changing anything.
// Expired posts and dead rooms are those that the next pass will remove.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	snapshot, err := m.store.Load(ctx)
	if err != nil {
		return nil, xerrors.Errorf("error loading snapshot: %w", err)
	}

	now := m.timeNow()
	active, expired := fbexpiry.PartitionPosts(snapshot.Posts, now)
	alive, dead := fbexpiry.PartitionRooms(snapshot.Rooms, now, m.config.RoomGracePeriod)

	return &Stats{
		ActivePosts:  len(active),
		AliveRooms:   len(alive),
		ExpiredPosts: len(expired),
		DeadRooms:    len(dead),
	}, nil
}

//
// Internal
//

// workingSnapshot is a snapshot loaded under the manager's lock along with the
// side effects to carry out once it's been persisted.
type workingSnapshot struct {
	*fbstore.Snapshot

	dirty       bool
	doomedMedia []string
	now         time.Time
	recovered   bool
	result      *PassResult
}

func (ws *workingSnapshot) findRoom(id string) *fbstore.Room {
	for _, room := range ws.Rooms {
		if room.ID == id {
			return room
		}
	}
	return nil
}

// Loads the snapshot and applies expiry to it in memory. Must be called with
// m.mut held. Nothing touches the media store until commit.
func (m *Manager) begin(ctx context.Context, now time.Time) *workingSnapshot {
	snapshot, recovered := m.load(ctx)

	ws := &workingSnapshot{
		Snapshot:  snapshot,
		now:       now,
		recovered: recovered,
		result:    &PassResult{},
	}

	alive, dead := fbexpiry.PartitionRooms(ws.Rooms, now, m.config.RoomGracePeriod)
	active, expired := fbexpiry.PartitionPosts(ws.Posts, now)
	kept, cascaded := fbexpiry.CascadePosts(active, alive)

	for _, post := range append(expired, cascaded...) {
		if post.Media != nil {
			ws.doomedMedia = append(ws.doomedMedia, post.Media.Path)
		}
	}

	ws.Posts = kept
	ws.Rooms = alive
	ws.result.NumCascaded = len(cascaded)
	ws.result.NumExpired = len(expired)
	ws.result.NumRoomsRemoved = len(dead)

	if len(expired) > 0 || len(cascaded) > 0 || len(dead) > 0 {
		ws.dirty = true
	}

	return ws
}

// Persists the snapshot if anything changed, then deletes media that's no
// longer referenced. Media is only deleted once the snapshot that stops
// referring to it has been saved.
func (m *Manager) commit(ctx context.Context, ws *workingSnapshot) error {
	if ws.dirty {
		if err := m.store.Save(ctx, ws.Snapshot); err != nil {
			m.logger.Errorf(m.name+": Error saving snapshot: %v", err)
			return xerrors.Errorf("error saving snapshot: %w", err)
		}
	}

	for _, name := range ws.doomedMedia {
		m.deleteMedia(ctx, name)
	}

	// After a failed load, the working snapshot is empty and every file on disk
	// would look unreferenced.
	if !ws.recovered {
		ws.result.NumOrphansRemoved = m.sweepOrphans(ctx, ws)
	}

	m.metrics.PostsRemoved.WithLabelValues(fbmetrics.ReasonCascade).Add(float64(ws.result.NumCascaded))
	m.metrics.PostsRemoved.WithLabelValues(fbmetrics.ReasonExpired).Add(float64(ws.result.NumExpired))
	m.metrics.RoomsRemoved.Add(float64(ws.result.NumRoomsRemoved))
	m.metrics.OrphanMediaRemoved.Add(float64(ws.result.NumOrphansRemoved))

	if !ws.result.Empty() {
		m.logger.WithFields(logrus.Fields{
			"num_cascaded":      ws.result.NumCascaded,
			"num_expired":       ws.result.NumExpired,
			"num_orphans":       ws.result.NumOrphansRemoved,
			"num_rooms_removed": ws.result.NumRoomsRemoved,
		}).Infof(m.name+": Removed %d expired post(s), %d cascaded post(s), %d room(s), %d orphan file(s)",
			ws.result.NumExpired, ws.result.NumCascaded, ws.result.NumRoomsRemoved, ws.result.NumOrphansRemoved)
	}

	return nil
}

// Commits whatever the maintenance part of an operation changed before
// returning the operation's own error.
func (m *Manager) abort(ctx context.Context, ws *workingSnapshot, opErr error) error {
	if err := m.commit(ctx, ws); err != nil {
		m.logger.Warnf(m.name+": Error committing maintenance for failed operation: %v", err)
	}
	return opErr
}

func (m *Manager) deleteMedia(ctx context.Context, name string) {
	if err := m.media.Delete(ctx, name); err != nil {
		// The orphan sweep will pick it up on a later pass.
		m.metrics.MediaDeleteFailures.Inc()
		m.logger.Warnf(m.name+": Error deleting media %q: %v", name, err)
	}
}

// A failed read of the snapshot isn't allowed to take the service down, so it's
// replaced with an empty snapshot.
func (m *Manager) load(ctx context.Context) (*fbstore.Snapshot, bool) {
	snapshot, err := m.store.Load(ctx)
	if err != nil {
		m.metrics.SnapshotLoadRecoveries.Inc()
		m.logger.Errorf(m.name+": Error loading snapshot; continuing with empty snapshot: %v", err)
		return fbstore.NewSnapshot(), true
	}
	return snapshot, false
}

func (m *Manager) sweepOrphans(ctx context.Context, ws *workingSnapshot) int {
	files, err := m.media.List(ctx)
	if err != nil {
		m.logger.Warnf(m.name+": Error listing media for orphan sweep: %v", err)
		return 0
	}

	active, _ := fbexpiry.PartitionPosts(ws.Posts, ws.now)

	var numRemoved int
	for _, name := range fbexpiry.FindOrphanMedia(active, files, ws.now, m.config.OrphanAge) {
		if err := m.media.Delete(ctx, name); err != nil {
			m.metrics.MediaDeleteFailures.Inc()
			m.logger.Warnf(m.name+": Error deleting orphan media %q: %v", name, err)
			continue
		}
		numRemoved++
	}

	return numRemoved
}
