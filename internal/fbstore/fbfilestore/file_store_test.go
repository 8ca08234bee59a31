package fbfilestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fbstore"
)

var logger = logrus.New()

var stableTime = time.Date(2026, 10, 18, 10, 11, 12, 0, time.UTC)

func TestFileStore(t *testing.T) {
	var (
		ctx   context.Context
		path  string
		store *FileStore
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			path = filepath.Join(t.TempDir(), "data", "snapshot.json")
			store = NewFileStore(logger, path)

			test(t)
		}
	}

	sampleSnapshot := func() *fbstore.Snapshot {
		return &fbstore.Snapshot{
			Posts: []*fbstore.Post{
				{
					ID:          "post-1",
					Content:     "hello",
					DeleteToken: "token",
					CreatedAt:   stableTime,
					ExpiresAt:   stableTime.Add(10 * time.Minute),
				},
			},
			Rooms: []*fbstore.Room{
				{ID: "room-1", CreatedAt: stableTime, LastActiveAt: stableTime},
			},
		}
	}

	t.Run("MissingFile", setup(func(t *testing.T) {
		snapshot, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, fbstore.NewSnapshot(), snapshot)
	}))

	t.Run("CorruptFile", setup(func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

		snapshot, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, fbstore.NewSnapshot(), snapshot)
	}))

	t.Run("UnreadableFile", setup(func(t *testing.T) {
		store.readFile = func(name string) ([]byte, error) {
			return nil, xerrors.New("permission denied")
		}

		snapshot, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, fbstore.NewSnapshot(), snapshot)
	}))

	t.Run("SaveAndLoad", setup(func(t *testing.T) {
		snapshot := sampleSnapshot()
		require.NoError(t, store.Save(ctx, snapshot))

		snapshotFromStore, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, snapshot, snapshotFromStore)
	}))

	// Saving an unmodified snapshot straight back produces the same file.
	t.Run("RoundTrip", setup(func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sampleSnapshot()))
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		snapshot, err := store.Load(ctx)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, snapshot))

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, before, after)
	}))

	t.Run("FailedRenameKeepsPrevious", setup(func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sampleSnapshot()))

		store.rename = func(oldpath, newpath string) error {
			return xerrors.New("disk full")
		}

		err := store.Save(ctx, fbstore.NewSnapshot())
		require.Error(t, err)

		snapshot, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, sampleSnapshot(), snapshot)

		// No temporary files are left behind.
		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		require.Len(t, entries, 1)
	}))
}
