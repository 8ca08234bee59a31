package fbgcpstoragestore

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fbstore"
)

var logger = logrus.New()

var stableTime = time.Date(2026, 10, 18, 10, 11, 12, 0, time.UTC)

// Builds a store without a real storage client. Readers and writers are
// replaced by each test.
func newTestStore() *GCPStorageStore {
	return &GCPStorageStore{
		bucket: "fadeboard_snapshot",
		logger: logger,
		name:   reflect.TypeOf(GCPStorageStore{}).Name(),
		object: DefaultObject,
	}
}

func sampleSnapshot() *fbstore.Snapshot {
	return &fbstore.Snapshot{
		Posts: []*fbstore.Post{
			{
				ID:          "post-1",
				Content:     "some content",
				DeleteToken: "token",
				CreatedAt:   stableTime,
				ExpiresAt:   stableTime.Add(10 * time.Minute),
			},
		},
		Rooms: []*fbstore.Room{},
	}
}

func TestGCPStorageStoreLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	store.storageReader = func(_ context.Context, bucket, object string) (io.ReadCloser, error) {
		require.Equal(t, "fadeboard_snapshot", bucket)
		require.Equal(t, DefaultObject, object)
		return nil, storage.ErrObjectNotExist
	}

	// Nothing stored yet is a fresh snapshot.
	{
		snapshot, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, fbstore.NewSnapshot(), snapshot)
	}

	snapshot := sampleSnapshot()
	store.storageReader = func(_ context.Context, bucket, object string) (io.ReadCloser, error) {
		data, err := fbstore.Encode(snapshot)
		require.NoError(t, err)
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	{
		snapshotFromStore, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, snapshot, snapshotFromStore)
	}

	store.storageReader = func(_ context.Context, bucket, object string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("not json"))), nil
	}

	{
		snapshotFromStore, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, fbstore.NewSnapshot(), snapshotFromStore)
	}

	// Transport errors are returned so that the caller can decide what to do.
	store.storageReader = func(_ context.Context, bucket, object string) (io.ReadCloser, error) {
		return nil, xerrors.New("connection reset")
	}

	{
		_, err := store.Load(ctx)
		require.Error(t, err)
	}
}

func TestGCPStorageStoreSave(t *testing.T) {
	var b bytes.Buffer
	ctx := context.Background()
	store := newTestStore()

	store.storageWriter = func(ctx context.Context, bucket, object string) io.WriteCloser {
		require.Equal(t, "fadeboard_snapshot", bucket)
		require.Equal(t, DefaultObject, object)

		return &writeCloser{bufio.NewWriter(&b)}
	}

	snapshot := sampleSnapshot()
	err := store.Save(ctx, snapshot)
	require.NoError(t, err)

	snapshotFromStore, err := fbstore.Decode(b.Bytes())
	require.NoError(t, err)
	require.Equal(t, snapshot, snapshotFromStore)
}

type writeCloser struct {
	*bufio.Writer
}

func (wc *writeCloser) Close() error {
	return wc.Flush() //nolint:wrapcheck
}
