// Package fbgcpstoragestore implements fbstore's `SnapshotStore` interface for
// GCP's storage service. The whole snapshot lives in a single object. The
// bucket needs to be created out-of-band.
package fbgcpstoragestore

import (
	"context"
	"errors"
	"io"
	"reflect"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/option"

	"github.com/brandur/fadeboard/internal/fbstore"
)

const DefaultObject = "snapshot.json"

type GCPStorageStore struct {
	bucket string
	logger *logrus.Logger
	name   string
	object string

	// All for purposes of testability.
	storageReader func(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	storageWriter func(ctx context.Context, bucket, object string) io.WriteCloser
}

func NewGCPStorageStore(ctx context.Context, logger *logrus.Logger, serviceAccountJSON, bucket, object string) (*GCPStorageStore, error) { //nolint:lll
	// Without explicit credentials, the client falls back to application
	// default credentials.
	var opts []option.ClientOption
	if serviceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("error initializing storage client: %w", err)
	}
	storageClient.SetRetry(
		storage.WithBackoff(gax.Backoff{
			Initial: 1 * time.Second,
			Max:     5 * time.Second,
		}),
		// The snapshot is always overwritten in full, so retrying a write is
		// safe.
		storage.WithPolicy(storage.RetryAlways),
	)

	if object == "" {
		object = DefaultObject
	}

	return &GCPStorageStore{
		bucket: bucket,
		logger: logger,
		name:   reflect.TypeOf(GCPStorageStore{}).Name(),
		object: object,
		storageReader: func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
			return storageClient.Bucket(bucket).Object(object).NewReader(ctx) //nolint:wrapcheck
		},
		storageWriter: func(ctx context.Context, bucket, object string) io.WriteCloser {
			return storageClient.Bucket(bucket).Object(object).NewWriter(ctx)
		},
	}, nil
}

func (s *GCPStorageStore) Load(ctx context.Context) (*fbstore.Snapshot, error) {
	reader, err := s.storageReader(ctx, s.bucket, s.object)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fbstore.NewSnapshot(), nil
		}

		return nil, xerrors.Errorf("error getting snapshot reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, xerrors.Errorf("error reading snapshot: %w", err)
	}

	snapshot, err := fbstore.Decode(data)
	if err != nil {
		s.logger.Warnf(s.name+": Discarding unparseable snapshot gs://%s/%s: %v", s.bucket, s.object, err)
		return fbstore.NewSnapshot(), nil
	}

	return snapshot, nil
}

func (s *GCPStorageStore) Save(ctx context.Context, snapshot *fbstore.Snapshot) error {
	data, err := fbstore.Encode(snapshot)
	if err != nil {
		return err
	}

	writer := s.storageWriter(ctx, s.bucket, s.object)

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return xerrors.Errorf("error writing snapshot: %w", err)
	}

	if err := writer.Close(); err != nil {
		return xerrors.Errorf("error closing writer: %w", err)
	}

	return nil
}
