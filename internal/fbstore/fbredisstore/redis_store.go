// Package fbredisstore implements fbstore's `SnapshotStore` interface by keeping
// the serialized snapshot under a single Redis key.
package fbredisstore

import (
	"context"
	"errors"
	"reflect"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fbstore"
)

const DefaultKey = "fadeboard:snapshot"

type RedisStore struct {
	client *redis.Client
	key    string
	logger *logrus.Logger
	name   string

	// All for purposes of testability.
	redisGet func(ctx context.Context, key string) ([]byte, error)
	redisSet func(ctx context.Context, key string, data []byte) error
}

func NewRedisStore(logger *logrus.Logger, redisURL, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, xerrors.Errorf("error parsing redis URL: %w", err)
	}

	if key == "" {
		key = DefaultKey
	}

	client := redis.NewClient(opts)

	return &RedisStore{
		client: client,
		key:    key,
		logger: logger,
		name:   reflect.TypeOf(RedisStore{}).Name(),
		redisGet: func(ctx context.Context, key string) ([]byte, error) {
			return client.Get(ctx, key).Bytes() //nolint:wrapcheck
		},
		redisSet: func(ctx context.Context, key string, data []byte) error {
			return client.Set(ctx, key, data, 0).Err() //nolint:wrapcheck
		},
	}, nil
}

func (s *RedisStore) Load(ctx context.Context) (*fbstore.Snapshot, error) {
	data, err := s.redisGet(ctx, s.key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fbstore.NewSnapshot(), nil
		}

		return nil, xerrors.Errorf("error getting snapshot key %q: %w", s.key, err)
	}

	snapshot, err := fbstore.Decode(data)
	if err != nil {
		s.logger.Warnf(s.name+": Discarding unparseable snapshot at %q: %v", s.key, err)
		return fbstore.NewSnapshot(), nil
	}

	return snapshot, nil
}

func (s *RedisStore) Save(ctx context.Context, snapshot *fbstore.Snapshot) error {
	data, err := fbstore.Encode(snapshot)
	if err != nil {
		return err
	}

	if err := s.redisSet(ctx, s.key, data); err != nil {
		return xerrors.Errorf("error setting snapshot key %q: %w", s.key, err)
	}

	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return xerrors.Errorf("error pinging redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close() //nolint:wrapcheck
}
