// Package fbfilestore implements fbstore's `SnapshotStore` interface on top of a
// single JSON file on local disk.
package fbfilestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fbstore"
)

type FileStore struct {
	logger *logrus.Logger
	name   string
	path   string

	// All for purposes of testability.
	readFile func(name string) ([]byte, error)
	rename   func(oldpath, newpath string) error
}

func NewFileStore(logger *logrus.Logger, path string) *FileStore {
	return &FileStore{
		logger:   logger,
		name:     reflect.TypeOf(FileStore{}).Name(),
		path:     path,
		readFile: os.ReadFile,
		rename:   os.Rename,
	}
}

// Load never fails. A missing file is a fresh start, and an unreadable or
// malformed file is logged and also treated as a fresh start.
func (s *FileStore) Load(ctx context.Context) (*fbstore.Snapshot, error) {
	data, err := s.readFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warnf(s.name+": Error reading snapshot %q; starting fresh: %v", s.path, err)
		}
		return fbstore.NewSnapshot(), nil
	}

	snapshot, err := fbstore.Decode(data)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"path": s.path,
			"size": len(data),
		}).Warnf(s.name+": Discarding unparseable snapshot: %v", err)
		return fbstore.NewSnapshot(), nil
	}

	return snapshot, nil
}

// Save writes to a temporary file in the same directory and renames it into
// place so that readers only ever see a complete snapshot.
func (s *FileStore) Save(ctx context.Context, snapshot *fbstore.Snapshot) error {
	data, err := fbstore.Encode(snapshot)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Errorf("error creating snapshot directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return xerrors.Errorf("error creating temporary snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("error writing temporary snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return xerrors.Errorf("error closing temporary snapshot: %w", err)
	}

	if err := s.rename(tmp.Name(), s.path); err != nil {
		return xerrors.Errorf("error moving snapshot into place: %w", err)
	}

	return nil
}
