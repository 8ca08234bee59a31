package fbmemorystore

import (
	"context"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandur/fadeboard/internal/fbstore"
)

// MemoryStore keeps a serialized snapshot in memory. Serializing rather than
// holding on to the pointer means callers can't accidentally mutate persisted
// state without calling Save, same as with any other backend.
type MemoryStore struct {
	data     []byte
	logger   *logrus.Logger
	mut      sync.RWMutex
	name     string
	numSaves int
}

func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		logger: logger,
		name:   reflect.TypeOf(MemoryStore{}).Name(),
	}
}

func (s *MemoryStore) Load(ctx context.Context) (*fbstore.Snapshot, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	snapshot, err := fbstore.Decode(s.data)
	if err != nil {
		s.logger.Warnf(s.name+": Discarding unparseable snapshot: %v", err)
		return fbstore.NewSnapshot(), nil
	}

	return snapshot, nil
}

func (s *MemoryStore) Save(ctx context.Context, snapshot *fbstore.Snapshot) error {
	data, err := fbstore.Encode(snapshot)
	if err != nil {
		return err
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	s.data = data
	s.numSaves++
	return nil
}

// NumSaves returns the number of times Save has been called.
func (s *MemoryStore) NumSaves() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.numSaves
}

// SetRaw replaces the stored bytes directly. Useful for simulating a corrupted
// snapshot.
func (s *MemoryStore) SetRaw(data []byte) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.data = data
}
