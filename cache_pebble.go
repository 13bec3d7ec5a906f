package converge

import (
	"errors"
	"slices"

	"github.com/cockroachdb/pebble"
)

// pebble-backed blob store for the cache persistence layer.
// a single local database holds the snapshots for every list.
type PebbleBlobStore struct {
	db *pebble.DB
}

func NewPebbleBlobStore(path string) (*PebbleBlobStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleBlobStore{
		db: db,
	}, nil
}

func (self *PebbleBlobStore) ReadBlob(key string) ([]byte, error) {
	value, closer, err := self.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	return slices.Clone(value), nil
}

// snapshots are rebuildable from the server, so writes do not need to
// survive a power failure
func (self *PebbleBlobStore) WriteBlob(key string, value []byte) error {
	return self.db.Set([]byte(key), value, pebble.NoSync)
}

func (self *PebbleBlobStore) DeleteBlob(key string) error {
	return self.db.Delete([]byte(key), pebble.NoSync)
}

func (self *PebbleBlobStore) Close() error {
	return self.db.Close()
}
