package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/joshuapare/pmemkit/internal/blob"
)

const keyPrefix = "dir/"

// pebbleStore keeps entries in a Pebble database, one synced write per
// change.
type pebbleStore struct {
	db *pebble.DB
}

func openPebbleStore(dir string) (*pebbleStore, error) {
	if dir == "" {
		return nil, errors.New("directory: pebble store needs a directory")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("directory: open pebble %s: %w", dir, err)
	}
	return &pebbleStore{db: db}, nil
}

func dbKey(key string) []byte { return []byte(keyPrefix + key) }

func (s *pebbleStore) get(key string) (Entry, bool, error) {
	val, closer, err := s.db.Get(dbKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("directory: get: %w", err)
	}
	defer closer.Close()

	var e Entry
	if err := blob.Unmarshal(val, &e); err != nil {
		return Entry{}, false, fmt.Errorf("directory: decode %q: %w", key, err)
	}
	return e, true, nil
}

func (s *pebbleStore) put(_ context.Context, e Entry) error {
	val, err := blob.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Set(dbKey(e.key()), val, pebble.Sync)
}

func (s *pebbleStore) remove(_ context.Context, key string) error {
	return s.db.Delete(dbKey(key), pebble.Sync)
}

func (s *pebbleStore) list() ([]Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("dir0"), // '0' follows '/'
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := blob.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("directory: decode %q: %w", iter.Key(), err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (s *pebbleStore) transactional() bool { return false }

func (s *pebbleStore) close() error { return s.db.Close() }
