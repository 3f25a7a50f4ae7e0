package directory

import (
	"context"
	"slices"
	"strings"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/internal/blob"
)

// heapStore keeps the entry table sorted by key in a blob anchored at the
// directory system slot. Every write replaces the blob.
type heapStore struct {
	heap *heap.Heap
}

func (s *heapStore) load() ([]Entry, error) {
	var table []Entry
	if _, err := blob.Load(s.heap, heap.SlotDirectory, &table); err != nil {
		return nil, err
	}
	return table, nil
}

func search(table []Entry, key string) (int, bool) {
	return slices.BinarySearchFunc(table, key, func(e Entry, k string) int {
		return strings.Compare(e.key(), k)
	})
}

func (s *heapStore) get(key string) (Entry, bool, error) {
	table, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	if i, ok := search(table, key); ok {
		return table[i], true, nil
	}
	return Entry{}, false, nil
}

func (s *heapStore) put(ctx context.Context, e Entry) error {
	table, err := s.load()
	if err != nil {
		return err
	}
	if i, ok := search(table, e.key()); ok {
		table[i] = e
	} else {
		table = slices.Insert(table, i, e)
	}
	return blob.Store(ctx, s.heap, heap.SlotDirectory, table)
}

func (s *heapStore) remove(ctx context.Context, key string) error {
	table, err := s.load()
	if err != nil {
		return err
	}
	i, ok := search(table, key)
	if !ok {
		return nil
	}
	table = slices.Delete(table, i, i+1)
	if len(table) == 0 {
		return blob.Clear(ctx, s.heap, heap.SlotDirectory)
	}
	return blob.Store(ctx, s.heap, heap.SlotDirectory, table)
}

func (s *heapStore) list() ([]Entry, error) { return s.load() }

func (s *heapStore) transactional() bool { return true }

func (s *heapStore) close() error { return nil }
