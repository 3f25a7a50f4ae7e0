// Package directory is a persistent, named root set.
//
// Entries map a name and a layout name to an object handle. Names are
// NFC-normalized, so visually identical names written with composed or
// decomposed characters resolve to the same entry. The directory holds one
// persistent reference on every object it names; removing an entry drops
// that reference, and the object lives on while anything else retains it.
//
// Two stores are available. The heap store keeps a sorted, CBOR-encoded
// entry table in the heap itself and updates it in the caller's
// transaction. The pebble store keeps entries in a Pebble database next to
// the pool, ordering reference-count changes around each synced index write
// so a crash can leak an object but never leave an entry pointing at freed
// storage. Called inside a transaction, the pebble store takes its retain in
// that transaction and writes the index only once it commits.
//
// Lock order is engine transaction first, then the directory mutex.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/layout"
	"github.com/joshuapare/pmemkit/lifecycle"
	"github.com/joshuapare/pmemkit/object"
	"github.com/joshuapare/pmemkit/pkg/types"
	"github.com/joshuapare/pmemkit/tx"
)

// StoreKind selects the entry store.
type StoreKind string

const (
	StoreHeap   StoreKind = "heap"
	StorePebble StoreKind = "pebble"
)

// Options configures a Directory.
type Options struct {
	// Store selects the entry store. Default: StoreHeap.
	Store StoreKind

	// PebbleDir is the database directory for StorePebble. Required when
	// Store is StorePebble.
	PebbleDir string

	// Logger receives directory events. Default: logger.L.
	Logger *slog.Logger
}

// Entry is one directory record.
type Entry struct {
	Name   string `cbor:"1,keyasint"`
	Type   string `cbor:"2,keyasint"`
	Handle uint64 `cbor:"3,keyasint"`
	TypeID uint64 `cbor:"4,keyasint"`
}

func (e Entry) key() string { return entryKey(e.Name, e.Type) }

func entryKey(name, typ string) string {
	return name + "\x00" + typ
}

// Directory is a named root set over one heap.
type Directory struct {
	heap   *heap.Heap
	bridge *lifecycle.Bridge
	store  store
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// store persists entries. Heap-backed stores take part in the caller's
// transaction; others commit each write on its own.
type store interface {
	get(key string) (Entry, bool, error)
	put(ctx context.Context, e Entry) error
	remove(ctx context.Context, key string) error
	list() ([]Entry, error)
	transactional() bool
	close() error
}

// Open returns the directory of h. bridge may be nil, in which case Get
// returns untracked objects.
func Open(ctx context.Context, h *heap.Heap, bridge *lifecycle.Bridge, opts Options) (*Directory, error) {
	d := &Directory{heap: h, bridge: bridge, log: logger.Or(opts.Logger)}
	switch opts.Store {
	case "", StoreHeap:
		d.store = &heapStore{heap: h}
	case StorePebble:
		s, err := openPebbleStore(opts.PebbleDir)
		if err != nil {
			return nil, err
		}
		d.store = s
	default:
		return nil, fmt.Errorf("directory: unknown store %q", opts.Store)
	}
	d.log.Debug("directory opened", "store", string(opts.Store), "heap", h.Name())
	return d, nil
}

// Normalize returns the form names are stored under.
func Normalize(name string) string { return norm.NFC.String(name) }

func (d *Directory) check(op string) error {
	if d.closed {
		return types.Errorf(types.ErrKindClosed, op, "directory closed")
	}
	return nil
}

// Put names obj, replacing any entry with the same name and layout. The
// directory retains obj and releases the replaced object. obj is then
// registered with the bridge.
func (d *Directory) Put(ctx context.Context, name string, obj *object.Object) error {
	const op = "directory.Put"
	if name == "" || strings.ContainsRune(name, 0) {
		return types.Errorf(types.ErrKindInvalidName, op, "%q", name)
	}
	if !obj.Alive() {
		return types.Errorf(types.ErrKindNotAlive, op, "%s", obj)
	}
	e := Entry{
		Name:   Normalize(name),
		Type:   obj.Layout().Name(),
		Handle: uint64(obj.Handle()),
		TypeID: obj.Layout().ID(),
	}

	if err := d.put(ctx, e); err != nil {
		return err
	}
	if d.bridge != nil {
		return d.bridge.Register(ctx, obj, e.Name)
	}
	return nil
}

func (d *Directory) put(ctx context.Context, e Entry) error {
	const op = "directory.Put"
	handle := engine.Handle(e.Handle)

	if d.store.transactional() {
		return tx.Run(ctx, d.heap.Engine(), func(ctx context.Context) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			if err := d.check(op); err != nil {
				return err
			}
			old, had, err := d.store.get(e.key())
			if err != nil {
				return err
			}
			if _, err := object.Retain(ctx, d.heap, handle); err != nil {
				return err
			}
			if err := d.store.put(ctx, e); err != nil {
				return err
			}
			if had {
				_, err := object.Release(ctx, d.heap, engine.Handle(old.Handle))
				return err
			}
			return nil
		})
	}

	if err := d.checkOpen(op); err != nil {
		return err
	}
	// The retain is durable before the index names the object.
	if _, err := object.Retain(ctx, d.heap, handle); err != nil {
		return err
	}
	if _, ok := tx.Current(ctx, d.heap.Engine()); ok {
		hctx := tx.Detach(ctx)
		tx.FromContext(ctx).OnCommit(func() {
			if err := d.publish(hctx, e); err != nil {
				d.log.Warn("index write after commit failed", "name", e.Name, "type", e.Type, "err", err)
			}
		})
		return nil
	}
	return d.publish(ctx, e)
}

// publish writes e to a non-transactional store, then drops the reference
// of the entry it replaced. A failed write gives back e's retain. ctx must
// not carry an active transaction on the heap.
func (d *Directory) publish(ctx context.Context, e Entry) error {
	d.mu.Lock()
	err := d.check("directory.Put")
	var (
		old Entry
		had bool
	)
	if err == nil {
		old, had, err = d.store.get(e.key())
	}
	if err == nil {
		err = d.store.put(ctx, e)
	}
	d.mu.Unlock()

	if err != nil {
		if _, rerr := object.Release(ctx, d.heap, engine.Handle(e.Handle)); rerr != nil {
			d.log.Warn("undo retain failed", "handle", e.Handle, "err", rerr)
		}
		return err
	}
	if had {
		if _, err := object.Release(ctx, d.heap, engine.Handle(old.Handle)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directory) checkOpen(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.check(op)
}

// Get returns the object named name with layout l. It fails with NotFound
// when there is no such entry and TypeMismatch when the entry was written
// by a different layout of the same name.
func (d *Directory) Get(ctx context.Context, name string, l *layout.Layout) (*object.Object, error) {
	const op = "directory.Get"
	d.mu.Lock()
	if err := d.check(op); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	e, ok, err := d.store.get(entryKey(Normalize(name), l.Name()))
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Errorf(types.ErrKindNotFound, op, "%q (%s)", name, l.Name())
	}
	if e.TypeID != l.ID() {
		return nil, types.Errorf(types.ErrKindTypeMismatch, op, "%q was stored as type %#x, %s is %#x", name, e.TypeID, l.Name(), l.ID())
	}
	if d.bridge != nil {
		return d.bridge.Materialize(ctx, engine.Handle(e.Handle), l)
	}
	return object.Open(d.heap, engine.Handle(e.Handle), l)
}

// Remove deletes the entry and drops the directory's reference. Storage is
// reclaimed only when no other reference remains.
func (d *Directory) Remove(ctx context.Context, name string, l *layout.Layout) error {
	const op = "directory.Remove"
	key := entryKey(Normalize(name), l.Name())
	notFound := func() error {
		return types.Errorf(types.ErrKindNotFound, op, "%q (%s)", name, l.Name())
	}

	if d.store.transactional() {
		return tx.Run(ctx, d.heap.Engine(), func(ctx context.Context) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			if err := d.check(op); err != nil {
				return err
			}
			e, ok, err := d.store.get(key)
			if err != nil {
				return err
			}
			if !ok {
				return notFound()
			}
			if err := d.store.remove(ctx, key); err != nil {
				return err
			}
			_, err = object.Release(ctx, d.heap, engine.Handle(e.Handle))
			return err
		})
	}

	if _, ok := tx.Current(ctx, d.heap.Engine()); ok {
		d.mu.Lock()
		err := d.check(op)
		var found bool
		if err == nil {
			_, found, err = d.store.get(key)
		}
		d.mu.Unlock()
		if err != nil {
			return err
		}
		if !found {
			return notFound()
		}
		hctx := tx.Detach(ctx)
		tx.FromContext(ctx).OnCommit(func() {
			if _, err := d.unpublish(hctx, key); err != nil {
				d.log.Warn("index removal after commit failed", "key", key, "err", err)
			}
		})
		return nil
	}

	found, err := d.unpublish(ctx, key)
	if err == nil && !found {
		return notFound()
	}
	return err
}

// unpublish removes key from a non-transactional store, then drops the
// reference its entry held. The index forgets the object first.
func (d *Directory) unpublish(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	err := d.check("directory.Remove")
	var (
		e  Entry
		ok bool
	)
	if err == nil {
		e, ok, err = d.store.get(key)
	}
	if err == nil && ok {
		err = d.store.remove(ctx, key)
	}
	d.mu.Unlock()
	if err != nil || !ok {
		return false, err
	}
	_, err = object.Release(ctx, d.heap, engine.Handle(e.Handle))
	return true, err
}

// List returns every entry ordered by name, then layout name.
func (d *Directory) List() ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("directory.List"); err != nil {
		return nil, err
	}
	return d.store.list()
}

// Close releases the store. It does not close the heap or bridge.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.store.close()
}
