package layout

import "sync"

var (
	// byID resolves type tags read from media.
	byID sync.Map // uint64 -> *Layout

	// shapes memoizes TypeFor.
	shapes sync.Map // any -> *shapeEntry
)

type shapeEntry struct {
	once sync.Once
	l    *Layout
	err  error
}

// register publishes l under its type id. The first layout with a given
// signature wins; later identical ones resolve to it.
func register(l *Layout) {
	byID.LoadOrStore(l.id, l)
}

// Lookup returns the layout registered for a type id.
func Lookup(id uint64) (*Layout, bool) {
	v, ok := byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Layout), true //nolint:forcetypeassert // map holds only layouts
}

// TypeFor returns the layout for shape, calling build at most once per shape
// for the life of the process. Concurrent callers for one shape all get the
// same instance. shape must be comparable. A failed build is not cached.
func TypeFor(shape any, build func() (*Layout, error)) (*Layout, error) {
	v, _ := shapes.LoadOrStore(shape, &shapeEntry{})
	e := v.(*shapeEntry) //nolint:forcetypeassert // map holds only entries
	e.once.Do(func() {
		e.l, e.err = build()
	})
	if e.err != nil {
		shapes.CompareAndDelete(shape, e)
		return nil, e.err
	}
	return e.l, nil
}
