// Package layout maps object shapes to fixed byte offsets.
//
// A Layout is an immutable, ordered list of fields. Each field's offset is
// the running sum of the sizes of the fields before it, and the layout's
// size is the sum of all of them. That size is exactly the allocation size
// of an object of that shape.
//
//	node := layout.MustFromFields("node",
//	    layout.Long("key"),
//	    layout.SelfRef("next"),
//	)
//	entry := layout.MustExtend(node, "entry", layout.Double("score"))
//
// Extend appends fields after a base layout without moving any base offset,
// which is how structural inheritance is expressed.
//
// Every layout gets a stable type id derived from its signature. Objects are
// stamped with it, and Lookup resolves an id read back from media.
package layout

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// ErrInvalidLayout is returned for malformed field lists.
var ErrInvalidLayout = errors.New("layout: invalid layout")

// Layout is an immutable field-to-offset mapping.
type Layout struct {
	name   string
	base   *Layout
	fields []Field
	index  map[string]int
	size   int64
	id     uint64
}

// FromFields builds a layout from fields in declaration order.
func FromFields(name string, fields ...Field) (*Layout, error) {
	return build(name, nil, fields)
}

// MustFromFields is FromFields for statically known layouts. It panics on
// error.
func MustFromFields(name string, fields ...Field) *Layout {
	l, err := FromFields(name, fields...)
	if err != nil {
		panic(err)
	}
	return l
}

// Extend builds a layout whose first base.NumFields() fields are base's,
// at base's offsets, followed by fields.
func Extend(base *Layout, name string, fields ...Field) (*Layout, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: %s: nil base", ErrInvalidLayout, name)
	}
	return build(name, base, fields)
}

// MustExtend is Extend that panics on error.
func MustExtend(base *Layout, name string, fields ...Field) *Layout {
	l, err := Extend(base, name, fields...)
	if err != nil {
		panic(err)
	}
	return l
}

func build(name string, base *Layout, fields []Field) (*Layout, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidLayout)
	}
	l := &Layout{name: name, base: base, index: make(map[string]int)}

	var off int64
	if base != nil {
		l.fields = append(l.fields, base.fields...)
		for i, f := range base.fields {
			l.index[f.name] = i
		}
		off = base.size
	}

	for _, f := range fields {
		if f.name == "" {
			return nil, fmt.Errorf("%w: %s: unnamed field", ErrInvalidLayout, name)
		}
		if _, dup := l.index[f.name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate field %q", ErrInvalidLayout, name, f.name)
		}
		switch {
		case f.self:
			// Second phase: the container exists now, so patch it in.
			f.sub = l
			f.self = false
		case f.kind == Primitive && f.scalar.Width() == 0:
			return nil, fmt.Errorf("%w: %s.%s: no scalar type", ErrInvalidLayout, name, f.name)
		case (f.kind == Reference || f.kind == DirectValue || f.kind == IndirectValue) && f.sub == nil:
			return nil, fmt.Errorf("%w: %s.%s: %s field without layout", ErrInvalidLayout, name, f.name, f.kind)
		case f.kind == DirectValue && f.sub.Size() == 0:
			// It would share its offset with the next field.
			return nil, fmt.Errorf("%w: %s.%s: embeds empty layout %s", ErrInvalidLayout, name, f.name, f.sub.name)
		}
		f.offset = off
		off += f.Size()
		l.index[f.name] = len(l.fields)
		l.fields = append(l.fields, f)
	}
	l.size = off
	l.id = hashSignature(l)
	register(l)
	return l, nil
}

func hashSignature(l *Layout) uint64 {
	var sb strings.Builder
	sb.WriteString(l.name)
	for _, f := range l.fields {
		sb.WriteByte('|')
		sb.WriteString(f.signature())
	}
	h := fnv.New64a()
	h.Write([]byte(sb.String()))
	return h.Sum64()
}

// Name returns the layout's name.
func (l *Layout) Name() string { return l.name }

// ID returns the layout's type id.
func (l *Layout) ID() uint64 { return l.id }

// Size returns the total size in bytes.
func (l *Layout) Size() int64 { return l.size }

// Base returns the layout l extends, or nil.
func (l *Layout) Base() *Layout { return l.base }

// NumFields returns the number of fields, inherited ones included.
func (l *Layout) NumFields() int { return len(l.fields) }

// Field returns field i. It panics if i is out of range.
func (l *Layout) Field(i int) Field { return l.fields[i] }

// Fields returns a copy of the field list.
func (l *Layout) Fields() []Field { return append([]Field(nil), l.fields...) }

// Index returns the position of the named field.
func (l *Layout) Index(name string) (int, bool) {
	i, ok := l.index[name]
	return i, ok
}

// Offset returns the byte offset of field i.
func (l *Layout) Offset(i int) int64 { return l.fields[i].offset }

// Extends reports whether l is base or derived from it.
func (l *Layout) Extends(base *Layout) bool {
	for c := l; c != nil; c = c.base {
		if c == base || c.id == base.id {
			return true
		}
	}
	return false
}

// ReferenceOffsets returns the offset of every handle slot in l, including
// slots inside embedded values, in increasing order.
func (l *Layout) ReferenceOffsets() []int64 {
	var out []int64
	for _, f := range l.fields {
		switch f.kind {
		case Reference, GenericValue:
			out = append(out, f.offset)
		case DirectValue:
			for _, o := range f.sub.ReferenceOffsets() {
				out = append(out, f.offset+o)
			}
		case IndirectValue:
			for _, o := range f.sub.ReferenceOffsets() {
				out = append(out, f.offset+IndirectHeaderSize+o)
			}
		}
	}
	return out
}

func (l *Layout) String() string {
	parts := make([]string, len(l.fields))
	for i, f := range l.fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s{%s} size=%d", l.name, strings.Join(parts, ", "), l.size)
}
