package layout

import "fmt"

// ValueKind says how a field's contents are stored.
type ValueKind int

const (
	// Primitive fields hold a scalar of natural or carried width.
	Primitive ValueKind = iota
	// Reference fields hold the handle of another allocation.
	Reference
	// DirectValue fields embed a sub-layout inline.
	DirectValue
	// IndirectValue fields embed a sub-layout behind an 8-byte type id slot.
	IndirectValue
	// GenericValue fields hold a handle whose layout is resolved from its type tag.
	GenericValue
)

func (k ValueKind) String() string {
	switch k {
	case Primitive:
		return "primitive"
	case Reference:
		return "reference"
	case DirectValue:
		return "direct"
	case IndirectValue:
		return "indirect"
	case GenericValue:
		return "generic"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// Scalar is the Go-facing type of a primitive field.
type Scalar int

const (
	NoScalar Scalar = iota
	ByteScalar
	ShortScalar
	IntScalar
	LongScalar
	FloatScalar  // carried in 4 bytes
	DoubleScalar // carried in 8 bytes
	BoolScalar   // carried in 1 byte
	CharScalar   // carried in 4 bytes
)

var scalarInfo = [...]struct {
	name   string
	width  int
	signed bool
}{
	NoScalar:     {"none", 0, false},
	ByteScalar:   {"byte", 1, true},
	ShortScalar:  {"short", 2, true},
	IntScalar:    {"int", 4, true},
	LongScalar:   {"long", 8, true},
	FloatScalar:  {"float", 4, false},
	DoubleScalar: {"double", 8, false},
	BoolScalar:   {"bool", 1, false},
	CharScalar:   {"char", 4, false},
}

func (s Scalar) String() string {
	if s < 0 || int(s) >= len(scalarInfo) {
		return fmt.Sprintf("Scalar(%d)", int(s))
	}
	return scalarInfo[s].name
}

// Width is the number of bytes the scalar occupies.
func (s Scalar) Width() int {
	if s < 0 || int(s) >= len(scalarInfo) {
		return 0
	}
	return scalarInfo[s].width
}

// Signed reports whether reads sign-extend.
func (s Scalar) Signed() bool {
	if s < 0 || int(s) >= len(scalarInfo) {
		return false
	}
	return scalarInfo[s].signed
}

// HandleSize is the width of a Reference or Generic slot.
const HandleSize = 8

// IndirectHeaderSize is the type id slot in front of an IndirectValue.
const IndirectHeaderSize = 8

// Field describes one slot of a Layout. Build fields with the constructors
// below; offsets are assigned by FromFields and Extend.
type Field struct {
	name   string
	kind   ValueKind
	scalar Scalar
	sub    *Layout
	self   bool
	offset int64
}

func primitive(name string, s Scalar) Field {
	return Field{name: name, kind: Primitive, scalar: s}
}

// Byte is a signed 8-bit field.
func Byte(name string) Field { return primitive(name, ByteScalar) }

// Short is a signed 16-bit field.
func Short(name string) Field { return primitive(name, ShortScalar) }

// Int is a signed 32-bit field.
func Int(name string) Field { return primitive(name, IntScalar) }

// Long is a signed 64-bit field.
func Long(name string) Field { return primitive(name, LongScalar) }

// Float is an IEEE-754 single precision field.
func Float(name string) Field { return primitive(name, FloatScalar) }

// Double is an IEEE-754 double precision field.
func Double(name string) Field { return primitive(name, DoubleScalar) }

// Bool is a one-byte field, nonzero meaning true.
func Bool(name string) Field { return primitive(name, BoolScalar) }

// Char is a character field carried as an unsigned 32-bit code point.
func Char(name string) Field { return primitive(name, CharScalar) }

// Ref is a reference to an allocation of layout target.
func Ref(name string, target *Layout) Field {
	return Field{name: name, kind: Reference, sub: target}
}

// SelfRef is a reference to an allocation of the layout being built. The
// target is patched in once that layout exists.
func SelfRef(name string) Field {
	return Field{name: name, kind: Reference, self: true}
}

// Direct embeds sub inline.
func Direct(name string, sub *Layout) Field {
	return Field{name: name, kind: DirectValue, sub: sub}
}

// Indirect embeds sub behind its type id.
func Indirect(name string, sub *Layout) Field {
	return Field{name: name, kind: IndirectValue, sub: sub}
}

// Generic is a reference whose target layout is not fixed.
func Generic(name string) Field {
	return Field{name: name, kind: GenericValue}
}

// Name returns the field name, unique within its layout.
func (f Field) Name() string { return f.name }

// Kind returns how the field stores its value.
func (f Field) Kind() ValueKind { return f.kind }

// Scalar returns the scalar type of a Primitive field, the zero Scalar
// otherwise.
func (f Field) Scalar() Scalar { return f.scalar }

// Offset returns the byte offset of the field within its container. It is
// zero until the field is part of a built layout.
func (f Field) Offset() int64 { return f.offset }

// Target is the referenced layout of a Reference field or the embedded
// layout of a value field. It is nil for primitives and Generic fields.
func (f Field) Target() *Layout { return f.sub }

// IsHandle reports whether the field stores an allocation handle.
func (f Field) IsHandle() bool { return f.kind == Reference || f.kind == GenericValue }

// Size is the number of bytes the field occupies in its container.
func (f Field) Size() int64 {
	switch f.kind {
	case Primitive:
		return int64(f.scalar.Width())
	case Reference, GenericValue:
		return HandleSize
	case DirectValue:
		return f.sub.Size()
	case IndirectValue:
		return f.sub.Size() + IndirectHeaderSize
	}
	return 0
}

func (f Field) String() string {
	switch f.kind {
	case Primitive:
		return fmt.Sprintf("%s %s@%d", f.name, f.scalar, f.offset)
	case GenericValue:
		return fmt.Sprintf("%s generic@%d", f.name, f.offset)
	}
	target := "?"
	if f.sub != nil {
		target = f.sub.name
	}
	return fmt.Sprintf("%s %s(%s)@%d", f.name, f.kind, target, f.offset)
}

// signature is the part of the type id contributed by f.
func (f Field) signature() string {
	switch f.kind {
	case Primitive:
		return f.name + ":" + f.scalar.String()
	case Reference:
		// By name only, so self-referential layouts terminate.
		return f.name + ":ref:" + f.sub.name
	case DirectValue, IndirectValue:
		return fmt.Sprintf("%s:%s:%016x", f.name, f.kind, f.sub.id)
	}
	return f.name + ":generic"
}
