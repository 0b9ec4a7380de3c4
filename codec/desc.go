// Package codec implements the descriptor-driven wire codec for xrlink.
//
// Nothing on the wire is self-describing: both ends hold identical generated
// type descriptors, and every encode/decode walks a descriptor to learn the
// exact byte layout. Field order and integer widths are explicit — the host's
// native struct padding never leaks into the stream.
package codec

// Kind enumerates the wire shapes the codec understands.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindBool
	KindTimestamp // int64 nanoseconds, clock-offset translated at the boundary
	KindHandle    // opaque resource reference, table-translated at the boundary
	KindStruct
	KindArray
	KindChain // runtime-tagged extension chain
)

func (k Kind) String() string {
	switch k {
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindHandle:
		return "handle"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindChain:
		return "chain"
	default:
		return "invalid"
	}
}

// TypeDesc describes one wire type. Descriptors are built once from generated
// schema data and shared read-only across all sessions.
type TypeDesc struct {
	Kind Kind

	// Structs. Name is diagnostic only. Tag is nonzero for structs that may
	// appear in an extension chain; such structs carry the tag as their first
	// wire field, on both ends, always.
	Name   string
	Tag    uint32
	Fields []FieldDesc

	// Arrays. Elem is the element type. Optional arrays are preceded by a
	// one-byte presence flag so "absent" and "empty" stay distinguishable.
	Elem     *TypeDesc
	Optional bool
}

// FieldDesc is one named struct field.
type FieldDesc struct {
	Name string
	Type *TypeDesc
}

// Shared scalar descriptors. Scalars carry no per-type state, so one instance
// each is enough for the whole process.
var (
	Uint8Desc     = &TypeDesc{Kind: KindUint8}
	Uint16Desc    = &TypeDesc{Kind: KindUint16}
	Uint32Desc    = &TypeDesc{Kind: KindUint32}
	Uint64Desc    = &TypeDesc{Kind: KindUint64}
	Int32Desc     = &TypeDesc{Kind: KindInt32}
	Int64Desc     = &TypeDesc{Kind: KindInt64}
	Float32Desc   = &TypeDesc{Kind: KindFloat32}
	Float64Desc   = &TypeDesc{Kind: KindFloat64}
	BoolDesc      = &TypeDesc{Kind: KindBool}
	TimestampDesc = &TypeDesc{Kind: KindTimestamp}
	HandleDesc    = &TypeDesc{Kind: KindHandle}
	ChainDesc     = &TypeDesc{Kind: KindChain}
)

// StructOf builds a plain struct descriptor.
func StructOf(name string, fields ...FieldDesc) *TypeDesc {
	return &TypeDesc{Kind: KindStruct, Name: name, Fields: fields}
}

// TaggedStructOf builds a chain-capable struct descriptor. tag must be
// nonzero; zero is the chain terminator and can never name a struct.
func TaggedStructOf(name string, tag uint32, fields ...FieldDesc) *TypeDesc {
	return &TypeDesc{Kind: KindStruct, Name: name, Tag: tag, Fields: fields}
}

// Field pairs a name with a type.
func Field(name string, t *TypeDesc) FieldDesc {
	return FieldDesc{Name: name, Type: t}
}

// ArrayOf builds a mandatory array descriptor.
func ArrayOf(elem *TypeDesc) *TypeDesc {
	return &TypeDesc{Kind: KindArray, Elem: elem}
}

// OptionalArrayOf builds an array descriptor with a presence flag.
func OptionalArrayOf(elem *TypeDesc) *TypeDesc {
	return &TypeDesc{Kind: KindArray, Elem: elem, Optional: true}
}
