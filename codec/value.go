package codec

import "math"

// Handle is an opaque resource reference, meaningful only inside the process
// that created it. The zero handle is the null handle and is never mapped.
type Handle uint64

// Value is the in-memory form of one wire value. It is a closed tagged
// variant: exactly the shapes a descriptor can produce, nothing else.
// Scalar bits live widened in Uint (two's complement for signed kinds,
// IEEE bits for floats, 0/1 for bool, nanoseconds for timestamps).
type Value struct {
	Kind    Kind
	Uint    uint64
	Handle  Handle
	Fields  []Value     // KindStruct, declared order
	Elems   []Value     // KindArray
	Present bool        // KindArray: false means "absent" on an optional array
	Nodes   []ChainNode // KindChain, head first
}

// ChainNode is one tagged struct in an extension chain.
type ChainNode struct {
	Tag    uint32
	Fields []Value
}

// Scalar constructors.

func U8(v uint8) Value   { return Value{Kind: KindUint8, Uint: uint64(v)} }
func U16(v uint16) Value { return Value{Kind: KindUint16, Uint: uint64(v)} }
func U32(v uint32) Value { return Value{Kind: KindUint32, Uint: uint64(v)} }
func U64(v uint64) Value { return Value{Kind: KindUint64, Uint: v} }

func I32(v int32) Value { return Value{Kind: KindInt32, Uint: uint64(uint32(v))} }
func I64(v int64) Value { return Value{Kind: KindInt64, Uint: uint64(v)} }

func F32(v float32) Value { return Value{Kind: KindFloat32, Uint: uint64(math.Float32bits(v))} }
func F64(v float64) Value { return Value{Kind: KindFloat64, Uint: math.Float64bits(v)} }

func Bool(v bool) Value {
	var bits uint64
	if v {
		bits = 1
	}
	return Value{Kind: KindBool, Uint: bits}
}

// Timestamp wraps a monotonic instant in nanoseconds.
func Timestamp(ns int64) Value { return Value{Kind: KindTimestamp, Uint: uint64(ns)} }

// HandleVal wraps a handle.
func HandleVal(h Handle) Value { return Value{Kind: KindHandle, Handle: h} }

// Composite constructors.

func Struct(fields ...Value) Value { return Value{Kind: KindStruct, Fields: fields} }

func Array(elems ...Value) Value {
	return Value{Kind: KindArray, Elems: elems, Present: true}
}

// AbsentArray is an optional array that is not there — distinct from an
// empty one.
func AbsentArray() Value { return Value{Kind: KindArray, Present: false} }

func Chain(nodes ...ChainNode) Value { return Value{Kind: KindChain, Nodes: nodes} }

// Scalar accessors.

func (v Value) AsU8() uint8       { return uint8(v.Uint) }
func (v Value) AsU16() uint16     { return uint16(v.Uint) }
func (v Value) AsU32() uint32     { return uint32(v.Uint) }
func (v Value) AsU64() uint64     { return v.Uint }
func (v Value) AsI32() int32      { return int32(uint32(v.Uint)) }
func (v Value) AsI64() int64      { return int64(v.Uint) }
func (v Value) AsF32() float32    { return math.Float32frombits(uint32(v.Uint)) }
func (v Value) AsF64() float64    { return math.Float64frombits(v.Uint) }
func (v Value) AsBool() bool      { return v.Uint != 0 }
func (v Value) AsTimeNanos() int64 { return int64(v.Uint) }

// Equal reports deep structural equality. Two optional arrays are equal only
// if they agree on presence as well as contents.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindStruct:
		return valuesEqual(v.Fields, o.Fields)
	case KindArray:
		if v.Present != o.Present {
			return false
		}
		return valuesEqual(v.Elems, o.Elems)
	case KindChain:
		if len(v.Nodes) != len(o.Nodes) {
			return false
		}
		for i := range v.Nodes {
			if v.Nodes[i].Tag != o.Nodes[i].Tag {
				return false
			}
			if !valuesEqual(v.Nodes[i].Fields, o.Nodes[i].Fields) {
				return false
			}
		}
		return true
	case KindHandle:
		return v.Handle == o.Handle
	default:
		return v.Uint == o.Uint
	}
}

func valuesEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
