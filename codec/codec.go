package codec

import (
	"bytes"
	"encoding/binary"

	"xrlink/rpcerror"
)

// ChainEndTag terminates every extension chain on the wire. Tag zero is
// reserved and can never name a registered struct.
const ChainEndTag uint32 = 0

// Reader is a cursor over one received payload. Running past the end is a
// malformed-message error, not a panic — length prefixes are attacker input.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining reports how many bytes are still unread.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, rpcerror.New(rpcerror.KindMalformed,
			"payload truncated: need %d bytes at offset %d, have %d", n, r.pos, r.Remaining())
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// Encode appends the canonical wire form of v to buf. v must match desc
// exactly; a mismatch is a caller bug (argument contract), not a wire error.
// Handles and timestamps are translated through env on the way out.
func Encode(buf *bytes.Buffer, v Value, desc *TypeDesc, env *Env) error {
	if v.Kind != desc.Kind {
		return rpcerror.New(rpcerror.KindArgumentContract,
			"value kind %s does not match descriptor kind %s", v.Kind, desc.Kind)
	}

	switch desc.Kind {
	case KindUint8, KindBool:
		return putUint(buf, v.Uint, 1)
	case KindUint16:
		return putUint(buf, v.Uint, 2)
	case KindUint32, KindInt32, KindFloat32:
		return putUint(buf, v.Uint, 4)
	case KindUint64, KindInt64, KindFloat64:
		return putUint(buf, v.Uint, 8)

	case KindTimestamp:
		return putUint(buf, uint64(env.timeOut(int64(v.Uint))), 8)

	case KindHandle:
		token, err := env.handleOut(v.Handle)
		if err != nil {
			return err
		}
		return putUint(buf, token, 8)

	case KindStruct:
		return encodeStruct(buf, v.Fields, desc, env)

	case KindArray:
		return encodeArray(buf, v, desc, env)

	case KindChain:
		return encodeChain(buf, v.Nodes, env)

	default:
		return rpcerror.New(rpcerror.KindArgumentContract, "cannot encode kind %s", desc.Kind)
	}
}

// Decode reads one value shaped by desc from r. Handles and timestamps are
// translated through env on the way in.
func Decode(r *Reader, desc *TypeDesc, env *Env) (Value, error) {
	switch desc.Kind {
	case KindUint8:
		bits, err := takeUint(r, 1)
		return Value{Kind: KindUint8, Uint: bits}, err
	case KindUint16:
		bits, err := takeUint(r, 2)
		return Value{Kind: KindUint16, Uint: bits}, err
	case KindUint32, KindInt32, KindFloat32:
		bits, err := takeUint(r, 4)
		return Value{Kind: desc.Kind, Uint: bits}, err
	case KindUint64, KindInt64, KindFloat64:
		bits, err := takeUint(r, 8)
		return Value{Kind: desc.Kind, Uint: bits}, err

	case KindBool:
		bits, err := takeUint(r, 1)
		if err != nil {
			return Value{}, err
		}
		if bits > 1 {
			return Value{}, rpcerror.New(rpcerror.KindMalformed, "bool encoded as %d", bits)
		}
		return Value{Kind: KindBool, Uint: bits}, nil

	case KindTimestamp:
		bits, err := takeUint(r, 8)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindTimestamp, Uint: uint64(env.timeIn(int64(bits)))}, nil

	case KindHandle:
		token, err := takeUint(r, 8)
		if err != nil {
			return Value{}, err
		}
		h, err := env.handleIn(token)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindHandle, Handle: h}, nil

	case KindStruct:
		fields, err := decodeStructFields(r, desc, env)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindStruct, Fields: fields}, nil

	case KindArray:
		return decodeArray(r, desc, env)

	case KindChain:
		nodes, err := decodeChain(r, env)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindChain, Nodes: nodes}, nil

	default:
		return Value{}, rpcerror.New(rpcerror.KindMalformed, "cannot decode kind %s", desc.Kind)
	}
}

// encodeStruct writes a struct body: the type tag first when the struct is
// chain-capable, then every field in declared order. No padding, ever.
func encodeStruct(buf *bytes.Buffer, fields []Value, desc *TypeDesc, env *Env) error {
	if len(fields) != len(desc.Fields) {
		return rpcerror.New(rpcerror.KindArgumentContract,
			"struct %s has %d fields, descriptor declares %d", desc.Name, len(fields), len(desc.Fields))
	}
	if desc.Tag != ChainEndTag {
		if err := putUint(buf, uint64(desc.Tag), 4); err != nil {
			return err
		}
	}
	for i, fd := range desc.Fields {
		if err := Encode(buf, fields[i], fd.Type, env); err != nil {
			return rpcerror.Wrap(rpcerror.KindOf(err), err, "struct %s field %s", desc.Name, fd.Name)
		}
	}
	return nil
}

func decodeStructFields(r *Reader, desc *TypeDesc, env *Env) ([]Value, error) {
	if desc.Tag != ChainEndTag {
		tag, err := takeUint(r, 4)
		if err != nil {
			return nil, err
		}
		if uint32(tag) != desc.Tag {
			return nil, rpcerror.New(rpcerror.KindMalformed,
				"struct %s: tag %d on the wire, descriptor declares %d", desc.Name, tag, desc.Tag)
		}
	}
	fields := make([]Value, len(desc.Fields))
	for i, fd := range desc.Fields {
		v, err := Decode(r, fd.Type, env)
		if err != nil {
			return nil, rpcerror.Wrap(rpcerror.KindOf(err), err, "struct %s field %s", desc.Name, fd.Name)
		}
		fields[i] = v
	}
	return fields, nil
}

// encodeArray writes count:uint32 then the elements. Optional arrays carry a
// leading presence byte so an absent array never collapses into an empty one.
func encodeArray(buf *bytes.Buffer, v Value, desc *TypeDesc, env *Env) error {
	if desc.Optional {
		var present uint64
		if v.Present {
			present = 1
		}
		if err := putUint(buf, present, 1); err != nil {
			return err
		}
		if !v.Present {
			return nil
		}
	} else if !v.Present {
		return rpcerror.New(rpcerror.KindArgumentContract, "absent value for a mandatory array")
	}

	if err := putUint(buf, uint64(len(v.Elems)), 4); err != nil {
		return err
	}
	for i := range v.Elems {
		if err := Encode(buf, v.Elems[i], desc.Elem, env); err != nil {
			return rpcerror.Wrap(rpcerror.KindOf(err), err, "array element %d", i)
		}
	}
	return nil
}

func decodeArray(r *Reader, desc *TypeDesc, env *Env) (Value, error) {
	if desc.Optional {
		present, err := takeUint(r, 1)
		if err != nil {
			return Value{}, err
		}
		switch present {
		case 0:
			return Value{Kind: KindArray, Present: false}, nil
		case 1:
			// fall through to the count
		default:
			return Value{}, rpcerror.New(rpcerror.KindMalformed, "array presence flag encoded as %d", present)
		}
	}

	count, err := takeUint(r, 4)
	if err != nil {
		return Value{}, err
	}
	// A count that cannot fit in the remaining payload even at the element's
	// minimum encoded size is a corrupted prefix — reject before allocating.
	// Zero-size elements (a fieldless struct) carry no bytes to run out of.
	if min := minEncodedSize(desc.Elem); min > 0 && count > uint64(r.Remaining())/uint64(min) {
		return Value{}, rpcerror.New(rpcerror.KindMalformed,
			"array count %d exceeds %d remaining payload bytes", count, r.Remaining())
	}
	elems := make([]Value, count)
	for i := range elems {
		v, err := Decode(r, desc.Elem, env)
		if err != nil {
			return Value{}, rpcerror.Wrap(rpcerror.KindOf(err), err, "array element %d", i)
		}
		elems[i] = v
	}
	return Value{Kind: KindArray, Elems: elems, Present: true}, nil
}

// encodeChain writes each node as (tag + payload) through its registered
// descriptor, then the end tag. Encoding an unregistered tag fails the same
// way decoding one does — both ends must agree on the closed tag set.
func encodeChain(buf *bytes.Buffer, nodes []ChainNode, env *Env) error {
	for _, node := range nodes {
		desc, ok := env.lookupStruct(node.Tag)
		if !ok {
			return rpcerror.New(rpcerror.KindUnknownStructTag, "no struct registered for tag %d", node.Tag)
		}
		if err := encodeStruct(buf, node.Fields, desc, env); err != nil {
			return err
		}
	}
	return putUint(buf, uint64(ChainEndTag), 4)
}

func decodeChain(r *Reader, env *Env) ([]ChainNode, error) {
	var nodes []ChainNode
	for {
		tag, err := takeUint(r, 4)
		if err != nil {
			return nil, err
		}
		if uint32(tag) == ChainEndTag {
			return nodes, nil
		}
		desc, ok := env.lookupStruct(uint32(tag))
		if !ok {
			// Payload length of an unknown struct is unknowable; the stream
			// position is lost. Hard failure, never a skip.
			return nil, rpcerror.New(rpcerror.KindUnknownStructTag, "no struct registered for tag %d", tag)
		}
		// decodeStructFields re-reads the tag as the struct's first field.
		r.pos -= 4
		fields, err := decodeStructFields(r, desc, env)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, ChainNode{Tag: uint32(tag), Fields: fields})
	}
}

// minEncodedSize reports the smallest number of bytes a value of desc can
// occupy on the wire: an absent optional array is one presence byte, an empty
// chain is just its end tag, a fieldless struct is nothing at all.
func minEncodedSize(desc *TypeDesc) int {
	switch desc.Kind {
	case KindUint8, KindBool:
		return 1
	case KindUint16:
		return 2
	case KindUint32, KindInt32, KindFloat32:
		return 4
	case KindUint64, KindInt64, KindFloat64, KindTimestamp, KindHandle:
		return 8
	case KindStruct:
		n := 0
		if desc.Tag != ChainEndTag {
			n = 4
		}
		for _, fd := range desc.Fields {
			n += minEncodedSize(fd.Type)
		}
		return n
	case KindArray:
		if desc.Optional {
			return 1
		}
		return 4
	case KindChain:
		return 4
	default:
		return 0
	}
}

func putUint(buf *bytes.Buffer, bits uint64, width int) error {
	var scratch [8]byte
	switch width {
	case 1:
		scratch[0] = byte(bits)
	case 2:
		binary.BigEndian.PutUint16(scratch[:2], uint16(bits))
	case 4:
		binary.BigEndian.PutUint32(scratch[:4], uint32(bits))
	case 8:
		binary.BigEndian.PutUint64(scratch[:8], bits)
	}
	buf.Write(scratch[:width])
	return nil
}

func takeUint(r *Reader, width int) (uint64, error) {
	raw, err := r.take(width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(raw[0]), nil
	case 2:
		return uint64(binary.BigEndian.Uint16(raw)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(raw)), nil
	default:
		return binary.BigEndian.Uint64(raw), nil
	}
}
