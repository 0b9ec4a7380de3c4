package codec

// Zero builds the zero value shaped by desc: zeroed scalars, null handles,
// empty chains, empty mandatory arrays, absent optional arrays, and structs
// zeroed field by field. Useful for pre-sizing out-parameter storage.
func Zero(desc *TypeDesc) Value {
	switch desc.Kind {
	case KindStruct:
		fields := make([]Value, len(desc.Fields))
		for i, fd := range desc.Fields {
			fields[i] = Zero(fd.Type)
		}
		return Value{Kind: KindStruct, Fields: fields}
	case KindArray:
		return Value{Kind: KindArray, Present: !desc.Optional}
	case KindChain:
		return Value{Kind: KindChain}
	case KindHandle:
		return Value{Kind: KindHandle}
	default:
		return Value{Kind: desc.Kind}
	}
}
