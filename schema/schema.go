// Package schema holds the generated, process-wide call and struct tables.
//
// The wire carries no self-describing metadata: the receiving side decodes a
// Call by looking up its function ID here, and an extension-chain frame by
// looking up its tag. Both ends must load tables generated for the same
// protocol revision — the handshake checks the revision once and nothing
// else is negotiated.
//
// Tables are populated at process start (the codegen collaborator and any
// loaded extension modules call RegisterFunc/RegisterStruct), then frozen.
// After Freeze the table is immutable and may be shared by every session in
// the process without locking.
package schema

import (
	"fmt"

	"xrlink/codec"
	"xrlink/rpcerror"
)

// Direction says which way a parameter's value travels.
type Direction uint8

const (
	DirIn    Direction = iota // caller → callee only; never echoed back
	DirOut                    // callee → caller only; absent from the Call message
	DirInOut                  // travels both ways
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirInOut:
		return "inout"
	default:
		return "invalid"
	}
}

// Outbound reports whether the parameter is encoded into the Call message.
func (d Direction) Outbound() bool { return d == DirIn || d == DirInOut }

// Inbound reports whether the parameter is encoded into the Return message.
func (d Direction) Inbound() bool { return d == DirOut || d == DirInOut }

// ParamDesc is one parameter of a call signature.
type ParamDesc struct {
	Name string
	Dir  Direction
	Type *codec.TypeDesc
}

// In, Out and InOut build parameter descriptors.
func In(name string, t *codec.TypeDesc) ParamDesc    { return ParamDesc{Name: name, Dir: DirIn, Type: t} }
func Out(name string, t *codec.TypeDesc) ParamDesc   { return ParamDesc{Name: name, Dir: DirOut, Type: t} }
func InOut(name string, t *codec.TypeDesc) ParamDesc { return ParamDesc{Name: name, Dir: DirInOut, Type: t} }

// FuncDesc is the immutable descriptor of one remote-callable function.
// The ID is the wire identifier; Name exists for diagnostics only.
type FuncDesc struct {
	ID     uint32
	Name   string
	Params []ParamDesc

	// CreatesHandle marks calls whose out parameters may carry freshly
	// minted handle tokens; DestroysHandle marks calls whose success
	// releases the mapping of their first in-direction handle parameter.
	// The marshaller binds and releases off these hints so the core never
	// hardcodes knowledge of individual functions.
	CreatesHandle  bool
	DestroysHandle bool
}

// InboundCount reports how many parameters travel on the return path.
func (f *FuncDesc) InboundCount() int {
	n := 0
	for i := range f.Params {
		if f.Params[i].Dir.Inbound() {
			n++
		}
	}
	return n
}

// Table is the process-wide descriptor registry.
type Table struct {
	revision uint32
	funcs    map[uint32]*FuncDesc
	structs  map[uint32]*codec.TypeDesc
	frozen   bool
}

// NewTable creates an empty table pinned to a protocol revision.
func NewTable(revision uint32) *Table {
	return &Table{
		revision: revision,
		funcs:    make(map[uint32]*FuncDesc),
		structs:  make(map[uint32]*codec.TypeDesc),
	}
}

// Revision reports the protocol revision the table was generated for.
func (t *Table) Revision() uint32 {
	return t.revision
}

// RegisterFunc adds one function descriptor. This is the extension point the
// codegen output and loaded modules call during process start; it fails
// after Freeze.
func (t *Table) RegisterFunc(fd *FuncDesc) error {
	if t.frozen {
		return fmt.Errorf("schema: table is frozen, cannot register function %q", fd.Name)
	}
	if fd.ID == 0 {
		return fmt.Errorf("schema: function %q: id 0 is reserved", fd.Name)
	}
	if _, dup := t.funcs[fd.ID]; dup {
		return fmt.Errorf("schema: duplicate function id %d (%q)", fd.ID, fd.Name)
	}
	for i := range fd.Params {
		if fd.Params[i].Type == nil {
			return fmt.Errorf("schema: function %q parameter %q has no type", fd.Name, fd.Params[i].Name)
		}
	}
	t.funcs[fd.ID] = fd
	return nil
}

// RegisterStruct adds one chain-capable struct descriptor keyed by its tag.
func (t *Table) RegisterStruct(desc *codec.TypeDesc) error {
	if t.frozen {
		return fmt.Errorf("schema: table is frozen, cannot register struct %q", desc.Name)
	}
	if desc.Kind != codec.KindStruct {
		return fmt.Errorf("schema: %q is not a struct descriptor", desc.Name)
	}
	if desc.Tag == codec.ChainEndTag {
		return fmt.Errorf("schema: struct %q: tag 0 is the chain terminator", desc.Name)
	}
	if _, dup := t.structs[desc.Tag]; dup {
		return fmt.Errorf("schema: duplicate struct tag %d (%q)", desc.Tag, desc.Name)
	}
	t.structs[desc.Tag] = desc
	return nil
}

// MustRegisterFunc and MustRegisterStruct panic on error; generated
// registration code runs before main and has no one to report to.
func (t *Table) MustRegisterFunc(fd *FuncDesc) {
	if err := t.RegisterFunc(fd); err != nil {
		panic(err)
	}
}

func (t *Table) MustRegisterStruct(desc *codec.TypeDesc) {
	if err := t.RegisterStruct(desc); err != nil {
		panic(err)
	}
}

// Freeze seals the table. Sessions must only ever see frozen tables.
func (t *Table) Freeze() {
	t.frozen = true
}

// Frozen reports whether registration has been sealed.
func (t *Table) Frozen() bool {
	return t.frozen
}

// Lookup resolves a function ID from the wire. An unknown ID means the two
// ends were built against different schemas — fatal for the connection.
func (t *Table) Lookup(id uint32) (*FuncDesc, error) {
	fd, ok := t.funcs[id]
	if !ok {
		return nil, rpcerror.New(rpcerror.KindUnknownFunction, "no descriptor for function id %d", id)
	}
	return fd, nil
}

// LookupStruct implements codec.StructLookup for extension-chain dispatch.
func (t *Table) LookupStruct(tag uint32) (*codec.TypeDesc, bool) {
	desc, ok := t.structs[tag]
	return desc, ok
}
