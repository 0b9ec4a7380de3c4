// Package call defines the in-process envelope for one dispatched call on
// the executing side. It is the unit the middleware chain and the business
// handlers pass around, after the wire bytes have been decoded and before
// the reply is encoded.
package call

import (
	"xrlink/codec"
	"xrlink/schema"
	"xrlink/wire"
)

// Request is one decoded Call.
//
// Args holds one value per declared parameter in order; entries for out-only
// parameters are zero values — their storage exists so handlers can index
// parameters by position without direction bookkeeping.
type Request struct {
	Desc *schema.FuncDesc
	Args []codec.Value
}

// Response is the result a handler produces. Outs holds the out/inout
// values in declaration order and must always be fully populated — the
// Return message encodes every declared result even when Status is an error.
type Response struct {
	Status wire.Status
	Outs   []codec.Value
}

// Failure builds a response carrying status and zero-valued results shaped
// by the descriptor, so the reply still matches the schema byte for byte.
func Failure(desc *schema.FuncDesc, status wire.Status) *Response {
	outs := make([]codec.Value, 0, desc.InboundCount())
	for _, p := range desc.Params {
		if p.Dir.Inbound() {
			outs = append(outs, codec.Zero(p.Type))
		}
	}
	return &Response{Status: status, Outs: outs}
}
