// Package handle implements the per-session translation table for opaque
// resource handles.
//
// A handle is only meaningful inside the process that created it, so raw
// handle values never cross the wire. Each side keeps a bidirectional map
// between its local handles and the tokens the peer speaks in; tokens are
// minted by whichever side owns the underlying resource. Mappings live
// exactly as long as their session and are discarded with it.
package handle

import (
	"sync"

	"xrlink/codec"
	"xrlink/rpcerror"
)

// InitiatorMintBase tags tokens minted by the connecting side so they can
// never collide with tokens minted by the accepting side (which uses base 0).
const InitiatorMintBase uint64 = 1 << 63

// Table is one session's handle map. All methods are safe for concurrent
// use, though the lock-step protocol means contention is rare.
type Table struct {
	mu        sync.Mutex
	toRemote  map[codec.Handle]uint64
	toLocal   map[uint64]codec.Handle
	mintBase  uint64
	nextToken uint64
	nextLocal uint64
}

// NewTable creates an empty table. mintBase distinguishes the two ends'
// token spaces: InitiatorMintBase on the connecting side, 0 on the
// accepting side.
func NewTable(mintBase uint64) *Table {
	return &Table{
		toRemote: make(map[codec.Handle]uint64),
		toLocal:  make(map[uint64]codec.Handle),
		mintBase: mintBase,
	}
}

// TranslateOutbound returns the token the remote side knows h by. A handle
// never seen before gets a freshly minted token and the mapping is recorded
// immediately, so the same handle always translates to the same token for
// the rest of the session.
func (t *Table) TranslateOutbound(h codec.Handle) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if token, ok := t.toRemote[h]; ok {
		return token, nil
	}
	t.nextToken++
	token := t.mintBase | t.nextToken
	t.toRemote[h] = token
	t.toLocal[token] = h
	return token, nil
}

// TranslateInbound is the strict inverse lookup. An unknown token means the
// two ends' state has diverged; callers must surface the error, never
// substitute a default.
func (t *Table) TranslateInbound(token uint64) (codec.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.toLocal[token]
	if !ok {
		return 0, rpcerror.New(rpcerror.KindUnmappedHandle, "no local handle for remote token %#x", token)
	}
	return h, nil
}

// Adopt resolves a token from the return path of a creation call: if the
// token is already mapped the existing local handle is returned, otherwise a
// fresh local handle is minted and bound atomically. This is the inbound
// mode the marshaller uses while scattering out parameters, so the mapping
// exists before the call returns to the caller.
func (t *Table) Adopt(token uint64) (codec.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.toLocal[token]; ok {
		return h, nil
	}
	t.nextLocal++
	h := codec.Handle(t.nextLocal)
	t.toLocal[token] = h
	t.toRemote[h] = token
	return h, nil
}

// Bind establishes local ↔ token in one step, replacing any placeholder
// token previously minted for local.
func (t *Table) Bind(local codec.Handle, token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.toRemote[local]; ok {
		delete(t.toLocal, old)
	}
	t.toRemote[local] = token
	t.toLocal[token] = local
}

// Release drops both directions of the mapping for local. Releasing an
// unmapped handle is a no-op — cleanup paths may run twice.
func (t *Table) Release(local codec.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	token, ok := t.toRemote[local]
	if !ok {
		return
	}
	delete(t.toRemote, local)
	delete(t.toLocal, token)
}

// Len reports the number of live mappings.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.toRemote)
}

// DiscardAll empties the table. Called once, when the owning session dies.
func (t *Table) DiscardAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toRemote = make(map[codec.Handle]uint64)
	t.toLocal = make(map[uint64]codec.Handle)
}

// Adopting wraps the table in a translator whose inbound direction mints
// local handles for unseen tokens. Outbound behaves identically to the
// strict table.
func (t *Table) Adopting() codec.HandleTranslator {
	return adopting{t}
}

type adopting struct {
	t *Table
}

func (a adopting) TranslateOutbound(h codec.Handle) (uint64, error) {
	return a.t.TranslateOutbound(h)
}

func (a adopting) TranslateInbound(token uint64) (codec.Handle, error) {
	return a.t.Adopt(token)
}
