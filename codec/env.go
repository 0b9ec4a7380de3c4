package codec

// HandleTranslator maps handles crossing the process boundary. The codec
// treats a handle as "fixed-width primitive requiring translation" and keeps
// the policy (placeholders, binding, strictness) centralized behind this
// interface — the handle table implements it, the session picks the mode.
type HandleTranslator interface {
	// TranslateOutbound turns a local handle into the token the remote side
	// understands.
	TranslateOutbound(h Handle) (uint64, error)

	// TranslateInbound turns a received token back into a local handle.
	TranslateInbound(token uint64) (Handle, error)
}

// ClockTranslator rebases time-valued fields between the two ends' monotonic
// clocks. The session implements it from its measured offset; the server side
// is the time authority and uses the identity.
type ClockTranslator interface {
	TimeOutbound(ns int64) int64
	TimeInbound(ns int64) int64
}

// StructLookup resolves extension-chain tags to struct descriptors. The
// schema table implements it; the mapping is closed — an unknown tag is a
// protocol error, never a skip, because the payload length of an unknown
// struct is unknowable.
type StructLookup interface {
	LookupStruct(tag uint32) (*TypeDesc, bool)
}

// Env carries the translation context for one encode or decode pass.
// A nil Handles or Clock means identity (useful for values that never cross
// a boundary, and in tests); a nil Structs rejects every chain tag.
type Env struct {
	Handles HandleTranslator
	Clock   ClockTranslator
	Structs StructLookup
}

func (e *Env) handleOut(h Handle) (uint64, error) {
	if h == 0 {
		return 0, nil // null handle passes through untranslated
	}
	if e == nil || e.Handles == nil {
		return uint64(h), nil
	}
	return e.Handles.TranslateOutbound(h)
}

func (e *Env) handleIn(token uint64) (Handle, error) {
	if token == 0 {
		return 0, nil
	}
	if e == nil || e.Handles == nil {
		return Handle(token), nil
	}
	return e.Handles.TranslateInbound(token)
}

func (e *Env) timeOut(ns int64) int64 {
	if e == nil || e.Clock == nil {
		return ns
	}
	return e.Clock.TimeOutbound(ns)
}

func (e *Env) timeIn(ns int64) int64 {
	if e == nil || e.Clock == nil {
		return ns
	}
	return e.Clock.TimeInbound(ns)
}

func (e *Env) lookupStruct(tag uint32) (*TypeDesc, bool) {
	if e == nil || e.Structs == nil {
		return nil, false
	}
	return e.Structs.LookupStruct(tag)
}
