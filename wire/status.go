package wire

// Status is the call result code carried at the head of every Return body.
// Zero is success, negative values are errors, positive values are non-error
// qualifiers — mirroring the signed result convention of the proxied runtime.
type Status int32

const (
	StatusSuccess             Status = 0
	StatusLossPending         Status = 3
	StatusValidationFailure   Status = -1
	StatusRuntimeFailure      Status = -2
	StatusFunctionUnsupported Status = -7
	StatusHandleInvalid       Status = -12
	StatusLimitReached        Status = -10
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLossPending:
		return "loss-pending"
	case StatusValidationFailure:
		return "validation-failure"
	case StatusRuntimeFailure:
		return "runtime-failure"
	case StatusFunctionUnsupported:
		return "function-unsupported"
	case StatusHandleInvalid:
		return "handle-invalid"
	case StatusLimitReached:
		return "limit-reached"
	default:
		if s < 0 {
			return "error"
		}
		return "qualified-success"
	}
}

// Ok reports whether the callee considers the call to have succeeded.
// Qualifiers like loss-pending still count as success for marshalling
// purposes: out parameters are valid and must be scattered.
func (s Status) Ok() bool {
	return s >= 0
}
