package types

import "errors"

var (
	// ErrAttachFailed is returned when the initial attach to a target
	// process cannot complete. Fatal for the session, never retried.
	ErrAttachFailed = errors.New("attach failed")

	// ErrObjectMoved is returned when an address no longer resolves to the
	// object it was recorded for. Callers may retry with an identity hash.
	ErrObjectMoved = errors.New("object moved")

	// ErrHeapDumpFailed is returned only when a heap enumeration produced
	// zero results and at least one internal error occurred.
	ErrHeapDumpFailed = errors.New("heap dump failed")

	// ErrTypeNotFound is returned when no loaded domain contains the
	// requested type name.
	ErrTypeNotFound = errors.New("type not found")

	// ErrMethodNotFound is returned when no method on the resolved object
	// matches the requested name and argument shape.
	ErrMethodNotFound = errors.New("method not found")

	// ErrFieldNotFound is returned for get/set requests naming a field the
	// resolved type does not export.
	ErrFieldNotFound = errors.New("field not found")

	// ErrUnknownToken is returned for unsubscribe/remove-hook requests
	// carrying a token with no live registration. No side effects.
	ErrUnknownToken = errors.New("unknown token")

	// ErrCapacityExceeded is returned when the pin table has no free slot.
	// Fatal for that pin request only; existing pins are unaffected.
	ErrCapacityExceeded = errors.New("pin table capacity exceeded")

	// ErrEndpointUnreachable marks a callback endpoint that failed both a
	// delivery and the follow-up liveness probe. It triggers registration
	// teardown rather than surfacing to the original subscriber.
	ErrEndpointUnreachable = errors.New("endpoint unreachable")

	// ErrSessionClosed is returned for any operation on a disposed session.
	ErrSessionClosed = errors.New("session closed")
)

// Wire error codes. The protocol carries errors as (code, message) pairs so
// the client can map them back onto the sentinel errors above.
const (
	CodeAttachFailed        = "attach_failed"
	CodeObjectMoved         = "object_moved"
	CodeHeapDumpFailed      = "heap_dump_failed"
	CodeTypeNotFound        = "type_not_found"
	CodeMethodNotFound      = "method_not_found"
	CodeFieldNotFound       = "field_not_found"
	CodeUnknownToken        = "unknown_token"
	CodeCapacityExceeded    = "capacity_exceeded"
	CodeEndpointUnreachable = "endpoint_unreachable"
	CodeSessionClosed       = "session_closed"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal"
)

var codeToErr = map[string]error{
	CodeAttachFailed:        ErrAttachFailed,
	CodeObjectMoved:         ErrObjectMoved,
	CodeHeapDumpFailed:      ErrHeapDumpFailed,
	CodeTypeNotFound:        ErrTypeNotFound,
	CodeMethodNotFound:      ErrMethodNotFound,
	CodeFieldNotFound:       ErrFieldNotFound,
	CodeUnknownToken:        ErrUnknownToken,
	CodeCapacityExceeded:    ErrCapacityExceeded,
	CodeEndpointUnreachable: ErrEndpointUnreachable,
	CodeSessionClosed:       ErrSessionClosed,
}

var errToCode = map[error]string{
	ErrAttachFailed:        CodeAttachFailed,
	ErrObjectMoved:         CodeObjectMoved,
	ErrHeapDumpFailed:      CodeHeapDumpFailed,
	ErrTypeNotFound:        CodeTypeNotFound,
	ErrMethodNotFound:      CodeMethodNotFound,
	ErrFieldNotFound:       CodeFieldNotFound,
	ErrUnknownToken:        CodeUnknownToken,
	ErrCapacityExceeded:    CodeCapacityExceeded,
	ErrEndpointUnreachable: CodeEndpointUnreachable,
	ErrSessionClosed:       CodeSessionClosed,
}

// CodeFor maps an error onto its wire code. Unrecognized errors are
// reported as internal.
func CodeFor(err error) string {
	for sentinel, code := range errToCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// ErrFor maps a wire code back onto the matching sentinel error, or nil if
// the code is not a sentinel (bad_request, internal).
func ErrFor(code string) error {
	return codeToErr[code]
}
