package types

import (
	"encoding/json"
	"time"
)

// Protocol operation paths. The diver serves each as an HTTP POST taking a
// JSON request body and returning a Response envelope.
const (
	OpInvoke         = "/invoke"
	OpGetField       = "/get_field"
	OpSetField       = "/set_field"
	OpSubscribe      = "/subscribe"
	OpUnsubscribe    = "/unsubscribe"
	OpInstallHook    = "/hook/install"
	OpRemoveHook     = "/hook/remove"
	OpEnumerateTypes = "/types"
	OpEnumerateHeap  = "/heap"
	OpPin            = "/pin"
	OpUnpin          = "/unpin"
	OpPing           = "/ping"
)

// Hook positions.
const (
	HookEntry  = "entry"
	HookExit   = "exit"
	HookAround = "around"
)

// Response is the uniform reply envelope for every operation, forward and
// reverse. A failed call carries a code from errors.go plus a message.
type Response struct {
	OK      bool            `json:"ok"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InvokeRequest calls a method on the object behind Handle. Handle 0 with a
// TypeName addresses registered static functions.
type InvokeRequest struct {
	Handle      uint64   `json:"handle"`
	TypeName    string   `json:"type,omitempty"`
	Method      string   `json:"method"`
	GenericArgs []string `json:"generic_args,omitempty"`
	Args        []Value  `json:"args,omitempty"`
}

// InvokeResult carries the method results. Reference results come back
// auto-pinned as remote values.
type InvokeResult struct {
	Results []Value `json:"results,omitempty"`
}

// FieldRequest reads or writes one exported field. Value is set only for
// writes. Handle 0 with a TypeName addresses registered static variables.
type FieldRequest struct {
	Handle   uint64 `json:"handle"`
	TypeName string `json:"type,omitempty"`
	Field    string `json:"field"`
	Value    *Value `json:"value,omitempty"`
}

// FieldResult carries the field value read back (also returned after a
// write, echoing the stored value).
type FieldResult struct {
	Value Value `json:"value"`
}

// SubscribeRequest registers a callback endpoint for an event on the object
// behind Handle. Filter optionally carries a delivery filter rule in sigma
// YAML form, evaluated against the callback argument map before forwarding.
type SubscribeRequest struct {
	Handle   uint64 `json:"handle"`
	Event    string `json:"event"`
	Endpoint string `json:"endpoint"`
	Filter   string `json:"filter,omitempty"`
}

// HookRequest installs a method interception for (TypeName, Method) at the
// given position, delivering to Endpoint.
type HookRequest struct {
	TypeName string `json:"type"`
	Method   string `json:"method"`
	Position string `json:"position"`
	Endpoint string `json:"endpoint"`
	Filter   string `json:"filter,omitempty"`
}

// TokenResult is returned by subscribe and hook installation.
type TokenResult struct {
	Token int `json:"token"`
}

// TokenRequest identifies a registration for unsubscribe/remove-hook.
type TokenRequest struct {
	Token int `json:"token"`
}

// TypesRequest enumerates resolvable types, optionally filtered by a
// substring match and restricted to one domain.
type TypesRequest struct {
	Filter string `json:"filter,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// TypeDesc describes one resolvable type.
type TypeDesc struct {
	Name    string   `json:"name"`
	Domain  string   `json:"domain"`
	Kind    string   `json:"kind"`
	Methods []string `json:"methods,omitempty"`
	Fields  []string `json:"fields,omitempty"`
}

// TypesResult lists the matching type descriptors.
type TypesResult struct {
	Types []TypeDesc `json:"types"`
}

// HeapRequest enumerates live heap objects whose type name contains Filter.
// WithHashes additionally computes identity hashes, which makes the pass
// more expensive but lets the client recover objects after they move.
type HeapRequest struct {
	Filter     string `json:"filter,omitempty"`
	WithHashes bool   `json:"with_hashes,omitempty"`
}

// HeapObject is one enumerated heap object.
type HeapObject struct {
	Address      uint64 `json:"address"`
	TypeName     string `json:"type"`
	Domain       string `json:"domain"`
	Size         uint64 `json:"size"`
	IdentityHash uint64 `json:"identity_hash,omitempty"`
}

// HeapResult carries the enumeration output plus pass statistics.
type HeapResult struct {
	Objects  []HeapObject  `json:"objects"`
	Scanned  int           `json:"scanned"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// PinRequest turns an enumerated address into a stable handle. Type is the
// expected type name; IdentityHash, when present, enables the moved-object
// rescan fallback.
type PinRequest struct {
	Address      uint64  `json:"address"`
	Type         string  `json:"type,omitempty"`
	IdentityHash *uint64 `json:"identity_hash,omitempty"`
}

// PinResult carries the pinned handle and the resolved type name.
type PinResult struct {
	Handle uint64 `json:"handle"`
	Type   string `json:"type"`
}

// UnpinRequest releases one pinned handle.
type UnpinRequest struct {
	Handle uint64 `json:"handle"`
}

// Callback is the reverse-channel message delivered to a subscriber's
// listener when an event fires or a hooked method runs.
type Callback struct {
	Token     int       `json:"token"`
	Timestamp time.Time `json:"timestamp"`
	Args      []Value   `json:"args,omitempty"`
}

// Reverse-channel paths served by the client's listener.
const (
	OpCallback = "/callback"
	OpProbe    = "/probe"
)
