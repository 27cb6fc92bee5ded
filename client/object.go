package client

import (
	"fmt"
	"sync"

	"github.com/heapdive/heapdive/types"
)

// RemoteObjectRef pairs a pinned handle with its last-known type name and
// the session that created it. Released refs refuse further calls.
type RemoteObjectRef struct {
	sess     *Session
	handle   uint64
	typeName string

	mu       sync.Mutex
	released bool
}

// Handle returns the pinned address backing this ref.
func (r *RemoteObjectRef) Handle() uint64 {
	return r.handle
}

// TypeName returns the last-known type name.
func (r *RemoteObjectRef) TypeName() string {
	return r.typeName
}

func (r *RemoteObjectRef) wire() (uint64, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return 0, "", fmt.Errorf("ref 0x%x already released", r.handle)
	}
	return r.handle, r.typeName, nil
}

// Invoke calls a method on the remote object. Arguments may be primitives,
// nil, or other refs; reference results come back as fresh pinned refs.
func (r *RemoteObjectRef) Invoke(method string, args ...any) ([]any, error) {
	handle, typeName, err := r.wire()
	if err != nil {
		return nil, err
	}
	return r.sess.invoke(handle, typeName, method, args)
}

// GetField reads one exported field.
func (r *RemoteObjectRef) GetField(name string) (any, error) {
	handle, typeName, err := r.wire()
	if err != nil {
		return nil, err
	}
	var res types.FieldResult
	req := types.FieldRequest{Handle: handle, TypeName: typeName, Field: name}
	if err := r.sess.post(types.OpGetField, req, &res); err != nil {
		return nil, err
	}
	return r.sess.decodeResult(res.Value)
}

// SetField writes one exported field and returns the stored value.
func (r *RemoteObjectRef) SetField(name string, value any) (any, error) {
	handle, typeName, err := r.wire()
	if err != nil {
		return nil, err
	}
	vals, err := r.sess.encodeArgs([]any{value})
	if err != nil {
		return nil, err
	}
	var res types.FieldResult
	req := types.FieldRequest{Handle: handle, TypeName: typeName, Field: name, Value: &vals[0]}
	if err := r.sess.post(types.OpSetField, req, &res); err != nil {
		return nil, err
	}
	return r.sess.decodeResult(res.Value)
}

// Subscribe registers handler for an event on this object. Deliveries for
// one token arrive in emission order. Resubscribing the same event over the
// same session returns the existing token.
func (r *RemoteObjectRef) Subscribe(event string, handler CallbackHandler, filterYAML string) (int, error) {
	handle, _, err := r.wire()
	if err != nil {
		return 0, err
	}
	var res types.TokenResult
	req := types.SubscribeRequest{
		Handle:   handle,
		Event:    event,
		Endpoint: r.sess.CallbackEndpoint(),
		Filter:   filterYAML,
	}
	if err := r.sess.post(types.OpSubscribe, req, &res); err != nil {
		return 0, err
	}
	r.sess.addHandler(res.Token, handler)
	return res.Token, nil
}

// Release unpins the remote object and poisons the ref. Idempotent; a
// second release is a no-op.
func (r *RemoteObjectRef) Release() error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	r.mu.Unlock()
	return r.sess.post(types.OpUnpin, types.UnpinRequest{Handle: r.handle}, nil)
}
