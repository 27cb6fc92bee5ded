// Package client is the controller-side stub of the protocol: it attaches
// to a diver endpoint, wraps handles in RemoteObjectRefs, and runs the
// reverse-channel listener that receives event and hook callbacks.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heapdive/heapdive/types"
)

// DefaultTimeout bounds one forward request.
const DefaultTimeout = 10 * time.Second

// CallbackHandler receives one reverse-channel callback. Handlers run on
// the listener's serving goroutine; deliveries for one registration arrive
// in emission order.
type CallbackHandler func(cb types.Callback)

// Session is one live attachment to a diver. All refs and registrations it
// hands out die with Dispose.
type Session struct {
	id       string
	endpoint string
	httpc    *http.Client

	mu       sync.Mutex
	ln       net.Listener
	httpSrv  *http.Server
	handlers map[int]CallbackHandler
	closed   bool
}

// Attach connects to a diver at endpoint (host:port), verifies it answers a
// ping and starts the reverse-channel listener.
func Attach(endpoint string) (*Session, error) {
	s := &Session{
		id:       uuid.New().String(),
		endpoint: endpoint,
		httpc:    &http.Client{Timeout: DefaultTimeout},
		handlers: make(map[int]CallbackHandler),
	}
	if err := s.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrAttachFailed, endpoint, err)
	}
	if err := s.startListener(); err != nil {
		return nil, fmt.Errorf("%w: reverse channel: %v", types.ErrAttachFailed, err)
	}
	log.Printf("session %s attached to %s, reverse channel on %s", s.id, endpoint, s.CallbackEndpoint())
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CallbackEndpoint returns the host:port the diver delivers callbacks to.
func (s *Session) CallbackEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Session) startListener() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc(types.OpCallback, s.handleCallback)
	mux.HandleFunc(types.OpProbe, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.Response{OK: true})
	})
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.ln = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("reverse channel listener stopped: %v", err)
		}
	}()
	return nil
}

// handleCallback demuxes one delivery by token. Unknown tokens are
// acknowledged anyway; a teardown may race a queued delivery.
func (s *Session) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb types.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.Response{OK: false, Code: types.CodeBadRequest, Error: err.Error()})
		return
	}
	s.mu.Lock()
	h := s.handlers[cb.Token]
	s.mu.Unlock()
	if h != nil {
		h(cb)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.Response{OK: true})
}

// post sends one forward request and decodes the payload into out when
// non-nil. Structured error codes map back onto the package sentinels.
func (s *Session) post(op string, body, out any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return types.ErrSessionClosed
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %v", err)
	}
	resp, err := s.httpc.Post("http://"+s.endpoint+op, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrEndpointUnreachable, err)
	}
	defer resp.Body.Close()

	var envelope types.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("bad response for %s: %v", op, err)
	}
	if !envelope.OK {
		if sentinel := types.ErrFor(envelope.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, envelope.Error)
		}
		return fmt.Errorf("%s failed: %s", op, envelope.Error)
	}
	if out != nil && len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, out); err != nil {
			return fmt.Errorf("bad payload for %s: %v", op, err)
		}
	}
	return nil
}

// Ping checks the diver answers.
func (s *Session) Ping() error {
	return s.post(types.OpPing, struct{}{}, nil)
}

// EnumerateTypes lists resolvable types, filtered by substring and
// optionally restricted to a domain.
func (s *Session) EnumerateTypes(filter, domainName string) ([]types.TypeDesc, error) {
	var res types.TypesResult
	err := s.post(types.OpEnumerateTypes, types.TypesRequest{Filter: filter, Domain: domainName}, &res)
	return res.Types, err
}

// EnumerateHeap lists live heap objects whose type name contains filter.
func (s *Session) EnumerateHeap(filter string, withHashes bool) (types.HeapResult, error) {
	var res types.HeapResult
	err := s.post(types.OpEnumerateHeap, types.HeapRequest{Filter: filter, WithHashes: withHashes}, &res)
	return res, err
}

// Pin turns an enumerated address into a ref with a stable handle.
// identityHash enables recovery when the object moved since enumeration.
func (s *Session) Pin(addr uint64, typeName string, identityHash *uint64) (*RemoteObjectRef, error) {
	var res types.PinResult
	err := s.post(types.OpPin, types.PinRequest{Address: addr, Type: typeName, IdentityHash: identityHash}, &res)
	if err != nil {
		return nil, err
	}
	return &RemoteObjectRef{sess: s, handle: res.Handle, typeName: res.Type}, nil
}

// Object wraps an already-pinned handle (as returned inside invoke results)
// without a round trip.
func (s *Session) Object(handle uint64, typeName string) *RemoteObjectRef {
	return &RemoteObjectRef{sess: s, handle: handle, typeName: typeName}
}

// InvokeStatic calls a static function registered under name, with
// domainName as the resolution hint.
func (s *Session) InvokeStatic(domainName, name string, args ...any) ([]any, error) {
	return s.invoke(0, domainName, name, args)
}

// GetStatic reads a registered static variable.
func (s *Session) GetStatic(domainName, name string) (any, error) {
	var res types.FieldResult
	err := s.post(types.OpGetField, types.FieldRequest{Handle: 0, TypeName: domainName, Field: name}, &res)
	if err != nil {
		return nil, err
	}
	return s.decodeResult(res.Value)
}

// InstallHook intercepts (typeName, method) at position, delivering to
// handler through this session's reverse channel.
func (s *Session) InstallHook(typeName, method, position string, handler CallbackHandler, filterYAML string) (int, error) {
	var res types.TokenResult
	req := types.HookRequest{
		TypeName: typeName,
		Method:   method,
		Position: position,
		Endpoint: s.CallbackEndpoint(),
		Filter:   filterYAML,
	}
	if err := s.post(types.OpInstallHook, req, &res); err != nil {
		return 0, err
	}
	s.addHandler(res.Token, handler)
	return res.Token, nil
}

// RemoveHook removes a hook registration by token.
func (s *Session) RemoveHook(token int) error {
	err := s.post(types.OpRemoveHook, types.TokenRequest{Token: token}, nil)
	s.dropHandler(token)
	return err
}

// Unsubscribe removes an event registration by token.
func (s *Session) Unsubscribe(token int) error {
	err := s.post(types.OpUnsubscribe, types.TokenRequest{Token: token}, nil)
	s.dropHandler(token)
	return err
}

func (s *Session) addHandler(token int, h CallbackHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[token] = h
}

func (s *Session) dropHandler(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, token)
}

// invoke is the shared path for static and instance calls.
func (s *Session) invoke(handle uint64, typeName, method string, args []any) ([]any, error) {
	wireArgs, err := s.encodeArgs(args)
	if err != nil {
		return nil, err
	}
	var res types.InvokeResult
	req := types.InvokeRequest{Handle: handle, TypeName: typeName, Method: method, Args: wireArgs}
	if err := s.post(types.OpInvoke, req, &res); err != nil {
		return nil, err
	}
	out := make([]any, 0, len(res.Results))
	for _, v := range res.Results {
		decoded, err := s.decodeResult(v)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

// encodeArgs turns Go values into wire values. Refs travel as their handle;
// everything else must be a primitive or nil.
func (s *Session) encodeArgs(args []any) ([]types.Value, error) {
	out := make([]types.Value, 0, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case nil:
			out = append(out, types.Null())
		case *RemoteObjectRef:
			if v == nil {
				out = append(out, types.Null())
				continue
			}
			handle, typeName, err := v.wire()
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			out = append(out, types.Remote(handle, typeName))
		default:
			val, err := types.Primitive(a)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %v (pass a *RemoteObjectRef for reference values)", i, err)
			}
			out = append(out, val)
		}
	}
	return out, nil
}

// decodeResult turns one wire value into a Go value. Remote results arrive
// already pinned and come back as refs owned by this session.
func (s *Session) decodeResult(v types.Value) (any, error) {
	if v.Kind == types.ValueRemote {
		return s.Object(v.Address, v.Type), nil
	}
	return v.Decode()
}

// Dispose releases the session: the reverse channel stops and every ref
// handed out becomes unusable. The diver keeps its pins until unpinned or
// its own teardown; refs should be released first.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	srv := s.httpSrv
	s.handlers = make(map[int]CallbackHandler)
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Close(); err != nil {
			log.Printf("Warning: failed to close reverse channel: %v", err)
		}
	}
	log.Printf("session %s disposed", s.id)
}
