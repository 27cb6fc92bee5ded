package diver

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/heapdive/heapdive/filter"
	"github.com/heapdive/heapdive/hook"
	"github.com/heapdive/heapdive/types"
)

// subscribe attaches a forwarding handler to an event on the object behind
// the handle. A repeat subscribe for the same (event, endpoint) pair returns
// the existing token instead of double-delivering.
func (s *Server) subscribe(req *types.SubscribeRequest) (*types.TokenResult, error) {
	if req.Endpoint == "" {
		return nil, fmt.Errorf("subscribe requires an endpoint")
	}
	obj, _, err := s.runtime.GetObject(req.Handle, false, "", nil)
	if err != nil {
		return nil, err
	}
	es, ok := obj.(hook.EventSource)
	if !ok {
		return nil, fmt.Errorf("object at 0x%x exposes no events", req.Handle)
	}
	if !containsString(es.EventNames(), req.Event) {
		return nil, fmt.Errorf("no such event %q on object at 0x%x", req.Event, req.Handle)
	}

	target := fmt.Sprintf("event/%s/%d", req.Event, req.Handle)
	reg, err := s.newRegistration("event", target, req.Endpoint, req.Filter)
	if err != nil {
		return nil, err
	}
	got, inserted := s.regs.insertIfAbsent(reg)
	if !inserted {
		reg.cancel()
		return &types.TokenResult{Token: got.token}, nil
	}
	token := reg.token

	detach, err := es.AddEventHandler(req.Event, func(sender, args any) {
		s.forwardEvent(reg, req.Event, sender, args)
	})
	if err != nil {
		s.regs.remove(token)
		reg.cancel()
		return nil, err
	}
	reg.detach = detach

	log.Printf("subscribed %s -> %s (token %d)", target, req.Endpoint, token)
	return &types.TokenResult{Token: token}, nil
}

// installHook attaches a method interception forwarding to the endpoint.
// The same (method, endpoint) pair is idempotent. A different endpoint on an
// already-hooked method keeps the existing hook while its endpoint still
// answers a liveness probe; a dead one is torn down and replaced.
func (s *Server) installHook(req *types.HookRequest) (*types.TokenResult, error) {
	if req.Endpoint == "" {
		return nil, fmt.Errorf("hook install requires an endpoint")
	}
	pos, err := hook.ParsePosition(req.Position)
	if err != nil {
		return nil, err
	}

	if req.TypeName == NativeDomain && pos != hook.Entry {
		return nil, fmt.Errorf("native hooks count entries only, position %q unsupported", pos)
	}

	target := fmt.Sprintf("hook/%s.%s", req.TypeName, req.Method)
	reg, err := s.newRegistration("hook", target, req.Endpoint, req.Filter)
	if err != nil {
		return nil, err
	}

	// Claim the target atomically. A conflicting registration holds the
	// target until its endpoint fails a liveness probe; the probe runs
	// outside the table lock, so replace re-checks the claim and loops
	// when the conflict vanished in between.
	var token int
	for {
		got, conflict := s.regs.insertHookIfAbsent(reg)
		if conflict == nil {
			if got != reg {
				reg.cancel()
				return &types.TokenResult{Token: got.token}, nil
			}
			token = reg.token
			break
		}
		if s.dispatcher.Probe(conflict.endpoint) {
			reg.cancel()
			return &types.TokenResult{Token: conflict.token}, nil
		}
		old, ok := s.regs.replace(conflict.token, reg)
		if !ok {
			continue
		}
		log.Printf("replacing hook %s: endpoint %s failed liveness probe", target, old.endpoint)
		s.teardown(old)
		token = reg.token
		break
	}

	remove, err := s.hooks.Install(req.TypeName, req.Method, pos, func(typeName, method string, at hook.Position, args []any) {
		s.forwardHook(reg, typeName, method, at, args)
	})
	if err != nil {
		s.regs.remove(token)
		reg.cancel()
		return nil, err
	}
	reg.detach = remove

	// A hook in the native domain additionally needs a uprobe counter on
	// the symbol; its entries flow through the same registry fan-out.
	if req.TypeName == NativeDomain {
		detachNative, err := s.attachNative(req.Method)
		if err != nil {
			s.regs.remove(token)
			reg.cancel()
			remove()
			return nil, err
		}
		reg.detach = func() {
			remove()
			detachNative()
		}
	}

	log.Printf("hooked %s at %s -> %s (token %d)", target, pos, req.Endpoint, token)
	return &types.TokenResult{Token: token}, nil
}

// dropRegistration removes the registration behind a token, for both
// unsubscribe and hook removal. Unknown tokens fail with no side effects.
func (s *Server) dropRegistration(token int) error {
	r := s.regs.remove(token)
	if r == nil {
		return fmt.Errorf("%w: %d", types.ErrUnknownToken, token)
	}
	s.teardown(r)
	log.Printf("removed %s registration %s (token %d)", r.kind, r.target, token)
	return nil
}

// onDead tears down every registration bound to an endpoint the dispatcher
// declared unreachable.
func (s *Server) onDead(endpoint string) {
	for _, r := range s.regs.removeByEndpoint(endpoint) {
		s.teardown(r)
		log.Printf("tore down %s %s: endpoint %s unreachable", r.kind, r.target, endpoint)
	}
}

func (s *Server) newRegistration(kind, target, endpoint, filterYAML string) (*registration, error) {
	var rule *filter.Rule
	if filterYAML != "" {
		var err error
		rule, err = filter.Compile(filterYAML)
		if err != nil {
			return nil, fmt.Errorf("bad delivery filter: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &registration{
		kind:     kind,
		target:   target,
		endpoint: endpoint,
		filter:   rule,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// teardown cancels in-flight deliveries, detaches the handler and releases
// every pin charged to the registration.
func (s *Server) teardown(r *registration) {
	r.cancel()
	if r.detach != nil {
		r.detach()
	}
	for _, addr := range r.takePinned() {
		s.pins.UnpinAddr(addr)
	}
}

// forwardEvent runs on the emitter's goroutine; it only encodes and
// enqueues, never waits on the network.
func (s *Server) forwardEvent(reg *registration, event string, sender, args any) {
	fields := map[string]interface{}{
		"Kind":   "event",
		"Event":  event,
		"Sender": fmt.Sprintf("%T", sender),
		"Arg":    fmt.Sprintf("%v", args),
	}
	if s.dropFiltered(reg, fields) {
		return
	}

	cb := types.Callback{Token: reg.token, Timestamp: time.Now()}
	name, _ := types.Primitive(event)
	cb.Args = append(cb.Args, name, s.encodeForwarded(reg, sender), s.encodeForwarded(reg, args))
	s.enqueue(reg, cb)
}

// forwardHook runs on the instrumented method's goroutine.
func (s *Server) forwardHook(reg *registration, typeName, method string, at hook.Position, args []any) {
	fields := map[string]interface{}{
		"Kind":     "hook",
		"Type":     typeName,
		"Method":   method,
		"Position": string(at),
	}
	for i, a := range args {
		fields[fmt.Sprintf("Arg%d", i)] = fmt.Sprintf("%v", a)
	}
	if s.dropFiltered(reg, fields) {
		return
	}

	cb := types.Callback{Token: reg.token, Timestamp: time.Now()}
	tn, _ := types.Primitive(typeName)
	mn, _ := types.Primitive(method)
	pn, _ := types.Primitive(string(at))
	cb.Args = append(cb.Args, tn, mn, pn)
	for _, a := range args {
		cb.Args = append(cb.Args, s.encodeForwarded(reg, a))
	}
	s.enqueue(reg, cb)
}

// dropFiltered applies the mute store and the registration's own delivery
// filter to the callback's field map.
func (s *Server) dropFiltered(reg *registration, fields map[string]interface{}) bool {
	if s.mutes != nil && s.mutes.Muted(reg.ctx, fields) {
		return true
	}
	if reg.filter != nil && !reg.filter.Match(reg.ctx, fields) {
		return true
	}
	return false
}

// encodeForwarded encodes one callback argument, substituting null when the
// value cannot cross the boundary. A notification must never fail the
// raising code.
func (s *Server) encodeForwarded(reg *registration, v any) types.Value {
	val, err := s.encodeValue(reg, v)
	if err != nil {
		log.Printf("Warning: dropping callback argument %T: %v", v, err)
		return types.Null()
	}
	return val
}

func (s *Server) enqueue(reg *registration, cb types.Callback) {
	err := s.dispatcher.Enqueue(reg.target, callbackWork(reg, cb))
	if s.journal != nil {
		s.recordDelivery(reg, cb, err)
	}
}

func containsString(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
