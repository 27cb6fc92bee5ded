package diver

import (
	"context"
	"sync"

	"github.com/heapdive/heapdive/filter"
)

// registration binds one callback token to its target, endpoint and
// teardown hooks. Tokens are monotonic and never reused within a session.
type registration struct {
	token    int
	kind     string // "event" or "hook"
	target   string // "event/<name>/<handle>" or "hook/<type>.<method>/<pos>"
	endpoint string
	filter   *filter.Rule

	ctx    context.Context
	cancel context.CancelFunc
	detach func() // removes the forwarding handler or interception

	mu         sync.Mutex
	pinnedArgs []uint64 // handles pinned solely for parameter marshaling
}

// addPinned remembers a handle pinned for this registration's deliveries so
// teardown can release it.
func (r *registration) addPinned(addr uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinnedArgs = append(r.pinnedArgs, addr)
}

func (r *registration) takePinned() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pinnedArgs
	r.pinnedArgs = nil
	return out
}

// regTable is the session's registration bookkeeping. Subscribe/unsubscribe
// and hook install/remove are linearizable under its lock.
type regTable struct {
	mu       sync.Mutex
	next     int
	byToken  map[int]*registration
	byTarget map[string]*registration // target+"|"+endpoint
}

func newRegTable() *regTable {
	return &regTable{
		next:     1,
		byToken:  make(map[int]*registration),
		byTarget: make(map[string]*registration),
	}
}

func pairKey(target, endpoint string) string {
	return target + "|" + endpoint
}

// insertLocked assigns a token and records the registration. The caller
// fills in detach afterwards (handler installation needs the token).
func (t *regTable) insertLocked(r *registration) {
	r.token = t.next
	t.next++
	t.byToken[r.token] = r
	t.byTarget[pairKey(r.target, r.endpoint)] = r
}

// insertIfAbsent records reg under a fresh token unless a registration for
// the same (target, endpoint) pair is already live, in which case that one
// is returned untouched. Lookup and reservation happen under one lock
// acquisition so concurrent subscribes for the same pair agree on a single
// winner.
func (t *regTable) insertIfAbsent(reg *registration) (*registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byTarget[pairKey(reg.target, reg.endpoint)]; ok {
		return r, false
	}
	t.insertLocked(reg)
	return reg, true
}

// insertHookIfAbsent applies the one-registration-per-target rule: the same
// (target, endpoint) pair returns its live registration, a different
// endpoint on a claimed target returns the holder as conflict for the
// caller to probe, and an unclaimed target records reg.
func (t *regTable) insertHookIfAbsent(reg *registration) (got, conflict *registration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byTarget[pairKey(reg.target, reg.endpoint)]; ok {
		return r, nil
	}
	for _, r := range t.byToken {
		if r.target == reg.target {
			return nil, r
		}
	}
	t.insertLocked(reg)
	return reg, nil
}

// replace swaps reg in for the registration holding oldToken, returning the
// removed one for teardown. Reports false when oldToken vanished since the
// caller looked, so the caller can rerun its decision.
func (t *regTable) replace(oldToken int, reg *registration) (*registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.byToken[oldToken]
	if !ok {
		return nil, false
	}
	delete(t.byToken, oldToken)
	delete(t.byTarget, pairKey(old.target, old.endpoint))
	t.insertLocked(reg)
	return old, true
}

// remove drops the registration for token and returns it for teardown, or
// nil with types.ErrUnknownToken semantics.
func (t *regTable) remove(token int) *registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byToken[token]
	if !ok {
		return nil
	}
	delete(t.byToken, token)
	delete(t.byTarget, pairKey(r.target, r.endpoint))
	return r
}

// removeByEndpoint drops every registration bound to endpoint, returning
// them for uniform teardown.
func (t *regTable) removeByEndpoint(endpoint string) []*registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*registration
	for token, r := range t.byToken {
		if r.endpoint != endpoint {
			continue
		}
		delete(t.byToken, token)
		delete(t.byTarget, pairKey(r.target, r.endpoint))
		out = append(out, r)
	}
	return out
}

// removeAll empties the table for session teardown.
func (t *regTable) removeAll() []*registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*registration, 0, len(t.byToken))
	for _, r := range t.byToken {
		out = append(out, r)
	}
	t.byToken = make(map[int]*registration)
	t.byTarget = make(map[string]*registration)
	return out
}

// count returns the number of live registrations.
func (t *regTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}
