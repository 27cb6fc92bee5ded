// Package hook provides the in-runtime interception points the diver
// attaches to: an event source contract objects expose for subscriptions,
// and a method interception registry instrumented code routes entry/exit
// notifications through.
package hook

import (
	"fmt"
	"sync"
)

// EventHandler is the only delegate shape the protocol supports: the common
// two-argument (sender, args) pattern.
type EventHandler func(sender, args any)

// EventSource is implemented by objects that expose subscribable events.
type EventSource interface {
	// EventNames lists the events the object raises.
	EventNames() []string
	// AddEventHandler attaches h to the named event and returns a detach
	// function. Unknown event names return an error.
	AddEventHandler(name string, h EventHandler) (func(), error)
}

// Emitter is a ready-made EventSource for target types to embed.
type Emitter struct {
	mu       sync.RWMutex
	names    []string
	next     int
	handlers map[string]map[int]EventHandler
}

// NewEmitter declares the events the owning object can raise.
func NewEmitter(names ...string) *Emitter {
	handlers := make(map[string]map[int]EventHandler, len(names))
	for _, n := range names {
		handlers[n] = make(map[int]EventHandler)
	}
	return &Emitter{names: names, handlers: handlers}
}

// EventNames implements EventSource.
func (e *Emitter) EventNames() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// AddEventHandler implements EventSource.
func (e *Emitter) AddEventHandler(name string, h EventHandler) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs, ok := e.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no such event %q", name)
	}
	id := e.next
	e.next++
	hs[id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(hs, id)
	}, nil
}

// Emit raises the named event. Handlers run synchronously on the caller's
// goroutine; the diver's forwarding handler hands off to the dispatcher
// immediately, so raising an event never blocks on the network.
func (e *Emitter) Emit(name string, sender, args any) {
	e.mu.RLock()
	hs := e.handlers[name]
	snapshot := make([]EventHandler, 0, len(hs))
	for _, h := range hs {
		snapshot = append(snapshot, h)
	}
	e.mu.RUnlock()
	for _, h := range snapshot {
		h(sender, args)
	}
}

// Position says where an interception fires relative to the method body.
type Position string

const (
	Entry  Position = "entry"
	Exit   Position = "exit"
	Around Position = "around" // fires at both entry and exit
)

// ParsePosition validates a wire position string.
func ParsePosition(s string) (Position, error) {
	switch Position(s) {
	case Entry, Exit, Around:
		return Position(s), nil
	}
	return "", fmt.Errorf("unknown hook position %q", s)
}

// InterceptFunc receives the hooked method's identity and arguments.
type InterceptFunc func(typeName, method string, position Position, args []any)

type hookKey struct {
	typeName string
	method   string
}

type interception struct {
	id  int
	pos Position
	fn  InterceptFunc
}

// Registry holds installed method interceptions keyed by method identity.
// Instrumented target code calls Enter/Exit around its method bodies; the
// registry fans out to whatever the diver installed.
type Registry struct {
	mu    sync.RWMutex
	next  int
	hooks map[hookKey][]interception
}

// NewRegistry returns an empty interception registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[hookKey][]interception)}
}

// Install attaches fn to (typeName, method) at the given position and
// returns a removal function.
func (r *Registry) Install(typeName, method string, pos Position, fn InterceptFunc) (func(), error) {
	if _, err := ParsePosition(string(pos)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := hookKey{typeName, method}
	id := r.next
	r.next++
	r.hooks[key] = append(r.hooks[key], interception{id: id, pos: pos, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		hs := r.hooks[key]
		for i := range hs {
			if hs[i].id == id {
				r.hooks[key] = append(hs[:i], hs[i+1:]...)
				break
			}
		}
		if len(r.hooks[key]) == 0 {
			delete(r.hooks, key)
		}
	}, nil
}

// Installed reports whether any interception exists for (typeName, method).
func (r *Registry) Installed(typeName, method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[hookKey{typeName, method}]) > 0
}

// Enter notifies entry and around interceptions for a method.
func (r *Registry) Enter(typeName, method string, args ...any) {
	r.fire(typeName, method, Entry, args)
}

// Exit notifies exit and around interceptions for a method.
func (r *Registry) Exit(typeName, method string, results ...any) {
	r.fire(typeName, method, Exit, results)
}

func (r *Registry) fire(typeName, method string, at Position, args []any) {
	r.mu.RLock()
	hs := r.hooks[hookKey{typeName, method}]
	snapshot := make([]interception, len(hs))
	copy(snapshot, hs)
	r.mu.RUnlock()
	for _, h := range snapshot {
		if h.pos == at || h.pos == Around {
			h.fn(typeName, method, at, args)
		}
	}
}
