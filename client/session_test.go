package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heapdive/heapdive/config"
	"github.com/heapdive/heapdive/diver"
	"github.com/heapdive/heapdive/heap"
	"github.com/heapdive/heapdive/hook"
	"github.com/heapdive/heapdive/types"
)

type meter struct {
	*hook.Emitter
	Label string
	Total int
}

func newMeter(label string) *meter {
	return &meter{Emitter: hook.NewEmitter("tick"), Label: label}
}

// Add is the instrumented method the end-to-end tests drive: it routes
// entry/exit through the hook registry and raises "tick" with the new total.
func (m *meter) Add(hooks *hook.Registry, n int) int {
	hooks.Enter("client.meter", "Add", n)
	m.Total += n
	m.Emit("tick", m, m.Total)
	hooks.Exit("client.meter", "Add", m.Total)
	return m.Total
}

// Bump is a plain remote-callable mutator.
func (m *meter) Bump(n int) int {
	m.Total += n
	return m.Total
}

func (m *meter) Twin() *meter {
	return newMeter(m.Label + "-twin")
}

func buildNumber() int { return 42 }

// startTarget stands up a diver around one meter and returns the live
// endpoint plus the in-process ground truth.
func startTarget(t *testing.T) (string, *meter, *hook.Registry) {
	t.Helper()
	reg := heap.NewRegistry()
	m := newMeter("main")
	if err := reg.RegisterRoot("app", "meter", m); err != nil {
		t.Fatalf("RegisterRoot: %v", err)
	}
	if err := reg.RegisterStatic("app", "BuildNumber", buildNumber); err != nil {
		t.Fatalf("RegisterStatic: %v", err)
	}
	hooks := hook.NewRegistry()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := diver.NewServer(cfg, reg, hooks)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv.Addr(), m, hooks
}

func attach(t *testing.T, endpoint string) *Session {
	t.Helper()
	sess, err := Attach(endpoint)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(sess.Dispose)
	return sess
}

// pinMeter enumerates the heap for the meter type and pins the first match.
func pinMeter(t *testing.T, sess *Session) *RemoteObjectRef {
	t.Helper()
	res, err := sess.EnumerateHeap("client.meter", false)
	if err != nil {
		t.Fatalf("EnumerateHeap: %v", err)
	}
	if len(res.Objects) == 0 {
		t.Fatal("no meter found on the heap")
	}
	ref, err := sess.Pin(res.Objects[0].Address, res.Objects[0].TypeName, nil)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	t.Cleanup(func() { ref.Release() })
	return ref
}

func TestEndToEndInvoke(t *testing.T) {
	endpoint, m, _ := startTarget(t)
	sess := attach(t, endpoint)
	ref := pinMeter(t, sess)

	if !strings.HasSuffix(ref.TypeName(), "client.meter") {
		t.Errorf("pinned type = %q", ref.TypeName())
	}

	before := m.Total
	out, err := ref.Invoke("Bump", 5)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out) != 1 || out[0] != before+5 {
		t.Errorf("Bump returned %v, want %d", out, before+5)
	}
	// Ground truth: the remote call mutated the in-process object.
	if m.Total != before+5 {
		t.Errorf("target Total = %d, want %d", m.Total, before+5)
	}

	if _, err := ref.Invoke("NoSuchMethod"); !errors.Is(err, types.ErrMethodNotFound) {
		t.Errorf("unknown method: got %v, want ErrMethodNotFound", err)
	}
}

func TestEndToEndFieldsAndRefs(t *testing.T) {
	endpoint, m, _ := startTarget(t)
	sess := attach(t, endpoint)
	ref := pinMeter(t, sess)

	label, err := ref.GetField("Label")
	if err != nil {
		t.Fatalf("GetField: %v", err)
	}
	if label != "main" {
		t.Errorf("Label = %v, want main", label)
	}

	if _, err := ref.SetField("Label", "renamed"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if m.Label != "renamed" {
		t.Errorf("write did not land: %q", m.Label)
	}

	// Reference results come back pinned as fresh refs.
	out, err := ref.Invoke("Twin")
	if err != nil {
		t.Fatalf("Invoke Twin: %v", err)
	}
	twin, ok := out[0].(*RemoteObjectRef)
	if !ok {
		t.Fatalf("Twin result is %T, want *RemoteObjectRef", out[0])
	}
	twinLabel, err := twin.GetField("Label")
	if err != nil {
		t.Fatalf("GetField on twin: %v", err)
	}
	if twinLabel != "renamed-twin" {
		t.Errorf("twin label = %v, want renamed-twin", twinLabel)
	}
	if err := twin.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := twin.GetField("Label"); err == nil {
		t.Error("released ref should refuse calls")
	}
	if err := twin.Release(); err != nil {
		t.Errorf("second release should be a no-op, got %v", err)
	}
}

func TestEndToEndStatics(t *testing.T) {
	endpoint, _, _ := startTarget(t)
	sess := attach(t, endpoint)

	out, err := sess.InvokeStatic("app", "BuildNumber")
	if err != nil {
		t.Fatalf("InvokeStatic: %v", err)
	}
	if len(out) != 1 || out[0] != 42 {
		t.Errorf("BuildNumber() = %v, want 42", out)
	}
}

func TestEndToEndCallbackOrdering(t *testing.T) {
	endpoint, m, hooks := startTarget(t)
	sess := attach(t, endpoint)
	ref := pinMeter(t, sess)

	var mu sync.Mutex
	var got []int
	token, err := ref.Subscribe("tick", func(cb types.Callback) {
		// Args: event name, sender, new total.
		if len(cb.Args) != 3 {
			t.Errorf("callback args = %d, want 3", len(cb.Args))
			return
		}
		v, err := cb.Args[2].Decode()
		if err != nil {
			t.Errorf("decode arg: %v", err)
			return
		}
		mu.Lock()
		got = append(got, v.(int))
		mu.Unlock()
	}, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 1; i <= 5; i++ {
		m.Add(hooks, i)
	}
	want := []int{1, 3, 6, 10, 15}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	})
	mu.Lock()
	for i := range want {
		if got[i] != want[i] {
			mu.Unlock()
			t.Fatalf("delivery order broken: got %v, want %v", got, want)
		}
	}
	mu.Unlock()

	// Resubscribing the same event over the same reverse channel returns
	// the existing token.
	token2, err := ref.Subscribe("tick", func(types.Callback) {}, "")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if token2 != token {
		t.Errorf("resubscribe minted token %d, want %d", token2, token)
	}

	if err := sess.Unsubscribe(token); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := sess.Unsubscribe(token); !errors.Is(err, types.ErrUnknownToken) {
		t.Errorf("double unsubscribe: got %v, want ErrUnknownToken", err)
	}
}

func TestEndToEndHook(t *testing.T) {
	endpoint, m, hooks := startTarget(t)
	sess := attach(t, endpoint)

	var mu sync.Mutex
	var seen []string
	token, err := sess.InstallHook("client.meter", "Add", types.HookAround, func(cb types.Callback) {
		// Args: type, method, position, then the method args.
		if len(cb.Args) < 4 {
			t.Errorf("hook args = %d, want >= 4", len(cb.Args))
			return
		}
		pos, _ := cb.Args[2].Decode()
		arg, _ := cb.Args[3].Decode()
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%v:%v", pos, arg))
		mu.Unlock()
	}, "")
	if err != nil {
		t.Fatalf("InstallHook: %v", err)
	}

	m.Add(hooks, 7)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	mu.Lock()
	want := []string{"entry:7", "exit:7"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("hook delivery %d = %q, want %q", i, seen[i], want[i])
		}
	}
	mu.Unlock()

	if err := sess.RemoveHook(token); err != nil {
		t.Fatalf("RemoveHook: %v", err)
	}
	m.Add(hooks, 1)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(seen) != 2 {
		t.Errorf("hook fired after removal: %v", seen)
	}
	mu.Unlock()
}

func TestPinWithIdentityHashRecoversStaleAddress(t *testing.T) {
	endpoint, _, _ := startTarget(t)
	sess := attach(t, endpoint)

	res, err := sess.EnumerateHeap("client.meter", true)
	if err != nil {
		t.Fatalf("EnumerateHeap: %v", err)
	}
	if len(res.Objects) == 0 || res.Objects[0].IdentityHash == 0 {
		t.Fatal("expected a hashed meter descriptor")
	}
	obj := res.Objects[0]

	// A never-valid address with the right hash recovers through the
	// filtered rescan.
	ref, err := sess.Pin(0xdead0000, obj.TypeName, &obj.IdentityHash)
	if err != nil {
		t.Fatalf("Pin with hash: %v", err)
	}
	defer ref.Release()

	label, err := ref.GetField("Label")
	if err != nil {
		t.Fatalf("GetField: %v", err)
	}
	if label != "main" {
		t.Errorf("recovered object Label = %v, want main", label)
	}

	// Without a hash the stale address is a hard failure.
	if _, err := sess.Pin(0xdead0000, obj.TypeName, nil); !errors.Is(err, types.ErrObjectMoved) {
		t.Errorf("stale pin: got %v, want ErrObjectMoved", err)
	}
}

func TestAttachFailsOnDeadEndpoint(t *testing.T) {
	if _, err := Attach("127.0.0.1:1"); !errors.Is(err, types.ErrAttachFailed) {
		t.Errorf("got %v, want ErrAttachFailed", err)
	}
}

func TestDisposedSessionRefusesCalls(t *testing.T) {
	endpoint, _, _ := startTarget(t)
	sess := attach(t, endpoint)
	sess.Dispose()
	if err := sess.Ping(); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("got %v, want ErrSessionClosed", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
