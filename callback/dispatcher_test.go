package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heapdive/heapdive/types"
)

// subscriber is a minimal reverse-channel listener for tests.
type subscriber struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []types.Callback
	failNext int32 // fail this many /callback posts
	probes   int32
}

func newSubscriber(t *testing.T) *subscriber {
	t.Helper()
	s := &subscriber{}
	mux := http.NewServeMux()
	mux.HandleFunc(types.OpCallback, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&s.failNext) > 0 {
			atomic.AddInt32(&s.failNext, -1)
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var cb types.Callback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.received = append(s.received, cb)
		s.mu.Unlock()
		json.NewEncoder(w).Encode(types.Response{OK: true})
	})
	mux.HandleFunc(types.OpProbe, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.probes, 1)
		json.NewEncoder(w).Encode(types.Response{OK: true})
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *subscriber) endpoint() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *subscriber) callbacks() []types.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Callback, len(s.received))
	copy(out, s.received)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPerKeyOrdering(t *testing.T) {
	sub := newSubscriber(t)
	d := NewDispatcher(2 * time.Second)
	defer d.Close()

	for i := 1; i <= 3; i++ {
		err := d.Enqueue("zone-changes/instance-1", Work{
			Endpoint: sub.endpoint(),
			Callback: types.Callback{Token: i, Timestamp: time.Now()},
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(sub.callbacks()) == 3 })
	got := sub.callbacks()
	for i, cb := range got {
		if cb.Token != i+1 {
			t.Fatalf("delivery %d has token %d, want %d (order %v)", i, cb.Token, i+1, got)
		}
	}
}

func TestConcurrentEmissionAcrossKeys(t *testing.T) {
	sub := newSubscriber(t)
	d := NewDispatcher(2 * time.Second)
	defer d.Close()

	const perKey = 20
	var wg sync.WaitGroup
	for k := 0; k < 4; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				d.Enqueue("key-"+string(rune('a'+k)), Work{
					Endpoint: sub.endpoint(),
					Callback: types.Callback{Token: k*1000 + i},
				})
			}
		}(k)
	}
	wg.Wait()

	waitFor(t, func() bool { return len(sub.callbacks()) == 4*perKey })

	// Per-key order must hold even though keys interleave.
	perKeyTokens := map[int][]int{}
	for _, cb := range sub.callbacks() {
		k := cb.Token / 1000
		perKeyTokens[k] = append(perKeyTokens[k], cb.Token%1000)
	}
	for k, tokens := range perKeyTokens {
		for i, tok := range tokens {
			if tok != i {
				t.Fatalf("key %d delivered out of order: %v", k, tokens)
			}
		}
	}
}

func TestDeadEndpointTriggersTeardown(t *testing.T) {
	d := NewDispatcher(200 * time.Millisecond)
	defer d.Close()

	var deadMu sync.Mutex
	var dead []string
	d.OnDead = func(endpoint string) {
		deadMu.Lock()
		dead = append(dead, endpoint)
		deadMu.Unlock()
	}

	// Nothing listens here.
	endpoint := "127.0.0.1:1"
	for i := 0; i < 3; i++ {
		d.Enqueue("k", Work{Endpoint: endpoint, Callback: types.Callback{Token: i}})
	}

	waitFor(t, func() bool {
		deadMu.Lock()
		defer deadMu.Unlock()
		return len(dead) >= 1
	})
	deadMu.Lock()
	defer deadMu.Unlock()
	if len(dead) != 1 || dead[0] != endpoint {
		t.Errorf("OnDead fired %d times with %v, want once for %s", len(dead), dead, endpoint)
	}
}

func TestTransientFailureRetriedViaProbe(t *testing.T) {
	sub := newSubscriber(t)
	atomic.StoreInt32(&sub.failNext, 1)

	d := NewDispatcher(2 * time.Second)
	defer d.Close()
	d.OnDead = func(endpoint string) {
		t.Errorf("endpoint declared dead despite passing probe")
	}

	d.Enqueue("k", Work{Endpoint: sub.endpoint(), Callback: types.Callback{Token: 42}})

	waitFor(t, func() bool { return len(sub.callbacks()) == 1 })
	if atomic.LoadInt32(&sub.probes) == 0 {
		t.Error("no liveness probe before the retry")
	}
	if sub.callbacks()[0].Token != 42 {
		t.Errorf("retry delivered token %d, want 42", sub.callbacks()[0].Token)
	}
}

func TestCancelledRegistrationSkipsQueuedWork(t *testing.T) {
	sub := newSubscriber(t)
	d := NewDispatcher(2 * time.Second)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled before the worker sees it
	d.Enqueue("k", Work{Endpoint: sub.endpoint(), Callback: types.Callback{Token: 1}, Ctx: ctx})
	d.Enqueue("k", Work{Endpoint: sub.endpoint(), Callback: types.Callback{Token: 2}})

	waitFor(t, func() bool { return len(sub.callbacks()) == 1 })
	if got := sub.callbacks()[0].Token; got != 2 {
		t.Errorf("got token %d, want only the live registration's 2", got)
	}
}

func TestCloseUnblocksSaturatedEmitter(t *testing.T) {
	// A delivery handler that never answers keeps the key worker busy so
	// the queue behind it can be filled to the brim.
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc(types.OpCallback, func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(types.Response{OK: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)
	endpoint := strings.TrimPrefix(srv.URL, "http://")

	d := NewDispatcher(200 * time.Millisecond)
	w := Work{Endpoint: endpoint, Callback: types.Callback{Token: 1}}
	for i := 0; i < queueDepth+2; i++ {
		if err := d.Enqueue("k", w); err != nil {
			break
		}
	}

	// An emitter stuck on the full queue must come back when the
	// dispatcher shuts down, not die on a closed channel.
	result := make(chan error, 1)
	go func() {
		result <- d.Enqueue("k", w)
	}()
	time.Sleep(20 * time.Millisecond)
	d.Close()

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("emitter still blocked after Close")
	}

	if err := d.Enqueue("k", w); err == nil {
		t.Error("enqueue after close should fail")
	}
}

func TestProbeAnswersLiveness(t *testing.T) {
	sub := newSubscriber(t)
	d := NewDispatcher(time.Second)
	defer d.Close()
	if !d.Probe(sub.endpoint()) {
		t.Error("probe of a live endpoint failed")
	}
	if d.Probe("127.0.0.1:1") {
		t.Error("probe of a dead endpoint succeeded")
	}
}
