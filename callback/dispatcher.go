// Package callback delivers event and hook notifications from the target
// back to subscriber endpoints. Delivery is asynchronous: raising code only
// enqueues; per-key worker goroutines serialize delivery so one ordering key
// observes emissions in order, with no guarantee across keys.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/heapdive/heapdive/types"
)

const (
	// DefaultTimeout bounds one delivery attempt.
	DefaultTimeout = 5 * time.Second
	// enqueueTimeout bounds how long raising code may block on a full
	// queue before the notification is dropped.
	enqueueTimeout = 250 * time.Millisecond
	// queueDepth is the per-key buffer between emitters and the worker.
	queueDepth = 256
	// deadCacheTTL suppresses repeat probes of an endpoint just declared
	// dead.
	deadCacheTTL = 10 * time.Second
)

// Work is one queued callback delivery.
type Work struct {
	Endpoint string
	Callback types.Callback
	// Ctx is the owning registration's context; cancelled work is skipped.
	Ctx context.Context
}

type keyQueue struct {
	ch chan Work
}

// Dispatcher owns the reverse channel. OnDead is invoked (once per
// detection) with an endpoint that failed both a delivery and the follow-up
// liveness probe; the diver uses it to tear down every registration bound to
// that endpoint.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	limit   rate.Limit
	burst   int

	OnDead func(endpoint string)

	mu       sync.Mutex
	queues   map[string]*keyQueue
	limiters map[string]*rate.Limiter
	dead     *lru.Cache // endpoint -> time declared dead
	closed   bool
	done     chan struct{} // closed on shutdown; work channels never are
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher with the given per-delivery timeout
// (DefaultTimeout if zero).
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dead, _ := lru.New(128)
	return &Dispatcher{
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		limit:    rate.Limit(500),
		burst:    1000,
		queues:   make(map[string]*keyQueue),
		limiters: make(map[string]*rate.Limiter),
		dead:     dead,
		done:     make(chan struct{}),
	}
}

// SetRateLimit overrides the per-endpoint delivery rate.
func (d *Dispatcher) SetRateLimit(limit rate.Limit, burst int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limit = limit
	d.burst = burst
}

// Enqueue queues one callback for delivery under the given ordering key.
// Blocks at most enqueueTimeout on a saturated key; past that the
// notification is dropped with a warning rather than stalling the emitter.
func (d *Dispatcher) Enqueue(key string, w Work) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher closed")
	}
	q, ok := d.queues[key]
	if !ok {
		q = &keyQueue{ch: make(chan Work, queueDepth)}
		d.queues[key] = q
		d.wg.Add(1)
		go d.run(q)
	}
	d.mu.Unlock()

	select {
	case q.ch <- w:
		return nil
	case <-d.done:
		return fmt.Errorf("dispatcher closed")
	case <-time.After(enqueueTimeout):
		log.Printf("Warning: dropping callback token=%d for %s: queue %q saturated", w.Callback.Token, w.Endpoint, key)
		return fmt.Errorf("queue %q saturated", key)
	}
}

// run serializes deliveries for one ordering key. Shutdown is signalled via
// done rather than closing q.ch: an emitter blocked in Enqueue must never
// see its send target closed under it.
func (d *Dispatcher) run(q *keyQueue) {
	defer d.wg.Done()
	for {
		select {
		case w := <-q.ch:
			d.process(w)
		case <-d.done:
			for {
				select {
				case w := <-q.ch:
					d.process(w)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) process(w Work) {
	if w.Ctx != nil && w.Ctx.Err() != nil {
		return // registration cancelled while queued
	}
	if _, isDead := d.dead.Get(w.Endpoint); isDead {
		return
	}
	d.deliver(w)
}

func (d *Dispatcher) deliver(w Work) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if w.Ctx != nil {
		var stop context.CancelFunc
		ctx, stop = context.WithCancel(ctx)
		defer stop()
		go func() {
			select {
			case <-w.Ctx.Done():
				stop()
			case <-ctx.Done():
			}
		}()
	}

	if err := d.limiter(w.Endpoint).Wait(ctx); err != nil {
		log.Printf("Warning: rate limit wait for %s: %v", w.Endpoint, err)
		return
	}

	err := d.post(ctx, w.Endpoint, types.OpCallback, w.Callback)
	if err == nil {
		return
	}
	if w.Ctx != nil && w.Ctx.Err() != nil {
		return // cancellation raced the delivery; not a liveness signal
	}

	// One retry, gated on a real liveness probe rather than a raw connect.
	if d.Probe(w.Endpoint) {
		if err2 := d.post(ctx, w.Endpoint, types.OpCallback, w.Callback); err2 == nil {
			return
		}
	}
	d.declareDead(w.Endpoint, err)
}

// Probe asks the endpoint's listener to answer a synchronous liveness
// request. A busy-but-alive endpoint passes; only a failed exchange counts
// as dead.
func (d *Dispatcher) Probe(endpoint string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return d.post(ctx, endpoint, types.OpProbe, struct{}{}) == nil
}

func (d *Dispatcher) declareDead(endpoint string, cause error) {
	if _, already := d.dead.Get(endpoint); already {
		return
	}
	d.dead.Add(endpoint, time.Now())
	log.Printf("Warning: endpoint %s unreachable, tearing down its registrations: %v", endpoint, cause)
	if d.OnDead != nil {
		d.OnDead(endpoint)
	}
	// Forget after a while so a resurrected endpoint can resubscribe
	// through a fresh probe.
	go func() {
		time.Sleep(deadCacheTTL)
		d.dead.Remove(endpoint)
	}()
}

func (d *Dispatcher) limiter(endpoint string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[endpoint] = l
	}
	return l
}

func (d *Dispatcher) post(ctx context.Context, endpoint, op string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+endpoint+op, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrEndpointUnreachable, err)
	}
	defer resp.Body.Close()
	var envelope types.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: bad response: %v", types.ErrEndpointUnreachable, err)
	}
	if !envelope.OK {
		return fmt.Errorf("callback rejected: %s", envelope.Error)
	}
	return nil
}

// Close stops all key workers. Already-queued work is drained before the
// workers exit; an Enqueue blocked on a saturated queue returns an error
// instead.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}
