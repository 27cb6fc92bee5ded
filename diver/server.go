// Package diver is the target-resident side of the protocol: an HTTP
// listener on loopback that resolves handles, invokes methods, reads and
// writes fields, and forwards events and method hooks to subscriber
// endpoints through the callback dispatcher.
package diver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/heapdive/heapdive/callback"
	"github.com/heapdive/heapdive/config"
	"github.com/heapdive/heapdive/filter"
	"github.com/heapdive/heapdive/heap"
	"github.com/heapdive/heapdive/hook"
	"github.com/heapdive/heapdive/journal"
	"github.com/heapdive/heapdive/nativehook"
	"github.com/heapdive/heapdive/pin"
	"github.com/heapdive/heapdive/resolve"
	"github.com/heapdive/heapdive/types"
)

// Server is one diver session embedded in the target process. All state a
// client can observe (pins, registrations, the enumeration index) belongs to
// the server and dies with Close.
type Server struct {
	sessionID string
	cfg       config.Config

	registry   *heap.Registry
	hooks      *hook.Registry
	pins       *pin.Table
	runtime    *resolve.Runtime
	dispatcher *callback.Dispatcher
	regs       *regTable
	mutes      *filter.Store
	journal    *journal.Journal

	mu         sync.Mutex
	ln         net.Listener
	httpSrv    *http.Server
	native     *nativehook.Tracer
	nativeStop context.CancelFunc
	closed     bool
}

// NativeDomain is the hook type name that routes to uprobe entry counters
// on the target's own executable instead of the in-runtime registry.
const NativeDomain = "native"

// attachNative lazily builds the uprobe tracer over the running executable
// and attaches a counter for symbol. The returned func detaches it.
func (s *Server) attachNative(symbol string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, types.ErrSessionClosed
	}
	if s.native == nil {
		tr, err := nativehook.NewTracer("/proc/self/exe", func(sym string, count uint64) {
			s.hooks.Enter(NativeDomain, sym, count)
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		tr.Start(ctx, nativehook.DefaultPollInterval)
		s.native = tr
		s.nativeStop = cancel
	}
	if err := s.native.Attach(symbol); err != nil {
		return nil, err
	}
	tr := s.native
	return func() { tr.Detach(symbol) }, nil
}

// NewServer wires a diver over the given inspection registry and hook
// registry. The listener is not bound until Start.
func NewServer(cfg config.Config, registry *heap.Registry, hooks *hook.Registry) (*Server, error) {
	pins := pin.NewTable(cfg.PinCapacity)
	rt, err := resolve.Attach(registry, pins, os.Getpid())
	if err != nil {
		pins.Close()
		return nil, err
	}
	if cfg.MaxCaptureBytes > 0 {
		rt.SetMaxCapture(cfg.MaxCaptureBytes)
	}

	s := &Server{
		sessionID: uuid.New().String(),
		cfg:       cfg,
		registry:  registry,
		hooks:     hooks,
		pins:      pins,
		runtime:   rt,
		regs:      newRegTable(),
	}

	s.dispatcher = callback.NewDispatcher(cfg.DispatchTimeout.Std())
	if cfg.CallbackRate > 0 {
		s.dispatcher.SetRateLimit(rate.Limit(cfg.CallbackRate), cfg.CallbackBurst)
	}
	s.dispatcher.OnDead = s.onDead

	if cfg.MuteRulesDir != "" {
		s.mutes, err = filter.NewStore(cfg.MuteRulesDir)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to load mute rules: %v", err)
		}
	}
	if cfg.JournalDir != "" {
		s.journal, err = journal.Open(cfg.JournalDir)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open journal: %v", err)
		}
	}
	return s, nil
}

// SessionID returns this session's identifier, echoed by ping.
func (s *Server) SessionID() string {
	return s.sessionID
}

// Start binds the loopback listener and serves the protocol until ctx is
// cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			fmt.Printf("[%s] %s %s\n", time.Now().Format("15:04:05"), r.Method, r.URL.Path)
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(types.OpInvoke, debugHandler(s.handleInvoke))
	mux.HandleFunc(types.OpGetField, debugHandler(s.handleGetField))
	mux.HandleFunc(types.OpSetField, debugHandler(s.handleSetField))
	mux.HandleFunc(types.OpSubscribe, debugHandler(s.handleSubscribe))
	mux.HandleFunc(types.OpUnsubscribe, debugHandler(s.handleUnsubscribe))
	mux.HandleFunc(types.OpInstallHook, debugHandler(s.handleInstallHook))
	mux.HandleFunc(types.OpRemoveHook, debugHandler(s.handleRemoveHook))
	mux.HandleFunc(types.OpEnumerateTypes, debugHandler(s.handleTypes))
	mux.HandleFunc(types.OpEnumerateHeap, debugHandler(s.handleHeap))
	mux.HandleFunc(types.OpPin, debugHandler(s.handlePin))
	mux.HandleFunc(types.OpUnpin, debugHandler(s.handleUnpin))
	mux.HandleFunc(types.OpPing, debugHandler(s.handlePing))

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %v", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return types.ErrSessionClosed
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: mux}
	srv := s.httpSrv
	s.mu.Unlock()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("Shutting down diver listener...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("diver session %s listening on %s", s.sessionID, ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("diver listener stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close tears down every registration, releases all pins and disposes the
// snapshot. Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	srv := s.httpSrv
	native, nativeStop := s.native, s.nativeStop
	s.mu.Unlock()

	if nativeStop != nil {
		nativeStop()
	}
	if native != nil {
		native.Close()
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	for _, r := range s.regs.removeAll() {
		s.teardown(r)
	}
	s.dispatcher.Close()
	if s.mutes != nil {
		s.mutes.Close()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Printf("Warning: failed to close journal: %v", err)
		}
	}
	s.runtime.Dispose()
	s.pins.Close()
	log.Printf("diver session %s closed", s.sessionID)
}

// handle plumbing

func writeOK(w http.ResponseWriter, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			writeErr(w, fmt.Errorf("failed to encode payload: %v", err))
			return
		}
		raw = data
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.Response{OK: true, Payload: raw})
}

func writeErr(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.Response{OK: false, Code: types.CodeFor(err), Error: err.Error()})
}

// decodeBody enforces POST and decodes the JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		json.NewEncoder(w).Encode(types.Response{OK: false, Code: types.CodeBadRequest, Error: fmt.Sprintf("bad request body: %v", err)})
		return false
	}
	return true
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req types.InvokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.invoke(&req)
	s.recordRequest(types.OpInvoke, req.Handle, req.Method, start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleGetField(w http.ResponseWriter, r *http.Request) {
	var req types.FieldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.getField(&req)
	s.recordRequest(types.OpGetField, req.Handle, req.Field, start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleSetField(w http.ResponseWriter, r *http.Request) {
	var req types.FieldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.setField(&req)
	s.recordRequest(types.OpSetField, req.Handle, req.Field, start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req types.SubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.subscribe(&req)
	s.recordRequest(types.OpSubscribe, req.Handle, req.Event, start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req types.TokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	err := s.dropRegistration(req.Token)
	s.recordRequest(types.OpUnsubscribe, 0, fmt.Sprintf("token=%d", req.Token), start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleInstallHook(w http.ResponseWriter, r *http.Request) {
	var req types.HookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.installHook(&req)
	s.recordRequest(types.OpInstallHook, 0, req.TypeName+"."+req.Method, start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleRemoveHook(w http.ResponseWriter, r *http.Request) {
	var req types.TokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	err := s.dropRegistration(req.Token)
	s.recordRequest(types.OpRemoveHook, 0, fmt.Sprintf("token=%d", req.Token), start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	var req types.TypesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	infos, err := s.runtime.Types(req.Filter, req.Domain)
	if err != nil {
		writeErr(w, err)
		return
	}
	res := types.TypesResult{Types: make([]types.TypeDesc, 0, len(infos))}
	for _, ti := range infos {
		res.Types = append(res.Types, describeType(ti))
	}
	writeOK(w, res)
}

func (s *Server) handleHeap(w http.ResponseWriter, r *http.Request) {
	var req types.HeapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	ix, stats, err := s.runtime.EnumerateHeap(req.Filter, req.WithHashes)
	if s.journal != nil {
		rec := &journal.PassRecord{
			Timestamp: start,
			Filter:    req.Filter,
			Scanned:   stats.Scanned,
			Matched:   stats.Matched,
			Errors:    stats.Errors,
			Duration:  stats.Duration,
		}
		if jerr := s.journal.RecordPass(rec); jerr != nil {
			log.Printf("Warning: failed to journal heap pass: %v", jerr)
		}
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	res := types.HeapResult{
		Objects:  make([]types.HeapObject, 0, len(ix.Objects())),
		Scanned:  stats.Scanned,
		Errors:   stats.Errors,
		Duration: stats.Duration,
	}
	for _, d := range ix.Objects() {
		obj := types.HeapObject{
			Address:  d.Address,
			TypeName: d.TypeName,
			Domain:   d.Domain,
			Size:     d.Size,
		}
		if d.HasHash {
			obj.IdentityHash = d.IdentityHash
		}
		res.Objects = append(res.Objects, obj)
	}
	writeOK(w, res)
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var req types.PinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start := time.Now()
	obj, handle, err := s.runtime.GetObject(req.Address, true, req.Type, req.IdentityHash)
	s.recordRequest(types.OpPin, req.Address, req.Type, start, err)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, types.PinResult{Handle: handle, Type: typeLabel(reflect.ValueOf(obj))})
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	var req types.UnpinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.pins.UnpinAddr(req.Handle)
	writeOK(w, nil)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"session": s.sessionID})
}

// describeType flattens a discovered type into its wire descriptor: exported
// method and field names of *T.
func describeType(ti heap.TypeInfo) types.TypeDesc {
	d := types.TypeDesc{
		Name:   ti.Name,
		Domain: ti.Domain,
		Kind:   ti.Type.Elem().Kind().String(),
	}
	for i := 0; i < ti.Type.NumMethod(); i++ {
		d.Methods = append(d.Methods, ti.Type.Method(i).Name)
	}
	if elem := ti.Type.Elem(); elem.Kind() == reflect.Struct {
		for i := 0; i < elem.NumField(); i++ {
			if f := elem.Field(i); f.PkgPath == "" {
				d.Fields = append(d.Fields, f.Name)
			}
		}
	}
	return d
}

// callbackWork packages a callback for the dispatcher under the
// registration's cancellation scope.
func callbackWork(reg *registration, cb types.Callback) callback.Work {
	return callback.Work{Endpoint: reg.endpoint, Callback: cb, Ctx: reg.ctx}
}

// recordRequest journals one protocol request when journaling is on.
func (s *Server) recordRequest(op string, handle uint64, detail string, start time.Time, err error) {
	if s.journal == nil {
		return
	}
	rec := &journal.RequestRecord{
		Timestamp: start,
		Op:        op,
		Handle:    handle,
		Detail:    detail,
		OK:        err == nil,
		Duration:  time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := s.journal.RecordRequest(rec); jerr != nil {
		log.Printf("Warning: failed to journal request: %v", jerr)
	}
}

// recordDelivery journals one enqueue outcome.
func (s *Server) recordDelivery(reg *registration, cb types.Callback, err error) {
	rec := &journal.DeliveryRecord{
		Timestamp: cb.Timestamp,
		Token:     cb.Token,
		Endpoint:  reg.endpoint,
		Key:       reg.target,
		OK:        err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := s.journal.RecordDelivery(rec); jerr != nil {
		log.Printf("Warning: failed to journal delivery: %v", jerr)
	}
}
