// Package server implements the device-side TCP Server Farm: one HTTP
// listener per bound adapter, serving device-description XML and the GENA
// SUBSCRIBE/RENEW/UNSUBSCRIBE methods, grounded on this codebase's
// chi-router wiring style (chi.NewRouter, a request-logging middleware,
// constructor-injected dependencies) generalized from a single application
// listener to one farm member per adapter.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strefethen/upnp-core-go/internal/adapter"
	"github.com/strefethen/upnp-core-go/internal/dv/subscription"
)

// methodSubscribe and methodUnsubscribe are the two non-standard HTTP
// methods GENA defines. chi.Router.Method accepts them once they have been
// added with chi.RegisterMethod (see newRouter).
const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// DescriptionProvider returns the device-description XML to serve at GET
// /desc.xml.
type DescriptionProvider func() []byte

// Member is one farm listener, bound to a single adapter's address.
type Member struct {
	Adapter  adapter.Adapter
	listener net.Listener
	httpSrv  *http.Server
}

// Farm owns one Member per adapter the device is advertised on, recreating
// the set whenever the adapter service reports a subnet-list change.
type Farm struct {
	logger      *log.Logger
	adapters    *adapter.Service
	subs        *subscription.Manager
	description DescriptionProvider

	mu       sync.Mutex
	members  map[string]*Member                  // keyed by adapter name
	services map[string]*subscription.Service     // keyed by event path, e.g. "/events/Status"
	port     int                                  // 0 until the first member binds; pinned after
}

// NewFarm builds a Farm. If logger is nil, log.Default() is used.
func NewFarm(logger *log.Logger, adapters *adapter.Service, subs *subscription.Manager, description DescriptionProvider) *Farm {
	if logger == nil {
		logger = log.Default()
	}
	return &Farm{
		logger:      logger,
		adapters:    adapters,
		subs:        subs,
		description: description,
		members:     make(map[string]*Member),
		services:    make(map[string]*subscription.Service),
	}
}

// RegisterService exposes svc for SUBSCRIBE/RENEW/UNSUBSCRIBE at
// eventPath (e.g. "/events/Status"). Intended to be called during device
// setup, before Start.
func (f *Farm) RegisterService(eventPath string, svc *subscription.Service) {
	f.mu.Lock()
	f.services[eventPath] = svc
	f.mu.Unlock()
}

// Start binds a Member for every currently known adapter and subscribes to
// SubnetListChanged to keep the farm in sync thereafter.
func (f *Farm) Start() error {
	for _, a := range f.adapters.List() {
		if err := f.addMember(a); err != nil {
			f.logger.Printf("server: bind %s: %v", a.Name, err)
		}
	}
	f.adapters.AddInternalListener(func(ev adapter.Event) {
		switch ev.Kind {
		case adapter.SubnetListChanged:
			f.reconcile()
		}
	})
	return nil
}

func (f *Farm) reconcile() {
	want := f.adapters.List()
	wantNames := make(map[string]adapter.Adapter, len(want))
	for _, a := range want {
		wantNames[a.Name] = a
	}

	f.mu.Lock()
	var toRemove []string
	for name := range f.members {
		if _, ok := wantNames[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}
	f.mu.Unlock()

	for _, name := range toRemove {
		f.removeMember(name)
	}
	for _, a := range want {
		f.mu.Lock()
		_, exists := f.members[a.Name]
		f.mu.Unlock()
		if !exists {
			if err := f.addMember(a); err != nil {
				f.logger.Printf("server: bind %s: %v", a.Name, err)
			}
		}
	}
}

// Port reports the TCP port the farm has pinned across its members, or 0
// if no member has bound yet.
func (f *Farm) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

// addMember binds a listener for a. The port chosen by the first member is
// reused (when free) for every subsequent member: a device advertises one
// consistent port across adapters wherever the OS allows it.
func (f *Farm) addMember(a adapter.Adapter) error {
	addr := net.JoinHostPort(a.IPv4.String(), portString(f.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port

	router := f.newRouter()
	httpSrv := &http.Server{Handler: router}

	f.mu.Lock()
	if f.port == 0 {
		f.port = actualPort
	}
	f.members[a.Name] = &Member{Adapter: a, listener: ln, httpSrv: httpSrv}
	f.mu.Unlock()

	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Printf("server: %s: %v", a.Name, err)
		}
	}()
	return nil
}

func (f *Farm) removeMember(name string) {
	f.mu.Lock()
	m, ok := f.members[name]
	if ok {
		delete(f.members, name)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.httpSrv.Shutdown(ctx)
}

func portString(p int) string {
	return strconv.Itoa(p)
}

// newRouter builds the chi.Mux every Member serves, using this codebase's
// chi.NewRouter()/middleware.StripSlashes-style wiring.
func (f *Farm) newRouter() http.Handler {
	chi.RegisterMethod(methodSubscribe)
	chi.RegisterMethod(methodUnsubscribe)
	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.Use(f.requestLogger)

	r.Get("/desc.xml", f.handleDescription)
	r.Method(methodSubscribe, "/events/*", http.HandlerFunc(f.handleSubscribe))
	r.Method(methodUnsubscribe, "/events/*", http.HandlerFunc(f.handleUnsubscribe))

	return r
}

func (f *Farm) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		f.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (f *Farm) handleDescription(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write(f.description())
}

// handleSubscribe disambiguates SUBSCRIBE (new) from RENEW (has SID) by
// the presence of the SID header.
func (f *Farm) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("SID")
	timeout := parseTimeoutHeader(r.Header.Get("TIMEOUT"))

	if sid != "" {
		if err := f.subs.Renew(sid, timeout); err != nil {
			http.Error(w, "no such subscription", http.StatusPreconditionFailed)
			return
		}
		w.Header().Set("SID", sid)
		w.WriteHeader(http.StatusOK)
		return
	}

	callback := r.Header.Get("CALLBACK")
	if callback == "" {
		http.Error(w, "missing CALLBACK", http.StatusBadRequest)
		return
	}
	callback = parseCallbackHeader(callback)

	f.mu.Lock()
	svc, ok := f.services[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.Error(w, "no service bound for this event path", http.StatusNotFound)
		return
	}

	sub := f.subs.Subscribe(svc, callback, timeout)
	w.Header().Set("SID", sub.SID)
	w.Header().Set("TIMEOUT", fmt.Sprintf("Second-%d", sub.GrantedSeconds(time.Now())))
	w.WriteHeader(http.StatusOK)
}

// parseCallbackHeader extracts the first URL out of a GENA CALLBACK
// header, which may carry several space-separated "<url>" entries; only
// the first is used.
func parseCallbackHeader(h string) string {
	if fields := strings.Fields(h); len(fields) > 0 {
		h = fields[0]
	}
	return strings.TrimSuffix(strings.TrimPrefix(h, "<"), ">")
}

func (f *Farm) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get("SID")
	if sid == "" {
		http.Error(w, "missing SID", http.StatusBadRequest)
		return
	}
	if err := f.subs.Unsubscribe(sid); err != nil {
		http.Error(w, "no such subscription", http.StatusPreconditionFailed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func parseTimeoutHeader(h string) int {
	const prefix = "Second-"
	if !strings.HasPrefix(h, prefix) {
		return 0
	}
	n, err := strconv.Atoi(h[len(prefix):])
	if err != nil {
		return 0
	}
	return n
}

// Shutdown tears down every farm member.
func (f *Farm) Shutdown() {
	f.mu.Lock()
	names := make([]string, 0, len(f.members))
	for name := range f.members {
		names = append(names, name)
	}
	f.mu.Unlock()
	for _, name := range names {
		f.removeMember(name)
	}
}
