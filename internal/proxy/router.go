package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/model"
	"github.com/seantiz/flare/internal/store"
)

// Resolver maps a machine reference to its ID.
type Resolver interface {
	Resolve(ref string) (string, error)
}

var _ Resolver = (*machine.Manager)(nil)

// RouterOptions configures a Router.
type RouterOptions struct {
	// BindAddr is the host address service listeners bind to.
	BindAddr string
	// PortMin and PortMax bound allocated listen ports. A zero range lets
	// the kernel pick.
	PortMin int
	PortMax int
	Logger  *slog.Logger
}

// Router binds services to listeners and routes ingress requests by host.
type Router struct {
	proxy    *Proxy
	store    store.Store
	machines Resolver
	opts     RouterOptions
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[string]*listener // service ID → listener
	hosts     map[string]*model.Service
	ports     map[int]string
	closed    bool
	wg        sync.WaitGroup
}

type listener struct {
	svc    *model.Service
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRouter returns a router handing service traffic to p.
func NewRouter(p *Proxy, st store.Store, machines Resolver, opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		proxy:     p,
		store:     st,
		machines:  machines,
		opts:      opts,
		logger:    opts.Logger,
		listeners: make(map[string]*listener),
		hosts:     make(map[string]*model.Service),
		ports:     make(map[int]string),
	}
}

func target(svc *model.Service) Target {
	return Target{Machine: svc.Namespace + "/" + svc.Target.Machine, Port: svc.Target.Port}
}

// routedByHost reports whether svc is served by the HTTP ingress rather
// than a listener of its own.
func routedByHost(svc *model.Service) bool {
	return svc.Mode == model.ServiceExternal && svc.Protocol == model.ProtocolHTTP
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Create validates, binds and persists a service.
func (r *Router) Create(ctx context.Context, svc *model.Service) (*model.Service, error) {
	svc.Normalize()
	if err := svc.Validate(); err != nil {
		return nil, machine.Errorf(machine.KindInvalidSpec, "invalid service: %w", err)
	}
	if _, err := r.machines.Resolve(target(svc).Machine); err != nil {
		return nil, machine.Errorf(machine.KindInvalidSpec, "service %s targets unknown machine %s", svc.Name, svc.Target.Machine)
	}
	if svc.Ingress != nil {
		svc.Ingress.Host = normalizeHost(svc.Ingress.Host)
	}

	svc.ID = model.NewID()
	svc.CreatedAt = time.Now().UTC()
	svc.ListenPort = 0
	if err := r.bind(svc); err != nil {
		return nil, err
	}
	if err := r.store.CreateService(ctx, svc); err != nil {
		r.unbind(svc.ID)
		if errors.Is(err, store.ErrConflict) {
			return nil, machine.Errorf(machine.KindInvalidSpec, "service %s/%s already exists", svc.Namespace, svc.Name)
		}
		return nil, machine.Errorf(machine.KindInternal, "create service: %w", err)
	}

	r.logger.Info("service created", "service", svc.ID, "name", svc.Name, "target", target(svc).String(), "port", svc.ListenPort)
	return svc, nil
}

// Get returns a service by ID.
func (r *Router) Get(ctx context.Context, id string) (*model.Service, error) {
	svc, err := r.store.GetService(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, machine.Errorf(machine.KindNotFound, "service %q not found", id)
	}
	if err != nil {
		return nil, machine.Errorf(machine.KindInternal, "get service: %w", err)
	}
	return svc, nil
}

// List returns all services ordered by namespace and name.
func (r *Router) List(ctx context.Context) ([]*model.Service, error) {
	svcs, err := r.store.ListServices(ctx)
	if err != nil {
		return nil, machine.Errorf(machine.KindInternal, "list services: %w", err)
	}
	sort.Slice(svcs, func(i, j int) bool {
		if svcs[i].Namespace != svcs[j].Namespace {
			return svcs[i].Namespace < svcs[j].Namespace
		}
		return svcs[i].Name < svcs[j].Name
	})
	return svcs, nil
}

// Delete unbinds and removes a service.
func (r *Router) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	r.unbind(id)
	if err := r.store.DeleteService(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return machine.Errorf(machine.KindInternal, "delete service: %w", err)
	}
	r.logger.Info("service deleted", "service", id)
	return nil
}

// Restore binds every persisted service, reusing recorded listen ports.
func (r *Router) Restore(ctx context.Context) error {
	svcs, err := r.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	for _, svc := range svcs {
		if err := r.bind(svc); err != nil {
			r.logger.Error("failed to bind service", "service", svc.ID, "port", svc.ListenPort, "error", err)
		}
	}
	r.logger.Info("services restored", "count", len(svcs))
	return nil
}

// Close stops every listener and waits for accept loops to exit.
// Established connections are left to finish.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	ls := make([]*listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.listeners = make(map[string]*listener)
	r.hosts = make(map[string]*model.Service)
	r.mu.Unlock()

	for _, l := range ls {
		l.cancel()
		l.ln.Close()
	}
	r.wg.Wait()
}

func (r *Router) bind(svc *model.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return machine.Errorf(machine.KindMachineStopping, "router is closed")
	}

	if svc.Ingress != nil {
		if other, ok := r.hosts[svc.Ingress.Host]; ok && other.ID != svc.ID {
			return machine.Errorf(machine.KindConflict, "host %s is already served by %s", svc.Ingress.Host, other.Name)
		}
	}
	if routedByHost(svc) {
		r.hosts[svc.Ingress.Host] = svc
		return nil
	}

	ln, err := r.listen(svc.ListenPort)
	if err != nil {
		return err
	}
	svc.ListenPort = ln.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{svc: svc, ln: ln, ctx: ctx, cancel: cancel}
	r.listeners[svc.ID] = l
	r.ports[svc.ListenPort] = svc.ID
	if svc.Ingress != nil {
		r.hosts[svc.Ingress.Host] = svc
	}
	r.wg.Go(func() { r.serve(l) })
	return nil
}

// listen opens port, or the first free port of the range when port is zero.
// Callers hold r.mu.
func (r *Router) listen(port int) (net.Listener, error) {
	if port != 0 || r.opts.PortMin == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(r.opts.BindAddr, strconv.Itoa(port)))
		if err != nil {
			return nil, machine.Errorf(machine.KindResourceUnavailable, "listen on port %d: %w", port, err)
		}
		return ln, nil
	}
	for p := r.opts.PortMin; p <= r.opts.PortMax; p++ {
		if _, taken := r.ports[p]; taken {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(r.opts.BindAddr, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, machine.Errorf(machine.KindResourceUnavailable, "no free service port in %d-%d", r.opts.PortMin, r.opts.PortMax)
}

func (r *Router) unbind(id string) {
	r.mu.Lock()
	l := r.listeners[id]
	delete(r.listeners, id)
	for host, svc := range r.hosts {
		if svc.ID == id {
			delete(r.hosts, host)
		}
	}
	for port, owner := range r.ports {
		if owner == id {
			delete(r.ports, port)
		}
	}
	r.mu.Unlock()

	if l != nil {
		l.cancel()
		l.ln.Close()
	}
}

func (r *Router) serve(l *listener) {
	t := target(l.svc)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.logger.Error("service accept failed", "service", l.svc.ID, "error", err)
			}
			return
		}
		go func() {
			if err := r.proxy.Handoff(l.ctx, conn, t); err != nil {
				r.logger.Warn("connection reset", "service", l.svc.ID, "kind", machine.KindOf(err), "error", err)
			}
		}()
	}
}

// ServeHTTP routes an ingress request to the external service bound to its
// Host header.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	code := r.serveIngress(w, req)
	ingressRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (r *Router) serveIngress(w http.ResponseWriter, req *http.Request) int {
	host := normalizeHost(req.Host)
	r.mu.Lock()
	svc, ok := r.hosts[host]
	r.mu.Unlock()
	if !ok || !routedByHost(svc) {
		http.Error(w, "no service for host "+host, http.StatusNotFound)
		return http.StatusNotFound
	}

	t := target(svc)
	ctx, cancel := context.WithTimeout(req.Context(), r.proxy.timeout)
	lease, err := r.proxy.act.Activate(ctx, t.Machine)
	cancel()
	if err != nil {
		r.logger.Warn("ingress activation failed", "host", host, "kind", machine.KindOf(err), "error", err)
		w.Header().Set("Retry-After", "3")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}
	defer lease.Release()

	code := http.StatusOK
	backend := net.JoinHostPort(lease.Addr, strconv.Itoa(t.Port))
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = backend
			pr.SetXForwarded()
		},
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				lease.Touch()
				return r.proxy.Dial(ctx, network, addr)
			},
		},
		ModifyResponse: func(resp *http.Response) error {
			code = resp.StatusCode
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			r.logger.Warn("ingress proxy error", "host", host, "error", err)
			code = http.StatusBadGateway
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, req)
	return code
}
