// Package proxy hands client connections to machine instances. A connection
// waits for its machine to become ready, is piped to the instance, and is
// reset instead of left hanging when activation or dialing fails.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/flare/internal/dispatch"
)

const (
	// DefaultActivationTimeout bounds how long a connection waits for its
	// instance.
	DefaultActivationTimeout = 30 * time.Second

	dialTimeout = 5 * time.Second
)

// Activator leases ready machine instances.
type Activator interface {
	Activate(ctx context.Context, ref string) (*dispatch.Lease, error)
}

var _ Activator = (*dispatch.Dispatcher)(nil)

// Target names the machine and guest port a connection is handed to.
type Target struct {
	Machine string
	Port    int
}

func (t Target) String() string {
	return t.Machine + ":" + strconv.Itoa(t.Port)
}

// Proxy pipes client connections to instances.
type Proxy struct {
	act     Activator
	timeout time.Duration
	logger  *slog.Logger

	// Dial connects to an instance address. Defaults to net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New returns a proxy that waits at most timeout for an instance.
func New(act Activator, timeout time.Duration, logger *slog.Logger) *Proxy {
	if timeout <= 0 {
		timeout = DefaultActivationTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &net.Dialer{Timeout: dialTimeout}
	return &Proxy{act: act, timeout: timeout, logger: logger, Dial: d.DialContext}
}

// Handoff activates the target machine, connects conn to the leased instance
// and copies bytes both ways until either side closes. conn is always closed;
// on failure it is reset.
func (p *Proxy) Handoff(ctx context.Context, conn net.Conn, target Target) error {
	lease, backend, err := p.connect(ctx, target)
	if err != nil {
		connectionsTotal.WithLabelValues("failed").Inc()
		p.logger.Debug("handoff failed", "target", target.String(), "error", err)
		Reset(conn)
		return err
	}
	defer lease.Release()
	connectionsTotal.WithLabelValues("ok").Inc()
	openConnections.Inc()
	defer openConnections.Dec()

	pipe(conn, backend, lease)
	return nil
}

// connect leases an instance of target and dials it.
func (p *Proxy) connect(ctx context.Context, target Target) (*dispatch.Lease, net.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	lease, err := p.act.Activate(actx, target.Machine)
	if err != nil {
		return nil, nil, fmt.Errorf("activate %s: %w", target.Machine, err)
	}
	addr := net.JoinHostPort(lease.Addr, strconv.Itoa(target.Port))
	backend, err := p.Dial(actx, "tcp", addr)
	if err != nil {
		lease.Release()
		return nil, nil, fmt.Errorf("dial %s (%s): %w", target, addr, err)
	}
	return lease, backend, nil
}

// pipe copies between client and backend, recording traffic on the lease.
// Both connections are closed when either direction ends.
func pipe(client, backend net.Conn, lease *dispatch.Lease) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			backend.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		n, _ := io.Copy(&touchWriter{w: backend, lease: lease}, client)
		bytesTotal.WithLabelValues("in").Add(float64(n))
		closeBoth()
	})
	wg.Go(func() {
		n, _ := io.Copy(&touchWriter{w: client, lease: lease}, backend)
		bytesTotal.WithLabelValues("out").Add(float64(n))
		closeBoth()
	})
	wg.Wait()
}

type touchWriter struct {
	w     io.Writer
	lease *dispatch.Lease
}

func (t *touchWriter) Write(p []byte) (int, error) {
	t.lease.Touch()
	return t.w.Write(p)
}

// Reset closes conn with an RST when it is, or wraps, a TCP connection.
func Reset(conn net.Conn) {
	inner := conn
	for {
		if tcp, ok := inner.(*net.TCPConn); ok {
			tcp.SetLinger(0)
			break
		}
		u, ok := inner.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		inner = u.NetConn()
	}
	conn.Close()
}
