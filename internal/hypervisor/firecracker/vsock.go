package firecracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/flare/internal/trigger"
)

const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
	dialMaxBackoff  = 2 * time.Second
)

// GuestConn is a host-initiated stream of trigger events from the guest
// agent. It is not safe for concurrent reads.
type GuestConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// DialGuest opens the trigger event stream of the guest listening on vsock
// port, going through the Unix socket Firecracker exposes at udsPath. It
// backs off and retries a few times while the guest agent comes up.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	return dialGuest(ctx, udsPath, port, dialMaxRetries)
}

// dialGuest makes at most attempts tries, or keeps trying until ctx ends
// when attempts is zero.
func dialGuest(ctx context.Context, udsPath string, port uint32, attempts int) (*GuestConn, error) {
	wait := dialBaseBackoff
	var last error
	for n := 1; ; n++ {
		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}
		last = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial guest: %w (last error: %v)", ctx.Err(), last)
		}
		if attempts > 0 && n >= attempts {
			return nil, fmt.Errorf("dial guest after %d attempts: %w", attempts, last)
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("dial guest: %w (last error: %v)", ctx.Err(), last)
		}
		wait = min(2*wait, dialMaxBackoff)
	}
}

// dialVsockUDS connects to udsPath and asks Firecracker to bridge it to the
// guest's vsock port.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}
	// The guest may accept and then say nothing; ctx must still win.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	r, err := handshake(conn, port)
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("vsock handshake: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &GuestConn{conn: conn, r: r}, nil
}

// handshake performs Firecracker's host-initiated vsock exchange:
// "CONNECT <port>\n" answered by "OK <host port>\n". The returned reader
// must be used for every later read since it may hold event bytes.
func handshake(conn net.Conn, port uint32) (*bufio.Reader, error) {
	if _, err := conn.Write([]byte("CONNECT " + strconv.FormatUint(uint64(port), 10) + "\n")); err != nil {
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if reply := strings.TrimSpace(line); !strings.HasPrefix(reply, "OK ") {
		return nil, errors.New("vsock CONNECT failed: " + reply)
	}
	return r, nil
}

// Next blocks for the next trigger event.
func (gc *GuestConn) Next() (trigger.Event, error) {
	return trigger.ReadEvent(gc.r)
}

func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
