package firecracker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/flare/internal/trigger"
)

// serveVsock plays Firecracker's side of the vsock UDS bridge for a single
// connection: it answers the CONNECT handshake with reply and then writes
// events in the same packet.
func serveVsock(t *testing.T, l net.Listener, port uint32, reply string, events ...trigger.Event) {
	t.Helper()
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Errorf("read CONNECT: %v", err)
		return
	}
	if want := fmt.Sprintf("CONNECT %d\n", port); line != want {
		t.Errorf("handshake = %q, want %q", line, want)
	}

	var buf bytes.Buffer
	buf.WriteString(reply)
	for _, e := range events {
		if err := trigger.WriteEvent(&buf, e); err != nil {
			t.Errorf("encode event: %v", err)
			return
		}
	}
	conn.Write(buf.Bytes())
}

func listenUnix(t *testing.T) (net.Listener, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), vsockSocketName)
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestDialGuestReadsEvents(t *testing.T) {
	l, path := listenUnix(t)
	want := []trigger.Event{
		{Type: trigger.TypeUserspaceReady},
		{Type: trigger.TypeListen, Port: 6379},
	}
	go serveVsock(t, l, DefaultVsockPort, "OK 1073741824\n", want...)

	gc, err := DialGuest(t.Context(), path, DefaultVsockPort)
	if err != nil {
		t.Fatalf("DialGuest: %v", err)
	}
	defer gc.Close()

	// Frames sent in the handshake packet must survive the buffered read.
	for i, w := range want {
		got, err := gc.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if got != w {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
	}
	if _, err := gc.Next(); err == nil {
		t.Error("Next after close should fail")
	}
}

func TestDialGuestRejected(t *testing.T) {
	l, path := listenUnix(t)
	go serveVsock(t, l, DefaultVsockPort, "FAILURE no listener\n")

	_, err := dialGuest(t.Context(), path, DefaultVsockPort, 1)
	if err == nil {
		t.Fatal("expected error for rejected CONNECT")
	}
}

func TestDialGuestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := DialGuest(ctx, "/nonexistent.sock", DefaultVsockPort); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestDialGuestRetriesUntilListening(t *testing.T) {
	path := filepath.Join(t.TempDir(), vsockSocketName)

	// The socket appears only after a few failed attempts.
	go func() {
		time.Sleep(250 * time.Millisecond)
		l, err := net.Listen("unix", path)
		if err != nil {
			t.Errorf("listen: %v", err)
			return
		}
		defer l.Close()
		serveVsock(t, l, DefaultVsockPort, "OK 1073741824\n")
	}()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	gc, err := dialGuest(ctx, path, DefaultVsockPort, 0)
	if err != nil {
		t.Fatalf("dialGuest: %v", err)
	}
	gc.Close()
}

func TestPumpForwardsEvents(t *testing.T) {
	l, path := listenUnix(t)
	go serveVsock(t, l, DefaultVsockPort, "OK 1073741824\n",
		trigger.Event{Type: trigger.TypeHello, Arg: 2},
		trigger.Event{Type: trigger.TypeFlashLock},
		trigger.Event{Type: trigger.TypeManualTrigger},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vm := &VM{
		h:      &Hypervisor{logger: testLogger()},
		id:     "default.cache.0",
		vsock:  path,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan trigger.Event, eventBuffer),
	}
	go vm.pump(DefaultVsockPort, time.Second)

	// Hello frames are consumed by the pump.
	for _, want := range []trigger.Type{trigger.TypeFlashLock, trigger.TypeManualTrigger} {
		select {
		case e := <-vm.Events():
			if e.Type != want {
				t.Errorf("event = %s, want %s", e.Type, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	cancel()
	select {
	case _, ok := <-vm.Events():
		if ok {
			t.Error("unexpected event after VM exit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed after VM exit")
	}
}
