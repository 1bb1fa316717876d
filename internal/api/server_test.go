package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/seantiz/flare/internal/deploy"
	"github.com/seantiz/flare/internal/dispatch"
	"github.com/seantiz/flare/internal/events"
	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/hypervisor/hvtest"
	"github.com/seantiz/flare/internal/image"
	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/proxy"
	"github.com/seantiz/flare/internal/snapshot"
	"github.com/seantiz/flare/internal/store"
	"github.com/seantiz/flare/internal/trigger"
)

type testServer struct {
	*Server
	hv *hvtest.Hypervisor
	ts *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	snaps, err := snapshot.Open(t.TempDir(), snapshot.Options{})
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })

	images, err := image.Open(t.TempDir(), st, nil)
	if err != nil {
		t.Fatalf("image.Open: %v", err)
	}

	hv := hvtest.New()
	hv.OnBoot = []trigger.Event{trigger.ListenEvent(netip.AddrPortFrom(netip.IPv4Unspecified(), 80))}
	reg := hypervisor.NewRegistry()
	reg.Register("test", hv)

	bus := events.NewBus()
	mgr := machine.NewManager(st, hv, snaps, machine.Options{
		ScratchDir: t.TempDir(),
		Events:     bus,
	})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	d := dispatch.New(mgr, dispatch.Options{ReapInterval: time.Hour})
	t.Cleanup(d.Close)

	router := proxy.NewRouter(proxy.New(d, 0, nil), st, mgr, proxy.RouterOptions{BindAddr: "127.0.0.1"})
	t.Cleanup(router.Close)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := NewServer(":0", Deps{
		Store:             st,
		Machines:          mgr,
		Dispatcher:        d,
		Services:          router,
		Images:            images,
		Applier:           deploy.NewApplier(mgr, router, nil),
		Registry:          reg,
		Events:            bus,
		ActivationTimeout: 5 * time.Second,
	}, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: srv, hv: hv, ts: ts}
}

// do sends a request and decodes a JSON response into out when out is not nil.
func (s *testServer) do(t *testing.T, method, path, contentType string, body []byte, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	resp, err := http.Get(srv.ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	resp, err := http.Get(srv.ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req, _ := http.NewRequest("OPTIONS", srv.ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind machine.Kind
		want int
	}{
		{machine.KindInvalidSpec, http.StatusBadRequest},
		{machine.KindNotFound, http.StatusNotFound},
		{machine.KindConflict, http.StatusConflict},
		{machine.KindMachineStopping, http.StatusConflict},
		{machine.KindSnapshotBlocked, http.StatusConflict},
		{machine.KindResourceUnavailable, http.StatusServiceUnavailable},
		{machine.KindBootFailed, http.StatusBadGateway},
		{machine.KindRestoreFailed, http.StatusBadGateway},
		{machine.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := statusFor(tt.kind); got != tt.want {
				t.Errorf("statusFor(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}
