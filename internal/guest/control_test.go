package guest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/flare/internal/trigger"
)

func TestServeControl(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "control")

	events := make(chan trigger.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeControl(ctx, path, func(e trigger.Event) { events <- e }) }()

	var w *os.File
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			w = f
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("control fifo never appeared: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := w.WriteString("flash_lock\nbogus\n\nflash_unlock\x00\nmanual_trigger\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	want := []trigger.Type{trigger.TypeFlashLock, trigger.TypeFlashUnlock, trigger.TypeManualTrigger}
	for _, typ := range want {
		select {
		case e := <-events:
			if e.Type != typ {
				t.Errorf("event = %s, want %s", e.Type, typ)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeControl = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeControl did not return after cancel")
	}
}
