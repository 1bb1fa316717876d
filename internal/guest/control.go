package guest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/seantiz/flare/internal/trigger"
)

// ServeControl creates the control FIFO at path and emits an event for each
// command written to it, one per line, until ctx is done.
func ServeControl(ctx context.Context, path string, emit func(trigger.Event)) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if err := unix.Mkfifo(path, 0o622); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("create control fifo: %w", err)
	}

	// Holding a write end keeps reads from seeing EOF between writers.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open control fifo: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e, err := trigger.ParseCommand(line)
		if err != nil {
			log.Printf("control: %v", err)
			continue
		}
		emit(e)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
