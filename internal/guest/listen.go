package guest

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/flare/internal/trigger"
)

// tcpListenState is the socket state /proc/net/tcp reports for LISTEN.
const tcpListenState = "0A"

// DefaultListenPollInterval is how often the socket tables are scanned.
const DefaultListenPollInterval = 20 * time.Millisecond

var procNetTCP = []string{"/proc/net/tcp", "/proc/net/tcp6"}

// ListenWatcher emits a listen event for every new listening TCP socket.
type ListenWatcher struct {
	emit  func(trigger.Event)
	paths []string
	seen  map[netip.AddrPort]bool
}

// NewListenWatcher returns a watcher reading the kernel's socket tables.
func NewListenWatcher(emit func(trigger.Event)) *ListenWatcher {
	return &ListenWatcher{
		emit:  emit,
		paths: procNetTCP,
		seen:  make(map[netip.AddrPort]bool),
	}
}

// Run polls until ctx is done.
func (w *ListenWatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.Poll(); err != nil {
			log.Printf("scan listening sockets: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll scans the socket tables once. A socket that closes and is bound
// again counts as new.
func (w *ListenWatcher) Poll() error {
	current := make(map[netip.AddrPort]bool)
	for _, path := range w.paths {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		addrs, err := parseProcNetTCP(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, addr := range addrs {
			current[addr] = true
		}
	}

	for addr := range current {
		if !w.seen[addr] {
			log.Printf("listening on %s", addr)
			w.emit(trigger.ListenEvent(addr))
		}
	}
	w.seen = current
	return nil
}

// parseProcNetTCP returns the local addresses of LISTEN sockets in a
// /proc/net/tcp or /proc/net/tcp6 table.
func parseProcNetTCP(r io.Reader) ([]netip.AddrPort, error) {
	var addrs []netip.AddrPort
	scanner := bufio.NewScanner(r)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != tcpListenState {
			continue
		}
		addr, err := parseHexAddrPort(fields[1])
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, scanner.Err()
}

// parseHexAddrPort decodes "0100007F:1F90". The kernel prints the address
// as native-endian 32-bit words.
func parseHexAddrPort(s string) (netip.AddrPort, error) {
	hexAddr, hexPort, ok := strings.Cut(s, ":")
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("malformed socket address %q", s)
	}
	port, err := strconv.ParseUint(hexPort, 16, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("malformed port in %q: %w", s, err)
	}
	raw, err := hex.DecodeString(hexAddr)
	if err != nil || (len(raw) != 4 && len(raw) != 16) {
		return netip.AddrPort{}, fmt.Errorf("malformed address in %q", s)
	}
	for i := 0; i < len(raw); i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}
	addr, _ := netip.AddrFromSlice(raw)
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
