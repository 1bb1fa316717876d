package trigger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// Version is the protocol version carried in every frame.
const Version byte = 1

// FrameSize is the fixed size of an encoded event.
const FrameSize = 8

// Type identifies a guest event.
type Type byte

// Event types emitted by the guest agent.
const (
	TypeHello          Type = 1
	TypeListen         Type = 2
	TypeUserspaceReady Type = 3
	TypeManualTrigger  Type = 4
	TypeFlashLock      Type = 5
	TypeFlashUnlock    Type = 6
)

var typeNames = map[Type]string{
	TypeHello:          "hello",
	TypeListen:         "listen",
	TypeUserspaceReady: "userspace_ready",
	TypeManualTrigger:  "manual_trigger",
	TypeFlashLock:      "flash_lock",
	TypeFlashUnlock:    "flash_unlock",
}

// String returns the wire name of the event type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

var (
	// ErrBadVersion is returned when a frame carries an unsupported version.
	ErrBadVersion = errors.New("unsupported trigger protocol version")

	// ErrUnknownType is returned when a frame carries an unknown event type.
	ErrUnknownType = errors.New("unknown trigger event type")
)

// Event is a typed signal from the guest.
//
// Frame layout: version | type | port (u16 BE) | arg (u32 BE).
// For listen events arg is the bound IPv4 address; for hello it is the
// number of events the agent has sent since it started.
type Event struct {
	Type Type
	Port uint16
	Arg  uint32
}

// ListenEvent builds a listen event for addr.
func ListenEvent(addr netip.AddrPort) Event {
	ev := Event{Type: TypeListen, Port: addr.Port()}
	if a := addr.Addr().Unmap(); a.Is4() {
		ev.Arg = binary.BigEndian.Uint32(a.AsSlice())
	}
	return ev
}

// Addr returns the IPv4 address carried by a listen event.
func (e Event) Addr() netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], e.Arg)
	return netip.AddrFrom4(b)
}

// MarshalBinary encodes the event into a frame.
func (e Event) MarshalBinary() ([]byte, error) {
	if _, ok := typeNames[e.Type]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, byte(e.Type))
	}
	b := make([]byte, FrameSize)
	b[0] = Version
	b[1] = byte(e.Type)
	binary.BigEndian.PutUint16(b[2:4], e.Port)
	binary.BigEndian.PutUint32(b[4:8], e.Arg)
	return b, nil
}

// UnmarshalBinary decodes a frame.
func (e *Event) UnmarshalBinary(b []byte) error {
	if len(b) != FrameSize {
		return fmt.Errorf("frame size %d, want %d", len(b), FrameSize)
	}
	if b[0] != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, b[0])
	}
	t := Type(b[1])
	if _, ok := typeNames[t]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, b[1])
	}
	e.Type = t
	e.Port = binary.BigEndian.Uint16(b[2:4])
	e.Arg = binary.BigEndian.Uint32(b[4:8])
	return nil
}

// WriteEvent writes one frame to w.
func WriteEvent(w io.Writer, e Event) error {
	b, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadEvent reads one frame from r.
func ReadEvent(r io.Reader) (Event, error) {
	var buf [FrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Event{}, fmt.Errorf("read frame: %w", err)
	}
	var e Event
	if err := e.UnmarshalBinary(buf[:]); err != nil {
		return Event{}, err
	}
	return e, nil
}
