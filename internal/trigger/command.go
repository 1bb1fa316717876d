package trigger

import (
	"fmt"
	"strings"
)

// Plaintext commands accepted on the in-guest control channel.
const (
	CommandFlashLock      = "flash_lock"
	CommandFlashUnlock    = "flash_unlock"
	CommandManualTrigger  = "manual_trigger"
	CommandUserspaceReady = "userspace_ready"
)

var commands = map[string]Type{
	CommandFlashLock:      TypeFlashLock,
	CommandFlashUnlock:    TypeFlashUnlock,
	CommandManualTrigger:  TypeManualTrigger,
	CommandUserspaceReady: TypeUserspaceReady,
}

// ParseCommand maps a control channel command to its event.
// Surrounding whitespace and trailing NUL bytes are ignored.
func ParseCommand(s string) (Event, error) {
	cmd := strings.TrimSpace(strings.TrimRight(s, "\x00"))
	t, ok := commands[cmd]
	if !ok {
		return Event{}, fmt.Errorf("unknown control command %q", cmd)
	}
	return Event{Type: t}, nil
}
