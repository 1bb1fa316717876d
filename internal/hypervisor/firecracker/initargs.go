package firecracker

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// InitArgKey is the kernel command line key carrying the guest init arguments.
const InitArgKey = "flare.init"

// MaxInitArgsSize bounds the encoded init arguments. The kernel truncates
// command lines well before this on most architectures.
const MaxInitArgsSize = 2048

// ErrNoInitArgs is returned when a command line carries no init arguments.
var ErrNoInitArgs = errors.New("no " + InitArgKey + " argument on kernel command line")

// InitArgs tells the guest agent what to run.
type InitArgs struct {
	Command []string          `json:"cmd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
	Mounts  []Mount           `json:"mounts,omitempty"`
}

// Mount is an extra filesystem the guest mounts before starting the command.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	FSType   string `json:"fstype,omitempty"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// Encode returns the hex-encoded JSON form used on the kernel command line.
func (a InitArgs) Encode() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal init args: %w", err)
	}
	s := hex.EncodeToString(data)
	if len(s) > MaxInitArgsSize {
		return "", fmt.Errorf("init args are %d bytes encoded, limit %d", len(s), MaxInitArgsSize)
	}
	return s, nil
}

// KernelArg returns the "flare.init=<hex>" kernel argument.
func (a InitArgs) KernelArg() (string, error) {
	s, err := a.Encode()
	if err != nil {
		return "", err
	}
	return InitArgKey + "=" + s, nil
}

// DecodeInitArgs parses the hex-encoded JSON form.
func DecodeInitArgs(s string) (InitArgs, error) {
	var a InitArgs
	data, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("decode init args: %w", err)
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("unmarshal init args: %w", err)
	}
	return a, nil
}

// ParseCmdline extracts init arguments from a kernel command line such as
// the contents of /proc/cmdline.
func ParseCmdline(cmdline string) (InitArgs, error) {
	for field := range strings.FieldsSeq(cmdline) {
		if v, ok := strings.CutPrefix(field, InitArgKey+"="); ok {
			return DecodeInitArgs(v)
		}
	}
	return InitArgs{}, ErrNoInitArgs
}
