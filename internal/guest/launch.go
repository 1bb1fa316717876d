package guest

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"

	fc "github.com/seantiz/flare/internal/hypervisor/firecracker"
)

// Launch mounts the requested filesystems and starts the application with
// its output on console. The caller collects the process with Reap.
func Launch(args fc.InitArgs, console io.Writer) (*os.Process, error) {
	if len(args.Command) == 0 {
		return nil, errors.New("no command to run")
	}
	if err := mountExtra(args.Mounts); err != nil {
		return nil, err
	}

	cmd := exec.Command(args.Command[0], args.Command[1:]...)
	cmd.Dir = args.WorkDir
	cmd.Stdout = console
	cmd.Stderr = console

	cmd.Env = os.Environ()
	for _, k := range slices.Sorted(maps.Keys(args.Env)) {
		cmd.Env = append(cmd.Env, k+"="+args.Env[k])
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args.Command[0], err)
	}
	return cmd.Process, nil
}
