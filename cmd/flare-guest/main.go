// Command flare-guest is the init process of flare microVMs. It starts the
// application named on the kernel command line, watches it for snapshot
// triggers, and serves the trigger events to the host over vsock.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o flare-guest ./cmd/flare-guest
package main

import (
	"context"
	"log"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/flare/internal/guest"
	fc "github.com/seantiz/flare/internal/hypervisor/firecracker"
	"github.com/seantiz/flare/internal/trigger"
)

func main() {
	guest.SetupInit()

	args, err := guest.ReadInitArgs()
	if err != nil {
		log.Fatalf("init args: %v", err)
	}

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", port, err)
	}
	defer l.Close()

	log.Printf("flare-guest serving trigger events on vsock port %d", port)

	ctx := context.Background()
	agent := guest.New(l)
	go func() {
		if err := agent.Serve(ctx); err != nil {
			log.Printf("serve: %v", err)
		}
	}()
	go func() {
		if err := guest.ServeControl(ctx, fc.ControlFIFO, agent.Emit); err != nil {
			log.Printf("control channel: %v", err)
		}
	}()
	go guest.NewListenWatcher(agent.Emit).Run(ctx, guest.DefaultListenPollInterval)

	proc, err := guest.Launch(args, os.Stdout)
	if err != nil {
		log.Printf("launch: %v", err)
		guest.PowerOff()
		return
	}
	agent.Emit(trigger.Event{Type: trigger.TypeUserspaceReady})

	code := guest.Reap(proc.Pid)
	log.Printf("%s exited with status %d", args.Command[0], code)
	guest.PowerOff()
}
