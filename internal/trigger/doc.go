// Package trigger defines the guest-to-host event protocol used to signal
// readiness triggers and flash lock commands, and the host-side detector that
// evaluates a machine's snapshot policy against observed events.
package trigger
