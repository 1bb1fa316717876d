// Package hypervisor defines the interface microVM backends implement and the
// registry the daemon resolves its configured backend from. A backend boots
// fresh VMs, restores VMs from snapshot files and streams guest trigger events
// back to the machine controller.
package hypervisor
