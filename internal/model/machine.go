package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultNamespace is used when a machine or service does not name one.
const DefaultNamespace = "default"

// Instance status constants.
const (
	StatusNew       = "new"
	StatusRunning   = "running"
	StatusReady     = "ready"
	StatusStopping  = "stopping"
	StatusSuspended = "suspended"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// Machine mode constants.
const (
	ModeAlwaysOn = "always-on"
	ModeOnDemand = "on-demand"
)

// Snapshot strategy constants for on-demand machines.
const (
	StrategyNone   = "none"
	StrategyBoot   = "boot"
	StrategyNet    = "net"
	StrategyManual = "manual"
)

// Snapshot policy kinds.
const (
	PolicyNthListen      = "nth-listen"
	PolicyListenPort     = "listen-port"
	PolicyUserspaceReady = "userspace-ready"
	PolicyManual         = "manual"
)

// Scaling kinds.
const (
	ScalingFixed = "fixed"
	ScalingAuto  = "auto"
)

// MaxReplicas bounds the replica slots a single machine may ask for.
const MaxReplicas = 64

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusNew: {
		StatusRunning:  true,
		StatusStopping: true,
		StatusStopped:  true,
		StatusError:    true,
	},
	StatusRunning: {
		StatusReady:    true,
		StatusStopping: true,
		StatusError:    true,
	},
	StatusReady: {
		StatusSuspended: true,
		StatusStopping:  true,
		StatusError:     true,
	},
	StatusSuspended: {
		StatusRunning:  true,
		StatusStopping: true,
		StatusStopped:  true,
		StatusError:    true,
	},
	StatusStopping: {
		StatusStopped: true,
		StatusError:   true,
	},
	StatusStopped: {
		StatusNew: true,
	},
	StatusError: {
		StatusNew:      true,
		StatusStopping: true,
		StatusStopped:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// SnapshotPolicy is the condition under which a booted machine is considered
// ready and eligible for its first snapshot.
type SnapshotPolicy struct {
	Kind string `json:"kind"`
	N    int    `json:"n,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Mode selects between always-on and on-demand machines.
type Mode struct {
	Kind                string `json:"kind"`
	SnapshotStrategy    string `json:"snapshot_strategy,omitempty"`
	Stateful            bool   `json:"stateful,omitempty"`
	AllowIdleConnection bool   `json:"allow_idle_connection,omitempty"`
	IdleTimeoutS        int    `json:"idle_timeout_s,omitempty"`
}

// Scaling controls how many instances a machine runs.
type Scaling struct {
	Kind     string `json:"kind"`
	Replicas int    `json:"replicas,omitempty"`
	Min      int    `json:"min,omitempty"`
	Max      int    `json:"max,omitempty"`
}

// MachineSpec is the deployable definition of a machine.
type MachineSpec struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Image     string            `json:"image"`
	VCPUs     int               `json:"vcpus"`
	MemoryMiB int               `json:"memory_mib"`
	Env       map[string]string `json:"env,omitempty"`
	Command   []string          `json:"command,omitempty"`
	Mode      Mode              `json:"mode"`
	Policy    *SnapshotPolicy   `json:"snapshot_policy,omitempty"`
	Scaling   Scaling           `json:"scaling"`
}

// Machine is a deployed machine and the state of its instances.
type Machine struct {
	ID         string      `json:"id"`
	Spec       MachineSpec `json:"spec"`
	Status     string      `json:"status"`
	Stopped    bool        `json:"stopped"`
	ConfigHash string      `json:"config_hash"`
	Instances  []Instance  `json:"instances,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Instance is the runtime state of one replica of a machine.
type Instance struct {
	Key             string    `json:"key"`
	MachineID       string    `json:"machine_id"`
	Slot            int       `json:"slot"`
	Status          string    `json:"status"`
	IP              string    `json:"ip,omitempty"`
	SnapshotVersion string    `json:"snapshot_version,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LogLine represents a single persisted line of guest console output.
type LogLine struct {
	ID        int64     `json:"id"`
	MachineID string    `json:"machine_id"`
	Instance  string    `json:"instance"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

var nameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidName reports whether s is usable as a machine, service or namespace name.
func ValidName(s string) bool {
	return nameRE.MatchString(s)
}

// InstanceKey returns the stable identity key of a machine replica slot.
func InstanceKey(namespace, name string, slot int) string {
	return namespace + "/" + name + "#" + strconv.Itoa(slot)
}

// ParseInstanceKey splits an instance key into its parts.
func ParseInstanceKey(key string) (namespace, name string, slot int, err error) {
	ref, slotStr, ok := strings.Cut(key, "#")
	if !ok {
		return "", "", 0, fmt.Errorf("instance key %q: missing slot", key)
	}
	namespace, name, ok = strings.Cut(ref, "/")
	if !ok {
		return "", "", 0, fmt.Errorf("instance key %q: missing namespace", key)
	}
	slot, err = strconv.Atoi(slotStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("instance key %q: %w", key, err)
	}
	return namespace, name, slot, nil
}

// Ref returns the namespaced name of the machine.
func (s *MachineSpec) Ref() string {
	return s.Namespace + "/" + s.Name
}

// Normalize fills defaults in place.
func (s *MachineSpec) Normalize() {
	if s.Namespace == "" {
		s.Namespace = DefaultNamespace
	}
	if s.Mode.Kind == "" {
		s.Mode.Kind = ModeAlwaysOn
	}
	if s.Mode.Kind == ModeOnDemand && s.Mode.SnapshotStrategy == "" {
		s.Mode.SnapshotStrategy = StrategyNet
	}
	if s.Scaling.Kind == "" {
		s.Scaling.Kind = ScalingFixed
	}
	if s.Scaling.Kind == ScalingFixed && s.Scaling.Replicas == 0 {
		s.Scaling.Replicas = 1
	}
}

// Validate checks the spec for malformed or conflicting fields.
func (s *MachineSpec) Validate() error {
	var errs []error
	if !ValidName(s.Name) {
		errs = append(errs, fmt.Errorf("name %q must be a lowercase DNS label", s.Name))
	}
	if !ValidName(s.Namespace) {
		errs = append(errs, fmt.Errorf("namespace %q must be a lowercase DNS label", s.Namespace))
	}
	if s.Image == "" {
		errs = append(errs, errors.New("image is required"))
	}
	if s.VCPUs < 1 || s.VCPUs > 32 {
		errs = append(errs, fmt.Errorf("vcpus must be between 1 and 32, got %d", s.VCPUs))
	}
	if s.MemoryMiB < 64 {
		errs = append(errs, fmt.Errorf("memory must be at least 64 MiB, got %d", s.MemoryMiB))
	}

	switch s.Mode.Kind {
	case ModeAlwaysOn:
		if s.Mode.SnapshotStrategy != "" && s.Mode.SnapshotStrategy != StrategyNone {
			errs = append(errs, errors.New("always-on machines do not take snapshots"))
		}
	case ModeOnDemand:
		switch s.Mode.SnapshotStrategy {
		case StrategyNone, StrategyBoot, StrategyNet, StrategyManual:
		default:
			errs = append(errs, fmt.Errorf("unknown snapshot strategy %q", s.Mode.SnapshotStrategy))
		}
		if s.Mode.IdleTimeoutS < 0 {
			errs = append(errs, errors.New("idle timeout must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", s.Mode.Kind))
	}

	if s.Policy != nil {
		if err := s.Policy.validate(); err != nil {
			errs = append(errs, err)
		}
		if !s.SnapshotsEnabled() {
			errs = append(errs, errors.New("snapshot policy requires an on-demand mode with a snapshot strategy"))
		}
	}

	switch s.Scaling.Kind {
	case ScalingFixed:
		if s.Scaling.Replicas < 1 || s.Scaling.Replicas > MaxReplicas {
			errs = append(errs, fmt.Errorf("fixed scaling needs between 1 and %d replicas, got %d", MaxReplicas, s.Scaling.Replicas))
		}
	case ScalingAuto:
		if s.Scaling.Min < 1 || s.Scaling.Max < s.Scaling.Min {
			errs = append(errs, fmt.Errorf("auto scaling needs 1 <= min <= max, got min=%d max=%d", s.Scaling.Min, s.Scaling.Max))
		} else if s.Scaling.Max > MaxReplicas {
			errs = append(errs, fmt.Errorf("auto scaling max must not exceed %d, got %d", MaxReplicas, s.Scaling.Max))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown scaling %q", s.Scaling.Kind))
	}

	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			errs = append(errs, fmt.Errorf("invalid environment variable name %q", k))
		}
	}

	return errors.Join(errs...)
}

func (p *SnapshotPolicy) validate() error {
	switch p.Kind {
	case PolicyNthListen:
		if p.N < 1 {
			return fmt.Errorf("nth-listen policy needs n >= 1, got %d", p.N)
		}
	case PolicyListenPort:
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("listen-port policy needs a valid port, got %d", p.Port)
		}
	case PolicyUserspaceReady, PolicyManual:
	default:
		return fmt.Errorf("unknown snapshot policy %q", p.Kind)
	}
	return nil
}

// SnapshotsEnabled reports whether instances of the machine are snapshotted
// and suspended when idle.
func (s *MachineSpec) SnapshotsEnabled() bool {
	return s.Mode.Kind == ModeOnDemand && s.Mode.SnapshotStrategy != StrategyNone
}

// EffectivePolicy returns the trigger policy for the machine. The zero policy
// means the machine is ready as soon as it boots.
func (s *MachineSpec) EffectivePolicy() SnapshotPolicy {
	if !s.SnapshotsEnabled() {
		return SnapshotPolicy{}
	}
	if s.Policy != nil {
		return *s.Policy
	}
	switch s.Mode.SnapshotStrategy {
	case StrategyBoot:
		return SnapshotPolicy{Kind: PolicyUserspaceReady}
	case StrategyManual:
		return SnapshotPolicy{Kind: PolicyManual}
	default:
		return SnapshotPolicy{Kind: PolicyNthListen, N: 1}
	}
}

// InitialSlots returns the number of replica slots created at deploy time.
func (s *MachineSpec) InitialSlots() int {
	if s.Scaling.Kind == ScalingAuto {
		return s.Scaling.Min
	}
	return s.Scaling.Replicas
}

// MaxSlots returns the upper bound on replica slots.
func (s *MachineSpec) MaxSlots() int {
	if s.Scaling.Kind == ScalingAuto {
		return s.Scaling.Max
	}
	return s.Scaling.Replicas
}

// Hash returns a stable digest of the spec used to detect configuration changes.
func (s *MachineSpec) Hash() string {
	// encoding/json sorts map keys, so equal specs encode identically.
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AggregateStatus reduces instance statuses to a single machine status.
// The most advanced live status wins: ready, running, suspended, new.
func AggregateStatus(instances []Instance) string {
	if len(instances) == 0 {
		return StatusNew
	}
	rank := map[string]int{
		StatusReady:     7,
		StatusRunning:   6,
		StatusStopping:  5,
		StatusSuspended: 4,
		StatusNew:       3,
		StatusError:     2,
		StatusStopped:   1,
	}
	best := instances[0].Status
	for _, in := range instances[1:] {
		if rank[in.Status] > rank[best] {
			best = in.Status
		}
	}
	return best
}
