package trigger

import "github.com/seantiz/flare/internal/model"

// Detector evaluates a snapshot policy against the events of one running
// period. The first satisfying event is authoritative: Observe reports true
// exactly once and ignores everything after it.
type Detector struct {
	policy  model.SnapshotPolicy
	listens int
	fired   bool
}

// NewDetector returns a detector for policy.
func NewDetector(policy model.SnapshotPolicy) *Detector {
	return &Detector{policy: policy}
}

// Observe feeds one event and reports whether it satisfies the policy.
func (d *Detector) Observe(e Event) bool {
	if d.fired {
		return false
	}
	if e.Type == TypeListen {
		d.listens++
	}

	switch d.policy.Kind {
	case model.PolicyNthListen:
		d.fired = e.Type == TypeListen && d.listens >= d.policy.N
	case model.PolicyListenPort:
		d.fired = e.Type == TypeListen && int(e.Port) == d.policy.Port
	case model.PolicyUserspaceReady:
		d.fired = e.Type == TypeUserspaceReady
	case model.PolicyManual:
		d.fired = e.Type == TypeManualTrigger
	}
	return d.fired
}

// Fired reports whether the policy has been satisfied.
func (d *Detector) Fired() bool {
	return d.fired
}

// Listens returns the number of listen events observed.
func (d *Detector) Listens() int {
	return d.listens
}
