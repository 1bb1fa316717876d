package machine

import "sync/atomic"

// Budget accounts vCPUs and memory reserved by live hypervisor contexts.
type Budget struct {
	maxVCPUs  int64
	maxMemory int64

	vcpus  atomic.Int64
	memory atomic.Int64
}

// NewBudget returns a budget with the given limits. A non-positive limit is
// unbounded.
func NewBudget(maxVCPUs, maxMemoryMiB int) *Budget {
	return &Budget{maxVCPUs: int64(maxVCPUs), maxMemory: int64(maxMemoryMiB)}
}

// Fits reports whether one instance of the given size could ever run.
func (b *Budget) Fits(vcpus, memoryMiB int) bool {
	return (b.maxVCPUs <= 0 || int64(vcpus) <= b.maxVCPUs) &&
		(b.maxMemory <= 0 || int64(memoryMiB) <= b.maxMemory)
}

// Available reports whether the given amount is still free on top of what
// is already reserved.
func (b *Budget) Available(vcpus, memoryMiB int64) bool {
	return (b.maxVCPUs <= 0 || b.vcpus.Load()+vcpus <= b.maxVCPUs) &&
		(b.maxMemory <= 0 || b.memory.Load()+memoryMiB <= b.maxMemory)
}

// Reserve takes vcpus and memory from the budget, reporting false if either
// would exceed its limit.
func (b *Budget) Reserve(vcpus, memoryMiB int) bool {
	if !reserve(&b.vcpus, int64(vcpus), b.maxVCPUs) {
		return false
	}
	if !reserve(&b.memory, int64(memoryMiB), b.maxMemory) {
		b.vcpus.Add(-int64(vcpus))
		return false
	}
	budgetVCPUs.Set(float64(b.vcpus.Load()))
	budgetMemory.Set(float64(b.memory.Load()))
	return true
}

func reserve(v *atomic.Int64, n, limit int64) bool {
	for {
		cur := v.Load()
		if limit > 0 && cur+n > limit {
			return false
		}
		if v.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Release returns a reservation.
func (b *Budget) Release(vcpus, memoryMiB int) {
	budgetVCPUs.Set(float64(b.vcpus.Add(-int64(vcpus))))
	budgetMemory.Set(float64(b.memory.Add(-int64(memoryMiB))))
}

// Usage returns the reserved vCPUs and memory.
func (b *Budget) Usage() (vcpus, memoryMiB int) {
	return int(b.vcpus.Load()), int(b.memory.Load())
}
