package hypervisor

import "sync/atomic"

// CpuPool tracks vCPUs handed out across all VMs against a fixed host
// budget, grounded on core.rs's CpuPool/MemoryPool usage in check_resources
// and allocate_resources/release, trimmed to the single total/used counter
// pair the Rust resource pools are driven through here (no overcommit
// ratio, no NUMA-aware placement — both are out of this core's scope).
type CpuPool struct {
	total uint64
	used  atomic.Uint64
}

// NewCpuPool returns a pool with total vCPUs available to allocate.
func NewCpuPool(total uint64) *CpuPool {
	return &CpuPool{total: total}
}

// Available returns how many vCPUs remain unallocated.
func (p *CpuPool) Available() uint64 {
	used := p.used.Load()
	if used >= p.total {
		return 0
	}
	return p.total - used
}

// Allocate reserves n vCPUs, failing if that would exceed total.
func (p *CpuPool) Allocate(n uint64) error {
	for {
		used := p.used.Load()
		if used+n > p.total {
			return newResourceUnavailable("cpu", n, p.total-used)
		}
		if p.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

// Release returns n previously allocated vCPUs to the pool.
func (p *CpuPool) Release(n uint64) {
	for {
		used := p.used.Load()
		next := used - n
		if n > used {
			next = 0
		}
		if p.used.CompareAndSwap(used, next) {
			return
		}
	}
}

// MemoryPool tracks guest memory (MB) handed out across all VMs against a
// fixed host budget, the memory counterpart to CpuPool.
type MemoryPool struct {
	totalMB uint64
	usedMB  atomic.Uint64
}

// NewMemoryPool returns a pool with totalMB megabytes available to
// allocate.
func NewMemoryPool(totalMB uint64) *MemoryPool {
	return &MemoryPool{totalMB: totalMB}
}

// Available returns how many megabytes remain unallocated.
func (p *MemoryPool) Available() uint64 {
	used := p.usedMB.Load()
	if used >= p.totalMB {
		return 0
	}
	return p.totalMB - used
}

// Allocate reserves mb megabytes, failing if that would exceed totalMB.
func (p *MemoryPool) Allocate(mb uint64) error {
	for {
		used := p.usedMB.Load()
		if used+mb > p.totalMB {
			return newResourceUnavailable("memory", mb, p.totalMB-used)
		}
		if p.usedMB.CompareAndSwap(used, used+mb) {
			return nil
		}
	}
}

// Release returns mb previously allocated megabytes to the pool.
func (p *MemoryPool) Release(mb uint64) {
	for {
		used := p.usedMB.Load()
		next := used - mb
		if mb > used {
			next = 0
		}
		if p.usedMB.CompareAndSwap(used, next) {
			return
		}
	}
}
