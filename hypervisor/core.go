package hypervisor

import (
	"sync"
	"sync/atomic"

	"example.com/nvm/engine/devices"
)

// Statistics is the hypervisor-wide counters snapshot, trimmed from
// core.rs's HypervisorStats to the fields this core actually tracks (no
// storage/migration subsystem exists here).
type Statistics struct {
	TotalVMs         uint64
	RunningVMs       uint64
	PausedVMs        uint64
	TotalVCPUs       uint64
	TotalMemoryBytes uint64
	SnapshotsCreated uint64
}

// Hypervisor owns the VM registry and the CPU/memory resource pools every
// VmSpec is checked and allocated against, grounded on core.rs's
// Hypervisor/VmInstance pair.
type Hypervisor struct {
	mu       sync.RWMutex
	vms      map[VmID]*vmInstance
	names    map[string]VmID
	nextID   atomic.Uint64
	cpuPool  *CpuPool
	memPool  *MemoryPool
	stats    statsCounters
}

type statsCounters struct {
	totalVMs         atomic.Uint64
	runningVMs       atomic.Uint64
	pausedVMs        atomic.Uint64
	totalVCPUs       atomic.Uint64
	totalMemoryBytes atomic.Uint64
	snapshotsCreated atomic.Uint64
}

// NewHypervisor returns a Hypervisor with totalCPUs vCPUs and totalMemoryMB
// megabytes of pooled capacity to allocate VMs against.
func NewHypervisor(totalCPUs uint64, totalMemoryMB uint64) *Hypervisor {
	hv := &Hypervisor{
		vms:     make(map[VmID]*vmInstance),
		names:   make(map[string]VmID),
		cpuPool: NewCpuPool(totalCPUs),
		memPool: NewMemoryPool(totalMemoryMB),
	}
	hv.nextID.Store(0)
	return hv
}

func (hv *Hypervisor) nextVMID() VmID {
	return VmID(hv.nextID.Add(1))
}

// CreateVM registers spec as a new VM in StatusCreated, after checking and
// reserving its vCPU/memory budget against the resource pools.
func (hv *Hypervisor) CreateVM(spec VmSpec) (VmID, error) {
	hv.mu.Lock()
	if _, exists := hv.names[spec.Name]; exists {
		hv.mu.Unlock()
		return 0, newVMAlreadyExists(spec.Name)
	}
	hv.mu.Unlock()

	if err := hv.cpuPool.Allocate(uint64(spec.VCPUs)); err != nil {
		return 0, err
	}
	if err := hv.memPool.Allocate(spec.MemoryMB); err != nil {
		hv.cpuPool.Release(uint64(spec.VCPUs))
		return 0, err
	}

	id := hv.nextVMID()
	inst := newVMInstance(id, spec)

	hv.mu.Lock()
	hv.vms[id] = inst
	hv.names[spec.Name] = id
	hv.mu.Unlock()

	hv.stats.totalVMs.Add(1)
	hv.stats.totalVCPUs.Add(uint64(spec.VCPUs))
	hv.stats.totalMemoryBytes.Add(spec.MemoryMB * 1024 * 1024)

	return id, nil
}

func (hv *Hypervisor) get(id VmID) (*vmInstance, error) {
	hv.mu.RLock()
	defer hv.mu.RUnlock()
	inst, ok := hv.vms[id]
	if !ok {
		return nil, newVMNotFound(id)
	}
	return inst, nil
}

// StartVM transitions id through Starting to Running, building its inner
// VirtualMachine and applying the firmware's BootContext to the BSP.
func (hv *Hypervisor) StartVM(id VmID) error {
	inst, err := hv.get(id)
	if err != nil {
		return err
	}
	if err := inst.start(); err != nil {
		return err
	}
	hv.stats.runningVMs.Add(1)
	return nil
}

// StopVM tears down id's inner VirtualMachine, from Running or Paused.
func (hv *Hypervisor) StopVM(id VmID) error {
	inst, err := hv.get(id)
	if err != nil {
		return err
	}
	wasPaused := inst.Status() == StatusPaused
	if err := inst.stop(); err != nil {
		return err
	}
	if wasPaused {
		decrementFloor(&hv.stats.pausedVMs)
	} else {
		decrementFloor(&hv.stats.runningVMs)
	}
	return nil
}

// PauseVM freezes id's vCPUs from Running.
func (hv *Hypervisor) PauseVM(id VmID) error {
	inst, err := hv.get(id)
	if err != nil {
		return err
	}
	if err := inst.pause(); err != nil {
		return err
	}
	decrementFloor(&hv.stats.runningVMs)
	hv.stats.pausedVMs.Add(1)
	return nil
}

// ResumeVM lifts a pause, from Paused back to Running.
func (hv *Hypervisor) ResumeVM(id VmID) error {
	inst, err := hv.get(id)
	if err != nil {
		return err
	}
	if err := inst.resume(); err != nil {
		return err
	}
	decrementFloor(&hv.stats.pausedVMs)
	hv.stats.runningVMs.Add(1)
	return nil
}

// ResetVM re-applies the firmware boot context to the BSP in place.
func (hv *Hypervisor) ResetVM(id VmID) error {
	inst, err := hv.get(id)
	if err != nil {
		return err
	}
	return inst.reset()
}

// DestroyVM stops id if still running or paused, releases its pooled
// resources, and removes it from the registry, strictly in that order so
// a failed stop never leaks the registry slot silently (SPEC_FULL.md §4.6).
func (hv *Hypervisor) DestroyVM(id VmID) error {
	inst, err := hv.get(id)
	if err != nil {
		return err
	}

	status := inst.Status()
	if status == StatusRunning || status == StatusPaused {
		if err := inst.stop(); err != nil {
			return err
		}
	}

	hv.cpuPool.Release(uint64(inst.spec.VCPUs))
	hv.memPool.Release(inst.spec.MemoryMB)

	hv.mu.Lock()
	delete(hv.vms, id)
	delete(hv.names, inst.spec.Name)
	hv.mu.Unlock()

	decrementFloor(&hv.stats.totalVMs)
	subtractFloor(&hv.stats.totalVCPUs, uint64(inst.spec.VCPUs))
	subtractFloor(&hv.stats.totalMemoryBytes, inst.spec.MemoryMB*1024*1024)

	return nil
}

// VMStatus reports id's current lifecycle state.
func (hv *Hypervisor) VMStatus(id VmID) (VmStatus, error) {
	inst, err := hv.get(id)
	if err != nil {
		return 0, err
	}
	return inst.Status(), nil
}

// VMInfo reports id's identity, status, and resource footprint.
func (hv *Hypervisor) VMInfo(id VmID) (VmInfo, error) {
	inst, err := hv.get(id)
	if err != nil {
		return VmInfo{}, err
	}
	return inst.info(), nil
}

// SnapshotVM captures id's CPU/memory state under name.
func (hv *Hypervisor) SnapshotVM(id VmID, name string) error {
	inst, err := hv.get(id)
	if err != nil {
		return err
	}
	if _, err := inst.snapshot(name, ""); err != nil {
		return err
	}
	hv.stats.snapshotsCreated.Add(1)
	return nil
}

// RestoreVMSnapshot rebuilds id's inner VirtualMachine from a previously
// captured named snapshot.
func (hv *Hypervisor) RestoreVMSnapshot(id VmID, name string) error {
	inst, err := hv.get(id)
	if err != nil {
		return err
	}
	return inst.restoreSnapshot(name)
}

// Console returns id's COM1 device so a caller (e.g. an interactive CLI) can
// inject keystrokes into the guest. The VM must be running or paused.
func (hv *Hypervisor) Console(id VmID) (*devices.SerialPortDevice, error) {
	inst, err := hv.get(id)
	if err != nil {
		return nil, err
	}
	return inst.serial()
}

// ListVMs returns every registered VM's info.
func (hv *Hypervisor) ListVMs() []VmInfo {
	hv.mu.RLock()
	insts := make([]*vmInstance, 0, len(hv.vms))
	for _, inst := range hv.vms {
		insts = append(insts, inst)
	}
	hv.mu.RUnlock()

	infos := make([]VmInfo, len(insts))
	for i, inst := range insts {
		infos[i] = inst.info()
	}
	return infos
}

// Statistics reports the hypervisor's aggregate counters.
func (hv *Hypervisor) Statistics() Statistics {
	return Statistics{
		TotalVMs:         hv.stats.totalVMs.Load(),
		RunningVMs:       hv.stats.runningVMs.Load(),
		PausedVMs:        hv.stats.pausedVMs.Load(),
		TotalVCPUs:       hv.stats.totalVCPUs.Load(),
		TotalMemoryBytes: hv.stats.totalMemoryBytes.Load(),
		SnapshotsCreated: hv.stats.snapshotsCreated.Load(),
	}
}

// decrementFloor subtracts 1 from c without underflowing past zero,
// mirroring core.rs's "if stats.running_vms > 0 { running_vms -= 1 }"
// guards around its plain u64 counters.
func decrementFloor(c *atomic.Uint64) {
	subtractFloor(c, 1)
}

func subtractFloor(c *atomic.Uint64, n uint64) {
	for {
		v := c.Load()
		next := v - n
		if n > v {
			next = 0
		}
		if c.CompareAndSwap(v, next) {
			return
		}
	}
}
