package hypervisor

import (
	"fmt"
	"sync"
	"time"

	"example.com/nvm/engine"
	"example.com/nvm/engine/devices"
	"example.com/nvm/firmware"
)

// VmInfo is the externally visible snapshot of a VM's identity and status,
// the Go counterpart of core.rs's VmInfo trimmed to the fields VmSpec still
// carries.
type VmInfo struct {
	ID              VmID
	Name            string
	Status          VmStatus
	CreatedAt       time.Time
	StatusChangedAt time.Time
	VCPUs           uint32
	MemoryMB        uint64
	SnapshotCount   int
}

// vmInstance is one registry entry: a spec, a lifecycle status, the
// engine-level VirtualMachine while running, and its named snapshots.
// Grounded on core.rs's VmInstance, minus the disk/NIC/stats fields this
// core has no subsystem to back.
type vmInstance struct {
	mu              sync.RWMutex
	id              VmID
	spec            VmSpec
	status          VmStatus
	createdAt       time.Time
	statusChangedAt time.Time

	vm        *engine.VirtualMachine
	fw        firmware.Firmware
	snapshots map[string]*VmSnapshot
	runDone   chan struct{}
}

func newVMInstance(id VmID, spec VmSpec) *vmInstance {
	now := time.Now()
	return &vmInstance{
		id:              id,
		spec:            spec,
		status:          StatusCreated,
		createdAt:       now,
		statusChangedAt: now,
		snapshots:       make(map[string]*VmSnapshot),
	}
}

func (v *vmInstance) Status() VmStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

func (v *vmInstance) setStatus(s VmStatus) {
	v.mu.Lock()
	v.status = s
	v.statusChangedAt = time.Now()
	v.mu.Unlock()
}

func firmwareFor(name string) (firmware.Firmware, error) {
	switch name {
	case "", "bios":
		return firmware.NewBios(), nil
	default:
		return nil, &Error{Kind: ErrKindNotSupported, Message: fmt.Sprintf("hypervisor: unsupported firmware %q", name)}
	}
}

// start builds the inner engine.VirtualMachine, invokes the firmware
// loader, applies its BootContext to the BSP, and begins the run loop,
// per SPEC_FULL.md §4.6's start sequence.
func (v *vmInstance) start() error {
	v.mu.Lock()
	current := v.status
	if current != StatusCreated && current != StatusStopped && current != StatusSaved {
		v.mu.Unlock()
		return newInvalidState(current, StatusCreated, StatusStopped, StatusSaved)
	}
	v.status = StatusStarting
	v.statusChangedAt = time.Now()
	v.mu.Unlock()

	fw, err := firmwareFor(v.spec.Firmware)
	if err != nil {
		v.setStatus(StatusError)
		return err
	}

	vm, err := engine.NewVirtualMachine(v.spec.MemoryMB*1024*1024, int(v.spec.VCPUs), false)
	if err != nil {
		v.setStatus(StatusError)
		return fmt.Errorf("hypervisor: start vm %d: %w", v.id, err)
	}

	bootImage := v.spec.BootImage
	if len(bootImage) == 0 {
		bootImage = []byte{0xF4} // HLT: a VM with no boot image just halts at reset
	}
	bc, err := fw.Load(vm.AddressSpace(), bootImage)
	if err != nil {
		vm.Close()
		v.setStatus(StatusError)
		return fmt.Errorf("hypervisor: firmware load for vm %d: %w", v.id, err)
	}
	if err := vm.ApplyBootContext(0, bc); err != nil {
		vm.Close()
		v.setStatus(StatusError)
		return err
	}
	vm.HaltSecondaryCPUs()

	v.mu.Lock()
	v.vm = vm
	v.fw = fw
	v.runDone = make(chan struct{})
	done := v.runDone
	v.mu.Unlock()

	go func() {
		defer close(done)
		vm.Run()
	}()

	v.setStatus(StatusRunning)
	return nil
}

// stop halts the run loop and tears down the inner VM.
func (v *vmInstance) stop() error {
	v.mu.Lock()
	current := v.status
	if current != StatusRunning && current != StatusPaused {
		v.mu.Unlock()
		return newInvalidState(current, StatusRunning, StatusPaused)
	}
	v.status = StatusStopping
	v.statusChangedAt = time.Now()
	vm := v.vm
	done := v.runDone
	v.mu.Unlock()

	if vm != nil {
		vm.Stop()
		if done != nil {
			<-done
		}
		vm.Close()
	}

	v.mu.Lock()
	v.vm = nil
	v.runDone = nil
	v.mu.Unlock()

	v.setStatus(StatusStopped)
	return nil
}

// pause freezes every vCPU's fetch loop without tearing down the VM.
func (v *vmInstance) pause() error {
	v.mu.Lock()
	current := v.status
	if current != StatusRunning {
		v.mu.Unlock()
		return newInvalidState(current, StatusRunning)
	}
	vm := v.vm
	v.mu.Unlock()

	if vm != nil {
		vm.Pause()
	}
	v.setStatus(StatusPaused)
	return nil
}

// resume lifts a prior pause.
func (v *vmInstance) resume() error {
	v.mu.Lock()
	current := v.status
	if current != StatusPaused {
		v.mu.Unlock()
		return newInvalidState(current, StatusPaused)
	}
	vm := v.vm
	v.mu.Unlock()

	if vm != nil {
		vm.Resume()
	}
	v.setStatus(StatusRunning)
	return nil
}

// reset re-applies the firmware's BootContext to the BSP without
// releasing pooled resources, equivalent to a guest-visible power cycle.
func (v *vmInstance) reset() error {
	v.mu.RLock()
	vm, fw := v.vm, v.fw
	v.mu.RUnlock()
	if vm == nil || fw == nil {
		return newInvalidState(v.Status(), StatusRunning, StatusPaused)
	}
	bootImage := v.spec.BootImage
	if len(bootImage) == 0 {
		bootImage = []byte{0xF4}
	}
	bc, err := fw.Load(vm.AddressSpace(), bootImage)
	if err != nil {
		return fmt.Errorf("hypervisor: firmware reload on reset: %w", err)
	}
	if err := vm.ApplyBootContext(0, bc); err != nil {
		return err
	}
	vm.HaltSecondaryCPUs()
	return nil
}

// snapshot captures CPU registers, sparse RAM pages, and the current
// status into a named VmSnapshot, requiring the VM to be running or
// paused (there is otherwise no live CPU/memory state worth capturing).
func (v *vmInstance) snapshot(name, parent string) (*VmSnapshot, error) {
	v.mu.Lock()
	current := v.status
	if current != StatusRunning && current != StatusPaused {
		v.mu.Unlock()
		return nil, newInvalidState(current, StatusRunning, StatusPaused)
	}
	vm := v.vm
	v.status = StatusSaving
	v.statusChangedAt = time.Now()
	v.mu.Unlock()

	cpuStates := make([]RegisterSnapshot, v.spec.VCPUs)
	for i := uint32(0); i < v.spec.VCPUs; i++ {
		vcpu, err := vm.GetVCPU(int(i))
		if err != nil {
			v.setStatus(current)
			return nil, newSnapshotError("read vCPU %d: %v", i, err)
		}
		cpuStates[i] = snapshotCPU(vcpu.State())
	}

	snap := &VmSnapshot{
		Name:        name,
		CreatedAt:   time.Now(),
		CPUStates:   cpuStates,
		MemoryPages: snapshotMemory(vm.AddressSpace()),
		VMState:     current,
		Parent:      parent,
	}

	v.mu.Lock()
	v.snapshots[name] = snap
	v.mu.Unlock()

	v.setStatus(current)
	return snap, nil
}

// restoreSnapshot stops the run loop's effect on shared state (the VM must
// already be stopped), writes back CPU registers and memory pages, and
// restores the VM's captured status.
func (v *vmInstance) restoreSnapshot(name string) error {
	v.mu.Lock()
	snap, ok := v.snapshots[name]
	current := v.status
	v.mu.Unlock()
	if !ok {
		return newSnapshotError("snapshot %q not found", name)
	}
	if current != StatusStopped && current != StatusCreated {
		return newInvalidState(current, StatusStopped, StatusCreated)
	}

	v.setStatus(StatusRestoring)

	vm, err := engine.NewVirtualMachine(v.spec.MemoryMB*1024*1024, int(v.spec.VCPUs), false)
	if err != nil {
		v.setStatus(StatusError)
		return fmt.Errorf("hypervisor: restore vm %d: %w", v.id, err)
	}
	if err := restoreMemory(vm.AddressSpace(), snap.MemoryPages); err != nil {
		vm.Close()
		v.setStatus(StatusError)
		return newSnapshotError("restore memory: %v", err)
	}
	for i, cpuSnap := range snap.CPUStates {
		vcpu, err := vm.GetVCPU(i)
		if err != nil {
			vm.Close()
			v.setStatus(StatusError)
			return newSnapshotError("restore vCPU %d: %v", i, err)
		}
		restoreCPU(vcpu.State(), cpuSnap)
	}

	fw, err := firmwareFor(v.spec.Firmware)
	if err != nil {
		vm.Close()
		v.setStatus(StatusError)
		return err
	}

	v.mu.Lock()
	v.vm = vm
	v.fw = fw
	v.runDone = make(chan struct{})
	done := v.runDone
	v.mu.Unlock()

	go func() {
		defer close(done)
		vm.Run()
	}()

	v.setStatus(snap.VMState)
	return nil
}

// serial returns the running VM's COM1 device for console input injection,
// or an error if the VM has no live engine instance.
func (v *vmInstance) serial() (*devices.SerialPortDevice, error) {
	v.mu.RLock()
	vm := v.vm
	v.mu.RUnlock()
	if vm == nil {
		return nil, newInvalidState(v.Status(), StatusRunning, StatusPaused)
	}
	return vm.Serial(), nil
}

func (v *vmInstance) info() VmInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return VmInfo{
		ID:              v.id,
		Name:            v.spec.Name,
		Status:          v.status,
		CreatedAt:       v.createdAt,
		StatusChangedAt: v.statusChangedAt,
		VCPUs:           v.spec.VCPUs,
		MemoryMB:        v.spec.MemoryMB,
		SnapshotCount:   len(v.snapshots),
	}
}
