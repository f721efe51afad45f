package engine

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"unsafe"

	"example.com/nvm/engine/devices"
	"example.com/nvm/engine/network"
	"example.com/nvm/firmware"
	"example.com/nvm/memory"
)

// VirtualMachine owns one guest's physical address space, device bus, and
// vCPUs. It replaces the teacher's KVM-fd-and-mmap wrapper with the
// software decoder/interpreter/JIT pipeline in jit, per SPEC_FULL.md §9's
// resolved "hardware virtualization replacement" question.
type VirtualMachine struct {
	ram       *memory.PhysicalMemory
	addrSpace *memory.AddressSpace
	bus       *devices.Bus

	picDevice    *devices.PICDevice
	pitDevice    *devices.PITDevice
	serialDevice *devices.SerialPortDevice
	rtcDevice    *devices.RTCDevice
	keyboard     *devices.KeyboardDevice
	ne2000       *devices.NE2000Device
	lapic        *devices.LocalApic
	ioapic       *devices.IoApic
	vga          *devices.VgaDevice
	tap          *network.TapDevice

	vcpus []*VirtualCPU

	MemorySize uint64
	NumVCPUs   int
	stopChan   chan struct{}
	running    chan struct{}
	paused     atomic.Bool
	Debug      bool
}

// NewVirtualMachine allocates guest RAM, wires the full device set onto one
// Bus, registers every device's MMIO window, and creates numVCPUs vCPUs
// pre-initialized into flat real mode.
func NewVirtualMachine(memSize uint64, numVCPUs int, enableDebug bool) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = 128 * 1024 * 1024
	}
	if numVCPUs == 0 {
		numVCPUs = 1
	}

	ram, err := memory.NewPhysicalMemory(memSize)
	if err != nil {
		return nil, fmt.Errorf("engine: allocate guest RAM: %w", err)
	}
	addrSpace := memory.NewAddressSpace(ram)

	bus := devices.NewBus()
	pic := devices.NewPICDevice()
	pit := devices.NewPITDevice(pic)
	serial := devices.NewSerialPortDevice(os.Stdout, pic)
	rtc := devices.NewRTCDevice(pic)
	keyboard := devices.NewKeyboardDevice(pic)
	lapic := devices.NewLocalApic(0)
	ioapic := devices.NewIoApic(0)
	vga := devices.NewVgaDevice()

	tap, err := network.NewTapDevice("tap0")
	if err != nil {
		ram.Close()
		return nil, fmt.Errorf("engine: create TAP device: %w", err)
	}
	defaultMAC := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	ne2000 := devices.NewNE2000Device(defaultMAC, tap, pic)

	bus.Register(pic)
	bus.Register(pit)
	bus.Register(serial)
	bus.Register(rtc)
	bus.Register(keyboard)
	bus.Register(ne2000)
	bus.Register(lapic)
	bus.Register(ioapic)
	bus.Register(vga)

	mmioWindows := []struct {
		name string
		base uint64
		size uint64
	}{
		{"vga-legacy", devices.VgaMMIOBase, devices.VgaMMIOSize},
		{"vga-lfb", devices.VgaLFBBase, devices.VgaFBSize},
		{"ioapic", devices.IoapicDefaultBase, devices.IoapicSize},
		{"lapic", devices.LapicDefaultBase, devices.LapicSize},
	}
	bridge := busMMIOHandler{bus: bus}
	for _, w := range mmioWindows {
		if err := addrSpace.RegisterMMIO(w.name, w.base, w.size, bridge); err != nil {
			ram.Close()
			tap.Close()
			return nil, fmt.Errorf("engine: register MMIO window %q: %w", w.name, err)
		}
	}

	vm := &VirtualMachine{
		ram:          ram,
		addrSpace:    addrSpace,
		bus:          bus,
		picDevice:    pic,
		pitDevice:    pit,
		serialDevice: serial,
		rtcDevice:    rtc,
		keyboard:     keyboard,
		ne2000:       ne2000,
		lapic:        lapic,
		ioapic:       ioapic,
		vga:          vga,
		tap:          tap,
		MemorySize:   memSize,
		NumVCPUs:     numVCPUs,
		stopChan:     make(chan struct{}),
		running:      make(chan struct{}, numVCPUs),
		Debug:        enableDebug,
	}

	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVirtualCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("engine: create vCPU %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	if err := vm.loadBoot(); err != nil {
		vm.Close()
		return nil, err
	}

	if enableDebug {
		log.Println("VirtualMachine: guest RAM, device bus, and vCPU(s) ready.")
	}
	return vm, nil
}

// loadBoot reads the flat bootloader image and the BSP's initial GDT/paging
// structures into guest RAM, the same fixed layout the teacher used when it
// still drove real KVM (0x0 code, 0x500 GDT, 0x1000 page directory).
func (vm *VirtualMachine) loadBoot() error {
	bootBinaryPath := "../boot_pm.bin"
	program, err := os.ReadFile(bootBinaryPath)
	if err != nil {
		bootBinaryPath = "boot_pm.bin"
		program, err = os.ReadFile(bootBinaryPath)
		if err != nil {
			// No fixture present (e.g. a test that loads its own binary via
			// LoadBinary); that is not fatal at construction time.
			return nil
		}
	}
	if err := vm.LoadBinary(program, 0); err != nil {
		return err
	}
	if vm.Debug {
		log.Printf("VirtualMachine: loaded %d bytes from %s at 0x0", len(program), bootBinaryPath)
	}

	gdt := []GDTEntry{
		NewGDTEntry(0, 0, 0, 0),
		NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF),
		NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF),
	}
	gdtBytes := make([]byte, len(gdt)*8)
	for i, entry := range gdt {
		entryBytes := (*[8]byte)(unsafe.Pointer(&entry))
		copy(gdtBytes[i*8:], entryBytes[:])
	}
	if err := vm.ram.WriteAt(0x500, gdtBytes); err != nil {
		return fmt.Errorf("engine: write GDT: %w", err)
	}

	pdeFlags := PTE_PRESENT | PTE_READ_WRITE | PTE_USER_SUPER | PDE_PAGE_SIZE
	pdeEntry := NewPDE4MB(0x0, pdeFlags)
	pdeBytes := []byte{byte(pdeEntry), byte(pdeEntry >> 8), byte(pdeEntry >> 16), byte(pdeEntry >> 24)}
	if err := vm.ram.WriteAt(0x1000, pdeBytes); err != nil {
		return fmt.Errorf("engine: write page directory: %w", err)
	}
	if vm.Debug {
		log.Printf("VirtualMachine: GDT at 0x500, identity-mapped 4MB page directory at 0x1000")
	}
	return nil
}

// LoadBinary copies image into guest RAM at address.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if err := vm.ram.WriteAt(address, image); err != nil {
		return fmt.Errorf("engine: load binary at 0x%x: %w", address, err)
	}
	if vm.Debug {
		log.Printf("VirtualMachine: loaded %d bytes at 0x%x", len(image), address)
	}
	return nil
}

// Run starts every vCPU's step loop and blocks until they all exit.
func (vm *VirtualMachine) Run() error {
	if vm.Debug {
		log.Println("VirtualMachine: starting vCPU run loops")
	}
	for _, vcpu := range vm.vcpus {
		go func(v *VirtualCPU) {
			if err := v.Run(); err != nil {
				log.Printf("vCPU %d exited with error: %v", v.id, err)
			} else if vm.Debug {
				log.Printf("vCPU %d exited normally", v.id)
			}
			vm.running <- struct{}{}
		}(vcpu)
	}
	for i := 0; i < vm.NumVCPUs; i++ {
		<-vm.running
	}
	if vm.Debug {
		log.Println("VirtualMachine: all vCPUs have exited")
	}
	return nil
}

// Stop signals all vCPUs to leave their run loop and cancels any vCPU
// currently parked in HLT.
func (vm *VirtualMachine) Stop() {
	if vm.Debug {
		log.Println("VirtualMachine: sending stop signal")
	}
	select {
	case <-vm.stopChan:
		// already closed
	default:
		close(vm.stopChan)
	}
	for _, vcpu := range vm.vcpus {
		vcpu.cpu.RequestExit()
	}
}

// Pause stops every vCPU from fetching further instructions without tearing
// down the run loop goroutines, so Resume can continue exactly where each
// vCPU left off.
func (vm *VirtualMachine) Pause() {
	vm.paused.Store(true)
	if vm.Debug {
		log.Println("VirtualMachine: paused")
	}
}

// Resume clears a prior Pause.
func (vm *VirtualMachine) Resume() {
	vm.paused.Store(false)
	if vm.Debug {
		log.Println("VirtualMachine: resumed")
	}
}

// Close stops the VM and releases guest RAM and the TAP device.
func (vm *VirtualMachine) Close() {
	if vm.Debug {
		log.Println("VirtualMachine: closing")
	}
	vm.Stop()
	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close()
		}
	}
	if vm.ram != nil {
		vm.ram.Close()
		vm.ram = nil
	}
	if vm.tap != nil {
		if err := vm.tap.Close(); err != nil {
			log.Printf("VirtualMachine: error closing TAP device: %v", err)
		}
		vm.tap = nil
	}
	if vm.Debug {
		log.Println("VirtualMachine: closed")
	}
}

// HaltSecondaryCPUs parks every vCPU but the BSP (index 0) in the halted
// state, matching the teacher's original BSP-only KVM_RUN loop: APs stay
// parked until the BSP wakes them with SIPI (SPEC_FULL.md §4.6's "APs are
// created halted" clause; this engine has no SIPI path yet, so in practice
// they stay halted for the VM's lifetime).
func (vm *VirtualMachine) HaltSecondaryCPUs() {
	for i := 1; i < len(vm.vcpus); i++ {
		vm.vcpus[i].cpu.Halted = true
	}
}

// ApplyBootContext hands bc to vCPU vcpuID, the step between a firmware
// loader's return value and the BSP's first Step, driven by the
// hypervisor package's start sequence rather than NewVirtualMachine's own
// best-effort boot_pm.bin fallback.
func (vm *VirtualMachine) ApplyBootContext(vcpuID int, bc firmware.BootContext) error {
	vcpu, err := vm.GetVCPU(vcpuID)
	if err != nil {
		return err
	}
	if err := firmware.ApplyBootContext(vcpu.cpu, bc); err != nil {
		return fmt.Errorf("engine: apply boot context to vCPU %d: %w", vcpuID, err)
	}
	if vm.Debug {
		log.Printf("VirtualMachine: applied boot context to vCPU %d, RIP=0x%x CS=0x%x", vcpuID, vcpu.cpu.RIP, vcpu.cpu.CS.Selector)
	}
	return nil
}

// GetVCPU returns vCPU id.
func (vm *VirtualMachine) GetVCPU(id int) (*VirtualCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("engine: vCPU id %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// InjectInterrupt forwards vector to vCPU vcpuID's pending-interrupt slot.
func (vm *VirtualMachine) InjectInterrupt(vcpuID int, vector uint8) error {
	vcpu, err := vm.GetVCPU(vcpuID)
	if err != nil {
		return err
	}
	return vcpu.InjectInterrupt(vector)
}

// AddressSpace exposes the VM's physical address space, e.g. for snapshot
// code in hypervisor walking guest pages.
func (vm *VirtualMachine) AddressSpace() *memory.AddressSpace { return vm.addrSpace }

// Bus exposes the VM's device bus, e.g. for reset-on-restore.
func (vm *VirtualMachine) Bus() *devices.Bus { return vm.bus }

// invalidateRange drops cached compiled blocks overlapping [start, end) on
// every vCPU's engine, since guest RAM is shared: a store retired by one
// vCPU can self-modify code any vCPU has compiled.
func (vm *VirtualMachine) invalidateRange(start, end uint64) {
	for _, vcpu := range vm.vcpus {
		vcpu.eng.InvalidateRange(start, end)
	}
}

// Serial exposes COM1 so a host console can inject keystrokes via
// InjectInput; output already flows to os.Stdout from construction.
func (vm *VirtualMachine) Serial() *devices.SerialPortDevice { return vm.serialDevice }
