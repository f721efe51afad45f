package hal

import (
	"testing"

	"example.com/nvm/engine/devices"
	"example.com/nvm/jit"
	"example.com/nvm/memory"
)

func newTestHAL(t *testing.T) (*HAL, *devices.Bus) {
	t.Helper()
	ram, err := memory.NewPhysicalMemory(1024 * 1024)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	as := memory.NewAddressSpace(ram)
	bus := devices.NewBus()
	return New(as, bus), bus
}

func TestPortForwardingRoutesToBus(t *testing.T) {
	h, bus := newTestHAL(t)
	pic := devices.NewPICDevice()
	bus.Register(pic)

	// ICW1: start init sequence on the master PIC (port 0x20).
	if err := h.Outb(0x20, 0x11); err != nil {
		t.Fatalf("Outb: %v", err)
	}
	if err := h.Outb(0x21, 0x08); err != nil { // ICW2: vector base 0x08
		t.Fatalf("Outb ICW2: %v", err)
	}
	if err := h.Outb(0x21, 0x00); err != nil { // ICW4 skipped by single mode not set; keep simple
		t.Fatalf("Outb: %v", err)
	}
}

func TestPCIConfigPortsAreReserved(t *testing.T) {
	h, _ := newTestHAL(t)
	if _, err := h.Inl(pciConfigAddress); err == nil {
		t.Error("Inl(0xCF8): want error (no PCI subsystem), got nil")
	}
	if err := h.Outl(pciConfigData, 0); err == nil {
		t.Error("Outl(0xCFC): want error (no PCI subsystem), got nil")
	}
}

func TestCpuidSetsVendorString(t *testing.T) {
	h, _ := newTestHAL(t)
	cpu := jit.NewCPUState(0)
	cpu.GPR[jit.RAX] = 0
	h.Cpuid(cpu)
	if cpu.GPR[jit.RBX] != 0x756e6547 {
		t.Errorf("RBX = 0x%x, want \"Genu\"", cpu.GPR[jit.RBX])
	}
}

func TestRdtscSplitsCycleCounter(t *testing.T) {
	h, _ := newTestHAL(t)
	cpu := jit.NewCPUState(0)
	cpu.TSC = 0x100000001
	lo, hi := h.Rdtsc(cpu)
	if lo != 1 || hi != 1 {
		t.Errorf("Rdtsc() = (0x%x, 0x%x), want (0x1, 0x1)", lo, hi)
	}
}

func TestTickAdvancesTSCAndDevices(t *testing.T) {
	h, _ := newTestHAL(t)
	cpu := jit.NewCPUState(0)
	h.Tick(cpu, 5)
	if cpu.TSC != 5 {
		t.Errorf("TSC = %d, want 5", cpu.TSC)
	}
}

func TestTickDeliversPendingInterruptWhenEnabled(t *testing.T) {
	h, bus := newTestHAL(t)
	pic := devices.NewPICDevice()
	bus.Register(pic)
	if err := h.Outb(0x21, 0x00); err != nil { // OCW1: unmask all master IRQs
		t.Fatalf("Outb(0x21): %v", err)
	}
	pic.RaiseIRQ(0)

	cpu := jit.NewCPUState(0)
	cpu.Halted = true
	h.EnableInterrupts(cpu)

	h.Tick(cpu, 1)
	if !cpu.HasPending {
		t.Fatal("HasPending = false, want true after ticking with a raised IRQ")
	}
	if cpu.Halted {
		t.Error("Halted = true, want false: a pending interrupt should wake the CPU")
	}
}

func TestTickWithoutInterruptsEnabledLeavesCpuParked(t *testing.T) {
	h, bus := newTestHAL(t)
	pic := devices.NewPICDevice()
	bus.Register(pic)
	pic.RaiseIRQ(0)

	cpu := jit.NewCPUState(0)
	cpu.Halted = true
	h.DisableInterrupts(cpu)

	h.Tick(cpu, 1)
	if cpu.HasPending {
		t.Error("HasPending = true, want false: interrupts are masked")
	}
	if !cpu.Halted {
		t.Error("Halted = false, want true: CPU should stay parked")
	}
}
