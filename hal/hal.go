// Package hal is the thin façade the JIT/interpreter use to reach memory and
// devices instead of touching engine internals directly: port I/O, MMIO
// qword accessors, CPU forwarding ops, and the tick/INTA cycle that advances
// device state and delivers pending interrupts (SPEC_FULL.md §4.7).
package hal

import (
	"fmt"

	"example.com/nvm/engine/devices"
	"example.com/nvm/jit"
	"example.com/nvm/memory"
)

// pciConfigAddress and pciConfigData are the 0xCF8/0xCFC config-mechanism-#1
// ports. This core has no PCI subsystem behind them (the built device set is
// all legacy ISA: PIC/PIT/UART/RTC/LAPIC/IOAPIC/VGA/NE2000, none enumerated
// on a PCI bus), so the range is reserved but routes nowhere; see DESIGN.md.
const (
	pciConfigAddress = 0x0CF8
	pciConfigData    = 0x0CFC
)

func isPCIConfigPort(port uint16) bool {
	return port >= pciConfigAddress && port <= 0x0CFF
}

// HAL binds one vCPU's memory fabric for the port/MMIO/CPU forwarding calls
// below. Every VirtualCPU holds one, constructed once at boot.
type HAL struct {
	AS  *memory.AddressSpace
	Bus *devices.Bus
}

func New(as *memory.AddressSpace, bus *devices.Bus) *HAL {
	return &HAL{AS: as, Bus: bus}
}

// Inb/Inw/Inl read 1/2/4 bytes from a port, routed to whichever registered
// device claims it.
func (h *HAL) Inb(port uint16) (uint8, error)  { v, err := h.in(port, 1); return uint8(v), err }
func (h *HAL) Inw(port uint16) (uint16, error) { v, err := h.in(port, 2); return uint16(v), err }
func (h *HAL) Inl(port uint16) (uint32, error) { return h.in(port, 4) }

func (h *HAL) in(port uint16, width int) (uint32, error) {
	if isPCIConfigPort(port) {
		return 0, fmt.Errorf("hal: port 0x%x is a PCI config port, no PCI subsystem registered", port)
	}
	return h.Bus.PortRead(port, width)
}

// Outb/Outw/Outl write 1/2/4 bytes to a port.
func (h *HAL) Outb(port uint16, v uint8) error  { return h.out(port, 1, uint32(v)) }
func (h *HAL) Outw(port uint16, v uint16) error { return h.out(port, 2, uint32(v)) }
func (h *HAL) Outl(port uint16, v uint32) error { return h.out(port, 4, v) }

func (h *HAL) out(port uint16, width int, value uint32) error {
	if isPCIConfigPort(port) {
		return fmt.Errorf("hal: port 0x%x is a PCI config port, no PCI subsystem registered", port)
	}
	return h.Bus.PortWrite(port, width, value)
}

// ReadPhysU64/WritePhysU64 forward to the address space, which already
// splits an MMIO-window access into the two dword accesses §4.7 describes
// and falls through to RAM otherwise.
func (h *HAL) ReadPhysU64(addr uint64) (uint64, error)  { return h.AS.ReadPhysU64(addr) }
func (h *HAL) WritePhysU64(addr uint64, v uint64) error { return h.AS.WritePhysU64(addr, v) }

// Cpuid forwards to the interpreter's CPUID leaves.
func (h *HAL) Cpuid(cpu *jit.CPUState) { jit.Cpuid(cpu) }

// Rdtsc returns the low/high halves of the CPU's cycle counter, matching the
// RDTSC instruction's RAX/RDX split.
func (h *HAL) Rdtsc(cpu *jit.CPUState) (lo, hi uint32) {
	return uint32(cpu.TSC & 0xFFFFFFFF), uint32(cpu.TSC >> 32)
}

func (h *HAL) ReadCR3(cpu *jit.CPUState) uint64     { return cpu.CR3 }
func (h *HAL) WriteCR3(cpu *jit.CPUState, v uint64) { cpu.CR3 = v }

// Hlt parks the CPU; the vCPU run loop re-checks Halted against a pending
// interrupt every idle tick.
func (h *HAL) Hlt(cpu *jit.CPUState) { cpu.Halted = true }

// Pause is the PAUSE spin-loop hint. Nothing to do on a single-threaded
// interpreter: there is no other vCPU spinning on this one's lock to yield
// to, so this is a documented no-op rather than a fabricated scheduler hook.
func (h *HAL) Pause(cpu *jit.CPUState) {}

func (h *HAL) EnableInterrupts(cpu *jit.CPUState) {
	cpu.InterruptsEnabled = true
	cpu.SyncFlag(jit.FlagIF, true)
}

func (h *HAL) DisableInterrupts(cpu *jit.CPUState) {
	cpu.InterruptsEnabled = false
	cpu.SyncFlag(jit.FlagIF, false)
}

func (h *HAL) InterruptsEnabled(cpu *jit.CPUState) bool { return cpu.InterruptsEnabled }

// Tick advances cycles worth of time: the CPU's cycle counter, every
// registered device's countdown/periodic state, then one INTA cycle — if
// the controller has a pending vector and the CPU has interrupts unmasked,
// acknowledge it (IRR→ISR) and latch it into the CPU's single-vector
// injection slot for the run loop to deliver at the next instruction
// boundary.
func (h *HAL) Tick(cpu *jit.CPUState, cycles uint64) {
	cpu.TSC += cycles
	for i := uint64(0); i < cycles; i++ {
		h.Bus.Tick()
	}

	vector, ok := h.Bus.PendingInterrupt()
	if !ok || !cpu.InterruptsEnabled {
		return
	}
	h.Bus.AckInterrupt()
	cpu.PendingVector = vector
	cpu.HasPending = true
	if cpu.Halted {
		cpu.Halted = false
	}
}
