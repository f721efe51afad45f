package engine

import (
	"example.com/nvm/engine/devices"
	"example.com/nvm/memory"
)

// busMMIOHandler adapts devices.Bus's (addr uint64, width int) MMIO shape to
// the memory.MMIOHandler shape memory.AddressSpace windows expect. Several
// windows (VGA legacy, VGA linear framebuffer, LAPIC, IOAPIC) all resolve
// through the same Bus, which re-dispatches to whichever device actually
// owns the address.
type busMMIOHandler struct {
	bus *devices.Bus
}

func (h busMMIOHandler) MMIORead(addr uint64, width memory.Width) uint32 {
	v, err := h.bus.MMIORead(addr, int(width))
	if err != nil {
		return 0xFFFFFFFF
	}
	return uint32(v)
}

func (h busMMIOHandler) MMIOWrite(addr uint64, value uint32, width memory.Width) {
	h.bus.MMIOWrite(addr, int(width), uint64(value))
}

// cpuMemAccessor is the jit.MemAccessor a VirtualCPU hands to the engine: it
// routes physical reads/writes through the address space (RAM or a
// registered MMIO window) and port I/O through the device bus. Every guest
// store also runs through vm's invalidation hook so self-modifying code
// drops any compiled block covering the written range (SPEC_FULL.md §4.5,
// §9 "Code-cache invalidation vs. SMC").
type cpuMemAccessor struct {
	as  *memory.AddressSpace
	bus *devices.Bus
	vm  *VirtualMachine
}

func (m *cpuMemAccessor) ReadPhys(addr uint64, width int) (uint64, error) {
	return m.as.ReadPhys(addr, memory.Width(width))
}

func (m *cpuMemAccessor) WritePhys(addr uint64, value uint64, width int) error {
	return m.as.WritePhysTracked(addr, value, memory.Width(width), m.vm.invalidateRange)
}

func (m *cpuMemAccessor) IOIn(port uint16, width int) uint32 {
	v, err := m.bus.PortRead(port, width)
	if err != nil {
		return 0xFFFFFFFF
	}
	return v
}

func (m *cpuMemAccessor) IOOut(port uint16, width int, value uint32) {
	m.bus.PortWrite(port, width, value)
}
