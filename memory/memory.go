// Package memory implements the guest physical address space: a flat RAM
// region backed by an anonymous mmap, plus a set of MMIO windows owned by
// devices. Every guest physical address resolves to exactly one of
// {RAM, MMIO window, unmapped}.
package memory

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Width is the size in bytes of a port or MMIO access.
type Width int

const (
	Byte Width = 1
	Word Width = 2
	Dword Width = 4
	Qword Width = 8
)

// MMIOHandler is implemented by anything that can be mapped into the
// physical address space as an MMIO window.
type MMIOHandler interface {
	MMIORead(addr uint64, width Width) uint32
	MMIOWrite(addr uint64, value uint32, width Width)
}

type mmioWindow struct {
	base    uint64
	size    uint64
	handler MMIOHandler
	name    string
}

// PhysicalMemory is the guest's flat RAM region, backed by an anonymous
// mmap so large guest memory sizes don't live on the Go heap.
type PhysicalMemory struct {
	size uint64
	data []byte
}

// NewPhysicalMemory allocates sizeBytes of anonymous, zero-filled memory for
// guest RAM.
func NewPhysicalMemory(sizeBytes uint64) (*PhysicalMemory, error) {
	if sizeBytes == 0 {
		return nil, fmt.Errorf("memory: size must be > 0")
	}
	data, err := unix.Mmap(-1, 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap guest RAM: %w", err)
	}
	return &PhysicalMemory{size: sizeBytes, data: data}, nil
}

// Close releases the backing mmap.
func (m *PhysicalMemory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the RAM size in bytes.
func (m *PhysicalMemory) Size() uint64 { return m.size }

// Bytes exposes the raw backing slice, used by snapshot code to walk pages.
func (m *PhysicalMemory) Bytes() []byte { return m.data }

func (m *PhysicalMemory) inBounds(addr uint64, n int) bool {
	return addr < m.size && uint64(n) <= m.size-addr
}

// ReadAt copies n bytes starting at addr into a freshly allocated slice.
func (m *PhysicalMemory) ReadAt(addr uint64, n int) ([]byte, error) {
	if !m.inBounds(addr, n) {
		return nil, fmt.Errorf("memory: read out of bounds at 0x%x len %d", addr, n)
	}
	out := make([]byte, n)
	copy(out, m.data[addr:addr+uint64(n)])
	return out, nil
}

// WriteAt writes buf into RAM starting at addr.
func (m *PhysicalMemory) WriteAt(addr uint64, buf []byte) error {
	if !m.inBounds(addr, len(buf)) {
		return fmt.Errorf("memory: write out of bounds at 0x%x len %d", addr, len(buf))
	}
	copy(m.data[addr:addr+uint64(len(buf))], buf)
	return nil
}

// AddressSpace demultiplexes guest physical accesses into RAM or a
// registered MMIO window. Overlapping windows are rejected at registration
// time (§3 invariant: every address resolves to at most one destination).
type AddressSpace struct {
	mu      sync.RWMutex
	ram     *PhysicalMemory
	windows []mmioWindow
}

// NewAddressSpace wraps ram with an (initially empty) MMIO routing table.
func NewAddressSpace(ram *PhysicalMemory) *AddressSpace {
	return &AddressSpace{ram: ram}
}

// RegisterMMIO adds a window [base, base+size) routed to handler. Returns an
// error if it overlaps any existing window. A window may lie inside RAM (e.g.
// the legacy VGA hole at 0xA0000); accesses in its range then go to handler.
func (as *AddressSpace) RegisterMMIO(name string, base, size uint64, handler MMIOHandler) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	end := base + size
	for _, w := range as.windows {
		if base < w.base+w.size && w.base < end {
			return fmt.Errorf("memory: MMIO window %q [0x%x,0x%x) overlaps %q [0x%x,0x%x)", name, base, end, w.name, w.base, w.base+w.size)
		}
	}
	as.windows = append(as.windows, mmioWindow{base: base, size: size, handler: handler, name: name})
	return nil
}

func (as *AddressSpace) findWindow(addr uint64) *mmioWindow {
	for i := range as.windows {
		w := &as.windows[i]
		if addr >= w.base && addr < w.base+w.size {
			return w
		}
	}
	return nil
}

// ReadPhys reads width bytes at addr, routing through MMIO if addr falls in
// a registered window, else through RAM.
func (as *AddressSpace) ReadPhys(addr uint64, width Width) (uint64, error) {
	as.mu.RLock()
	w := as.findWindow(addr)
	as.mu.RUnlock()
	if w != nil {
		return uint64(w.handler.MMIORead(addr, width)), nil
	}
	buf, err := as.ram.ReadAt(addr, int(width))
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(buf[i])
	}
	return v, nil
}

// WritePhys writes width bytes of value at addr, routing through MMIO or RAM.
func (as *AddressSpace) WritePhys(addr uint64, value uint64, width Width) error {
	as.mu.RLock()
	w := as.findWindow(addr)
	as.mu.RUnlock()
	if w != nil {
		w.handler.MMIOWrite(addr, uint32(value), width)
		return nil
	}
	buf := make([]byte, width)
	for i := 0; i < int(width); i++ {
		buf[i] = byte(value >> (8 * uint(i)))
	}
	return as.ram.WriteAt(addr, buf)
}

// ReadPhysU64 reads two dword-sized accesses for an 8-byte MMIO read, or a
// single 8-byte RAM read, matching the HAL contract in SPEC_FULL.md §4.7.
func (as *AddressSpace) ReadPhysU64(addr uint64) (uint64, error) {
	as.mu.RLock()
	w := as.findWindow(addr)
	as.mu.RUnlock()
	if w != nil {
		lo := uint64(w.handler.MMIORead(addr, Dword))
		hi := uint64(w.handler.MMIORead(addr+4, Dword))
		return lo | (hi << 32), nil
	}
	return as.ReadPhys(addr, Qword)
}

// WritePhysU64 is the 8-byte counterpart of ReadPhysU64.
func (as *AddressSpace) WritePhysU64(addr uint64, value uint64) error {
	as.mu.RLock()
	w := as.findWindow(addr)
	as.mu.RUnlock()
	if w != nil {
		w.handler.MMIOWrite(addr, uint32(value), Dword)
		w.handler.MMIOWrite(addr+4, uint32(value>>32), Dword)
		return nil
	}
	return as.WritePhys(addr, value, Qword)
}

// RAM exposes the underlying PhysicalMemory for bulk operations (snapshotting,
// firmware loading, string-op fast paths).
func (as *AddressSpace) RAM() *PhysicalMemory { return as.ram }

// InvalidateRange is a hook called whenever guest code writes to RAM so the
// code cache can drop any compiled blocks overlapping [start, end). Wired by
// VirtualMachine at construction time; nil until then.
type InvalidationFunc func(start, end uint64)

// WriteAtTracked is like RAM().WriteAt but also notifies invalidate of the
// written range, used by the interpreter/JIT store paths so self-modifying
// code is detected (§9 "Code-cache invalidation vs. SMC").
func (as *AddressSpace) WriteAtTracked(addr uint64, buf []byte, invalidate InvalidationFunc) error {
	if err := as.ram.WriteAt(addr, buf); err != nil {
		return err
	}
	if invalidate != nil {
		invalidate(addr, addr+uint64(len(buf)))
	}
	return nil
}

// WritePhysTracked is WritePhys's counterpart for stores that must be
// visible to code-cache invalidation: an MMIO-window write behaves exactly
// like WritePhys (devices have no cached guest code behind them), but a RAM
// write goes through WriteAtTracked so invalidate sees the byte range that
// just changed.
func (as *AddressSpace) WritePhysTracked(addr uint64, value uint64, width Width, invalidate InvalidationFunc) error {
	as.mu.RLock()
	w := as.findWindow(addr)
	as.mu.RUnlock()
	if w != nil {
		w.handler.MMIOWrite(addr, uint32(value), width)
		return nil
	}
	buf := make([]byte, width)
	for i := 0; i < int(width); i++ {
		buf[i] = byte(value >> (8 * uint(i)))
	}
	return as.WriteAtTracked(addr, buf, invalidate)
}
