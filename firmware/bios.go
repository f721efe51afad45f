package firmware

import (
	"fmt"

	"example.com/nvm/jit"
	"example.com/nvm/memory"
)

const (
	biosROMBase    = 0xF0000
	biosResetVector = 0xFFFF0
	biosCodeSegment = 0xF000
	biosStackTop    = 0x7C00
)

// Bios is a minimal BIOS-shaped Firmware: it loads the guest's flat image
// into the ROM area and synthesizes a far-jump reset vector pointing at it,
// the same placement the teacher's KVM-era boot_pm.bin fixture used, but
// expressed as an actual firmware loader instead of a test helper
// (SPEC_FULL.md §4.6). INT 10h/13h/15h service tables are out of scope; a
// guest that calls them gets whatever is already at those IVT slots (zero,
// at power-on), matching real hardware without a BIOS ROM installed.
type Bios struct {
	name string
}

// NewBios returns a ready-to-use minimal BIOS firmware instance.
func NewBios() *Bios {
	return &Bios{name: "nvmBIOS 1.0"}
}

// Load writes image at the BIOS ROM base and a far JMP at the processor
// reset vector (F000:FFF0, linear 0xFFFF0) targeting the image's first
// byte, then returns the context describing that reset state.
func (b *Bios) Load(as *memory.AddressSpace, image []byte) (BootContext, error) {
	if len(image) == 0 {
		return BootContext{}, fmt.Errorf("firmware: empty boot image")
	}
	if len(image) > (biosResetVector - biosROMBase) {
		return BootContext{}, fmt.Errorf("firmware: boot image (%d bytes) overruns the ROM area", len(image))
	}
	for i, bvalue := range image {
		if err := as.WritePhys(uint64(biosROMBase+i), uint64(bvalue), memory.Byte); err != nil {
			return BootContext{}, fmt.Errorf("firmware: write ROM image: %w", err)
		}
	}

	// Far JMP F000:0000, i.e. EA 00 00 00 F0, landing at the first byte of
	// the image we just placed at the ROM base.
	jmp := []byte{0xEA, 0x00, 0x00, 0x00, 0xF0}
	for i, bvalue := range jmp {
		if err := as.WritePhys(uint64(biosResetVector+i), uint64(bvalue), memory.Byte); err != nil {
			return BootContext{}, fmt.Errorf("firmware: write reset vector: %w", err)
		}
	}

	return BootContext{
		EntryPoint:   biosResetVector,
		StackPointer: biosStackTop,
		CodeSegment:  biosCodeSegment,
		RealMode:     true,
		RFLAGS:       0x2,
	}, nil
}

// HandleService never intercepts a guest's INT n; see the Firmware doc
// comment for why that service-table layer is unimplemented here.
func (b *Bios) HandleService(cpu *jit.CPUState, as *memory.AddressSpace) error {
	return nil
}

// Reset has no persistent state to clear; Load is idempotent per-call.
func (b *Bios) Reset() {}

// Name reports the firmware's identifying string.
func (b *Bios) Name() string { return b.name }
