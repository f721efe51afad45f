// Package firmware loads a guest's boot image into physical memory and
// hands back the BootContext a VM applies to its BSP, the layer SPEC
// carves out between the hypervisor's start sequence and the engine that
// actually steps the CPU (SPEC_FULL.md §2, §4.6).
package firmware

import (
	"fmt"

	"example.com/nvm/jit"
	"example.com/nvm/memory"
)

// BootContext is what a Firmware.Load returns: everything the hypervisor's
// start sequence needs to hand to the BSP before the first Step.
type BootContext struct {
	EntryPoint   uint64 // linear address of the first instruction
	StackPointer uint64
	CodeSegment  uint16
	RealMode     bool
	CR0, CR3, CR4, EFER, RFLAGS uint64
}

// Firmware populates low guest memory with ROM/IVT structures and a boot
// image, then describes how the BSP should start executing it. A second
// responsibility, servicing the guest's legacy interrupts (INT 10h/13h/...),
// is explicitly out of scope here (SPEC_FULL.md §4.6) — HandleService exists
// so a future firmware implementation has somewhere to put that without
// changing the interface, but the shipped implementation does not intercept
// any vector.
type Firmware interface {
	Load(as *memory.AddressSpace, image []byte) (BootContext, error)
	HandleService(cpu *jit.CPUState, as *memory.AddressSpace) error
	Reset()
	Name() string
}

// ApplyBootContext writes bc into cpu's architectural state the way a real
// reset-vector jump would: CS selector/base from CodeSegment, RIP as the
// offset within that segment (LinearIP = CS.Base + RIP), flat zero-based
// data segments, and the control/MSR/flags values firmware decided on.
func ApplyBootContext(cpu *jit.CPUState, bc BootContext) error {
	if !bc.RealMode {
		return fmt.Errorf("firmware: non-real-mode boot context not supported")
	}
	csBase := uint64(bc.CodeSegment) << 4
	if bc.EntryPoint < csBase {
		return fmt.Errorf("firmware: entry point 0x%x below code segment base 0x%x", bc.EntryPoint, csBase)
	}
	flat := jit.Segment{Selector: 0, Base: 0, Limit: 0xFFFF}
	cpu.CS = jit.Segment{Selector: bc.CodeSegment, Base: csBase, Limit: 0xFFFF}
	cpu.DS, cpu.ES, cpu.FS, cpu.GS, cpu.SS = flat, flat, flat, flat, flat
	cpu.RIP = bc.EntryPoint - csBase
	cpu.GPR[jit.RSP] = bc.StackPointer
	cpu.CR0 = bc.CR0
	cpu.CR3 = bc.CR3
	cpu.CR4 = bc.CR4
	cpu.SetEFER(bc.EFER)
	cpu.RFLAGS = bc.RFLAGS
	cpu.InterruptsEnabled = bc.RFLAGS&jit.FlagIF != 0
	return nil
}
