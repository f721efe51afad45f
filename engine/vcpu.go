package engine

import (
	"fmt"
	"log"
	"time"

	"example.com/nvm/hal"
	"example.com/nvm/jit"
)

// VirtualCPU is one guest CPU: an architectural register file plus the
// jit.Engine that steps it, one basic block at a time, in place of the KVM
// ioctl loop the teacher used.
type VirtualCPU struct {
	id   int
	vm   *VirtualMachine
	cpu  *jit.CPUState
	eng  *jit.Engine
	mem  *cpuMemAccessor
	hal  *hal.HAL

	idleTick *time.Ticker
}

// NewVirtualCPU creates VCPU id, pre-initialized into flat real mode per
// SPEC_FULL.md §4.6's boot sequence: CS/DS/ES/FS/GS/SS all base 0, limit
// 0xFFFFFFFF, no guest segment reload required before first instruction.
func NewVirtualCPU(vm *VirtualMachine, id int) (*VirtualCPU, error) {
	cpu := jit.NewCPUState(uint32(id))
	initFlatRealMode(cpu)

	vcpu := &VirtualCPU{
		id:       id,
		vm:       vm,
		cpu:      cpu,
		eng:      jit.NewEngine(),
		mem:      &cpuMemAccessor{as: vm.addrSpace, bus: vm.bus, vm: vm},
		hal:      hal.New(vm.addrSpace, vm.bus),
		idleTick: time.NewTicker(10 * time.Millisecond),
	}
	if vm.Debug {
		log.Printf("VCPU %d: created, RIP=0x%x CS.Base=0x%x", id, cpu.RIP, cpu.CS.Base)
	}
	return vcpu, nil
}

// initFlatRealMode sets up the power-on-like flat segment layout a minimal
// firmware BootContext would hand the BSP, matching the teacher's original
// initRegisters flat-segment setup but expressed over jit.CPUState instead
// of KVM sregs.
func initFlatRealMode(cpu *jit.CPUState) {
	flat := jit.Segment{Selector: 0, Base: 0, Limit: 0xFFFFFFFF}
	cpu.CS, cpu.DS, cpu.ES, cpu.FS, cpu.GS, cpu.SS = flat, flat, flat, flat, flat, flat
	cpu.RFLAGS = 0x2
	cpu.RIP = 0x0
	cpu.InterruptsEnabled = true
}

// fetch reads n bytes of guest memory at a linear address for the decoder,
// one byte at a time through the address space (RAM or MMIO window).
func (vcpu *VirtualCPU) fetch(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := vcpu.vm.addrSpace.ReadPhys(addr+uint64(i), 1)
		if err != nil {
			return nil, fmt.Errorf("vcpu %d: fetch at 0x%x: %w", vcpu.id, addr, err)
		}
		buf[i] = byte(v)
	}
	return buf, nil
}

// Run drives the vCPU's step loop until the VM's stop channel closes or an
// unrecoverable result (shutdown, decode error) ends it.
func (vcpu *VirtualCPU) Run() error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: entering run loop", vcpu.id)
	}
	defer vcpu.idleTick.Stop()

	for {
		select {
		case <-vcpu.vm.stopChan:
			if vcpu.vm.Debug {
				log.Printf("VCPU %d: stop signal received", vcpu.id)
			}
			return nil
		default:
		}

		if vcpu.vm.paused.Load() {
			select {
			case <-vcpu.vm.stopChan:
				return nil
			case <-vcpu.idleTick.C:
				continue
			}
		}

		if vcpu.cpu.Halted {
			vcpu.serviceHaltedInterrupt()
			if vcpu.cpu.Halted {
				select {
				case <-vcpu.vm.stopChan:
					return nil
				case <-vcpu.idleTick.C:
					continue
				}
			}
		}

		res, err := vcpu.eng.Step(vcpu.cpu, vcpu.mem, vcpu.fetch)
		if err != nil {
			return fmt.Errorf("vcpu %d: %w", vcpu.id, err)
		}
		vcpu.hal.Tick(vcpu.cpu, 1)
		if vcpu.cpu.HasPending {
			vcpu.cpu.HasPending = false
			vcpu.deliverInterrupt(vcpu.cpu.PendingVector)
		}

		switch res.Kind() {
		case jit.ResultContinue, jit.ResultHalt:
			// Halt is re-checked at the top of the loop.

		case jit.ResultIoNeeded:
			vcpu.handleIO(res)

		case jit.ResultInterrupt:
			vcpu.deliverInterrupt(res.ExceptionVector())

		case jit.ResultException:
			if vcpu.vm.Debug {
				log.Printf("VCPU %d: exception vector 0x%x", vcpu.id, res.ExceptionVector())
			}
			vcpu.deliverInterrupt(res.ExceptionVector())

		case jit.ResultReset:
			vcpu.cpu.Reset()
			initFlatRealMode(vcpu.cpu)

		case jit.ResultShutdown:
			return fmt.Errorf("vcpu %d: guest shutdown (triple fault)", vcpu.id)

		default:
			log.Printf("VCPU %d: unhandled execute result kind %d", vcpu.id, res.Kind())
		}
	}
}

// handleIO performs the port I/O a block couldn't do on its own (jit has no
// device access), then writes an IN result back into AL/AX/EAX.
func (vcpu *VirtualCPU) handleIO(res jit.ExecuteResult) {
	port := res.IoPort()
	size := int(res.IoSize())
	if res.IoIsWrite() {
		val := uint32(vcpu.cpu.GPR[jit.RAX]) & widthMask(size)
		vcpu.mem.IOOut(port, size, val)
		return
	}
	v := vcpu.mem.IOIn(port, size)
	mask := uint64(widthMask(size))
	vcpu.cpu.GPR[jit.RAX] = (vcpu.cpu.GPR[jit.RAX] &^ mask) | (uint64(v) & mask)
}

func widthMask(size int) uint32 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

// serviceHaltedInterrupt ticks devices for the CPU's parked cycle and wakes
// it if the HAL's INTA cycle latched a pending vector, matching §4.7's
// tick(cycles) contract at the point where the guest is parked on HLT.
func (vcpu *VirtualCPU) serviceHaltedInterrupt() {
	vcpu.hal.Tick(vcpu.cpu, 1)
	if !vcpu.cpu.HasPending {
		return
	}
	vcpu.cpu.HasPending = false
	vcpu.deliverInterrupt(vcpu.cpu.PendingVector)
}

// deliverInterrupt performs real-mode IVT-style interrupt delivery: push
// FLAGS/CS/IP, clear IF, and load CS:IP from the 4-byte vector table entry
// at vector*4. Protected/long mode IDT delivery is out of scope (the boot
// sequence and device IRQs this engine targets run in real mode).
func (vcpu *VirtualCPU) deliverInterrupt(vector uint8) {
	cpu := vcpu.cpu
	if cpu.Mode() != jit.ModeReal {
		if vcpu.vm.Debug {
			log.Printf("VCPU %d: interrupt 0x%x in non-real mode, ignoring (no IDT delivery)", vcpu.id, vector)
		}
		return
	}

	sp := uint32(cpu.GPR[jit.RSP])
	push16 := func(v uint16) {
		sp -= 2
		vcpu.vm.addrSpace.WritePhys(cpu.SS.Base+uint64(sp), uint64(v), 2)
	}
	push16(uint16(cpu.RFLAGS))
	push16(uint16(cpu.CS.Selector))
	push16(uint16(cpu.RIP))
	cpu.GPR[jit.RSP] = (cpu.GPR[jit.RSP] &^ 0xFFFF) | uint64(sp)

	cpu.SyncFlag(jit.FlagIF, false)
	cpu.InterruptsEnabled = false

	entry := uint64(vector) * 4
	lo, _ := vcpu.vm.addrSpace.ReadPhys(entry, 2)
	hi, _ := vcpu.vm.addrSpace.ReadPhys(entry+2, 2)
	cpu.RIP = lo
	cpu.CS.Selector = uint16(hi)
	cpu.CS.Base = uint64(hi) << 4
}

// InjectInterrupt asserts vector for delivery on this vCPU's next
// opportunity (immediately if halted, at the next block boundary
// otherwise), replacing the teacher's KVM_INTERRUPT_REQ ioctl.
func (vcpu *VirtualCPU) InjectInterrupt(vector uint8) error {
	vcpu.cpu.PendingVector = vector
	vcpu.cpu.HasPending = true
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: interrupt vector 0x%x pending", vcpu.id, vector)
	}
	return nil
}

// State exposes the vCPU's architectural register file, e.g. for the
// hypervisor layer's snapshot/restore walk.
func (vcpu *VirtualCPU) State() *jit.CPUState { return vcpu.cpu }

// Close stops the vCPU's idle ticker. There is no fd/mmap to release.
func (vcpu *VirtualCPU) Close() {
	vcpu.idleTick.Stop()
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: closed", vcpu.id)
	}
}
