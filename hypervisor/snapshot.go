package hypervisor

import (
	"time"

	"example.com/nvm/jit"
	"example.com/nvm/memory"
)

const snapshotPageSize = 4096

// SegmentSnapshot is the wire shape of one jit.Segment, kept as its own
// type (rather than reusing jit.Segment directly) so the snapshot format
// doesn't move if CPUState's internal layout does. Field-for-field this is
// the teacher's old KvmSegment, repurposed from a KVM ioctl struct into a
// serialization format.
type SegmentSnapshot struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attrib   uint16
}

// RegisterSnapshot is the wire shape of one vCPU's architectural state,
// the repurposed descendant of the teacher's KvmRegs/KvmSregs pair.
type RegisterSnapshot struct {
	GPR    [16]uint64
	RIP    uint64
	RFLAGS uint64

	CS, DS, ES, FS, GS, SS SegmentSnapshot

	CR0, CR2, CR3, CR4 uint64
	MSR                map[uint32]uint64
}

func snapshotSegment(s jit.Segment) SegmentSnapshot {
	return SegmentSnapshot{Selector: s.Selector, Base: s.Base, Limit: s.Limit, Attrib: s.Attrib}
}

func restoreSegment(s SegmentSnapshot) jit.Segment {
	return jit.Segment{Selector: s.Selector, Base: s.Base, Limit: s.Limit, Attrib: s.Attrib}
}

func snapshotCPU(cpu *jit.CPUState) RegisterSnapshot {
	msr := make(map[uint32]uint64, len(cpu.MSR))
	for k, v := range cpu.MSR {
		msr[k] = v
	}
	return RegisterSnapshot{
		GPR:    cpu.GPR,
		RIP:    cpu.RIP,
		RFLAGS: cpu.RFLAGS,
		CS:     snapshotSegment(cpu.CS),
		DS:     snapshotSegment(cpu.DS),
		ES:     snapshotSegment(cpu.ES),
		FS:     snapshotSegment(cpu.FS),
		GS:     snapshotSegment(cpu.GS),
		SS:     snapshotSegment(cpu.SS),
		CR0:    cpu.CR0,
		CR2:    cpu.CR2,
		CR3:    cpu.CR3,
		CR4:    cpu.CR4,
		MSR:    msr,
	}
}

func restoreCPU(cpu *jit.CPUState, snap RegisterSnapshot) {
	cpu.GPR = snap.GPR
	cpu.RIP = snap.RIP
	cpu.RFLAGS = snap.RFLAGS
	cpu.CS = restoreSegment(snap.CS)
	cpu.DS = restoreSegment(snap.DS)
	cpu.ES = restoreSegment(snap.ES)
	cpu.FS = restoreSegment(snap.FS)
	cpu.GS = restoreSegment(snap.GS)
	cpu.SS = restoreSegment(snap.SS)
	cpu.CR0 = snap.CR0
	cpu.CR2 = snap.CR2
	cpu.CR3 = snap.CR3
	cpu.CR4 = snap.CR4
	cpu.MSR = make(map[uint32]uint64, len(snap.MSR))
	cpu.InterruptsEnabled = snap.RFLAGS&jit.FlagIF != 0
	for k, v := range snap.MSR {
		cpu.MSR[k] = v
	}
}

// VmSnapshot is a point-in-time capture of one VM: per-CPU registers, a
// sparse copy of non-zero RAM pages, and the VM's status at capture time.
// Grounded on vm.rs's VmSnapshot/snapshot_memory: 4KiB-granularity pages,
// skipping all-zero ones, because most of a freshly booted guest's RAM is
// still zero and copying it is wasted I/O.
type VmSnapshot struct {
	Name        string
	CreatedAt   time.Time
	CPUStates   []RegisterSnapshot
	MemoryPages map[uint64][]byte
	VMState     VmStatus
	Parent      string
}

// snapshotMemory walks ram in page-sized steps and copies every page that
// isn't all zero, keyed by its physical address.
func snapshotMemory(as *memory.AddressSpace) map[uint64][]byte {
	ram := as.RAM()
	size := ram.Size()
	pages := make(map[uint64][]byte)
	for addr := uint64(0); addr < size; addr += snapshotPageSize {
		n := snapshotPageSize
		if remaining := size - addr; remaining < snapshotPageSize {
			n = int(remaining)
		}
		page, err := ram.ReadAt(addr, n)
		if err != nil {
			continue
		}
		if isZeroPage(page) {
			continue
		}
		pages[addr] = page
	}
	return pages
}

func isZeroPage(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

// restoreMemory writes every captured page back into ram at its recorded
// address. Pages absent from the snapshot are left as-is; a full restore
// onto a VM reset to zero beforehand reproduces the sparse original.
func restoreMemory(as *memory.AddressSpace, pages map[uint64][]byte) error {
	ram := as.RAM()
	for addr, page := range pages {
		if err := ram.WriteAt(addr, page); err != nil {
			return err
		}
	}
	return nil
}
