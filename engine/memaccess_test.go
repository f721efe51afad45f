package engine

import (
	"testing"

	"example.com/nvm/jit"
)

// TestWritePhysInvalidatesCompiledBlock proves the real wiring gap closed in
// cpuMemAccessor.WritePhys: a guest store through the accessor every
// interpreter/JIT store path actually uses must drop any cached compiled
// block covering the written bytes, not just exercise CodeCache.InvalidateRange
// directly (SPEC_FULL.md §4.5, §9 "Code-cache invalidation vs. SMC").
func TestWritePhysInvalidatesCompiledBlock(t *testing.T) {
	vm, err := NewVirtualMachine(1*1024*1024, 1, false)
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	defer vm.Close()

	vcpu := vm.vcpus[0]

	const rip = 0x9000
	vcpu.eng.Cache().Insert(rip, &jit.CompiledBlock{
		IR:   jit.IR{GuestRIP: rip, ByteLen: 8},
		Tier: jit.TierS1,
	})
	if vcpu.eng.Cache().Lookup(rip) == nil {
		t.Fatalf("setup: compiled block not present after Insert")
	}

	// A guest store landing inside [rip, rip+8) must invalidate the block,
	// the self-modifying-code case.
	if err := vcpu.mem.WritePhys(rip+2, 0x90, 1); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}

	if vcpu.eng.Cache().Lookup(rip) != nil {
		t.Errorf("compiled block at 0x%x still cached after an overlapping guest store; SMC not detected", rip)
	}
}

// TestWritePhysLeavesUnrelatedBlockCached is the negative case: a store to
// an address outside any cached block's range must not evict it.
func TestWritePhysLeavesUnrelatedBlockCached(t *testing.T) {
	vm, err := NewVirtualMachine(1*1024*1024, 1, false)
	if err != nil {
		t.Fatalf("NewVirtualMachine: %v", err)
	}
	defer vm.Close()

	vcpu := vm.vcpus[0]

	const rip = 0xA000
	vcpu.eng.Cache().Insert(rip, &jit.CompiledBlock{
		IR:   jit.IR{GuestRIP: rip, ByteLen: 8},
		Tier: jit.TierS1,
	})

	if err := vcpu.mem.WritePhys(rip+0x1000, 0x90, 1); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}

	if vcpu.eng.Cache().Lookup(rip) == nil {
		t.Errorf("compiled block at 0x%x was evicted by an unrelated store", rip)
	}
}
