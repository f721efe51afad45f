package hypervisor

import (
	"testing"

	"example.com/nvm/memory"
)

func TestSnapshotMemorySkipsZeroPages(t *testing.T) {
	ram, err := memory.NewPhysicalMemory(3 * snapshotPageSize)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	defer ram.Close()
	as := memory.NewAddressSpace(ram)

	if err := ram.WriteAt(snapshotPageSize, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	pages := snapshotMemory(as)
	if len(pages) != 1 {
		t.Fatalf("len(pages) = %d, want 1 (only the non-zero page)", len(pages))
	}
	page, ok := pages[snapshotPageSize]
	if !ok {
		t.Fatal("expected page at snapshotPageSize to be captured")
	}
	if page[0] != 0xDE || page[1] != 0xAD {
		t.Errorf("captured page content mismatch: %x", page[:4])
	}
}

func TestRestoreMemoryWritesBackCapturedPages(t *testing.T) {
	ram, err := memory.NewPhysicalMemory(2 * snapshotPageSize)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	defer ram.Close()
	as := memory.NewAddressSpace(ram)

	page := make([]byte, snapshotPageSize)
	page[10] = 0x42
	pages := map[uint64][]byte{0: page}

	if err := restoreMemory(as, pages); err != nil {
		t.Fatalf("restoreMemory: %v", err)
	}
	v, err := as.ReadPhys(10, memory.Byte)
	if err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if v != 0x42 {
		t.Errorf("restored byte = 0x%x, want 0x42", v)
	}
}
