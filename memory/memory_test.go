package memory_test

import (
	"testing"

	"example.com/nvm/memory"
)

type fakeMMIO struct {
	lastReadAddr  uint64
	lastWriteAddr uint64
	lastWriteVal  uint32
	readValue     uint32
}

func (f *fakeMMIO) MMIORead(addr uint64, width memory.Width) uint32 {
	f.lastReadAddr = addr
	return f.readValue
}

func (f *fakeMMIO) MMIOWrite(addr uint64, value uint32, width memory.Width) {
	f.lastWriteAddr = addr
	f.lastWriteVal = value
}

func TestRAMReadWriteRoundTrip(t *testing.T) {
	ram, err := memory.NewPhysicalMemory(4096)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	defer ram.Close()

	as := memory.NewAddressSpace(ram)
	if err := as.WritePhys(0x100, 0xdeadbeef, memory.Dword); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}
	v, err := as.ReadPhys(0x100, memory.Dword)
	if err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if v != 0xdeadbeef {
		t.Errorf("got 0x%x, want 0xdeadbeef", v)
	}
}

func TestMMIOWindowRouting(t *testing.T) {
	ram, err := memory.NewPhysicalMemory(4096)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	defer ram.Close()

	as := memory.NewAddressSpace(ram)
	dev := &fakeMMIO{readValue: 0x1234}
	if err := as.RegisterMMIO("test-device", 0x10000, 0x1000, dev); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}

	v, err := as.ReadPhys(0x10004, memory.Dword)
	if err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if v != 0x1234 {
		t.Errorf("got 0x%x, want 0x1234 (should be routed to MMIO handler)", v)
	}
	if dev.lastReadAddr != 0x10004 {
		t.Errorf("handler saw addr 0x%x, want 0x10004", dev.lastReadAddr)
	}

	if err := as.WritePhys(0x10008, 0x99, memory.Byte); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}
	if dev.lastWriteAddr != 0x10008 || dev.lastWriteVal != 0x99 {
		t.Errorf("handler saw write(0x%x, 0x%x), want (0x10008, 0x99)", dev.lastWriteAddr, dev.lastWriteVal)
	}
}

func TestOverlappingMMIOWindowRejected(t *testing.T) {
	ram, err := memory.NewPhysicalMemory(4096)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	defer ram.Close()

	as := memory.NewAddressSpace(ram)
	dev1 := &fakeMMIO{}
	dev2 := &fakeMMIO{}
	if err := as.RegisterMMIO("a", 0x20000, 0x1000, dev1); err != nil {
		t.Fatalf("first RegisterMMIO: %v", err)
	}
	if err := as.RegisterMMIO("b", 0x20800, 0x1000, dev2); err == nil {
		t.Errorf("expected overlap error, got nil")
	}
}

func TestReadOutOfBounds(t *testing.T) {
	ram, err := memory.NewPhysicalMemory(4096)
	if err != nil {
		t.Fatalf("NewPhysicalMemory: %v", err)
	}
	defer ram.Close()

	as := memory.NewAddressSpace(ram)
	if _, err := as.ReadPhys(4090, memory.Qword); err == nil {
		t.Errorf("expected out-of-bounds error")
	}
}
