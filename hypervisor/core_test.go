package hypervisor

import (
	"errors"
	"testing"
)

func TestVmSpecBuilder(t *testing.T) {
	spec, err := NewVmSpecBuilder().
		Name("test-vm").
		VCPUs(4).
		MemoryMB(4096).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.Name != "test-vm" {
		t.Errorf("Name = %q, want test-vm", spec.Name)
	}
	if spec.VCPUs != 4 {
		t.Errorf("VCPUs = %d, want 4", spec.VCPUs)
	}
	if spec.MemoryMB != 4096 {
		t.Errorf("MemoryMB = %d, want 4096", spec.MemoryMB)
	}
	if spec.Firmware != "bios" {
		t.Errorf("Firmware = %q, want bios (default)", spec.Firmware)
	}
}

func TestVmSpecBuilderRejectsMissingName(t *testing.T) {
	if _, err := NewVmSpecBuilder().MemoryMB(512).Build(); err == nil {
		t.Error("Build with no name: want error, got nil")
	}
}

func TestHypervisorCreateVM(t *testing.T) {
	hv := NewHypervisor(64, 256*1024)
	spec, err := NewVmSpecBuilder().Name("test-vm-1").VCPUs(2).MemoryMB(2048).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	id, err := hv.CreateVM(spec)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	status, err := hv.VMStatus(id)
	if err != nil {
		t.Fatalf("VMStatus: %v", err)
	}
	if status != StatusCreated {
		t.Errorf("status = %s, want created", status)
	}
}

func TestVmDuplicateName(t *testing.T) {
	hv := NewHypervisor(64, 256*1024)
	spec, _ := NewVmSpecBuilder().Name("dup").VCPUs(1).MemoryMB(256).Build()

	if _, err := hv.CreateVM(spec); err != nil {
		t.Fatalf("first CreateVM: %v", err)
	}
	_, err := hv.CreateVM(spec)
	if err == nil {
		t.Fatal("second CreateVM with same name: want error, got nil")
	}
	if !errors.Is(err, ErrVMAlreadyExists) {
		t.Errorf("err = %v, want ErrVMAlreadyExists", err)
	}
}

func TestHypervisorDestroyVM(t *testing.T) {
	hv := NewHypervisor(64, 256*1024)
	spec, _ := NewVmSpecBuilder().Name("destroy-me").VCPUs(1).MemoryMB(256).Build()

	id, err := hv.CreateVM(spec)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if err := hv.DestroyVM(id); err != nil {
		t.Fatalf("DestroyVM: %v", err)
	}
	if _, err := hv.VMStatus(id); !errors.Is(err, ErrVMNotFound) {
		t.Errorf("VMStatus after destroy: err = %v, want ErrVMNotFound", err)
	}
	if avail := hv.cpuPool.Available(); avail != 64 {
		t.Errorf("cpu pool available = %d, want 64 after release", avail)
	}
}

func TestHypervisorRejectsOverAllocation(t *testing.T) {
	hv := NewHypervisor(2, 256*1024)
	spec, _ := NewVmSpecBuilder().Name("too-big").VCPUs(4).MemoryMB(1024).Build()

	_, err := hv.CreateVM(spec)
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("err = %v, want ErrResourceUnavailable", err)
	}
}

func TestHypervisorInvalidStateTransitions(t *testing.T) {
	hv := NewHypervisor(64, 256*1024)
	spec, _ := NewVmSpecBuilder().Name("state-check").VCPUs(1).MemoryMB(256).Build()
	id, _ := hv.CreateVM(spec)

	// Pause before Start is invalid: the VM isn't Running yet.
	err := hv.PauseVM(id)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("PauseVM before start: err = %v, want ErrInvalidState", err)
	}

	var stateErr *Error
	if errors.As(err, &stateErr) {
		if stateErr.Current != StatusCreated {
			t.Errorf("Current = %s, want created", stateErr.Current)
		}
	}
}

func TestHypervisorStatistics(t *testing.T) {
	hv := NewHypervisor(64, 256*1024)
	spec, _ := NewVmSpecBuilder().Name("stats-check").VCPUs(2).MemoryMB(1024).Build()
	if _, err := hv.CreateVM(spec); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	stats := hv.Statistics()
	if stats.TotalVMs != 1 {
		t.Errorf("TotalVMs = %d, want 1", stats.TotalVMs)
	}
	if stats.TotalVCPUs != 2 {
		t.Errorf("TotalVCPUs = %d, want 2", stats.TotalVCPUs)
	}
	if stats.TotalMemoryBytes != 1024*1024*1024 {
		t.Errorf("TotalMemoryBytes = %d, want 1 GiB", stats.TotalMemoryBytes)
	}
}

func TestHypervisorListVMs(t *testing.T) {
	hv := NewHypervisor(64, 256*1024)
	specA, _ := NewVmSpecBuilder().Name("a").VCPUs(1).MemoryMB(256).Build()
	specB, _ := NewVmSpecBuilder().Name("b").VCPUs(1).MemoryMB(256).Build()
	if _, err := hv.CreateVM(specA); err != nil {
		t.Fatalf("CreateVM a: %v", err)
	}
	if _, err := hv.CreateVM(specB); err != nil {
		t.Fatalf("CreateVM b: %v", err)
	}

	infos := hv.ListVMs()
	if len(infos) != 2 {
		t.Fatalf("len(ListVMs()) = %d, want 2", len(infos))
	}
}
