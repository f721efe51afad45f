package hypervisor

import "fmt"

// VmSpec describes a VM to create. Trimmed from core.rs's VmSpec (which
// also carries disks, NICs, boot order, NUMA, CPU pinning, and a security
// policy) down to what this core's device set and single firmware loader
// actually use: a name, vCPU/memory budget, the firmware to boot, and an
// opaque metadata bag for caller bookkeeping.
type VmSpec struct {
	Name      string
	VCPUs     uint32
	MemoryMB  uint64
	Firmware  string // "bios" is the only implementation shipped
	BootImage []byte // flat binary placed at the firmware's load address
	Metadata  map[string]string
}

// VmSpecBuilder builds a VmSpec fluently, mirroring core.rs's
// VmSpecBuilder (minus the fields VmSpec itself drops).
type VmSpecBuilder struct {
	spec VmSpec
}

// NewVmSpecBuilder starts a builder with BIOS firmware and no metadata.
func NewVmSpecBuilder() *VmSpecBuilder {
	return &VmSpecBuilder{spec: VmSpec{Firmware: "bios", Metadata: map[string]string{}}}
}

func (b *VmSpecBuilder) Name(name string) *VmSpecBuilder {
	b.spec.Name = name
	return b
}

func (b *VmSpecBuilder) VCPUs(count uint32) *VmSpecBuilder {
	b.spec.VCPUs = count
	return b
}

func (b *VmSpecBuilder) MemoryMB(mb uint64) *VmSpecBuilder {
	b.spec.MemoryMB = mb
	return b
}

func (b *VmSpecBuilder) Firmware(name string) *VmSpecBuilder {
	b.spec.Firmware = name
	return b
}

func (b *VmSpecBuilder) BootImage(image []byte) *VmSpecBuilder {
	b.spec.BootImage = image
	return b
}

func (b *VmSpecBuilder) Metadata(key, value string) *VmSpecBuilder {
	b.spec.Metadata[key] = value
	return b
}

// Build validates and returns the spec. Unlike the Rust builder's build(),
// which never fails (defaults fill in anything missing), this one rejects
// a spec that cannot possibly create a runnable VM.
func (b *VmSpecBuilder) Build() (VmSpec, error) {
	if b.spec.Name == "" {
		return VmSpec{}, fmt.Errorf("hypervisor: vm spec requires a name")
	}
	if b.spec.VCPUs == 0 {
		b.spec.VCPUs = 1
	}
	if b.spec.MemoryMB == 0 {
		return VmSpec{}, fmt.Errorf("hypervisor: vm spec requires memory_mb > 0")
	}
	if b.spec.Firmware == "" {
		b.spec.Firmware = "bios"
	}
	return b.spec, nil
}
