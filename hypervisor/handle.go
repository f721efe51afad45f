package hypervisor

import "example.com/nvm/engine/devices"

// VmHandle is a convenience wrapper binding a VmID to the Hypervisor that
// created it, so callers can pass one value around instead of threading
// both through every call site. Grounded on core.rs's VmHandle.
type VmHandle struct {
	id VmID
	hv *Hypervisor
}

// NewVmHandle binds id to hv.
func NewVmHandle(id VmID, hv *Hypervisor) VmHandle {
	return VmHandle{id: id, hv: hv}
}

func (h VmHandle) ID() VmID { return h.id }

func (h VmHandle) Info() (VmInfo, error)      { return h.hv.VMInfo(h.id) }
func (h VmHandle) Status() (VmStatus, error)  { return h.hv.VMStatus(h.id) }
func (h VmHandle) Start() error               { return h.hv.StartVM(h.id) }
func (h VmHandle) Stop() error                { return h.hv.StopVM(h.id) }
func (h VmHandle) Pause() error               { return h.hv.PauseVM(h.id) }
func (h VmHandle) Resume() error              { return h.hv.ResumeVM(h.id) }
func (h VmHandle) Reset() error               { return h.hv.ResetVM(h.id) }
func (h VmHandle) Destroy() error             { return h.hv.DestroyVM(h.id) }
func (h VmHandle) Snapshot(name string) error { return h.hv.SnapshotVM(h.id, name) }
func (h VmHandle) RestoreSnapshot(name string) error {
	return h.hv.RestoreVMSnapshot(h.id, name)
}

func (h VmHandle) Console() (*devices.SerialPortDevice, error) { return h.hv.Console(h.id) }
