package jit_test

import (
	"testing"

	"example.com/nvm/jit"
)

func TestModeDerivation(t *testing.T) {
	cpu := jit.NewCPUState(0)
	if got := cpu.Mode(); got != jit.ModeReal {
		t.Fatalf("fresh CPUState mode = %v, want real", got)
	}

	cpu.CR0 |= jit.CR0PE
	if got := cpu.Mode(); got != jit.ModeProtected {
		t.Fatalf("CR0.PE set mode = %v, want protected", got)
	}

	cpu.SetEFER(jit.EferLMA)
	if got := cpu.Mode(); got != jit.ModeCompat {
		t.Fatalf("EFER.LMA set, CS.L clear mode = %v, want compat", got)
	}

	cpu.CS.Attrib |= 1 << 9
	if got := cpu.Mode(); got != jit.ModeLong {
		t.Fatalf("CS.L set mode = %v, want long", got)
	}
}

func TestResetRestoresPowerOnState(t *testing.T) {
	cpu := jit.NewCPUState(1)
	cpu.GPR[jit.RAX] = 0xdead
	cpu.RIP = 0x1000
	cpu.CR0 = jit.CR0PE
	cpu.RequestExit()

	cpu.Reset()

	if cpu.GPR[jit.RAX] != 0 {
		t.Errorf("GPR[RAX] = 0x%x after Reset, want 0", cpu.GPR[jit.RAX])
	}
	if cpu.RIP != 0 {
		t.Errorf("RIP = 0x%x after Reset, want 0", cpu.RIP)
	}
	if cpu.Mode() != jit.ModeReal {
		t.Errorf("mode = %v after Reset, want real", cpu.Mode())
	}
	if cpu.ExitRequested() {
		t.Errorf("ExitRequested() true after Reset, want false")
	}
}

func TestLinearIPRealMode(t *testing.T) {
	cpu := jit.NewCPUState(0)
	cpu.CS.Base = 0xF0000
	cpu.RIP = 0xFFF0
	if got, want := cpu.LinearIP(), uint64(0xFFFF0); got != want {
		t.Errorf("LinearIP() = 0x%x, want 0x%x", got, want)
	}
}

func TestSyncFlagAndFlag(t *testing.T) {
	cpu := jit.NewCPUState(0)
	cpu.SyncFlag(jit.FlagZF, true)
	if !cpu.Flag(jit.FlagZF) {
		t.Errorf("FlagZF not set after SyncFlag(true)")
	}
	cpu.SyncFlag(jit.FlagZF, false)
	if cpu.Flag(jit.FlagZF) {
		t.Errorf("FlagZF still set after SyncFlag(false)")
	}
}
