package jit_test

import (
	"testing"

	"example.com/nvm/jit"
)

// fakeMem is a minimal flat-memory MemAccessor for interpreter tests.
type fakeMem struct {
	ram [0x10000]byte
}

func (m *fakeMem) ReadPhys(addr uint64, width int) (uint64, error) {
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(m.ram[addr+uint64(i)]) << (8 * uint(i))
	}
	return v, nil
}

func (m *fakeMem) WritePhys(addr uint64, value uint64, width int) error {
	for i := 0; i < width; i++ {
		m.ram[addr+uint64(i)] = byte(value >> (8 * uint(i)))
	}
	return nil
}

func (m *fakeMem) IOIn(port uint16, width int) uint32  { return 0 }
func (m *fakeMem) IOOut(port uint16, width int, value uint32) {}

func (m *fakeMem) load(addr uint64, code []byte) {
	copy(m.ram[addr:], code)
}

func TestInterpreterExecutesMovAddHlt(t *testing.T) {
	mem := &fakeMem{}
	// MOV EAX, 5; ADD EAX, 3; HLT
	code := []byte{0xB8, 0x05, 0x00, 0x00, 0x00, 0x83, 0xC0, 0x03, 0xF4}
	mem.load(0x7C00, code)

	cpu := jit.NewCPUState(0)
	cpu.CR0 |= jit.CR0PE
	cpu.RIP = 0x7C00

	interp := jit.NewInterpreter(0)
	ir, err := interp.DecodeBlock(cpu, func(addr uint64, n int) ([]byte, error) {
		end := addr + uint64(n)
		if end > uint64(len(mem.ram)) {
			end = uint64(len(mem.ram))
		}
		return mem.ram[addr:end], nil
	})
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if len(ir.Instrs) != 3 {
		t.Fatalf("decoded %d instructions, want 3 (block should end at HLT)", len(ir.Instrs))
	}

	res, err := interp.ExecuteIR(ir, cpu, mem)
	if err != nil {
		t.Fatalf("ExecuteIR: %v", err)
	}
	if res.Kind() != jit.ResultHalt {
		t.Fatalf("result kind = %d, want ResultHalt", res.Kind())
	}
	if cpu.GPR[jit.RAX] != 8 {
		t.Errorf("EAX = %d, want 8", cpu.GPR[jit.RAX])
	}
	if !cpu.Halted {
		t.Errorf("cpu.Halted = false, want true")
	}
}

func TestInterpreterOutReturnsIoNeeded(t *testing.T) {
	mem := &fakeMem{}
	// MOV AL, 0x41; OUT 0xF8, AL; HLT (unreached, just bounds the block)
	code := []byte{0xB0, 0x41, 0xE6, 0xF8, 0xF4}
	mem.load(0, code)

	cpu := jit.NewCPUState(0)
	cpu.RIP = 0

	interp := jit.NewInterpreter(0)
	ir, err := interp.DecodeBlock(cpu, func(addr uint64, n int) ([]byte, error) {
		end := addr + uint64(n)
		if end > uint64(len(mem.ram)) {
			end = uint64(len(mem.ram))
		}
		return mem.ram[addr:end], nil
	})
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}

	res, err := interp.ExecuteIR(ir, cpu, mem)
	if err != nil {
		t.Fatalf("ExecuteIR: %v", err)
	}
	if res.Kind() != jit.ResultIoNeeded {
		t.Fatalf("result kind = %d, want ResultIoNeeded", res.Kind())
	}
	if res.IoPort() != 0xF8 {
		t.Errorf("IoPort() = 0x%x, want 0xF8 (low byte of imm8 0xF8)", res.IoPort())
	}
}

func TestInterpreterConditionalBranchTaken(t *testing.T) {
	mem := &fakeMem{}
	// XOR EAX, EAX; CMP EAX, 0; JE +2 (skip next 2-byte instr); <would be skipped>; HLT
	code := []byte{0x31, 0xC0, 0x83, 0xF8, 0x00, 0x74, 0x02, 0xEB, 0xFE, 0xF4}
	mem.load(0, code)

	cpu := jit.NewCPUState(0)
	cpu.RIP = 0

	interp := jit.NewInterpreter(0)
	fetch := func(addr uint64, n int) ([]byte, error) {
		end := addr + uint64(n)
		if end > uint64(len(mem.ram)) {
			end = uint64(len(mem.ram))
		}
		return mem.ram[addr:end], nil
	}

	// First block: XOR, CMP, JE (ends at JE since it's a control-transfer).
	ir, err := interp.DecodeBlock(cpu, fetch)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	res, err := interp.ExecuteIR(ir, cpu, mem)
	if err != nil {
		t.Fatalf("ExecuteIR: %v", err)
	}
	if res.Kind() != jit.ResultContinue {
		t.Fatalf("result kind = %d, want ResultContinue", res.Kind())
	}
	if cpu.RIP != 9 {
		t.Fatalf("RIP after taken JE = %d, want 9 (jumped past EB FE to HLT)", cpu.RIP)
	}
}
