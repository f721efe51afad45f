package jit_test

import (
	"testing"

	"example.com/nvm/jit"
)

func TestDecodeMovImmToReg(t *testing.T) {
	// B8 imm32: MOV EAX, 0x12345678, decoded in protected mode (32-bit default).
	code := []byte{0xB8, 0x78, 0x56, 0x34, 0x12}
	instr, err := jit.Decode(code, 0x1000, jit.ModeProtected)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if instr.Mnemonic != jit.MnMov {
		t.Fatalf("Mnemonic = %v, want MnMov", instr.Mnemonic)
	}
	if instr.Length != 5 {
		t.Fatalf("Length = %d, want 5", instr.Length)
	}
	if instr.Operands[0].RegIndex != jit.RAX {
		t.Errorf("dest reg = %d, want RAX", instr.Operands[0].RegIndex)
	}
	if instr.Operands[1].Imm != 0x12345678 {
		t.Errorf("imm = 0x%x, want 0x12345678", instr.Operands[1].Imm)
	}
}

func TestDecodeNopAndHlt(t *testing.T) {
	for _, tc := range []struct {
		code []byte
		want jit.Mnemonic
	}{
		{[]byte{0x90}, jit.MnNop},
		{[]byte{0xF4}, jit.MnHlt},
		{[]byte{0xCC}, jit.MnInt3},
	} {
		instr, err := jit.Decode(tc.code, 0, jit.ModeReal)
		if err != nil {
			t.Fatalf("Decode(%x): %v", tc.code, err)
		}
		if instr.Mnemonic != tc.want {
			t.Errorf("Decode(%x) mnemonic = %v, want %v", tc.code, instr.Mnemonic, tc.want)
		}
		if instr.Length != len(tc.code) {
			t.Errorf("Decode(%x) length = %d, want %d", tc.code, instr.Length, len(tc.code))
		}
	}
}

func TestDecodeShortJmpRel8(t *testing.T) {
	// EB FE: JMP $-2 (infinite self-loop, common spin pattern)
	code := []byte{0xEB, 0xFE}
	instr, err := jit.Decode(code, 0x7C00, jit.ModeReal)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if instr.Mnemonic != jit.MnJmp {
		t.Fatalf("Mnemonic = %v, want MnJmp", instr.Mnemonic)
	}
	if instr.Operands[0].Rel != -2 {
		t.Errorf("Rel = %d, want -2", instr.Operands[0].Rel)
	}
}

func TestDecodeAddModRMRegToReg(t *testing.T) {
	// 01 D8: ADD EAX, EBX (mod=11, reg=011(EBX), rm=000(EAX))
	code := []byte{0x01, 0xD8}
	instr, err := jit.Decode(code, 0, jit.ModeProtected)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if instr.Mnemonic != jit.MnAdd {
		t.Fatalf("Mnemonic = %v, want MnAdd", instr.Mnemonic)
	}
	if instr.Operands[0].RegIndex != jit.RAX || instr.Operands[1].RegIndex != jit.RBX {
		t.Errorf("operands = (%d, %d), want (RAX, RBX)", instr.Operands[0].RegIndex, instr.Operands[1].RegIndex)
	}
}

func TestDecodeTruncatedInstructionErrors(t *testing.T) {
	// B8 requires 4 more bytes of immediate; give it none.
	code := []byte{0xB8}
	if _, err := jit.Decode(code, 0, jit.ModeProtected); err == nil {
		t.Fatalf("expected error decoding truncated MOV imm32")
	}
}

func TestDecodeInvalidOpcode(t *testing.T) {
	// 0x0F 0xFF is not a recognized two-byte opcode in this decoder.
	code := []byte{0x0F, 0xFF}
	if _, err := jit.Decode(code, 0, jit.ModeProtected); err == nil {
		t.Fatalf("expected error decoding invalid opcode")
	}
}
