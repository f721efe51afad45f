package jit

import "fmt"

// MaxInstrLength is the x86 architectural maximum instruction length.
const MaxInstrLength = 15

// Mnemonic identifies a decoded instruction's operation, independent of its
// operand encoding.
type Mnemonic int

const (
	MnNop Mnemonic = iota
	MnMov
	MnMovzx
	MnMovsx
	MnMovsxd
	MnLea
	MnPush
	MnPop
	MnXchg
	MnPusha
	MnPopa
	MnPushf
	MnPopf
	MnAdd
	MnAdc
	MnSub
	MnSbb
	MnAnd
	MnOr
	MnXor
	MnTest
	MnCmp
	MnInc
	MnDec
	MnNeg
	MnNot
	MnImul
	MnShl
	MnShr
	MnSar
	MnRol
	MnRor
	MnJmp
	MnJcc
	MnCall
	MnRet
	MnRetf
	MnLoop
	MnLoope
	MnLoopne
	MnClc
	MnStc
	MnCmc
	MnCld
	MnStd
	MnCli
	MnSti
	MnIn
	MnOut
	MnMovs
	MnStos
	MnLods
	MnPause
	MnHlt
	MnInt
	MnInt3
	MnIret
	MnCpuid
	MnRdtsc
	MnRdmsr
	MnWrmsr
	MnLgdt
	MnLidt
)

// RegKind distinguishes the register file an operand's index refers into.
type RegKind int

const (
	RegNone RegKind = iota
	RegGpr
	RegSegment
	RegControl
	RegDebug
	RegRip
)

// OperandKind tags which field of Operand is meaningful.
type OperandKind int

const (
	OpNone OperandKind = iota
	OpReg
	OpImm
	OpMem
	OpRel
	OpFar
)

// Operand is a decoded instruction operand. Exactly the fields implied by
// Kind are meaningful.
type Operand struct {
	Kind OperandKind

	RegKindOf RegKind
	RegIndex  int
	Size      int // bytes: 1, 2, 4, or 8

	Imm int64

	// Mem fields.
	BaseReg  int
	HasBase  bool
	IndexReg int
	HasIndex bool
	Scale    int
	Disp     int64

	Rel int64

	FarSeg uint16
	FarOff uint64
}

// DecodedInstr is the pure output of the decoder: everything the
// interpreter or compiler needs to execute one instruction, with no
// reference back to CPU/memory.
type DecodedInstr struct {
	RIP      uint64
	Length   int
	Prefixes Prefixes
	Mnemonic Mnemonic
	Opcode   byte
	CCIndex  int // condition-code index for Jcc (0-15), meaningful only for MnJcc
	Operands [3]Operand
	NumOps   int
}

// Prefixes records the legacy/REX prefix bytes observed for this instruction,
// since operand/address size and register extension all derive from them.
type Prefixes struct {
	OperandSizeOverride bool // 0x66
	AddressSizeOverride bool // 0x67
	Rep                 bool // 0xF3
	Repne               bool // 0xF2
	Lock                bool // 0xF0
	SegOverride         RegKind
	HasRex              bool
	RexW, RexR, RexX, RexB bool
}

// DecodeError reports why a byte sequence could not be decoded.
type DecodeError struct {
	RIP    uint64
	Bytes  []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at rip=0x%x: %s", e.RIP, e.Reason)
}

// invalidOpcodeReason is the DecodeError reason used when a byte sequence
// maps to no known instruction in the current mode.
const invalidOpcodeReason = "invalid or unsupported opcode"

// operandSizeDefaults returns the default operand and address size (bytes)
// for a given mode, per SPEC_FULL.md §4.1 "Mode effects".
func operandSizeDefaults(mode Mode) (opSize, addrSize int) {
	switch mode {
	case ModeReal:
		return 2, 2
	case ModeCompat:
		return 2, 4
	case ModeProtected:
		return 4, 4
	case ModeLong:
		return 4, 8 // operand size defaults to 32 in long mode without REX.W
	default:
		return 4, 4
	}
}

// Decode translates bytes[0:] (interpreted starting at rip, in the given
// CPU mode) into one DecodedInstr. It is a pure function: no CPU or memory
// side effects, and the same inputs always produce the same output.
func Decode(bytes []byte, rip uint64, mode Mode) (*DecodedInstr, error) {
	if len(bytes) == 0 {
		return nil, &DecodeError{RIP: rip, Reason: "empty input"}
	}
	limit := len(bytes)
	if limit > MaxInstrLength {
		limit = MaxInstrLength
	}

	d := &decodeState{buf: bytes[:limit], rip: rip, mode: mode}
	instr, err := d.decode()
	if err != nil {
		return nil, err
	}
	if instr.Length > MaxInstrLength {
		return nil, &DecodeError{RIP: rip, Bytes: bytes[:instr.Length], Reason: "instruction exceeds 15 bytes"}
	}
	return instr, nil
}

type decodeState struct {
	buf  []byte
	pos  int
	rip  uint64
	mode Mode
	pfx  Prefixes
}

func (d *decodeState) peek() (byte, bool) {
	if d.pos >= len(d.buf) {
		return 0, false
	}
	return d.buf[d.pos], true
}

func (d *decodeState) next() (byte, bool) {
	b, ok := d.peek()
	if ok {
		d.pos++
	}
	return b, ok
}

func (d *decodeState) fail(reason string) error {
	return &DecodeError{RIP: d.rip, Bytes: append([]byte(nil), d.buf[:d.pos]...), Reason: reason}
}

// decode consumes prefixes, then the opcode, then operands, building a
// DecodedInstr. The mnemonic table below covers exactly the instruction set
// SPEC_FULL.md §4.1 enumerates; anything else is InvalidOpcode.
func (d *decodeState) decode() (*DecodedInstr, error) {
	if err := d.consumePrefixes(); err != nil {
		return nil, err
	}

	opSize, addrSize := operandSizeDefaults(d.mode)
	if d.pfx.OperandSizeOverride {
		if opSize == 4 {
			opSize = 2
		} else if opSize == 2 {
			opSize = 4
		}
	}
	if d.mode == ModeLong && d.pfx.RexW {
		opSize = 8
	}
	if d.pfx.AddressSizeOverride {
		if addrSize == 4 {
			addrSize = 2
		} else if addrSize == 2 {
			addrSize = 4
		} else if addrSize == 8 {
			addrSize = 4
		}
	}

	op, ok := d.next()
	if !ok {
		return nil, d.fail("truncated opcode")
	}

	instr := &DecodedInstr{RIP: d.rip, Prefixes: d.pfx, Opcode: op}

	if err := d.decodeOpcode(instr, op, opSize, addrSize); err != nil {
		return nil, err
	}

	instr.Length = d.pos
	return instr, nil
}

func (d *decodeState) consumePrefixes() error {
	for {
		b, ok := d.peek()
		if !ok {
			return d.fail("truncated prefix")
		}
		switch b {
		case 0x66:
			d.pfx.OperandSizeOverride = true
		case 0x67:
			d.pfx.AddressSizeOverride = true
		case 0xF0:
			d.pfx.Lock = true
		case 0xF2:
			d.pfx.Repne = true
		case 0xF3:
			d.pfx.Rep = true
		case 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			d.pfx.SegOverride = RegSegment
		default:
			if d.mode == ModeLong && b >= 0x40 && b <= 0x4F {
				d.pfx.HasRex = true
				d.pfx.RexW = b&0x08 != 0
				d.pfx.RexR = b&0x04 != 0
				d.pfx.RexX = b&0x02 != 0
				d.pfx.RexB = b&0x01 != 0
				d.pos++
				return nil // REX must immediately precede the opcode
			}
			return nil
		}
		d.pos++
	}
}

// decodeOpcode fills instr's Mnemonic/Operands for the given leading opcode
// byte. This implements the "must cover" list from SPEC_FULL.md §4.1.
// ModRM-based encodings use readModRM to recover register/memory operands.
func (d *decodeState) decodeOpcode(instr *DecodedInstr, op byte, opSize, addrSize int) error {
	switch {
	case op == 0x90:
		instr.Mnemonic = MnNop
		return nil
	case op == 0xF4:
		instr.Mnemonic = MnHlt
		return nil
	case op == 0xCC:
		instr.Mnemonic = MnInt3
		return nil
	case op == 0xCD:
		imm, ok := d.next()
		if !ok {
			return d.fail("truncated INT imm8")
		}
		instr.Mnemonic = MnInt
		instr.Operands[0] = Operand{Kind: OpImm, Imm: int64(imm), Size: 1}
		instr.NumOps = 1
		return nil
	case op == 0xCF:
		instr.Mnemonic = MnIret
		return nil
	case op == 0xF8:
		instr.Mnemonic = MnClc
		return nil
	case op == 0xF9:
		instr.Mnemonic = MnStc
		return nil
	case op == 0xF5:
		instr.Mnemonic = MnCmc
		return nil
	case op == 0xFC:
		instr.Mnemonic = MnCld
		return nil
	case op == 0xFD:
		instr.Mnemonic = MnStd
		return nil
	case op == 0xFA:
		instr.Mnemonic = MnCli
		return nil
	case op == 0xFB:
		instr.Mnemonic = MnSti
		return nil
	case op == 0x60 && d.mode != ModeLong:
		instr.Mnemonic = MnPusha
		return nil
	case op == 0x61 && d.mode != ModeLong:
		instr.Mnemonic = MnPopa
		return nil
	case op == 0x9C:
		instr.Mnemonic = MnPushf
		return nil
	case op == 0x9D:
		instr.Mnemonic = MnPopf
		return nil
	case op == 0xE4 || op == 0xE5:
		imm, ok := d.next()
		if !ok {
			return d.fail("truncated IN imm8")
		}
		instr.Mnemonic = MnIn
		instr.Operands[0] = Operand{Kind: OpImm, Imm: int64(imm), Size: 1}
		instr.NumOps = 1
		if op == 0xE5 {
			instr.Operands[0].Size = opSize
		}
		return nil
	case op == 0xE6 || op == 0xE7:
		imm, ok := d.next()
		if !ok {
			return d.fail("truncated OUT imm8")
		}
		instr.Mnemonic = MnOut
		instr.Operands[0] = Operand{Kind: OpImm, Imm: int64(imm), Size: 1}
		instr.NumOps = 1
		return nil
	case op == 0xEC || op == 0xED:
		instr.Mnemonic = MnIn
		instr.Operands[0] = Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: RDX, Size: 2}
		instr.NumOps = 1
		return nil
	case op == 0xEE || op == 0xEF:
		instr.Mnemonic = MnOut
		instr.Operands[0] = Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: RDX, Size: 2}
		instr.NumOps = 1
		return nil
	case op >= 0xA4 && op <= 0xA7:
		instr.Mnemonic = MnMovs
		return nil
	case op >= 0xAA && op <= 0xAB:
		instr.Mnemonic = MnStos
		return nil
	case op >= 0xAC && op <= 0xAD:
		instr.Mnemonic = MnLods
		return nil
	case op == 0xE2:
		return d.decodeRelBranch(instr, MnLoop)
	case op == 0xE1:
		return d.decodeRelBranch(instr, MnLoope)
	case op == 0xE0:
		return d.decodeRelBranch(instr, MnLoopne)
	case op == 0xE9:
		return d.decodeRel32Branch(instr, MnJmp)
	case op == 0xEB:
		return d.decodeRelBranch(instr, MnJmp)
	case op == 0xE8:
		return d.decodeRel32Branch(instr, MnCall)
	case op == 0xC3:
		instr.Mnemonic = MnRet
		return nil
	case op == 0xC2:
		imm, err := d.readImm(2)
		if err != nil {
			return err
		}
		instr.Mnemonic = MnRet
		instr.Operands[0] = Operand{Kind: OpImm, Imm: imm, Size: 2}
		instr.NumOps = 1
		return nil
	case op == 0xCB:
		instr.Mnemonic = MnRetf
		return nil
	case op >= 0x70 && op <= 0x7F:
		instr.CCIndex = int(op - 0x70)
		return d.decodeRelBranch(instr, MnJcc)
	case op == 0x0F:
		return d.decodeTwoByte(instr, opSize)
	case op == 0xA8: // TEST AL, imm8
		imm, err := d.readImm(1)
		if err != nil {
			return err
		}
		instr.Mnemonic = MnTest
		instr.Operands[0] = Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: RAX, Size: 1}
		instr.Operands[1] = Operand{Kind: OpImm, Imm: imm, Size: 1}
		instr.NumOps = 2
		return nil
	case op == 0xEA:
		seg, err := d.readImm(2)
		if err != nil {
			return err
		}
		off, err := d.readImm(4)
		if err != nil {
			return err
		}
		instr.Mnemonic = MnJmp
		instr.Operands[0] = Operand{Kind: OpFar, FarSeg: uint16(seg), FarOff: uint64(off)}
		instr.NumOps = 1
		return nil
	case op == 0x88 || op == 0x89 || op == 0x8A || op == 0x8B:
		return d.decodeModRMArith(instr, MnMov, op, opSize)
	case op == 0x8D:
		return d.decodeModRMArith(instr, MnLea, op, opSize)
	case op >= 0xB8 && op <= 0xBF:
		reg := int(op - 0xB8)
		if d.pfx.RexB {
			reg += 8
		}
		imm, err := d.readImm(opSize)
		if err != nil {
			return err
		}
		instr.Mnemonic = MnMov
		instr.Operands[0] = Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: reg, Size: opSize}
		instr.Operands[1] = Operand{Kind: OpImm, Imm: imm, Size: opSize}
		instr.NumOps = 2
		return nil
	case op >= 0xB0 && op <= 0xB7:
		reg := int(op - 0xB0)
		if d.pfx.RexB {
			reg += 8
		}
		imm, err := d.readImm(1)
		if err != nil {
			return err
		}
		instr.Mnemonic = MnMov
		instr.Operands[0] = Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: reg, Size: 1}
		instr.Operands[1] = Operand{Kind: OpImm, Imm: imm, Size: 1}
		instr.NumOps = 2
		return nil
	case op == 0x50 || (op >= 0x50 && op <= 0x57):
		reg := int(op - 0x50)
		if d.pfx.RexB {
			reg += 8
		}
		instr.Mnemonic = MnPush
		instr.Operands[0] = Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: reg, Size: stackWidth(d.mode, opSize)}
		instr.NumOps = 1
		return nil
	case op >= 0x58 && op <= 0x5F:
		reg := int(op - 0x58)
		if d.pfx.RexB {
			reg += 8
		}
		instr.Mnemonic = MnPop
		instr.Operands[0] = Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: reg, Size: stackWidth(d.mode, opSize)}
		instr.NumOps = 1
		return nil
	case op == 0x00 || op == 0x01 || op == 0x02 || op == 0x03:
		return d.decodeModRMArith(instr, MnAdd, op, opSize)
	case op == 0x08 || op == 0x09 || op == 0x0A || op == 0x0B:
		return d.decodeModRMArith(instr, MnOr, op, opSize)
	case op == 0x10 || op == 0x11 || op == 0x12 || op == 0x13:
		return d.decodeModRMArith(instr, MnAdc, op, opSize)
	case op == 0x18 || op == 0x19 || op == 0x1A || op == 0x1B:
		return d.decodeModRMArith(instr, MnSbb, op, opSize)
	case op == 0x20 || op == 0x21 || op == 0x22 || op == 0x23:
		return d.decodeModRMArith(instr, MnAnd, op, opSize)
	case op == 0x28 || op == 0x29 || op == 0x2A || op == 0x2B:
		return d.decodeModRMArith(instr, MnSub, op, opSize)
	case op == 0x30 || op == 0x31 || op == 0x32 || op == 0x33:
		return d.decodeModRMArith(instr, MnXor, op, opSize)
	case op == 0x38 || op == 0x39 || op == 0x3A || op == 0x3B:
		return d.decodeModRMArith(instr, MnCmp, op, opSize)
	case op == 0x84 || op == 0x85:
		return d.decodeModRMArith(instr, MnTest, op, opSize)
	case op == 0x86 || op == 0x87:
		return d.decodeModRMArith(instr, MnXchg, op, opSize)
	case op == 0x80 || op == 0x81 || op == 0x83:
		return d.decodeGroup1(instr, op, opSize)
	case op == 0xFE || op == 0xFF:
		return d.decodeGroup5(instr, op, opSize)
	case op == 0xC0 || op == 0xC1 || op == 0xD0 || op == 0xD1 || op == 0xD2 || op == 0xD3:
		return d.decodeShiftGroup(instr, op, opSize)
	case op == 0xF6 || op == 0xF7:
		return d.decodeGroup3(instr, op, opSize)
	default:
		return d.fail(invalidOpcodeReason)
	}
}

func stackWidth(mode Mode, opSize int) int {
	if mode == ModeLong {
		return 8
	}
	return opSize
}

func (d *decodeState) decodeRelBranch(instr *DecodedInstr, mn Mnemonic) error {
	rel, ok := d.next()
	if !ok {
		return d.fail("truncated rel8")
	}
	instr.Mnemonic = mn
	instr.Operands[0] = Operand{Kind: OpRel, Rel: int64(int8(rel))}
	instr.NumOps = 1
	return nil
}

func (d *decodeState) decodeRel32Branch(instr *DecodedInstr, mn Mnemonic) error {
	imm, err := d.readImm(4)
	if err != nil {
		return err
	}
	instr.Mnemonic = mn
	instr.Operands[0] = Operand{Kind: OpRel, Rel: imm}
	instr.NumOps = 1
	return nil
}

func (d *decodeState) decodeTwoByte(instr *DecodedInstr, opSize int) error {
	op2, ok := d.next()
	if !ok {
		return d.fail("truncated two-byte opcode")
	}
	switch {
	case op2 >= 0x80 && op2 <= 0x8F:
		instr.CCIndex = int(op2 - 0x80)
		return d.decodeRel32Branch(instr, MnJcc)
	case op2 == 0xB6 || op2 == 0xB7:
		return d.decodeModRMExtend(instr, MnMovzx, op2, opSize)
	case op2 == 0xBE || op2 == 0xBF:
		return d.decodeModRMExtend(instr, MnMovsx, op2, opSize)
	case op2 == 0xA2:
		instr.Mnemonic = MnCpuid
		return nil
	case op2 == 0x31:
		instr.Mnemonic = MnRdtsc
		return nil
	case op2 == 0x32:
		instr.Mnemonic = MnRdmsr
		return nil
	case op2 == 0x30:
		instr.Mnemonic = MnWrmsr
		return nil
	case op2 == 0xAF:
		return d.decodeModRMArith(instr, MnImul, op2, opSize)
	case op2 == 0x20:
		return d.decodeModRMControlReg(instr, true)
	case op2 == 0x22:
		return d.decodeModRMControlReg(instr, false)
	case op2 == 0x01:
		return d.decodeGroup7(instr)
	default:
		return d.fail(invalidOpcodeReason)
	}
}

func (d *decodeState) decodeModRMControlReg(instr *DecodedInstr, read bool) error {
	modrm, ok := d.next()
	if !ok {
		return d.fail("truncated ModRM")
	}
	reg := int((modrm>>3)&0x7)
	rm := int(modrm & 0x7)
	if d.pfx.RexR {
		reg += 8
	}
	if d.pfx.RexB {
		rm += 8
	}
	instr.Mnemonic = MnMov
	gprOp := Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: rm, Size: 8}
	crOp := Operand{Kind: OpReg, RegKindOf: RegControl, RegIndex: reg, Size: 8}
	if read {
		instr.Operands[0] = gprOp
		instr.Operands[1] = crOp
	} else {
		instr.Operands[0] = crOp
		instr.Operands[1] = gprOp
	}
	instr.NumOps = 2
	return nil
}

func (d *decodeState) decodeGroup7(instr *DecodedInstr) error {
	modrm, ok := d.next()
	if !ok {
		return d.fail("truncated ModRM")
	}
	regField := (modrm >> 3) & 0x7
	mem, err := d.readModRMMem(modrm, 6)
	if err != nil {
		return err
	}
	switch regField {
	case 2:
		instr.Mnemonic = MnLgdt
	case 3:
		instr.Mnemonic = MnLidt
	default:
		return d.fail("unsupported group7 instruction")
	}
	instr.Operands[0] = mem
	instr.NumOps = 1
	return nil
}

func (d *decodeState) decodeModRMExtend(instr *DecodedInstr, mn Mnemonic, op2 byte, opSize int) error {
	srcSize := 1
	if op2 == 0xB7 || op2 == 0xBF {
		srcSize = 2
	}
	modrm, ok := d.next()
	if !ok {
		return d.fail("truncated ModRM")
	}
	dst, src, err := d.readModRMOperands(modrm, opSize, srcSize)
	if err != nil {
		return err
	}
	instr.Mnemonic = mn
	instr.Operands[0] = dst
	instr.Operands[1] = src
	instr.NumOps = 2
	return nil
}

func (d *decodeState) decodeModRMArith(instr *DecodedInstr, mn Mnemonic, op byte, opSize int) error {
	size := opSize
	if op&0x1 == 0 && op != 0x8D {
		size = 1
	}
	modrm, ok := d.next()
	if !ok {
		return d.fail("truncated ModRM")
	}
	regOp, rmOp, err := d.readModRMOperands(modrm, size, size)
	if err != nil {
		return err
	}
	instr.Mnemonic = mn
	// direction bit: when clear, reg is source and r/m is dest for MOV-style
	toReg := op&0x2 != 0 || mn == MnImul
	if mn == MnLea {
		rmOp.Size = opSize
		instr.Operands[0] = regOp
		instr.Operands[1] = rmOp
	} else if toReg {
		instr.Operands[0] = regOp
		instr.Operands[1] = rmOp
	} else {
		instr.Operands[0] = rmOp
		instr.Operands[1] = regOp
	}
	instr.NumOps = 2
	return nil
}

// readModRMOperands decodes a ModRM byte into (reg-field operand, r/m-field
// operand). Only a conservative subset of SIB/disp encodings is modeled:
// direct register r/m, [base], [base+disp8], [base+disp32], and a SIB byte
// with base+index*scale — sufficient for the instruction set §4.1 requires.
func (d *decodeState) readModRMOperands(modrm byte, regSize, rmSize int) (Operand, Operand, error) {
	reg := int((modrm >> 3) & 0x7)
	if d.pfx.RexR {
		reg += 8
	}
	regOp := Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: reg, Size: regSize}

	mod := modrm >> 6
	rm := int(modrm & 0x7)
	if mod == 3 {
		if d.pfx.RexB {
			rm += 8
		}
		return regOp, Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: rm, Size: rmSize}, nil
	}
	memOp, err := d.readModRMMem(modrm, rmSize)
	if err != nil {
		return Operand{}, Operand{}, err
	}
	return regOp, memOp, nil
}

func (d *decodeState) readModRMMem(modrm byte, size int) (Operand, error) {
	mod := modrm >> 6
	rm := int(modrm & 0x7)
	op := Operand{Kind: OpMem, Size: size, Scale: 1}

	if rm == 4 {
		sib, ok := d.next()
		if !ok {
			return Operand{}, d.fail("truncated SIB")
		}
		scale := 1 << (sib >> 6)
		index := int((sib >> 3) & 0x7)
		base := int(sib & 0x7)
		if d.pfx.RexX {
			index += 8
		}
		if d.pfx.RexB {
			base += 8
		}
		if index != 4 { // RSP as index means "no index"
			op.HasIndex = true
			op.IndexReg = index
			op.Scale = scale
		}
		if base == 5 && mod == 0 {
			disp, err := d.readImm(4)
			if err != nil {
				return Operand{}, err
			}
			op.Disp = disp
		} else {
			op.HasBase = true
			op.BaseReg = base
		}
	} else {
		base := rm
		if d.pfx.RexB {
			base += 8
		}
		if rm == 5 && mod == 0 {
			// RIP-relative (long mode) or disp32-only (others)
			disp, err := d.readImm(4)
			if err != nil {
				return Operand{}, err
			}
			op.Disp = disp
			if d.mode == ModeLong {
				op.RegKindOf = RegRip
				op.HasBase = true
				op.BaseReg = -1 // sentinel: RIP-relative, resolved by caller
			}
			return op, nil
		}
		op.HasBase = true
		op.BaseReg = base
	}

	switch mod {
	case 1:
		disp, err := d.readImm(1)
		if err != nil {
			return Operand{}, err
		}
		op.Disp = disp
	case 2:
		disp, err := d.readImm(4)
		if err != nil {
			return Operand{}, err
		}
		op.Disp = disp
	}
	return op, nil
}

func (d *decodeState) decodeGroup1(instr *DecodedInstr, op byte, opSize int) error {
	size := opSize
	if op == 0x80 {
		size = 1
	}
	modrm, ok := d.peek()
	if !ok {
		return d.fail("truncated ModRM")
	}
	regField := (modrm >> 3) & 0x7
	d.pos++
	rmOp, err := d.readModRMOperandOnly(modrm, size)
	if err != nil {
		return err
	}
	immSize := size
	if op == 0x83 {
		immSize = 1
	}
	imm, err := d.readImm(immSize)
	if err != nil {
		return err
	}
	mnemonics := [8]Mnemonic{MnAdd, MnOr, MnAdc, MnSbb, MnAnd, MnSub, MnXor, MnCmp}
	instr.Mnemonic = mnemonics[regField]
	instr.Operands[0] = rmOp
	instr.Operands[1] = Operand{Kind: OpImm, Imm: imm, Size: size}
	instr.NumOps = 2
	return nil
}

func (d *decodeState) decodeGroup3(instr *DecodedInstr, op byte, opSize int) error {
	size := opSize
	if op == 0xF6 {
		size = 1
	}
	modrm, ok := d.peek()
	if !ok {
		return d.fail("truncated ModRM")
	}
	regField := (modrm >> 3) & 0x7
	d.pos++
	rmOp, err := d.readModRMOperandOnly(modrm, size)
	if err != nil {
		return err
	}
	switch regField {
	case 0, 1:
		imm, err := d.readImm(size)
		if err != nil {
			return err
		}
		instr.Mnemonic = MnTest
		instr.Operands[0] = rmOp
		instr.Operands[1] = Operand{Kind: OpImm, Imm: imm, Size: size}
		instr.NumOps = 2
	case 2:
		instr.Mnemonic = MnNot
		instr.Operands[0] = rmOp
		instr.NumOps = 1
	case 3:
		instr.Mnemonic = MnNeg
		instr.Operands[0] = rmOp
		instr.NumOps = 1
	default:
		return d.fail("unsupported group3 instruction")
	}
	return nil
}

func (d *decodeState) decodeGroup5(instr *DecodedInstr, op byte, opSize int) error {
	size := opSize
	if op == 0xFE {
		size = 1
	}
	modrm, ok := d.peek()
	if !ok {
		return d.fail("truncated ModRM")
	}
	regField := (modrm >> 3) & 0x7
	d.pos++
	rmOp, err := d.readModRMOperandOnly(modrm, size)
	if err != nil {
		return err
	}
	switch regField {
	case 0:
		instr.Mnemonic = MnInc
	case 1:
		instr.Mnemonic = MnDec
	case 2:
		instr.Mnemonic = MnCall
		rmOp.Size = 8
	case 6:
		instr.Mnemonic = MnPush
		rmOp.Size = stackWidth(d.mode, opSize)
	default:
		return d.fail("unsupported group5 instruction")
	}
	instr.Operands[0] = rmOp
	instr.NumOps = 1
	return nil
}

func (d *decodeState) decodeShiftGroup(instr *DecodedInstr, op byte, opSize int) error {
	size := opSize
	if op == 0xC0 || op == 0xD0 || op == 0xD2 {
		size = 1
	}
	modrm, ok := d.peek()
	if !ok {
		return d.fail("truncated ModRM")
	}
	regField := (modrm >> 3) & 0x7
	d.pos++
	rmOp, err := d.readModRMOperandOnly(modrm, size)
	if err != nil {
		return err
	}
	mnemonics := [8]Mnemonic{MnRol, MnRor, MnRol, MnRor, MnShl, MnShr, MnShl, MnSar}
	instr.Mnemonic = mnemonics[regField]
	instr.Operands[0] = rmOp
	switch op {
	case 0xC0, 0xC1:
		imm, err := d.readImm(1)
		if err != nil {
			return err
		}
		instr.Operands[1] = Operand{Kind: OpImm, Imm: imm, Size: 1}
	case 0xD0, 0xD1:
		instr.Operands[1] = Operand{Kind: OpImm, Imm: 1, Size: 1}
	case 0xD2, 0xD3:
		instr.Operands[1] = Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: RCX, Size: 1}
	}
	instr.NumOps = 2
	return nil
}

// readModRMOperandOnly decodes only the r/m field (used by group opcodes
// whose reg field selects the operation, not a register operand).
func (d *decodeState) readModRMOperandOnly(modrm byte, size int) (Operand, error) {
	mod := modrm >> 6
	rm := int(modrm & 0x7)
	if mod == 3 {
		if d.pfx.RexB {
			rm += 8
		}
		return Operand{Kind: OpReg, RegKindOf: RegGpr, RegIndex: rm, Size: size}, nil
	}
	return d.readModRMMem(modrm, size)
}

func (d *decodeState) readImm(size int) (int64, error) {
	if d.pos+size > len(d.buf) {
		return 0, d.fail("truncated immediate/displacement")
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(d.buf[d.pos+i]) << (8 * uint(i))
	}
	d.pos += size
	// sign-extend
	switch size {
	case 1:
		return int64(int8(v)), nil
	case 2:
		return int64(int16(v)), nil
	case 4:
		return int64(int32(v)), nil
	default:
		return int64(v), nil
	}
}
