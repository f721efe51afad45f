package jit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// readyNowMagic opens every ReadyNow file (profile, IR and native alike);
// written little-endian its bytes spell "NVMP".
const readyNowMagic = 0x504D564E

// ReadyNowFormat selects which persistence format a Save/Load call targets.
// SPEC_FULL.md §4.5: Profile has full forward/backward compatibility across
// versions; RI/IR has backward compatibility only; Native is restricted to
// the exact build that produced it.
type ReadyNowFormat int

const (
	FormatProfile ReadyNowFormat = iota
	FormatIR
	FormatNative
)

// BuildID identifies the exact engine build that produced a Native-format
// file; Native files are only ever loaded by a matching BuildID (the
// resolution of the "raw machine code versioning" open question onto a
// closure-rebuild substrate — see DESIGN.md).
var BuildID = "nvm-jit-dev"

// sectionWriter accumulates one section's payload so its length can be
// prefixed before the tag+payload are copied into the real output stream.
type sectionWriter struct {
	buf []byte
}

func (s *sectionWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

func writeSection(w *bufio.Writer, tag string, fill func(*sectionWriter)) error {
	if len(tag) != 4 {
		return fmt.Errorf("jit: section tag must be 4 bytes, got %q", tag)
	}
	sw := &sectionWriter{}
	fill(sw)
	if _, err := w.WriteString(tag); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(sw.buf))); err != nil {
		return err
	}
	_, err := w.Write(sw.buf)
	return err
}

func readSectionHeader(r io.Reader) (tag string, length uint32, err error) {
	var tagBuf [4]byte
	if _, err = io.ReadFull(r, tagBuf[:]); err != nil {
		return "", 0, err
	}
	if err = binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", 0, err
	}
	return string(tagBuf[:]), length, nil
}

// SaveProfile writes the profile database in the canonical section-based
// v2 format: magic, version, then one length-prefixed section each for block
// hits, branches, call targets and loops (memory-access, value and type
// counters are not written). An unrecognized section tag is simply skippable by length,
// which is what keeps this format forward-compatible across versions
// (SPEC_FULL.md §4.5 "Profile — full forward/backward compat").
func SaveProfile(w io.Writer, p *ProfileDB) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(readyNowMagic)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(2)); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := writeSection(bw, "BLKH", func(sw *sectionWriter) {
		for rip, hits := range p.blockHits {
			sw.u64(rip)
			sw.u64(hits)
		}
	}); err != nil {
		return err
	}
	if err := writeSection(bw, "BRCH", func(sw *sectionWriter) {
		for rip, c := range p.branches {
			sw.u64(rip)
			sw.u64(c.taken)
			sw.u64(c.notTaken)
		}
	}); err != nil {
		return err
	}
	if err := writeSection(bw, "CALL", func(sw *sectionWriter) {
		for rip, c := range p.calls {
			sw.u64(rip)
			sw.u64(uint64(len(c.targets)))
			for t, n := range c.targets {
				sw.u64(t)
				sw.u64(n)
			}
		}
	}); err != nil {
		return err
	}
	if err := writeSection(bw, "LOOP", func(sw *sectionWriter) {
		for rip, l := range p.loops {
			sw.u64(rip)
			sw.u64(l.totalIterations)
			sw.u64(l.observations)
		}
	}); err != nil {
		return err
	}
	return bw.Flush()
}

// LoadProfile reads a ReadyNow profile file, supporting both the canonical
// v2 section format and a legacy v1 sequential-record format (block-hits
// only, no section tags), matching SPEC_FULL.md §4.5's "version 2 canonical
// with version 1 legacy reader" requirement.
func LoadProfile(r io.Reader) (*ProfileDB, error) {
	br := bufio.NewReader(r)
	var magic, version uint32
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("jit: read ReadyNow magic: %w", err)
	}
	if magic != readyNowMagic {
		return nil, fmt.Errorf("jit: bad ReadyNow magic 0x%x", magic)
	}
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("jit: read ReadyNow version: %w", err)
	}

	p := NewProfileDB()
	switch version {
	case 1:
		return loadProfileV1(br, p)
	case 2:
		return loadProfileV2(br, p)
	default:
		return nil, fmt.Errorf("jit: unsupported ReadyNow profile version %d", version)
	}
}

func loadProfileV1(r *bufio.Reader, p *ProfileDB) (*ProfileDB, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("jit: read v1 record count: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		var rip, hits uint64
		if err := binary.Read(r, binary.LittleEndian, &rip); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &hits); err != nil {
			return nil, err
		}
		p.blockHits[rip] = hits
	}
	return p, nil
}

func loadProfileV2(r *bufio.Reader, p *ProfileDB) (*ProfileDB, error) {
	for {
		tag, length, err := readSectionHeader(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("jit: read section header: %w", err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("jit: read section %q payload: %w", tag, err)
		}
		if err := decodeSection(p, tag, payload); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func decodeSection(p *ProfileDB, tag string, payload []byte) error {
	rd := &byteCursor{buf: payload}
	switch tag {
	case "BLKH":
		for !rd.done() {
			rip := rd.u64()
			hits := rd.u64()
			p.blockHits[rip] = hits
		}
	case "BRCH":
		for !rd.done() {
			rip := rd.u64()
			c := &branchCounter{taken: rd.u64(), notTaken: rd.u64()}
			p.branches[rip] = c
		}
	case "CALL":
		for !rd.done() {
			rip := rd.u64()
			n := rd.u64()
			c := newCallCounter()
			for i := uint64(0); i < n; i++ {
				target := rd.u64()
				count := rd.u64()
				c.targets[target] = count
				c.total += count
			}
			p.calls[rip] = c
		}
	case "LOOP":
		for !rd.done() {
			rip := rd.u64()
			l := &loopCounter{totalIterations: rd.u64(), observations: rd.u64()}
			p.loops[rip] = l
		}
	default:
		// Unknown section: skip. This is what keeps the format
		// forward-compatible — a reader that predates a new section tag
		// still loads the sections it recognizes.
	}
	return nil
}

type byteCursor struct {
	buf []byte
	pos int
}

func (c *byteCursor) done() bool { return c.pos >= len(c.buf) }

func (c *byteCursor) u64() uint64 {
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v
}

// SaveIR persists a compiled block's IR (decoded instructions, not raw
// bytes) so it can be replayed through CompileS1/CompileS2 on the next run
// without re-decoding from guest memory. Backward-compatible only: an
// older reader can load a newer file's IR section as long as instruction
// encoding itself hasn't changed shape (SPEC_FULL.md §4.5 "RI/IR").
func SaveIR(w io.Writer, ir *IR) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(readyNowMagic)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, ir.GuestRIP); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(ir.Mode)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(ir.ByteLen)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, ir.GuestChecksum); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(ir.Instrs))); err != nil {
		return err
	}
	for i := range ir.Instrs {
		if err := writeInstr(bw, &ir.Instrs[i]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeInstr(w io.Writer, instr *DecodedInstr) error {
	fields := []interface{}{
		instr.RIP, uint32(instr.Length), uint32(instr.Mnemonic), instr.Opcode,
		uint32(instr.CCIndex), uint32(instr.NumOps),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	for i := 0; i < instr.NumOps; i++ {
		op := &instr.Operands[i]
		opFields := []interface{}{
			uint32(op.Kind), uint32(op.RegKindOf), int32(op.RegIndex), uint32(op.Size),
			op.Imm, int32(op.BaseReg), op.HasBase, int32(op.IndexReg), op.HasIndex,
			uint32(op.Scale), op.Disp, op.Rel, op.FarSeg, op.FarOff,
		}
		for _, f := range opFields {
			if err := binary.Write(w, binary.LittleEndian, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadIR reads back an IR previously written by SaveIR. Same-generation
// checking does not apply to this format (it's backward-compatible by
// design), only basic magic validation.
func LoadIR(r io.Reader) (*IR, error) {
	br := bufio.NewReader(r)
	var magic uint32
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != readyNowMagic {
		return nil, fmt.Errorf("jit: bad ReadyNow magic 0x%x", magic)
	}
	ir := &IR{}
	if err := binary.Read(br, binary.LittleEndian, &ir.GuestRIP); err != nil {
		return nil, err
	}
	var mode, byteLen uint32
	if err := binary.Read(br, binary.LittleEndian, &mode); err != nil {
		return nil, err
	}
	ir.Mode = Mode(mode)
	if err := binary.Read(br, binary.LittleEndian, &byteLen); err != nil {
		return nil, err
	}
	ir.ByteLen = int(byteLen)
	if err := binary.Read(br, binary.LittleEndian, &ir.GuestChecksum); err != nil {
		return nil, err
	}
	var numInstrs uint32
	if err := binary.Read(br, binary.LittleEndian, &numInstrs); err != nil {
		return nil, err
	}
	ir.Instrs = make([]DecodedInstr, numInstrs)
	for i := range ir.Instrs {
		instr, err := readInstr(br)
		if err != nil {
			return nil, err
		}
		ir.Instrs[i] = *instr
	}
	return ir, nil
}

func readInstr(r io.Reader) (*DecodedInstr, error) {
	instr := &DecodedInstr{}
	var length, mnemonic, ccIndex, numOps uint32
	if err := binary.Read(r, binary.LittleEndian, &instr.RIP); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &mnemonic); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &instr.Opcode); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &ccIndex); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &numOps); err != nil {
		return nil, err
	}
	instr.Length = int(length)
	instr.Mnemonic = Mnemonic(mnemonic)
	instr.CCIndex = int(ccIndex)
	instr.NumOps = int(numOps)

	for i := 0; i < instr.NumOps; i++ {
		op := &instr.Operands[i]
		var kind, regKind, size, scale uint32
		var regIndex, baseReg, indexReg int32
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &regKind); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &regIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.Imm); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &baseReg); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.HasBase); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &indexReg); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.HasIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &scale); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.Disp); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.Rel); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.FarSeg); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.FarOff); err != nil {
			return nil, err
		}
		op.Kind = OperandKind(kind)
		op.RegKindOf = RegKind(regKind)
		op.RegIndex = int(regIndex)
		op.Size = int(size)
		op.BaseReg = int(baseReg)
		op.IndexReg = int(indexReg)
		op.Scale = int(scale)
	}
	return instr, nil
}

// NativeRecord is what the Native format actually persists: there is no
// machine code to serialize in this engine (see DESIGN.md, execution
// substrate open question), so "Native" means the IR plus the tier and
// build id needed to rebuild the same closure deterministically.
type NativeRecord struct {
	IR      IR
	Tier    Tier
	BuildID string
}

// SaveNative writes a NativeRecord. Unlike Profile/IR, Native files are
// only ever valid for the exact BuildID that produced them — LoadNative
// rejects any mismatch rather than attempting a cross-version rebuild
// (SPEC_FULL.md §4.5 "Native — same-generation/exact-version only").
func SaveNative(w io.Writer, rec *NativeRecord) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(readyNowMagic)); err != nil {
		return err
	}
	idBytes := []byte(rec.BuildID)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(idBytes))); err != nil {
		return err
	}
	if _, err := bw.Write(idBytes); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(rec.Tier)); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return SaveIR(bw, &rec.IR)
}

// LoadNative reads a NativeRecord and rebuilds its closure via
// CompileS1/CompileS2, failing closed if BuildID doesn't match the running
// engine's BuildID.
func LoadNative(r io.Reader, profile *ProfileDB) (*CompiledBlock, error) {
	br := bufio.NewReader(r)
	var magic, idLen uint32
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != readyNowMagic {
		return nil, fmt.Errorf("jit: bad ReadyNow magic 0x%x", magic)
	}
	if err := binary.Read(br, binary.LittleEndian, &idLen); err != nil {
		return nil, err
	}
	idBytes := make([]byte, idLen)
	if _, err := io.ReadFull(br, idBytes); err != nil {
		return nil, err
	}
	if string(idBytes) != BuildID {
		return nil, fmt.Errorf("jit: ReadyNow native record build id %q does not match running build %q", idBytes, BuildID)
	}
	var tier uint32
	if err := binary.Read(br, binary.LittleEndian, &tier); err != nil {
		return nil, err
	}
	ir, err := LoadIR(br)
	if err != nil {
		return nil, err
	}
	block := &CompiledBlock{IR: *ir, Tier: Tier(tier)}
	switch block.Tier {
	case TierS2:
		block.Fn = CompileS2(ir, profile)
	default:
		block.Fn = CompileS1(ir)
	}
	return block, nil
}
