package jit

// CompileS1 builds the baseline-tier native closure for ir: a straight
// replay of ExecuteIR with no profile-guided speculation, just compiled
// once so the block no longer pays interpreter dispatch overhead on every
// hit (SPEC_FULL.md §4.3 "Tiered JIT", resolved open question on the
// execution substrate — the "native code" here is this closure, not
// synthesized machine code).
func CompileS1(ir *IR) NativeFn {
	instrs := ir.Instrs
	return func(cpu *CPUState, mem MemAccessor) ExecuteResult {
		for i := range instrs {
			instr := &instrs[i]
			cpu.RIP = instr.RIP + uint64(instr.Length)
			res, err := execInstr(instr, cpu, mem)
			if err != nil {
				return ExceptionResult(0xFF, 0, false)
			}
			if res.Kind() != ResultContinue {
				return res
			}
		}
		return ContinueResult()
	}
}
