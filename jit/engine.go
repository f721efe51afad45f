package jit

import "fmt"

// Tier thresholds, exact per SPEC_FULL.md §4.3 "Tiered JIT".
const (
	InterpreterToS1Threshold = 100
	S1ToS2Threshold          = 10_000
	OSRThreshold             = 5_000
	S2MinBlockSize           = 64
)

// FetchFunc reads n bytes of guest memory at a linear address for decoding.
type FetchFunc func(addr uint64, n int) ([]byte, error)

// Engine orchestrates the decoder, interpreter, tiered compilers, code
// cache, and profile database into the single per-vCPU execution step the
// rest of the module calls. One Engine per VirtualCPU.
type Engine struct {
	interp  *Interpreter
	cache   *CodeCache
	profile *ProfileDB
}

// NewEngine returns an Engine with a fresh cache and profile database.
func NewEngine() *Engine {
	return &Engine{
		interp:  NewInterpreter(0),
		cache:   NewCodeCache(4096),
		profile: NewProfileDB(),
	}
}

// Profile exposes the engine's profile database, e.g. for ReadyNow export.
func (e *Engine) Profile() *ProfileDB { return e.profile }

// Cache exposes the engine's code cache, e.g. for SMC invalidation wiring.
func (e *Engine) Cache() *CodeCache { return e.cache }

// Step executes exactly one basic block starting at cpu's current
// instruction pointer: looks up or builds/promotes a cache entry, runs it,
// and returns the ExecuteResult that ended the block.
func (e *Engine) Step(cpu *CPUState, mem MemAccessor, fetch FetchFunc) (ExecuteResult, error) {
	rip := cpu.RIP

	block := e.cache.Lookup(rip)
	if block == nil {
		ir, err := e.interp.DecodeBlock(cpu, fetch)
		if err != nil {
			return 0, fmt.Errorf("jit: decode block at rip=0x%x: %w", rip, err)
		}
		block = &CompiledBlock{IR: *ir, Tier: TierInterpreter}
		e.cache.Insert(rip, block)
	}

	hits := e.profile.RecordBlockHit(rip)
	e.maybePromote(rip, block, hits)

	switch block.Tier {
	case TierInterpreter:
		return e.interp.ExecuteIR(&block.IR, cpu, mem)
	default:
		return block.Fn(cpu, mem), nil
	}
}

// maybePromote advances block's tier once its hit count crosses the
// relevant threshold: interpreter -> S1 at 100 hits, S1 -> S2 at 10,000
// hits (restricted to blocks at least S2MinBlockSize instructions, since
// S2's speculative machinery isn't worth it below that size).
func (e *Engine) maybePromote(rip uint64, block *CompiledBlock, hits uint64) {
	switch block.Tier {
	case TierInterpreter:
		if hits >= InterpreterToS1Threshold {
			block.Tier = TierS1
			block.Fn = CompileS1(&block.IR)
			e.cache.Replace(rip, block)
		}
	case TierS1:
		if hits >= S1ToS2Threshold && len(block.IR.Instrs) >= S2MinBlockSize {
			block.Tier = TierS2
			block.Fn = CompileS2(&block.IR, e.profile)
			e.cache.Replace(rip, block)
		}
	}
}

// CheckOSR reports whether a loop header currently executing in the
// interpreter has accumulated enough iterations (OSRThreshold) to warrant
// an on-stack-replacement jump into a freshly compiled S1/S2 version
// without waiting for the enclosing block to re-enter from its start.
func (e *Engine) CheckOSR(loopHeaderRIP uint64) bool {
	return e.profile.BlockHits(loopHeaderRIP) >= OSRThreshold
}

// InvalidateRange drops cached blocks overlapping [start, end); called by
// the memory layer whenever guest code writes to RAM (SMC detection).
func (e *Engine) InvalidateRange(start, end uint64) {
	e.cache.InvalidateRange(start, end)
}

// SaveReadyNow persists the engine's current state in the requested
// format; callers choose the format per SPEC_FULL.md §4.5's compatibility
// tradeoffs (Profile is cheapest and most portable, Native is fastest to
// reload but build-locked).
func (e *Engine) SaveReadyNow(w interface {
	Write(p []byte) (int, error)
}, format ReadyNowFormat) error {
	switch format {
	case FormatProfile:
		return SaveProfile(w, e.profile)
	default:
		return fmt.Errorf("jit: SaveReadyNow format %d requires a specific block, use SaveIR/SaveNative directly", format)
	}
}
