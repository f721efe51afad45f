package jit

import "sync"

// BranchBias classifies a branch's taken/not-taken history, thresholds per
// SPEC_FULL.md §4.4 "Profile database".
type BranchBias int

const (
	BranchMixed BranchBias = iota
	BranchAlwaysTaken
	BranchNeverTaken
	BranchMostlyTaken
	BranchMostlyNotTaken
	BranchUnknown
)

// CallPolymorphism classifies an indirect call site by how many distinct
// targets it has been observed to reach.
type CallPolymorphism int

const (
	CallMonomorphic CallPolymorphism = iota
	CallPolymorphic
	CallMegamorphic
)

// MemoryPattern classifies a memory access site's address stride history.
type MemoryPattern int

const (
	MemoryUnknown MemoryPattern = iota
	MemoryStrided
	MemorySequential
	MemoryRandom
)

// branchCounter accumulates taken/not-taken counts for one branch site.
type branchCounter struct {
	taken, notTaken uint64
}

func (b *branchCounter) bias() BranchBias {
	total := b.taken + b.notTaken
	if total < 100 {
		return BranchUnknown
	}
	ratio := float64(b.taken) / float64(total)
	switch {
	case ratio > 0.99:
		return BranchAlwaysTaken
	case ratio < 0.01:
		return BranchNeverTaken
	case ratio > 0.80:
		return BranchMostlyTaken
	case ratio < 0.20:
		return BranchMostlyNotTaken
	default:
		return BranchMixed
	}
}

// callCounter accumulates call-target histograms for one indirect call site.
type callCounter struct {
	targets map[uint64]uint64
	total   uint64
}

func newCallCounter() *callCounter {
	return &callCounter{targets: make(map[uint64]uint64)}
}

func (c *callCounter) record(target uint64) {
	c.targets[target]++
	c.total++
}

// dominant returns the most-called target and whether it accounts for
// >0.90 of all calls at this site. Below 100 total calls the site hasn't
// been observed enough to trust a ratio, so it reports no dominant target.
func (c *callCounter) dominant() (target uint64, isDominant bool) {
	if c.total < 100 {
		return 0, false
	}
	var best uint64
	var bestCount uint64
	for t, n := range c.targets {
		if n > bestCount {
			best, bestCount = t, n
		}
	}
	return best, float64(bestCount)/float64(c.total) > 0.90
}

func (c *callCounter) polymorphism() CallPolymorphism {
	switch n := len(c.targets); {
	case n <= 1:
		return CallMonomorphic
	case n <= 4:
		return CallPolymorphic
	default:
		return CallMegamorphic
	}
}

// loopCounter accumulates trip-count history for one loop header.
type loopCounter struct {
	totalIterations uint64
	observations    uint64
}

func (l *loopCounter) averageTrip() float64 {
	if l.observations == 0 {
		return 0
	}
	return float64(l.totalIterations) / float64(l.observations)
}

func (l *loopCounter) isShort() bool { return l.averageTrip() < 16.0 }

// commonTrip reports the dominant observed trip count when it's reliable:
// total observations > 100 and the dominant value's share > 0.80.
type loopTripHistogram struct {
	counts map[uint64]uint64
	total  uint64
}

func newLoopTripHistogram() *loopTripHistogram {
	return &loopTripHistogram{counts: make(map[uint64]uint64)}
}

func (h *loopTripHistogram) record(trip uint64) {
	h.counts[trip]++
	h.total++
}

func (h *loopTripHistogram) commonTrip() (trip uint64, valid bool) {
	if h.total <= 100 {
		return 0, false
	}
	var best uint64
	var bestCount uint64
	for t, n := range h.counts {
		if n > bestCount {
			best, bestCount = t, n
		}
	}
	return best, float64(bestCount)/float64(h.total) > 0.80
}

// memoryCounter accumulates stride observations for one load/store site.
type memoryCounter struct {
	count         uint64
	stridedHits   uint64
	sequentialHits uint64
	lastAddr      uint64
	haveLast      bool
	lastStride    int64
	haveStride    bool
}

func (m *memoryCounter) record(addr uint64) {
	if m.haveLast {
		stride := int64(addr) - int64(m.lastAddr)
		if stride == 1 {
			m.sequentialHits++
		}
		if m.haveStride && stride == m.lastStride {
			m.stridedHits++
		}
		m.lastStride = stride
		m.haveStride = true
	}
	m.lastAddr = addr
	m.haveLast = true
	m.count++
}

func (m *memoryCounter) pattern() MemoryPattern {
	if m.count < 100 {
		return MemoryUnknown
	}
	if float64(m.sequentialHits)/float64(m.count) > 0.90 {
		return MemorySequential
	}
	if float64(m.stridedHits)/float64(m.count) > 0.90 {
		return MemoryStrided
	}
	return MemoryRandom
}

// valueCounter/typeCounter both use the same ≥0.99 dominance threshold for
// value and type-tag specialization candidates.
type dominanceCounter struct {
	counts map[uint64]uint64
	total  uint64
}

func newDominanceCounter() *dominanceCounter {
	return &dominanceCounter{counts: make(map[uint64]uint64)}
}

func (d *dominanceCounter) record(v uint64) {
	d.counts[v]++
	d.total++
}

// dominant reports no dominant value/type below 100 total observations, the
// same floor the other counters in this file gate on before trusting a ratio.
func (d *dominanceCounter) dominant() (value uint64, isDominant bool) {
	if d.total < 100 {
		return 0, false
	}
	var best uint64
	var bestCount uint64
	for v, n := range d.counts {
		if n > bestCount {
			best, bestCount = v, n
		}
	}
	return best, float64(bestCount)/float64(d.total) >= 0.99
}

// ProfileDB accumulates per-block, per-branch, per-call-site, per-loop,
// per-memory-site, per-value-site execution history used to drive S2
// speculative optimization decisions. One instance per JitEngine.
type ProfileDB struct {
	mu sync.RWMutex

	blockHits map[uint64]uint64
	branches  map[uint64]*branchCounter
	calls     map[uint64]*callCounter
	loops     map[uint64]*loopCounter
	loopTrips map[uint64]*loopTripHistogram
	memory    map[uint64]*memoryCounter
	values    map[uint64]*dominanceCounter
	types     map[uint64]*dominanceCounter
}

// NewProfileDB returns an empty profile database.
func NewProfileDB() *ProfileDB {
	return &ProfileDB{
		blockHits: make(map[uint64]uint64),
		branches:  make(map[uint64]*branchCounter),
		calls:     make(map[uint64]*callCounter),
		loops:     make(map[uint64]*loopCounter),
		loopTrips: make(map[uint64]*loopTripHistogram),
		memory:    make(map[uint64]*memoryCounter),
		values:    make(map[uint64]*dominanceCounter),
		types:     make(map[uint64]*dominanceCounter),
	}
}

// RecordBlockHit increments the execution count for a block entry, the
// signal that drives interpreter_to_s1/s1_to_s2 tier promotion.
func (p *ProfileDB) RecordBlockHit(rip uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockHits[rip]++
	return p.blockHits[rip]
}

// BlockHits returns the current hit count for rip without incrementing it.
func (p *ProfileDB) BlockHits(rip uint64) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blockHits[rip]
}

// RecordBranch updates the taken/not-taken history for a branch site.
func (p *ProfileDB) RecordBranch(siteRIP uint64, taken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.branches[siteRIP]
	if !ok {
		c = &branchCounter{}
		p.branches[siteRIP] = c
	}
	if taken {
		c.taken++
	} else {
		c.notTaken++
	}
}

// BranchBias returns the current classification for a branch site.
func (p *ProfileDB) BranchBias(siteRIP uint64) BranchBias {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.branches[siteRIP]
	if !ok {
		return BranchMixed
	}
	return c.bias()
}

// RecordCall updates the call-target histogram for an indirect call site.
func (p *ProfileDB) RecordCall(siteRIP, target uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[siteRIP]
	if !ok {
		c = newCallCounter()
		p.calls[siteRIP] = c
	}
	c.record(target)
}

// CallSite returns the dominant target, whether it dominates (>0.90), and
// the site's polymorphism classification.
func (p *ProfileDB) CallSite(siteRIP uint64) (target uint64, isDominant bool, poly CallPolymorphism) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.calls[siteRIP]
	if !ok {
		return 0, false, CallMonomorphic
	}
	t, dom := c.dominant()
	return t, dom, c.polymorphism()
}

// RecordLoopIteration records one loop's observed trip count at exit.
func (p *ProfileDB) RecordLoopIteration(headerRIP uint64, trips uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.loops[headerRIP]
	if !ok {
		l = &loopCounter{}
		p.loops[headerRIP] = l
	}
	l.totalIterations += trips
	l.observations++

	h, ok := p.loopTrips[headerRIP]
	if !ok {
		h = newLoopTripHistogram()
		p.loopTrips[headerRIP] = h
	}
	h.record(trips)
}

// LoopProfile reports whether a loop is "short" (avg trip < 16.0) and its
// common trip count if reliably dominant.
func (p *ProfileDB) LoopProfile(headerRIP uint64) (isShort bool, commonTrip uint64, commonValid bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.loops[headerRIP]
	if ok {
		isShort = l.isShort()
	}
	if h, ok := p.loopTrips[headerRIP]; ok {
		commonTrip, commonValid = h.commonTrip()
	}
	return
}

// RecordMemoryAccess updates stride history for a load/store instruction
// site.
func (p *ProfileDB) RecordMemoryAccess(siteRIP, addr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.memory[siteRIP]
	if !ok {
		m = &memoryCounter{}
		p.memory[siteRIP] = m
	}
	m.record(addr)
}

// MemoryPattern classifies a memory access site.
func (p *ProfileDB) MemoryPattern(siteRIP uint64) MemoryPattern {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.memory[siteRIP]
	if !ok {
		return MemoryUnknown
	}
	return m.pattern()
}

// RecordValue/RecordType feed the value- and type-specialization counters.
func (p *ProfileDB) RecordValue(siteRIP, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.values[siteRIP]
	if !ok {
		c = newDominanceCounter()
		p.values[siteRIP] = c
	}
	c.record(value)
}

func (p *ProfileDB) DominantValue(siteRIP uint64) (value uint64, isDominant bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.values[siteRIP]
	if !ok {
		return 0, false
	}
	return c.dominant()
}

func (p *ProfileDB) RecordType(siteRIP, typeTag uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.types[siteRIP]
	if !ok {
		c = newDominanceCounter()
		p.types[siteRIP] = c
	}
	c.record(typeTag)
}

func (p *ProfileDB) DominantType(siteRIP uint64) (typeTag uint64, isDominant bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.types[siteRIP]
	if !ok {
		return 0, false
	}
	return c.dominant()
}

// ProfileStats summarizes entry counts per category, for a ReadyNow file
// inspector to report without reaching into the unexported maps directly.
type ProfileStats struct {
	Blocks, Branches, Calls, Loops, MemorySites, Values, Types int
}

func (p *ProfileDB) Stats() ProfileStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProfileStats{
		Blocks:      len(p.blockHits),
		Branches:    len(p.branches),
		Calls:       len(p.calls),
		Loops:       len(p.loops),
		MemorySites: len(p.memory),
		Values:      len(p.values),
		Types:       len(p.types),
	}
}
