package jit_test

import (
	"testing"

	"example.com/nvm/jit"
)

func TestCodeCacheLookupMiss(t *testing.T) {
	c := jit.NewCodeCache(0)
	if c.Lookup(0x1000) != nil {
		t.Fatalf("Lookup on empty cache returned non-nil")
	}
}

func TestCodeCacheInsertAndLookup(t *testing.T) {
	c := jit.NewCodeCache(0)
	block := &jit.CompiledBlock{IR: jit.IR{GuestRIP: 0x1000, ByteLen: 4}}
	c.Insert(0x1000, block)

	got := c.Lookup(0x1000)
	if got == nil {
		t.Fatalf("Lookup after Insert returned nil")
	}
	if got.HitCount != 1 {
		t.Errorf("HitCount = %d after first Lookup, want 1", got.HitCount)
	}
}

func TestCodeCacheEviction(t *testing.T) {
	c := jit.NewCodeCache(2)
	c.Insert(1, &jit.CompiledBlock{IR: jit.IR{GuestRIP: 1}})
	c.Insert(2, &jit.CompiledBlock{IR: jit.IR{GuestRIP: 2}})
	c.Insert(3, &jit.CompiledBlock{IR: jit.IR{GuestRIP: 3}})

	if c.Len() != 2 {
		t.Fatalf("Len() = %d after inserting 3 into a 2-entry cache, want 2", c.Len())
	}
	if c.Lookup(1) != nil {
		t.Errorf("entry 1 should have been LRU-evicted")
	}
	if c.Lookup(3) == nil {
		t.Errorf("entry 3 (most recently inserted) should still be present")
	}
}

func TestCodeCacheInvalidateRange(t *testing.T) {
	c := jit.NewCodeCache(0)
	c.Insert(0x2000, &jit.CompiledBlock{IR: jit.IR{GuestRIP: 0x2000, ByteLen: 16}})
	c.Insert(0x5000, &jit.CompiledBlock{IR: jit.IR{GuestRIP: 0x5000, ByteLen: 16}})

	c.InvalidateRange(0x2004, 0x2008)

	if c.Lookup(0x2000) != nil {
		t.Errorf("block overlapping invalidated range should have been dropped")
	}
	if c.Lookup(0x5000) == nil {
		t.Errorf("block outside invalidated range should remain cached")
	}
}
