package main

import (
	"fmt"
	"os"

	"example.com/nvm/jit"
)

// dumpReadyNow prints a summary of a persisted profile database or IR file,
// trying the profile reader first and the IR reader if that fails, without
// needing a separate --kind flag.
func dumpReadyNow(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if profile, err := jit.LoadProfile(f); err == nil {
		s := profile.Stats()
		fmt.Printf("profile %s: %d blocks, %d branches, %d calls, %d loops, %d memory sites, %d values, %d types\n",
			path, s.Blocks, s.Branches, s.Calls, s.Loops, s.MemorySites, s.Values, s.Types)
		return nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek %s: %w", path, err)
	}
	ir, err := jit.LoadIR(f)
	if err != nil {
		return fmt.Errorf("%s is neither a profile nor an IR ReadyNow file: %w", path, err)
	}
	fmt.Printf("ir %s: rip=0x%x mode=%v instrs=%d bytelen=%d checksum=0x%x\n",
		path, ir.GuestRIP, ir.Mode, len(ir.Instrs), ir.ByteLen, ir.GuestChecksum)
	return nil
}
