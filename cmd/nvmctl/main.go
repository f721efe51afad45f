// Command nvmctl drives one guest VM through its full lifecycle: create,
// boot, attach an interactive serial console, and tear down, plus debug
// utilities for inspecting persisted ReadyNow files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"example.com/nvm/hypervisor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "readynow":
		err = cmdReadyNow(os.Args[2:])
	case "version":
		fmt.Println("nvmctl (nvm hypervisor control)")
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("nvmctl: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  nvmctl run [flags]          create, boot, and attach a console to one VM
  nvmctl readynow <file>      summarize a persisted profile or IR file
  nvmctl version`)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	name := fs.String("name", "nvmctl-vm", "VM name")
	vcpus := fs.Uint("vcpus", 1, "number of vCPUs")
	memoryMB := fs.Uint64("memory-mb", 128, "guest memory in MiB")
	firmware := fs.String("firmware", "bios", "firmware to boot")
	bootImage := fs.String("boot-image", "", "path to a flat binary loaded at the firmware's base address")
	config := fs.String("config", "", "path to a YAML VmSpec (overrides the flags above if set)")
	totalCPUs := fs.Uint64("pool-cpus", 64, "hypervisor-wide vCPU pool capacity")
	totalMemMB := fs.Uint64("pool-memory-mb", 8192, "hypervisor-wide memory pool capacity in MiB")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var spec hypervisor.VmSpec
	var err error
	if *config != "" {
		spec, err = loadVMConfig(*config)
	} else {
		b := hypervisor.NewVmSpecBuilder().
			Name(*name).
			VCPUs(uint32(*vcpus)).
			MemoryMB(*memoryMB).
			Firmware(*firmware)
		if *bootImage != "" {
			var image []byte
			image, err = os.ReadFile(*bootImage)
			if err == nil {
				b = b.BootImage(image)
			}
		}
		if err == nil {
			spec, err = b.Build()
		}
	}
	if err != nil {
		return err
	}

	hv := hypervisor.NewHypervisor(*totalCPUs, *totalMemMB)
	id, err := hv.CreateVM(spec)
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}
	handle := hypervisor.NewVmHandle(id, hv)
	log.Printf("nvmctl: created vm %q (id %d), %d vCPU, %d MiB", spec.Name, id, spec.VCPUs, spec.MemoryMB)

	if err := handle.Start(); err != nil {
		return fmt.Errorf("start vm: %w", err)
	}
	defer func() {
		if err := handle.Destroy(); err != nil {
			log.Printf("nvmctl: destroy vm: %v", err)
		}
	}()
	log.Println("nvmctl: vm running")

	serial, err := handle.Console()
	if err != nil {
		return fmt.Errorf("attach console: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	runConsole(ctx, serial)

	return shutdownWithProgress(handle)
}

// shutdownWithProgress snapshots the VM before stopping it, under a spinner
// since snapshot capture time depends on guest memory footprint the caller
// has no cheap way to estimate up front.
func shutdownWithProgress(handle hypervisor.VmHandle) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("capturing final snapshot"),
		progressbar.OptionSpinnerType(14),
	)
	defer bar.Finish()

	done := make(chan error, 1)
	go func() {
		done <- handle.Snapshot(fmt.Sprintf("shutdown-%d", time.Now().Unix()))
	}()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				log.Printf("nvmctl: snapshot on shutdown: %v", err)
			}
			return handle.Stop()
		case <-ticker.C:
			bar.Add(1)
		}
	}
}

func cmdReadyNow(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: nvmctl readynow <file>")
	}
	return dumpReadyNow(args[0])
}
