package main

import (
	"context"
	"log"
	"os"

	"golang.org/x/term"

	"example.com/nvm/engine/devices"
)

// consoleDetachByte is Ctrl-] (0x1D), the traditional telnet/QEMU escape for
// leaving an attached serial console without killing the guest.
const consoleDetachByte = 0x1D

// runConsole puts stdin into raw mode and forwards every byte typed to
// serial's RBR FIFO until ctx is canceled or the user presses Ctrl-].
// Guest output already flows to os.Stdout, wired at VM construction.
func runConsole(ctx context.Context, serial *devices.SerialPortDevice) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		log.Println("nvmctl: stdin is not a terminal, console input disabled")
		<-ctx.Done()
		return
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		log.Printf("nvmctl: enable raw mode: %v", err)
		<-ctx.Done()
		return
	}
	defer term.Restore(fd, oldState)

	log.Println("nvmctl: console attached (Ctrl-] to detach)")

	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if buf[0] == consoleDetachByte {
			return
		}
		serial.InjectInput(buf[0])
	}
}
