package devices

import (
	"fmt"
	"sync"
)

// KeyboardDevice implements a basic 8042-style PS/2 keyboard controller
// with a scancode FIFO and IRQ1 notification.
type KeyboardDevice struct {
	lock      sync.Mutex
	buffer    []byte // Scancode FIFO awaiting the guest
	irqRaiser InterruptRaiser
	irqEnabled bool // translates the 8042 command byte's OBF-interrupt bit
}

// NewKeyboardDevice creates and initializes a new KeyboardDevice.
func NewKeyboardDevice(irqRaiser InterruptRaiser) *KeyboardDevice {
	return &KeyboardDevice{
		irqRaiser:  irqRaiser,
		irqEnabled: true,
	}
}

// PushScancode enqueues a scancode for the guest to read and raises IRQ1
// if OBF interrupts are enabled.
func (k *KeyboardDevice) PushScancode(code byte) {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.buffer = append(k.buffer, code)
	if k.irqEnabled && k.irqRaiser != nil {
		k.irqRaiser.RaiseIRQ(KEYBOARD_IRQ)
	}
}

// HandleIO processes I/O operations for the keyboard device.
// It responds to reads on port 0x64 (status) and 0x60 (data).
func (k *KeyboardDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("KeyboardDevice: I/O size %d not supported for port 0x%x. Only 1-byte supported", size, port)
	}

	if direction == IODirectionOut { // Write to device
		switch port {
		case KEYBOARD_PORT_DATA:
			// Commands like "set LEDs" (0xED) or "set scan code set" (0xF0)
			// are acknowledged but not modeled further.
		case KEYBOARD_PORT_STATUS:
			// Controller command byte write (e.g. enable/disable OBF IRQ).
			k.irqEnabled = data[0]&0x01 != 0
		default:
			return fmt.Errorf("KeyboardDevice: Unhandled OUT to port 0x%x", port)
		}
		return nil
	}

	// Direction is IODirectionIn (Read from device)
	switch port {
	case KEYBOARD_PORT_STATUS: // Status Port (0x64)
		// Bit 0 (Output Buffer Full - OBF): 1 if data available to read from 0x60
		// Other bits can indicate other statuses (Input Buffer Full, Self-Test OK, etc.)
		if len(k.buffer) > 0 {
			data[0] = 0x01 // OBF = 1 (Data available)
			// Optionally, could also set other bits like "Self-Test OK" (e.g., data[0] |= 0x04)
			// For simplicity, just OBF.
		} else {
			data[0] = 0x00 // OBF = 0 (No data available)
		}
		// fmt.Printf("KeyboardDevice: Status port 0x64 read, returning 0x%02x (buffer len: %d)\n", data[0], len(k.buffer))

	case KEYBOARD_PORT_DATA: // Data Port (0x60)
		if len(k.buffer) > 0 {
			data[0] = k.buffer[0]
			k.buffer = k.buffer[1:] // Consume the byte
			// fmt.Printf("KeyboardDevice: Data port 0x60 read, returning char '%c' (0x%02x). Buffer remaining: %d\n", data[0], data[0], len(k.buffer))
		} else {
			data[0] = 0x00 // No data available, return 0 or some other defined "empty" value
			// fmt.Println("KeyboardDevice: Data port 0x60 read, buffer empty, returning 0x00")
		}
	default:
		return fmt.Errorf("KeyboardDevice: Unhandled IN from port 0x%x", port)
	}

	return nil
}

func (k *KeyboardDevice) Reset() {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.buffer = nil
	k.irqEnabled = true
}

func (k *KeyboardDevice) HandlesPort(port uint16) bool {
	return port == KEYBOARD_PORT_DATA || port == KEYBOARD_PORT_STATUS
}

func (k *KeyboardDevice) PortRead(port uint16, width int) (uint32, error) {
	return ioRead(k.HandleIO, port, width)
}

func (k *KeyboardDevice) PortWrite(port uint16, width int, value uint32) error {
	return ioWrite(k.HandleIO, port, width, value)
}

func (k *KeyboardDevice) HandlesMMIO(addr uint64) bool { return false }
func (k *KeyboardDevice) MMIORegion() (base, size uint64) { return 0, 0 }
func (k *KeyboardDevice) MMIORead(addr uint64, width int) (uint64, error) {
	return 0, fmt.Errorf("KeyboardDevice: no MMIO window")
}
func (k *KeyboardDevice) MMIOWrite(addr uint64, width int, value uint64) error {
	return fmt.Errorf("KeyboardDevice: no MMIO window")
}

// Tick is a no-op: scancodes arrive via PushScancode, not periodic polling.
func (k *KeyboardDevice) Tick() {}

func (k *KeyboardDevice) HasInterrupt() bool {
	k.lock.Lock()
	defer k.lock.Unlock()
	return len(k.buffer) > 0 && k.irqEnabled
}

func (k *KeyboardDevice) InterruptVector() uint8 { return KEYBOARD_IRQ }

// AckInterrupt is a no-op: reading the data port already dequeues the
// scancode that triggered the interrupt.
func (k *KeyboardDevice) AckInterrupt() {}
