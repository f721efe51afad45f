package devices_test

import (
	"testing"

	"example.com/nvm/engine/devices"
)

// TestKeyboardPushScancodeSetsOBFAndRaisesIRQ1 is seed scenario #8: a pushed
// scancode must set the status port's OBF bit and raise IRQ1, and reading
// the data port must both return the scancode and clear OBF again.
func TestKeyboardPushScancodeSetsOBFAndRaisesIRQ1(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	k := devices.NewKeyboardDevice(raiser)

	status, err := k.PortRead(devices.KEYBOARD_PORT_STATUS, 1)
	if err != nil {
		t.Fatalf("PortRead status: %v", err)
	}
	if status&0x01 != 0 {
		t.Fatalf("OBF set before any scancode was pushed")
	}

	k.PushScancode(0x1E) // 'a' make code

	status, err = k.PortRead(devices.KEYBOARD_PORT_STATUS, 1)
	if err != nil {
		t.Fatalf("PortRead status: %v", err)
	}
	if status&0x01 == 0 {
		t.Fatalf("OBF not set after PushScancode")
	}

	got := raiser.GetRaisedIRQs()
	if len(got) != 1 || got[0] != devices.KEYBOARD_IRQ {
		t.Fatalf("RaisedIRQs = %v, want exactly one KEYBOARD_IRQ (%d)", got, devices.KEYBOARD_IRQ)
	}

	data, err := k.PortRead(devices.KEYBOARD_PORT_DATA, 1)
	if err != nil {
		t.Fatalf("PortRead data: %v", err)
	}
	if data != 0x1E {
		t.Errorf("data port read = 0x%x, want 0x1E", data)
	}

	status, err = k.PortRead(devices.KEYBOARD_PORT_STATUS, 1)
	if err != nil {
		t.Fatalf("PortRead status after drain: %v", err)
	}
	if status&0x01 != 0 {
		t.Errorf("OBF still set after the only scancode was read")
	}
}

// TestKeyboardIRQDisabledViaCommandByte asserts clearing the OBF-interrupt
// bit through the status/command port suppresses RaiseIRQ on a later push,
// while the scancode is still queued for the data port.
func TestKeyboardIRQDisabledViaCommandByte(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	k := devices.NewKeyboardDevice(raiser)

	if err := k.PortWrite(devices.KEYBOARD_PORT_STATUS, 1, 0x00); err != nil {
		t.Fatalf("PortWrite command byte: %v", err)
	}

	k.PushScancode(0x9E) // 'a' break code

	if got := raiser.GetRaisedIRQs(); len(got) != 0 {
		t.Fatalf("RaisedIRQs = %v, want none with OBF interrupts disabled", got)
	}

	data, err := k.PortRead(devices.KEYBOARD_PORT_DATA, 1)
	if err != nil {
		t.Fatalf("PortRead data: %v", err)
	}
	if data != 0x9E {
		t.Errorf("data port read = 0x%x, want 0x9E", data)
	}
}

// TestKeyboardOrdersMultipleScancodesFIFO checks the scancode queue drains
// in push order.
func TestKeyboardOrdersMultipleScancodesFIFO(t *testing.T) {
	k := devices.NewKeyboardDevice(&MockInterruptRaiser{})

	for _, code := range []byte{0x1E, 0x30, 0x2E} {
		k.PushScancode(code)
	}
	for _, want := range []byte{0x1E, 0x30, 0x2E} {
		got, err := k.PortRead(devices.KEYBOARD_PORT_DATA, 1)
		if err != nil {
			t.Fatalf("PortRead data: %v", err)
		}
		if byte(got) != want {
			t.Errorf("data port read = 0x%x, want 0x%x", got, want)
		}
	}
}

// TestKeyboardResetThenReadIsIdempotent covers §4.8's reset-idempotency
// requirement: Reset clears the scancode FIFO, so a fresh status read
// reports OBF clear and no IRQ is raised.
func TestKeyboardResetThenReadIsIdempotent(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	k := devices.NewKeyboardDevice(raiser)

	k.PushScancode(0x1E)
	k.Reset()
	raiser.ClearIRQs()

	status, err := k.PortRead(devices.KEYBOARD_PORT_STATUS, 1)
	if err != nil {
		t.Fatalf("PortRead status: %v", err)
	}
	if status&0x01 != 0 {
		t.Errorf("OBF set after Reset, want clear")
	}
	if got := raiser.GetRaisedIRQs(); len(got) != 0 {
		t.Errorf("Reset raised IRQs: %v, want none", got)
	}
}
