package devices_test

import (
	"testing"

	"example.com/nvm/engine/devices"
)

// programCounter0 drives the command port + counter-0 LOHI write sequence to
// load reload with mode opMode, matching how firmware programs the PIT.
func programCounter0(t *testing.T, p *devices.PITDevice, opMode byte, reload uint16) {
	t.Helper()
	// Counter 0, LOHI, opMode, binary.
	command := (0 << 6) | (devices.PIT_RW_LOHI << 4) | (opMode << 1)
	if err := p.PortWrite(devices.PIT_PORT_COMMAND, 1, uint32(command)); err != nil {
		t.Fatalf("write command port: %v", err)
	}
	if err := p.PortWrite(devices.PIT_PORT_COUNTER0, 1, uint32(reload&0xFF)); err != nil {
		t.Fatalf("write counter0 LSB: %v", err)
	}
	if err := p.PortWrite(devices.PIT_PORT_COUNTER0, 1, uint32((reload>>8)&0xFF)); err != nil {
		t.Fatalf("write counter0 MSB: %v", err)
	}
}

// TestPITTickRaisesIRQ0ExactlyOnceAtCrossing is seed scenario #7: counter 0
// programmed with a reload of N must raise IRQ0 exactly once when ticked N
// times, not before and not more than once at the crossing.
func TestPITTickRaisesIRQ0ExactlyOnceAtCrossing(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	p := devices.NewPITDevice(raiser)

	const reload = 1000
	programCounter0(t, p, 0x3, reload) // mode 3, square wave

	for i := 0; i < reload-1; i++ {
		p.Tick()
	}
	if got := raiser.GetRaisedIRQs(); len(got) != 0 {
		t.Fatalf("IRQ0 raised after %d ticks, want none before the %d-tick crossing: %v", reload-1, reload, got)
	}

	p.Tick() // the reload'th tick crosses zero
	got := raiser.GetRaisedIRQs()
	if len(got) != 1 {
		t.Fatalf("RaisedIRQs = %v, want exactly one IRQ0 at the crossing", got)
	}
	if got[0] != devices.PIT_IRQ {
		t.Errorf("raised IRQ = %d, want PIT_IRQ (%d)", got[0], devices.PIT_IRQ)
	}
}

// TestPITUnprogrammedTickIsNoop asserts Tick on a never-programmed counter
// (reload == 0, the power-on state) never raises IRQ0.
func TestPITUnprogrammedTickIsNoop(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	p := devices.NewPITDevice(raiser)

	for i := 0; i < 10; i++ {
		p.Tick()
	}
	if got := raiser.GetRaisedIRQs(); len(got) != 0 {
		t.Errorf("Tick on an unprogrammed PIT raised IRQs: %v", got)
	}
}

// TestPITResetThenTickIsNoop covers §4.8's reset-idempotency requirement:
// after Reset, a fresh Tick must not spuriously raise an interrupt, since
// Reset clears reload back to the unprogrammed state.
func TestPITResetThenTickIsNoop(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	p := devices.NewPITDevice(raiser)

	programCounter0(t, p, 0x3, 2)
	p.Tick()
	raiser.ClearIRQs()

	p.Reset()
	p.Tick()

	if got := raiser.GetRaisedIRQs(); len(got) != 0 {
		t.Errorf("Tick immediately after Reset raised IRQs: %v, want none", got)
	}
}

func TestPITHandlesPort(t *testing.T) {
	p := devices.NewPITDevice(&MockInterruptRaiser{})
	for _, port := range []uint16{devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COUNTER1, devices.PIT_PORT_COUNTER2, devices.PIT_PORT_COMMAND, devices.PIT_PORT_STATUS} {
		if !p.HandlesPort(port) {
			t.Errorf("HandlesPort(0x%x) = false, want true", port)
		}
	}
	if p.HandlesPort(0x9999) {
		t.Errorf("HandlesPort(0x9999) = true, want false")
	}
}
