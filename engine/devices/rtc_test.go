package devices_test

import (
	"testing"
	"time"

	"example.com/nvm/engine/devices"
)

func rtcSelect(t *testing.T, r *devices.RTCDevice, reg byte) {
	t.Helper()
	if err := r.PortWrite(devices.RTC_PORT_INDEX, 1, uint32(reg)); err != nil {
		t.Fatalf("select register 0x%x: %v", reg, err)
	}
}

func rtcWriteReg(t *testing.T, r *devices.RTCDevice, reg, val byte) {
	t.Helper()
	rtcSelect(t, r, reg)
	if err := r.PortWrite(devices.RTC_PORT_DATA, 1, uint32(val)); err != nil {
		t.Fatalf("write register 0x%x: %v", reg, err)
	}
}

func rtcReadReg(t *testing.T, r *devices.RTCDevice, reg byte) byte {
	t.Helper()
	rtcSelect(t, r, reg)
	v, err := r.PortRead(devices.RTC_PORT_DATA, 1)
	if err != nil {
		t.Fatalf("read register 0x%x: %v", reg, err)
	}
	return byte(v)
}

// TestRTCPeriodicInterruptSetsFlagAndRaisesIRQ enables PIE in REG_B, ticks,
// and checks that REG_C's periodic and IRQ-request flags come up together
// with a raised RTC_IRQ, then clear on the next REG_C read (read-to-clear).
func TestRTCPeriodicInterruptSetsFlagAndRaisesIRQ(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	r := devices.NewRTCDevice(raiser)

	rtcWriteReg(t, r, devices.RTC_REG_B, devices.RTC_B_PIE)
	r.Tick()

	regC := rtcReadReg(t, r, devices.RTC_REG_C)
	if regC&devices.RTC_C_PF == 0 {
		t.Errorf("REG_C PF bit not set after periodic tick: 0x%x", regC)
	}
	if regC&devices.RTC_C_IRQF == 0 {
		t.Errorf("REG_C IRQF bit not set after periodic tick: 0x%x", regC)
	}

	got := raiser.GetRaisedIRQs()
	if len(got) != 1 || got[0] != devices.RTC_IRQ {
		t.Errorf("RaisedIRQs = %v, want exactly one RTC_IRQ (%d)", got, devices.RTC_IRQ)
	}

	if again := rtcReadReg(t, r, devices.RTC_REG_C); again != 0 {
		t.Errorf("REG_C = 0x%x after a second read, want 0 (read-to-clear)", again)
	}
}

// TestRTCAlarmInterruptFiresOnMatch enables AIE and programs the alarm
// registers to the current wall-clock time, so the next Tick's comparison
// matches and raises AF/IRQF plus RTC_IRQ.
func TestRTCAlarmInterruptFiresOnMatch(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	r := devices.NewRTCDevice(raiser)

	now := time.Now()
	rtcWriteReg(t, r, devices.RTC_REG_ALARM_SECONDS, byte(now.Second()))
	rtcWriteReg(t, r, devices.RTC_REG_ALARM_MINUTES, byte(now.Minute()))
	rtcWriteReg(t, r, devices.RTC_REG_ALARM_HOURS, byte(now.Hour()))
	rtcWriteReg(t, r, devices.RTC_REG_B, devices.RTC_B_AIE)

	r.Tick()

	regC := rtcReadReg(t, r, devices.RTC_REG_C)
	if regC&devices.RTC_C_AF == 0 {
		t.Errorf("REG_C AF bit not set after matching alarm tick: 0x%x", regC)
	}

	got := raiser.GetRaisedIRQs()
	if len(got) != 1 || got[0] != devices.RTC_IRQ {
		t.Errorf("RaisedIRQs = %v, want exactly one RTC_IRQ (%d)", got, devices.RTC_IRQ)
	}
}

// TestRTCResetThenTickIsNoop covers §4.8's reset-idempotency requirement:
// Reset clears REG_B's interrupt-enable bits, so a fresh Tick raises nothing.
func TestRTCResetThenTickIsNoop(t *testing.T) {
	raiser := &MockInterruptRaiser{}
	r := devices.NewRTCDevice(raiser)

	rtcWriteReg(t, r, devices.RTC_REG_B, devices.RTC_B_PIE)
	r.Tick()
	raiser.ClearIRQs()

	r.Reset()
	r.Tick()

	if got := raiser.GetRaisedIRQs(); len(got) != 0 {
		t.Errorf("Tick immediately after Reset raised IRQs: %v, want none", got)
	}
	if regC := rtcReadReg(t, r, devices.RTC_REG_C); regC != 0 {
		t.Errorf("REG_C = 0x%x after Reset+Tick, want 0", regC)
	}
}
