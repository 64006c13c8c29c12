package link

import "github.com/ardnew/softbridge/regbus"

// Write is one read-modify-write step of a register sequence. The
// register becomes (old & Mask) | Set.
type Write struct {
	Addr uint16
	Mask uint8
	Set  uint8
}

// Apply runs the sequence in order.
func Apply(bus regbus.Bus, seq []Write) {
	for _, w := range seq {
		bus.RMW(w.Addr, w.Mask, w.Set)
	}
}

// DefaultInitList conditions the PHY, enables its clocks and releases it
// from reset.
var DefaultInitList = []Write{
	{regbus.PHYTune0, 0x00, 0x3C}, // TX de-emphasis
	{regbus.PHYTune1, 0xF0, 0x07}, // RX equalizer
	{regbus.PHYTune2, 0x00, 0x41}, // squelch threshold
	{regbus.PHYCtrl, ^(regbus.PHYCtrlClocks | regbus.PHYCtrlCDR), regbus.PHYCtrlClocks | regbus.PHYCtrlCDR},
	{regbus.PHYCtrl, ^regbus.PHYCtrlReset, 0},
}

// DefaultClockGates are the non-essential clocks gated in suspend.
var DefaultClockGates = []Write{
	{regbus.ClockGate, 0xFF, 0x0E},
}

// DefaultLaneMap is the PCIe tunnel lane map (x4, straight).
const DefaultLaneMap uint8 = 0xE4

func ungate(bus regbus.Bus, gates []Write) {
	for i := len(gates) - 1; i >= 0; i-- {
		bus.RMW(gates[i].Addr, ^gates[i].Set, 0)
	}
}
