package kernel

import (
	"time"

	"github.com/ardnew/softbridge/regbus"
)

// Timer exposes the timer collaborator: a millisecond tick since boot, a
// bounded millisecond wait and the periodic hardware timer.
type Timer struct {
	bus   regbus.Bus
	clock Clock
	boot  time.Time
}

// NewTimer creates a timer whose tick counts from now.
func NewTimer(bus regbus.Bus, clock Clock) *Timer {
	return &Timer{bus: bus, clock: clock, boot: clock.Now()}
}

// Tick returns milliseconds elapsed since boot.
func (t *Timer) Tick() uint32 {
	return uint32(t.clock.Now().Sub(t.boot) / time.Millisecond)
}

// WaitMs blocks for n milliseconds.
func (t *Timer) WaitMs(n uint16) {
	t.clock.Sleep(time.Duration(n) * time.Millisecond)
}

// SetTimer arms the periodic hardware timer with a reload of n
// milliseconds. Zero disables it.
func (t *Timer) SetTimer(n uint16) {
	if n == 0 {
		t.bus.RMW(regbus.TimerCtrl, ^regbus.TimerEnable, 0)
		return
	}
	regbus.Write16(t.bus, regbus.TimerReload, n)
	t.bus.RMW(regbus.TimerCtrl, 0xFF, regbus.TimerEnable)
}

// Reset restarts the tick count.
func (t *Timer) Reset() {
	t.boot = t.clock.Now()
}
