package kernel

import (
	"errors"
	"math/bits"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

var testConfig = Config{
	TickInterval:  time.Millisecond,
	PollInterval:  100 * time.Microsecond,
	GlobalMaxWait: 250 * time.Millisecond,
}

func TestLowestBit(t *testing.T) {
	if got := LowestBit(0); got != NoEndpoint {
		t.Errorf("LowestBit(0) = %d, want %d", got, NoEndpoint)
	}
	for m := 1; m < 256; m++ {
		want := uint8(bits.TrailingZeros8(uint8(m)))
		if got := LowestBit(uint8(m)); got != want {
			t.Errorf("LowestBit(0x%02X) = %d, want %d", m, got, want)
		}
	}
}

func TestStepPriorityOrder(t *testing.T) {
	bus := regbus.NewMemory()
	clock := NewManualClock()
	k := New(bus, clock, testConfig)

	var order []string
	k.OnReset(func() { order = append(order, "reset") })
	k.HandleBusEvent(func(ev uint8) { order = append(order, "bus") })
	k.HandleControl(
		func() { order = append(order, "setup") },
		func() { order = append(order, "data") },
		func() { order = append(order, "status") },
	)
	k.HandleSystem(regbus.SysLinkChange, func() { order = append(order, "link") })
	k.HandleSystem(regbus.SysCQEReady, func() { order = append(order, "cqe") })
	k.HandleEndpoint(regbus.SlotBulkIn, func() bool { order = append(order, "in"); return true })
	k.HandleEndpoint(regbus.SlotBulkOut, func() bool { order = append(order, "out"); return true })
	k.AddTicker(func() { order = append(order, "tick") })

	bus.Poke(regbus.USBBusEvent, regbus.BusEventReset)
	bus.Poke(regbus.CtrlPhase, regbus.PhaseSetup|regbus.PhaseData|regbus.PhaseStatus)
	bus.Poke(regbus.SysEvent, regbus.SysLinkChange|regbus.SysCQEReady)
	bus.Poke(regbus.EPEvent, regbus.EPBulkIn|regbus.EPBulkOut)
	clock.Advance(time.Millisecond)

	k.RequestReset()
	k.Raise(IRQUSB)
	k.Raise(IRQSystem)
	if !k.Step() {
		t.Fatal("Step() = false, want true")
	}

	want := []string{"reset", "bus", "setup", "link", "cqe", "in", "out", "data", "status", "tick"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("handler order mismatch (-want +got):\n%s", diff)
	}

	for _, addr := range []uint16{regbus.USBBusEvent, regbus.CtrlPhase, regbus.SysEvent, regbus.EPEvent} {
		if v := bus.Peek(addr); v != 0 {
			t.Errorf("register %v = 0x%02X after Step, want 0", regbus.Addr(addr), v)
		}
	}
}

func TestStepWithoutIRQ(t *testing.T) {
	bus := regbus.NewMemory()
	k := New(bus, NewManualClock(), testConfig)
	called := false
	k.HandleEndpoint(regbus.SlotBulkOut, func() bool { called = true; return true })

	bus.Poke(regbus.EPEvent, regbus.EPBulkOut)
	k.Step()
	if called {
		t.Error("endpoint handler ran without a raised interrupt")
	}
}

func TestEndpointDeferred(t *testing.T) {
	bus := regbus.NewMemory()
	k := New(bus, NewManualClock(), testConfig)

	busy := true
	calls := 0
	k.HandleEndpoint(regbus.SlotBulkOut, func() bool {
		calls++
		return !busy
	})

	bus.Poke(regbus.EPEvent, regbus.EPBulkOut)
	k.Raise(IRQUSB)
	k.Step()
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if bus.Peek(regbus.EPEvent)&regbus.EPBulkOut == 0 {
		t.Fatal("unconsumed endpoint event was cleared")
	}

	// Retried without a new interrupt.
	busy = false
	k.Step()
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
	if bus.Peek(regbus.EPEvent) != 0 {
		t.Error("consumed endpoint event not cleared")
	}
	if got := k.Stats().Deferred; got != 1 {
		t.Errorf("Stats().Deferred = %d, want 1", got)
	}

	k.Step()
	if calls != 2 {
		t.Errorf("handler calls = %d after idle step, want 2", calls)
	}
}

func TestEndpointServicedOncePerStep(t *testing.T) {
	bus := regbus.NewMemory()
	k := New(bus, NewManualClock(), testConfig)

	calls := 0
	k.HandleEndpoint(regbus.SlotBulkOut, func() bool {
		calls++
		// Hardware latches the next packet immediately.
		bus.SetBits(regbus.EPEvent, regbus.EPBulkOut)
		return true
	})
	bus.Poke(regbus.EPEvent, regbus.EPBulkOut)
	k.Raise(IRQUSB)
	k.Step()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestUnhandledFallback(t *testing.T) {
	bus := regbus.NewMemory()
	k := New(bus, NewManualClock(), testConfig)

	bus.Poke(regbus.SysEvent, 1<<5|1<<7)
	bus.Poke(regbus.EPEvent, 1<<4)
	k.Raise(IRQSystem | IRQUSB)
	k.Step()

	if got := bus.Peek(regbus.SysEvent); got != 0 {
		t.Errorf("SysEvent = 0x%02X, want 0", got)
	}
	if got := bus.Peek(regbus.EPEvent); got != 0 {
		t.Errorf("EPEvent = 0x%02X, want 0", got)
	}
	if got := k.Stats().Unhandled; got != 3 {
		t.Errorf("Stats().Unhandled = %d, want 3", got)
	}
}

func TestTimerEventForcesTick(t *testing.T) {
	bus := regbus.NewMemory()
	k := New(bus, NewManualClock(), Config{TickInterval: time.Hour})
	ticks := 0
	k.AddTicker(func() { ticks++ })

	k.Step()
	if ticks != 0 {
		t.Fatalf("ticks = %d before interval, want 0", ticks)
	}

	bus.Poke(regbus.SysEvent, regbus.SysTimer)
	k.Raise(IRQSystem)
	k.Step()
	if ticks != 1 {
		t.Errorf("ticks = %d after timer event, want 1", ticks)
	}
	if bus.Peek(regbus.SysEvent) != 0 {
		t.Error("timer event not cleared")
	}
}

func TestTickInterval(t *testing.T) {
	clock := NewManualClock()
	k := New(regbus.NewMemory(), clock, testConfig)
	ticks := 0
	k.AddTicker(func() { ticks++ })

	for i := 0; i < 10; i++ {
		clock.Advance(500 * time.Microsecond)
		k.Step()
	}
	if ticks != 5 {
		t.Errorf("ticks = %d, want 5", ticks)
	}
}

func TestWaiterUntil(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		ready   int
		wantErr error
		maxWait time.Duration
	}{
		{"immediate", 10 * time.Millisecond, 0, nil, 0},
		{"after polls", 10 * time.Millisecond, 5, nil, time.Millisecond},
		{"timeout", 10 * time.Millisecond, -1, pkg.ErrTimeout, 10*time.Millisecond + 100*time.Microsecond},
		{"clamped", 10 * time.Second, -1, pkg.ErrTimeout, 250*time.Millisecond + 100*time.Microsecond},
		{"zero clamps", 0, -1, pkg.ErrTimeout, 250*time.Millisecond + 100*time.Microsecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewManualClock()
			w := Waiter{Clock: clock, Poll: 100 * time.Microsecond, Max: 250 * time.Millisecond}
			polls := 0
			start := clock.Now()
			err := w.Until(tt.timeout, func() bool {
				polls++
				return tt.ready >= 0 && polls > tt.ready
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Until() error = %v, want %v", err, tt.wantErr)
			}
			if elapsed := clock.Now().Sub(start); elapsed > tt.maxWait {
				t.Errorf("Until() waited %v, want <= %v", elapsed, tt.maxWait)
			}
		})
	}
}

func TestWaiterBound(t *testing.T) {
	w := Waiter{Poll: 100 * time.Microsecond, Max: 250 * time.Millisecond}
	if got := w.Bound(10 * time.Millisecond); got != 101 {
		t.Errorf("Bound(10ms) = %d, want 101", got)
	}
	if got := w.Bound(time.Hour); got != 2501 {
		t.Errorf("Bound(1h) = %d, want 2501", got)
	}
}

// A handler that waits on a condition that never holds still returns to
// the loop within the global maximum.
func TestStepBoundedByGlobalMax(t *testing.T) {
	bus := regbus.NewMemory()
	clock := NewManualClock()
	k := New(bus, clock, testConfig)

	var werr error
	k.HandleSystem(regbus.SysError, func() {
		werr = k.WaitUntil(time.Hour, func() bool { return false })
	})
	bus.Poke(regbus.SysEvent, regbus.SysError)
	k.Raise(IRQSystem)

	start := clock.Now()
	k.Step()
	elapsed := clock.Now().Sub(start)

	if !errors.Is(werr, pkg.ErrTimeout) {
		t.Errorf("WaitUntil() error = %v, want ErrTimeout", werr)
	}
	if limit := testConfig.GlobalMaxWait + testConfig.PollInterval; elapsed > limit {
		t.Errorf("Step() took %v, want <= %v", elapsed, limit)
	}
}

func TestIRQString(t *testing.T) {
	tests := []struct {
		irq  IRQ
		want string
	}{
		{IRQUSB, "USB"},
		{IRQSystem, "System"},
		{IRQUSB | IRQSystem, "USB|System"},
		{0, "None"},
	}
	for _, tt := range tests {
		if got := tt.irq.String(); got != tt.want {
			t.Errorf("IRQ(%d).String() = %q, want %q", tt.irq, got, tt.want)
		}
	}
}
