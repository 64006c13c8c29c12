package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// IRQ identifies an interrupt source.
type IRQ uint8

// Interrupt sources.
const (
	IRQUSB    IRQ = 1 << 0 // USB bus, control and endpoint events
	IRQSystem IRQ = 1 << 1 // PCIe, NVMe, timer and error events
)

// String returns a human-readable interrupt name.
func (i IRQ) String() string {
	switch i {
	case IRQUSB:
		return "USB"
	case IRQSystem:
		return "System"
	case IRQUSB | IRQSystem:
		return "USB|System"
	default:
		return "None"
	}
}

// EndpointHandler services one endpoint event. It returns false to leave
// the event pending; the event is retried on the next iteration.
type EndpointHandler func() bool

// Config holds the kernel timing parameters.
type Config struct {
	TickInterval  time.Duration
	PollInterval  time.Duration
	GlobalMaxWait time.Duration
}

// Stats counts kernel activity.
type Stats struct {
	Steps     uint64
	IRQs      uint64
	Ticks     uint64
	Deferred  uint64
	Unhandled uint64
	Resets    uint64
}

// Kernel is the cooperative event loop. Interrupt sources only enqueue
// with [Kernel.Raise]; every handler runs from [Kernel.Step] on the loop
// goroutine.
//
// Within one step events are drained in priority order: reset request,
// USB bus events, control setup, system events except the timer, endpoint
// data, control data, control status, periodic ticks.
type Kernel struct {
	bus   regbus.Bus
	clock Clock
	cfg   Config

	irqMu sync.Mutex
	irqs  []IRQ

	resetRequested atomic.Bool
	deferred       bool
	lastTick       time.Time
	stats          Stats

	onReset   func()
	busEvent  func(events uint8)
	setup     func()
	data      func()
	status    func()
	endpoints [8]EndpointHandler
	system    [8]func()
	tickers   []func()
}

// New creates a kernel over the given register bus.
func New(bus regbus.Bus, clock Clock, cfg Config) *Kernel {
	return &Kernel{
		bus:      bus,
		clock:    clock,
		cfg:      cfg,
		lastTick: clock.Now(),
	}
}

// Clock returns the kernel time source.
func (k *Kernel) Clock() Clock { return k.clock }

// Waiter returns the bounded polling primitive for handlers.
func (k *Kernel) Waiter() Waiter {
	return Waiter{Clock: k.clock, Poll: k.cfg.PollInterval, Max: k.cfg.GlobalMaxWait}
}

// WaitUntil polls pred until it holds or timeout (clamped to the global
// maximum) expires.
func (k *Kernel) WaitUntil(timeout time.Duration, pred func() bool) error {
	return k.Waiter().Until(timeout, pred)
}

// Raise records an interrupt. It is safe to call from any goroutine.
func (k *Kernel) Raise(irq IRQ) {
	k.irqMu.Lock()
	k.irqs = append(k.irqs, irq)
	k.irqMu.Unlock()
}

// RequestReset sets the reset-requested flag checked at every loop entry.
// It is safe to call from any goroutine.
func (k *Kernel) RequestReset() {
	k.resetRequested.Store(true)
}

// OnReset installs the handler run when a reset was requested.
func (k *Kernel) OnReset(fn func()) { k.onReset = fn }

// HandleBusEvent installs the USB bus event handler (reset, suspend,
// resume bits of USBBusEvent).
func (k *Kernel) HandleBusEvent(fn func(events uint8)) { k.busEvent = fn }

// HandleControl installs the control transfer phase handlers.
func (k *Kernel) HandleControl(setup, data, status func()) {
	k.setup, k.data, k.status = setup, data, status
}

// HandleEndpoint installs the handler for an endpoint slot of EPEvent.
func (k *Kernel) HandleEndpoint(slot int, fn EndpointHandler) {
	k.endpoints[slot] = fn
}

// HandleSystem installs the handler for one SysEvent bit.
func (k *Kernel) HandleSystem(bit uint8, fn func()) {
	k.system[LowestBit(bit)] = fn
}

// AddTicker appends a periodic handler run every TickInterval.
func (k *Kernel) AddTicker(fn func()) {
	k.tickers = append(k.tickers, fn)
}

// Stats returns a snapshot of the kernel counters.
func (k *Kernel) Stats() Stats { return k.stats }

func (k *Kernel) drain() IRQ {
	k.irqMu.Lock()
	defer k.irqMu.Unlock()
	var pending IRQ
	for _, irq := range k.irqs {
		pending |= irq
	}
	k.stats.IRQs += uint64(len(k.irqs))
	k.irqs = k.irqs[:0]
	return pending
}

// Step runs one loop iteration and reports whether any event was
// serviced.
func (k *Kernel) Step() bool {
	k.stats.Steps++
	worked := false

	if k.resetRequested.CompareAndSwap(true, false) {
		k.stats.Resets++
		pkg.LogInfo(pkg.ComponentKernel, "reset requested")
		if k.onReset != nil {
			k.onReset()
		}
		worked = true
	}

	pending := k.drain()
	usb := pending&IRQUSB != 0 || k.deferred
	timer := false

	if usb {
		if ev := k.bus.Read(regbus.USBBusEvent); ev != 0 {
			k.bus.Write(regbus.USBBusEvent, ev)
			if k.busEvent != nil {
				k.busEvent(ev)
			}
			worked = true
		}
		worked = k.phase(regbus.PhaseSetup, k.setup) || worked
	}

	if pending&IRQSystem != 0 {
		var serviced bool
		serviced, timer = k.systemEvents()
		worked = serviced || worked
	}

	// System handlers may complete work that raises USB events.
	pending |= k.drain()
	usb = usb || pending&IRQUSB != 0

	if usb {
		worked = k.endpointEvents() || worked
		worked = k.phase(regbus.PhaseData, k.data) || worked
		worked = k.phase(regbus.PhaseStatus, k.status) || worked
	}

	now := k.clock.Now()
	if timer || now.Sub(k.lastTick) >= k.cfg.TickInterval {
		k.lastTick = now
		k.stats.Ticks++
		for _, fn := range k.tickers {
			fn()
		}
	}

	return worked
}

func (k *Kernel) phase(bit uint8, fn func()) bool {
	if k.bus.Read(regbus.CtrlPhase)&bit == 0 {
		return false
	}
	k.bus.Write(regbus.CtrlPhase, bit)
	if fn == nil {
		k.unhandled("control phase", bit)
		return true
	}
	fn()
	return true
}

func (k *Kernel) systemEvents() (serviced, timer bool) {
	ev := k.bus.Read(regbus.SysEvent)
	if ev&regbus.SysTimer != 0 {
		k.bus.Write(regbus.SysEvent, regbus.SysTimer)
		timer = true
	}
	ev &^= regbus.SysTimer
	for ev != 0 {
		i := LowestBit(ev)
		bit := uint8(1) << i
		ev &^= bit
		k.bus.Write(regbus.SysEvent, bit)
		serviced = true
		if fn := k.system[i]; fn != nil {
			fn()
			continue
		}
		k.unhandled("system event", bit)
	}
	return serviced, timer
}

func (k *Kernel) endpointEvents() bool {
	worked := false
	tried := uint8(0)
	k.deferred = false
	for {
		ev := k.bus.Read(regbus.EPEvent) &^ tried
		i := LowestBit(ev)
		if i == NoEndpoint {
			break
		}
		bit := uint8(1) << i
		tried |= bit
		fn := k.endpoints[i]
		if fn == nil {
			k.bus.Write(regbus.EPEvent, bit)
			k.unhandled("endpoint event", bit)
			worked = true
			continue
		}
		if fn() {
			k.bus.Write(regbus.EPEvent, bit)
			worked = true
			continue
		}
		k.deferred = true
		k.stats.Deferred++
	}
	return worked
}

// unhandled is the fallback for events without a handler: log, count and
// clear, no state change.
func (k *Kernel) unhandled(source string, bit uint8) {
	k.stats.Unhandled++
	pkg.LogWarn(pkg.ComponentKernel, "unhandled event cleared",
		"source", source, "bit", bit)
}
