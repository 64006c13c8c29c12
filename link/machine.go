package link

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/regbus"
)

// Config holds the link timing and retry parameters.
type Config struct {
	PHYReadyTimeout time.Duration
	TunnelTimeout   time.Duration
	RecoverMax      time.Duration
	PHYRetries      int
	MaxRecoveries   int
	FaultRingSize   int
	InitList        []Write
	ClockGates      []Write
	LaneMap         uint8
}

// DefaultConfig returns the link defaults.
func DefaultConfig() Config {
	return Config{
		PHYReadyTimeout: 50 * time.Millisecond,
		TunnelTimeout:   20 * time.Millisecond,
		RecoverMax:      500 * time.Millisecond,
		PHYRetries:      3,
		MaxRecoveries:   5,
		FaultRingSize:   16,
		InitList:        DefaultInitList,
		ClockGates:      DefaultClockGates,
		LaneMap:         DefaultLaneMap,
	}
}

// Hooks connect the state machine to the rest of the firmware. Any hook
// may be nil.
type Hooks struct {
	// Connect and Disconnect drive USB soft-connect.
	Connect    func()
	Disconnect func()
	// OnReady runs when READY is entered from bring-up or recovery.
	OnReady func()
	// OnFault receives every fault record.
	OnFault func(Record)
	// OnLinkDown runs before the fault for a lost PCIe link.
	OnLinkDown func()
	// Busy defers suspend while a command is in flight.
	Busy func() bool
	// OnChange observes every state transition.
	OnChange func(from, to State)
}

// Status is a snapshot of the link singleton.
type Status struct {
	State          State
	PHYReady       bool
	PCIeLinkUp     bool
	USBEnumerated  bool
	Suspended      bool
	RetryCounter   int
	TimeoutCounter int
	Recoveries     int
	Latched        bool
}

type key struct {
	s State
	e Event
}

// Machine is the PHY, power and link state machine. Events are delivered
// with [Machine.Handle]; polling and timeouts advance on [Machine.Tick].
// Neither blocks.
type Machine struct {
	bus   regbus.Bus
	clock kernel.Clock
	timer *kernel.Timer
	cfg   Config
	hooks Hooks
	log   logr.Logger
	table map[key]func(*Machine, Event)
	ring  *Ring

	state        State
	entered      time.Time
	recoverStart time.Time
	recovering   bool

	phyReady       bool
	linkUp         bool
	enumerated     bool
	suspended      bool
	connected      bool
	pendingSuspend bool
	retries        int
	timeouts       int
	recoveries     int
	latched        bool
}

// New creates a link state machine in OFF.
func New(bus regbus.Bus, timer *kernel.Timer, clock kernel.Clock, cfg Config, hooks Hooks, log logr.Logger) *Machine {
	m := &Machine{
		bus:   bus,
		clock: clock,
		timer: timer,
		cfg:   cfg,
		hooks: hooks,
		log:   log,
		table: transitions(),
		ring:  NewRing(cfg.FaultRingSize),
	}
	m.entered = clock.Now()
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Ready reports whether the link is READY.
func (m *Machine) Ready() bool { return m.state == Ready }

// Ring returns the fault ring.
func (m *Machine) Ring() *Ring { return m.ring }

// Status returns a snapshot of the link singleton.
func (m *Machine) Status() Status {
	return Status{
		State:          m.state,
		PHYReady:       m.phyReady,
		PCIeLinkUp:     m.linkUp,
		USBEnumerated:  m.enumerated,
		Suspended:      m.suspended,
		RetryCounter:   m.retries,
		TimeoutCounter: m.timeouts,
		Recoveries:     m.recoveries,
		Latched:        m.latched,
	}
}

// Handles reports whether the transition table has an entry for (s, e).
// Pairs without an entry are unexpected and fault.
func (m *Machine) Handles(s State, e Event) bool {
	_, ok := m.table[key{s, e}]
	return ok
}

// Handle delivers an event.
func (m *Machine) Handle(e Event) {
	fn, ok := m.table[key{m.state, e}]
	if !ok {
		m.log.Info("unexpected event", "state", m.state.String(), "event", e.String())
		m.fault(CodeUnexpectedEvent, e, uint8(e))
		return
	}
	if fn != nil {
		fn(m, e)
	}
}

// Raise records a fault detected outside the machine (DMA or NVMe
// timeout) and enters FAULT.
func (m *Machine) Raise(code Code, detail uint8) {
	if m.state == Fault {
		return
	}
	m.fault(code, Timeout, detail)
}

// Tick advances polling and timeouts for the current state.
func (m *Machine) Tick() {
	now := m.clock.Now()
	if m.recovering && now.Sub(m.recoverStart) >= m.cfg.RecoverMax && m.state != Fault {
		m.recovering = false
		m.fault(CodeRecoveryTimeout, Timeout, uint8(m.state))
		return
	}

	switch m.state {
	case PHYInit:
		Apply(m.bus, m.cfg.InitList)
		m.enter(LinkTrain)

	case LinkTrain:
		if m.bus.Read(regbus.PHYStatus)&regbus.PHYStatusReady == regbus.PHYStatusReady {
			m.phyReady = true
			m.retries = 0
			m.enter(TunnelCfg)
			m.configureTunnel()
			return
		}
		if now.Sub(m.entered) >= m.cfg.PHYReadyTimeout {
			m.phyTimeout()
		}

	case TunnelCfg:
		if m.bus.Read(regbus.TunnelStatus)&regbus.TunnelComplete != 0 {
			m.linkUp = true
			m.enterReady(true)
			return
		}
		if now.Sub(m.entered) >= m.cfg.TunnelTimeout {
			m.timeouts++
			m.fault(CodeTunnelTimeout, Timeout, 0)
		}

	case Ready:
		if m.pendingSuspend && !m.busy() {
			m.pendingSuspend = false
			m.enterSuspend()
		}

	case Resume:
		m.enterReady(false)

	case Fault:
		if !m.latched {
			m.enterRecovery()
		}

	case Recovery:
		m.enter(PHYInit)
	}
}

func (m *Machine) busy() bool {
	return m.hooks.Busy != nil && m.hooks.Busy()
}

func (m *Machine) enter(s State) {
	from := m.state
	m.state = s
	m.entered = m.clock.Now()
	if from != s {
		m.log.V(1).Info("state change", "from", from.String(), "to", s.String())
		if m.hooks.OnChange != nil {
			m.hooks.OnChange(from, s)
		}
	}
}

func (m *Machine) powerOn(Event) {
	m.recoveries = 0
	m.latched = false
	m.enter(PHYInit)
}

func (m *Machine) phyTimeout() {
	m.timeouts++
	m.retries++
	m.log.Info("phy not ready", "retry", m.retries)
	if m.retries >= m.cfg.PHYRetries {
		m.fault(CodePHYTimeout, Timeout, uint8(m.retries))
		m.retries = 0
		return
	}
	m.enter(PHYInit)
}

func (m *Machine) configureTunnel() {
	m.bus.Write(regbus.TunnelByteEnable, 0xFF)
	m.bus.Write(regbus.TunnelLaneMap, m.cfg.LaneMap)
	m.bus.RMW(regbus.TunnelCtrl, 0xFF, regbus.TunnelEnable)
}

func (m *Machine) enterReady(bringUp bool) {
	m.recovering = false
	m.recoveries = 0
	m.enter(Ready)
	if !m.connected {
		m.connected = true
		if m.hooks.Connect != nil {
			m.hooks.Connect()
		}
	}
	if bringUp && m.hooks.OnReady != nil {
		m.hooks.OnReady()
	}
}

func (m *Machine) enterSuspend() {
	m.suspended = true
	Apply(m.bus, m.cfg.ClockGates)
	m.enter(Suspend)
}

func (m *Machine) resume(Event) {
	ungate(m.bus, m.cfg.ClockGates)
	m.suspended = false
	m.enter(Resume)
}

func (m *Machine) fault(code Code, e Event, detail uint8) {
	rec := m.ring.Add(Record{
		State:   m.state,
		Code:    code,
		Event:   e,
		Detail:  detail,
		Elapsed: m.timer.Tick(),
	})
	m.log.Info("fault", "state", rec.State.String(), "code", code.String(),
		"detail", detail, "seq", rec.Seq)
	m.phyReady = false
	m.linkUp = false
	m.pendingSuspend = false
	if m.recoveries >= m.cfg.MaxRecoveries {
		m.latched = true
		m.log.Info("recovery limit reached, latched in fault", "recoveries", m.recoveries)
	}
	m.enter(Fault)
	if m.hooks.OnFault != nil {
		m.hooks.OnFault(rec)
	}
}

func (m *Machine) enterRecovery() {
	m.recoveries++
	if !m.recovering {
		m.recovering = true
		m.recoverStart = m.clock.Now()
	}
	m.bus.Write(regbus.LinkReset, regbus.LinkResetMagic1)
	m.bus.Write(regbus.LinkReset, regbus.LinkResetMagic2)
	m.bus.RMW(regbus.TunnelCtrl, ^regbus.TunnelEnable, 0)
	if m.suspended {
		ungate(m.bus, m.cfg.ClockGates)
		m.suspended = false
	}
	m.enter(Recovery)
}

func (m *Machine) reset(Event) {
	m.latched = false
	m.recoveries = 0
	m.recovering = false
	m.enterRecovery()
}

func (m *Machine) hostSuspend(Event) {
	if m.busy() {
		m.log.V(1).Info("suspend deferred, command in flight")
		m.pendingSuspend = true
		return
	}
	m.enterSuspend()
}

func (m *Machine) linkDown(e Event) {
	if m.hooks.OnLinkDown != nil {
		m.hooks.OnLinkDown()
	}
	m.fault(CodeLinkDown, e, 0)
}

func (m *Machine) hwError(e Event) {
	m.fault(CodeHWError, e, m.bus.Read(regbus.ErrorCode))
}

func (m *Machine) timeout(e Event) {
	m.timeouts++
	m.fault(CodeTimeout, e, 0)
}

func (m *Machine) reenumerate(Event) {
	m.enumerated = false
	if m.hooks.Disconnect != nil {
		m.hooks.Disconnect()
	}
	if m.hooks.Connect != nil {
		m.hooks.Connect()
	}
	m.connected = true
}

// connectedOnly accepts an event only while USB is soft-connected; the
// host cannot produce it otherwise.
func connectedOnly(fn func(*Machine, Event)) func(*Machine, Event) {
	return func(m *Machine, e Event) {
		if !m.connected {
			m.log.Info("unexpected event", "state", m.state.String(), "event", e.String())
			m.fault(CodeUnexpectedEvent, e, uint8(e))
			return
		}
		if fn != nil {
			fn(m, e)
		}
	}
}

func setEnumerated(m *Machine, _ Event) { m.enumerated = true }

// transitions builds the (state, event) table. A nil action accepts the
// event without effect.
func transitions() map[key]func(*Machine, Event) {
	t := make(map[key]func(*Machine, Event))
	on := func(s State, e Event, fn func(*Machine, Event)) { t[key{s, e}] = fn }

	// Events every state tolerates.
	for _, s := range States() {
		on(s, BusReset, func(m *Machine, _ Event) { m.enumerated = false })
		on(s, ResetRequest, (*Machine).reset)
		if s != Off {
			on(s, Enumerated, connectedOnly(setEnumerated))
			on(s, Reenumerate, connectedOnly((*Machine).reenumerate))
		}
	}

	on(Off, PowerOn, (*Machine).powerOn)
	on(Off, LinkDown, nil)

	// Bring-up states. USB stays connected through recovery, so host
	// power events may still arrive here.
	for _, s := range []State{PHYInit, LinkTrain, TunnelCfg, Recovery} {
		on(s, PowerOn, nil)
		on(s, HostSuspend, connectedOnly(nil))
		on(s, HostResume, connectedOnly(nil))
		on(s, HWError, (*Machine).hwError)
		on(s, Timeout, (*Machine).timeout)
	}
	on(PHYInit, LinkDown, nil)
	on(LinkTrain, LinkDown, nil)
	on(LinkTrain, LinkUp, nil)
	on(LinkTrain, Timeout, func(m *Machine, _ Event) { m.phyTimeout() })
	on(TunnelCfg, LinkUp, nil)
	on(TunnelCfg, LinkDown, (*Machine).linkDown)
	on(Recovery, LinkDown, nil)
	on(Recovery, LinkUp, nil)

	on(Ready, PowerOn, nil)
	on(Ready, HostSuspend, (*Machine).hostSuspend)
	on(Ready, HostResume, func(m *Machine, _ Event) { m.pendingSuspend = false })
	on(Ready, LinkUp, nil)
	on(Ready, LinkDown, (*Machine).linkDown)
	on(Ready, HWError, (*Machine).hwError)
	on(Ready, Timeout, (*Machine).timeout)

	for _, s := range []State{Suspend, Resume} {
		on(s, PowerOn, nil)
		on(s, LinkUp, nil)
		on(s, LinkDown, (*Machine).linkDown)
		on(s, HWError, (*Machine).hwError)
		on(s, Timeout, (*Machine).timeout)
	}
	on(Suspend, HostSuspend, nil)
	on(Suspend, HostResume, (*Machine).resume)
	on(Suspend, BusReset, func(m *Machine, e Event) {
		m.enumerated = false
		m.resume(e)
	})
	on(Resume, HostResume, nil)
	on(Resume, HostSuspend, func(m *Machine, _ Event) { m.enterSuspend() })

	// FAULT absorbs everything but a reset; recovery is driven by Tick.
	for _, e := range Events() {
		if e != ResetRequest && e != BusReset {
			on(Fault, e, nil)
		}
	}

	return t
}
