package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softbridge/device"
	"github.com/ardnew/softbridge/device/class/msc"
	"github.com/ardnew/softbridge/dma"
	"github.com/ardnew/softbridge/flash"
	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/link"
	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// Hardware is what the firmware runs on.
type Hardware struct {
	Bus   regbus.Bus
	Flash flash.Driver
	// FlashSize defaults to flash.DefaultSize.
	FlashSize int
	// Clock defaults to the system clock.
	Clock kernel.Clock
}

// Observer is notified of link transitions and faults. Calls are made
// from the firmware loop and must not block.
type Observer interface {
	LinkChanged(from, to link.State)
	Fault(rec link.Record)
}

// BootStatus is the outcome of the boot record check, mirrored in the
// BootStatus register.
type BootStatus uint8

const (
	BootNone BootStatus = iota
	BootCommitted
	BootNoImage
	BootBadImage
)

func (s BootStatus) String() string {
	switch s {
	case BootNone:
		return "none"
	case BootCommitted:
		return "committed"
	case BootNoImage:
		return "no image"
	case BootBadImage:
		return "bad image"
	}
	return fmt.Sprintf("BootStatus(%d)", uint8(s))
}

// BootInfo describes the last power-on.
type BootInfo struct {
	Status BootStatus
	Record flash.BootRecord
	// Identity is the USB identity in use, from config block 0 when it
	// validates.
	Identity device.Identity
	Inquiry  Inquiry
	Err      string
}

// Snapshot is a consistent view of every counter in the firmware.
type Snapshot struct {
	Link        link.Status
	BOTState    msc.State
	BOT         msc.Stats
	Sense       msc.Sense
	NVMeReady   bool
	NVMe        nvme.Stats
	Outstanding int
	Namespace   nvme.Namespace
	DMA         dma.Stats
	Kernel      kernel.Stats
	Boot        BootInfo
	Boots       int
	Reboots     int
	Faults      []link.Record
}

// system is everything rebuilt on a CPU reset.
type system struct {
	kernel *kernel.Kernel
	timer  *kernel.Timer
	link   *link.Machine
	core   *device.Core
	msc    *msc.Processor
	nvme   *nvme.Engine
	dma    *dma.Engine
	trace  trace

	// pending is a fault raised from inside a BOT handler, applied once
	// the handler has returned.
	pending link.Code
}

// Firmware is the assembled bridge firmware.
type Firmware struct {
	hw        Hardware
	cfg       Config
	bank      *flash.Bank
	observers []Observer

	mu      sync.Mutex
	sys     atomic.Pointer[system]
	boot    BootInfo
	boots   int
	reboots int
	running atomic.Bool
}

// New creates the firmware for hw. Nothing touches the hardware until
// [Firmware.PowerOn].
func New(hw Hardware, cfg Config) (*Firmware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hw.Bus == nil || hw.Flash == nil {
		return nil, fmt.Errorf("bridge: hardware needs a bus and a flash driver: %w", pkg.ErrInvalidParameter)
	}
	if hw.FlashSize == 0 {
		hw.FlashSize = flash.DefaultSize
	}
	if hw.Clock == nil {
		hw.Clock = kernel.SystemClock{}
	}
	return &Firmware{
		hw:   hw,
		cfg:  cfg,
		bank: flash.NewBank(hw.Flash, hw.FlashSize),
	}, nil
}

// AddObserver registers o for link transitions and faults.
func (f *Firmware) AddObserver(o Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

// Config returns the firmware configuration.
func (f *Firmware) Config() Config { return f.cfg }

// Bank returns the flash bank.
func (f *Firmware) Bank() *flash.Bank { return f.bank }

// PowerOn boots the firmware: boot record check, identity, then the link
// state machine leaves OFF.
func (f *Firmware) PowerOn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sys.Load() != nil {
		return fmt.Errorf("bridge: power on: %w", pkg.ErrAlreadyRunning)
	}
	return f.powerOn()
}

func (f *Firmware) powerOn() error {
	bus := f.hw.Bus
	f.boot = f.checkBoot()
	bus.Write(regbus.BootStatus, uint8(f.boot.Status))

	// Stale events from before the reset.
	bus.Write(regbus.USBBusEvent, 0xFF)
	bus.Write(regbus.CtrlPhase, 0xFF)
	bus.Write(regbus.EPEvent, 0xFF)
	bus.Write(regbus.DMAStatus, 0xFF)
	bus.Write(regbus.SysEvent, 0xFF)

	s, err := f.assemble()
	if err != nil {
		return err
	}
	f.boots++
	f.sys.Store(s)

	tick := time.Duration(f.cfg.TickInterval) / time.Millisecond
	if tick < 1 {
		tick = 1
	}
	s.timer.SetTimer(uint16(tick))
	s.trace.printf("boot %d: %s, %04X:%04X", f.boots, f.boot.Status,
		f.boot.Identity.VendorID, f.boot.Identity.ProductID)
	pkg.LogInfo(pkg.ComponentBridge, "power on",
		"boot", f.boot.Status.String(),
		"sequence", f.boot.Record.Sequence,
		"vendor", fmt.Sprintf("%04X", f.boot.Identity.VendorID),
		"product", fmt.Sprintf("%04X", f.boot.Identity.ProductID))
	s.link.Handle(link.PowerOn)
	return nil
}

func (f *Firmware) checkBoot() BootInfo {
	info := BootInfo{Identity: f.cfg.Identity, Inquiry: f.cfg.Inquiry}
	rec, err := f.bank.Boot()
	switch {
	case err == nil:
		info.Status = BootCommitted
		info.Record = rec
	case errors.Is(err, pkg.ErrNoImage):
		info.Status = BootNoImage
		info.Err = err.Error()
	default:
		info.Status = BootBadImage
		info.Err = err.Error()
	}

	block, err := f.bank.ReadConfig(0)
	if err == nil {
		var c flash.Config
		if c, err = flash.DecodeConfig(block); err == nil {
			info.Identity = c.Identity
			info.Inquiry = Inquiry{
				Vendor:   c.InquiryVendor,
				Product:  c.InquiryProduct,
				Revision: c.InquiryRevision,
			}
		}
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentBridge, "config block 0 unused", "error", err)
	}
	return info
}

// assemble builds the components and wires them together.
func (f *Firmware) assemble() (*system, error) {
	bus, clock := f.hw.Bus, f.hw.Clock
	s := &system{}
	s.kernel = kernel.New(bus, clock, f.cfg.kernel())
	s.timer = kernel.NewTimer(bus, clock)
	s.trace = trace{bus: bus, timer: s.timer}

	w := s.kernel.Waiter()
	s.nvme = nvme.New(bus, w, f.cfg.nvme())
	s.dma = dma.New(bus, w, f.cfg.dma())

	dev, err := device.NewMassStorageDevice(f.boot.Identity)
	if err != nil {
		return nil, fmt.Errorf("bridge: build device: %w", err)
	}
	s.core = device.NewCore(bus, dev)
	s.msc = msc.New(bus, s.nvme, s.dma, msc.Config{
		Vendor:     f.boot.Inquiry.Vendor,
		Product:    f.boot.Inquiry.Product,
		Revision:   f.boot.Inquiry.Revision,
		WriteCache: f.cfg.WriteCache,
	})
	if err := s.msc.AttachToInterface(dev, 1, 0); err != nil {
		return nil, fmt.Errorf("bridge: attach mass storage: %w", err)
	}

	s.link = link.New(bus, s.timer, clock, f.cfg.link(), link.Hooks{
		Connect:    s.core.Connect,
		Disconnect: s.core.Disconnect,
		OnReady:    func() { f.nvmeUp(s) },
		OnFault:    func(rec link.Record) { f.fault(s, rec) },
		OnLinkDown: func() { s.abort() },
		Busy:       s.msc.Busy,
		OnChange:   func(from, to link.State) { f.linkChanged(s, from, to) },
	}, pkg.Logr(pkg.ComponentLink))

	s.msc.SetStaller(s.core)
	s.msc.SetFirmware(f.bank)
	s.msc.SetFaultLog(s.link.Ring())
	s.msc.SetHooks(msc.Hooks{
		LinkReady:   s.link.Ready,
		Reenumerate: func() { s.link.Handle(link.Reenumerate) },
		TransportError: func(err error) {
			code := link.CodeHWError
			if errors.Is(err, pkg.ErrTimeout) {
				code = link.CodeDMATimeout
			}
			s.raiseLater(code)
		},
	})
	// A timed out command is failed after this returns; its completion
	// no longer reaches the BOT context.
	s.nvme.SetOnTimeout(func(cid uint16) { s.link.Raise(link.CodeNVMeTimeout, uint8(cid)) })

	s.core.SetOnEnumerated(func(uint8) { s.link.Handle(link.Enumerated) })
	s.core.SetOnBusEvent(func(ev uint8) {
		switch {
		case ev&regbus.BusEventReset != 0:
			s.link.Handle(link.BusReset)
		case ev&regbus.BusEventSuspend != 0:
			s.link.Handle(link.HostSuspend)
		case ev&regbus.BusEventResume != 0:
			s.link.Handle(link.HostResume)
		}
	})

	k := s.kernel
	k.OnReset(func() {
		s.msc.Cancel()
		s.nvme.Fail(nvme.StatusAbortedByHost)
		s.link.Handle(link.ResetRequest)
	})
	k.HandleBusEvent(s.core.BusEvent)
	k.HandleControl(s.core.Setup, s.core.Data, s.core.Status)
	k.HandleEndpoint(regbus.SlotBulkIn, s.msc.BulkIn)
	k.HandleEndpoint(regbus.SlotBulkOut, s.msc.BulkOut)
	k.HandleSystem(regbus.SysLinkChange, func() {
		if bus.Read(regbus.LinkStatus)&regbus.LinkStatusUp != 0 {
			s.link.Handle(link.LinkUp)
			return
		}
		s.link.Handle(link.LinkDown)
	})
	k.HandleSystem(regbus.SysCQEReady, func() { s.nvme.Poll() })
	k.HandleSystem(regbus.SysError, func() { s.link.Handle(link.HWError) })
	k.AddTicker(s.link.Tick)
	k.AddTicker(s.nvme.Tick)
	k.AddTicker(func() { s.nvme.Poll() })
	return s, nil
}

// raiseLater records a fault to be raised after the current handler.
func (s *system) raiseLater(code link.Code) {
	if s.pending == link.CodeNone {
		s.pending = code
	}
}

// abort fails the BOT command in flight and everything the NVMe engine
// still owes.
func (s *system) abort() {
	s.msc.Abort(msc.SenseHardwareFailure)
	s.nvme.Fail(nvme.StatusAbortedByHost)
}

func (f *Firmware) nvmeUp(s *system) {
	if err := s.nvme.Start(); err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "nvme bring-up failed", "error", err)
		s.trace.printf("nvme bring-up failed")
		s.raiseLater(link.CodeNVMeTimeout)
		return
	}
	ns, _ := s.nvme.Namespace()
	s.trace.printf("nvme ready, %d x %d", ns.Blocks, ns.BlockSize)
}

func (f *Firmware) fault(s *system, rec link.Record) {
	s.abort()
	s.trace.printf("fault %s in %s, detail %02X", rec.Code, rec.State, rec.Detail)
	pkg.LogWarn(pkg.ComponentBridge, "link fault",
		"code", rec.Code.String(), "state", rec.State.String(), "seq", rec.Seq)
	for _, o := range f.observers {
		o.Fault(rec)
	}
}

func (f *Firmware) linkChanged(s *system, from, to link.State) {
	s.trace.printf("link %s -> %s", from, to)
	for _, o := range f.observers {
		o.LinkChanged(from, to)
	}
}

// Step runs one iteration of the main loop and reports whether any event
// was serviced. A CPU reset latched by a vendor command reboots the
// firmware before it returns.
func (f *Firmware) Step() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sys.Load()
	if s == nil {
		return false
	}
	worked := s.kernel.Step()
	if code := s.pending; code != link.CodeNone {
		s.pending = link.CodeNone
		s.link.Raise(code, 0)
		worked = true
	}
	if f.hw.Bus.Read(regbus.CPUReset) == regbus.CPUResetMagic {
		f.hw.Bus.Write(regbus.CPUReset, 0)
		if err := f.reboot(s); err != nil {
			pkg.LogError(pkg.ComponentBridge, "reboot failed", "error", err)
		}
		worked = true
	}
	return worked
}

func (f *Firmware) reboot(s *system) error {
	f.reboots++
	pkg.LogInfo(pkg.ComponentBridge, "cpu reset", "reboots", f.reboots)
	s.core.Disconnect()
	s.nvme.Stop()
	f.sys.Store(nil)
	return f.powerOn()
}

// Run steps the main loop until ctx is done, sleeping for the poll
// interval whenever a step finds nothing to do.
func (f *Firmware) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	defer f.running.Store(false)

	idle := time.Duration(f.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !f.Step() {
			f.hw.Clock.Sleep(idle)
		}
	}
}

// Raise delivers an interrupt to the kernel. It may be called from
// hardware write hooks while a step is running.
func (f *Firmware) Raise(irq kernel.IRQ) {
	if s := f.sys.Load(); s != nil {
		s.kernel.Raise(irq)
	}
}

// RequestReset asks the loop to abort work in flight and restart the
// link.
func (f *Firmware) RequestReset() {
	if s := f.sys.Load(); s != nil {
		s.kernel.RequestReset()
	}
}

// Boot returns what the last power-on found in flash.
func (f *Firmware) Boot() BootInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boot
}

// Faults returns the fault ring, oldest first.
func (f *Firmware) Faults() []link.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.sys.Load(); s != nil {
		return s.link.Ring().Records()
	}
	return nil
}

// Snapshot returns every counter at once.
func (f *Firmware) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := Snapshot{Boot: f.boot, Boots: f.boots, Reboots: f.reboots}
	s := f.sys.Load()
	if s == nil {
		return snap
	}
	snap.Link = s.link.Status()
	snap.BOTState = s.msc.State()
	snap.BOT = s.msc.Stats()
	snap.Sense = s.msc.Sense()
	snap.NVMeReady = s.nvme.Ready()
	snap.NVMe = s.nvme.Stats()
	snap.Outstanding = s.nvme.Outstanding()
	snap.Namespace, _ = s.nvme.Namespace()
	snap.DMA = s.dma.Stats()
	snap.Kernel = s.kernel.Stats()
	snap.Faults = s.link.Ring().Records()
	return snap
}
