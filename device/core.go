package device

import (
	"sync"

	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// Core drives the USB device controller registers: control transfer phases,
// bus events, endpoint stalls and soft-connect.
//
// A control transfer advances one phase per call. Setup latches the SETUP
// packet and either answers an IN request, acknowledges a no-data request,
// or arms the data stage. Data consumes OUT data. Status completes the
// transfer, applying any SET_ADDRESS.
type Core struct {
	bus     regbus.Bus
	device  *Device
	handler *StandardRequestHandler

	setup     SetupPacket
	connected bool
	mutex     sync.Mutex

	onEnumerated func(address uint8)
	onBusEvent   func(ev uint8)
}

// NewCore binds dev to the controller registers of bus.
func NewCore(bus regbus.Bus, dev *Device) *Core {
	c := &Core{
		bus:     bus,
		device:  dev,
		handler: NewStandardRequestHandler(dev),
	}
	dev.SetOnStall(c.syncStall)
	return c
}

// Device returns the device served by the core.
func (c *Core) Device() *Device {
	return c.device
}

// SetOnEnumerated sets the callback invoked when a SET_ADDRESS completes.
func (c *Core) SetOnEnumerated(fn func(address uint8)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onEnumerated = fn
}

// SetOnBusEvent sets the callback invoked after a bus event is applied.
func (c *Core) SetOnBusEvent(fn func(ev uint8)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onBusEvent = fn
}

// Connect performs the soft-connect sequence: release the pull-down, assert
// connect, then pulse the status toggle bit.
func (c *Core) Connect() {
	c.bus.RMW(regbus.USBCtrl, ^uint8(regbus.USBCtrlPulldown), regbus.USBCtrlConnect)
	c.bus.RMW(regbus.USBCtrl, 0xFF, regbus.USBCtrlToggle)
	c.bus.RMW(regbus.USBCtrl, ^uint8(regbus.USBCtrlToggle), 0)

	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()
	c.device.Attach()
	pkg.LogInfo(pkg.ComponentUSB, "soft-connect")
}

// Disconnect drops the connect bit and re-asserts the pull-down.
func (c *Core) Disconnect() {
	c.bus.RMW(regbus.USBCtrl, ^uint8(regbus.USBCtrlConnect|regbus.USBCtrlToggle), regbus.USBCtrlPulldown)
	c.bus.Write(regbus.USBAddr, 0)

	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()
	c.device.Detach()
	pkg.LogInfo(pkg.ComponentUSB, "soft-disconnect")
}

// Connected reports whether soft-connect is asserted.
func (c *Core) Connected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connected
}

// BusEvent applies USB bus reset, suspend and resume.
func (c *Core) BusEvent(ev uint8) {
	if ev&regbus.BusEventReset != 0 {
		c.device.SetSpeed(SpeedFromStatus(c.bus.Read(regbus.USBStatus)))
		c.handler.TakePendingAddress()
		c.device.Reset()
		c.bus.Write(regbus.USBAddr, 0)
		for _, iface := range c.device.Interfaces() {
			if drv := iface.ClassDriver(); drv != nil {
				drv.BusReset()
			}
		}
		pkg.LogDebug(pkg.ComponentUSB, "bus reset", "speed", c.device.Speed().String())
	}
	if ev&regbus.BusEventSuspend != 0 {
		c.device.Suspend()
	}
	if ev&regbus.BusEventResume != 0 {
		c.device.Resume()
	}

	c.mutex.Lock()
	fn := c.onBusEvent
	c.mutex.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Setup handles the SETUP phase of a control transfer.
func (c *Core) Setup() {
	ReadSetupPacket(c.bus, &c.setup)
	pkg.LogDebug(pkg.ComponentUSB, "setup received", "request", c.setup.String())

	if !c.setup.IsDeviceToHost() && c.setup.Length > 0 {
		c.bus.Write(regbus.CtrlAck, regbus.AckSetup)
		return
	}

	resp, err := c.dispatch(nil)
	if err != nil {
		c.stall(err)
		return
	}
	if !c.setup.IsDeviceToHost() {
		c.bus.Write(regbus.CtrlAck, regbus.AckSetup)
		return
	}
	if len(resp) > regbus.EP0BufSize {
		pkg.LogWarn(pkg.ComponentUSB, "control response truncated",
			"length", len(resp))
		resp = resp[:regbus.EP0BufSize]
	}
	regbus.WriteBlock(c.bus, regbus.EP0Buf, resp)
	c.bus.Write(regbus.EP0Len, uint8(len(resp)))
	c.bus.Write(regbus.CtrlAck, regbus.AckDataIn)
}

// Data handles the OUT data phase of a control transfer.
func (c *Core) Data() {
	n := int(c.bus.Read(regbus.EP0Len))
	if n > regbus.EP0BufSize {
		n = regbus.EP0BufSize
	}
	data := make([]byte, n)
	regbus.ReadBlock(c.bus, regbus.EP0Buf, data)

	if _, err := c.dispatch(data); err != nil {
		c.stall(err)
		return
	}
	c.bus.Write(regbus.CtrlAck, regbus.AckDataOut)
}

// Status handles the status phase. A pending SET_ADDRESS takes effect here
// and publishes enumeration.
func (c *Core) Status() {
	if addr, ok := c.handler.TakePendingAddress(); ok {
		if err := c.device.SetAddress(addr); err != nil {
			c.stall(err)
			return
		}
		c.bus.Write(regbus.USBAddr, addr)
		pkg.LogInfo(pkg.ComponentUSB, "address assigned", "address", addr)

		c.mutex.Lock()
		fn := c.onEnumerated
		c.mutex.Unlock()
		if fn != nil && addr != 0 {
			fn(addr)
		}
	}
	c.bus.Write(regbus.CtrlAck, regbus.AckStatus)
}

// Stall halts the endpoint at address.
func (c *Core) Stall(address uint8) {
	if err := c.device.SetEndpointStall(address, true); err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "stall failed", "endpoint", address, "error", err)
	}
}

// Stalled reports whether the endpoint at address is halted.
func (c *Core) Stalled(address uint8) bool {
	ep := c.device.GetEndpoint(address)
	return ep != nil && ep.IsStalled()
}

func (c *Core) dispatch(data []byte) ([]byte, error) {
	if c.setup.IsStandard() {
		return c.handler.HandleSetup(&c.setup, data)
	}
	if c.setup.IsClass() && c.setup.Recipient() == RequestRecipientInterface {
		if iface := c.device.GetInterface(c.setup.InterfaceNumber()); iface != nil {
			resp, handled, err := iface.HandleSetup(&c.setup, data)
			if handled {
				if err == nil && len(resp) > int(c.setup.Length) {
					resp = resp[:c.setup.Length]
				}
				return resp, err
			}
		}
	}
	return nil, pkg.ErrInvalidRequest
}

func (c *Core) stall(err error) {
	pkg.LogDebug(pkg.ComponentUSB, "control stall",
		"request", c.setup.String(),
		"error", err)
	c.bus.Write(regbus.CtrlAck, regbus.AckStall)
}

// syncStall mirrors the endpoint halt state into the stall register.
func (c *Core) syncStall(ep *Endpoint) {
	if ep.Slot == NoSlot {
		return
	}
	bit := uint8(1) << uint(ep.Slot)
	if ep.IsStalled() {
		c.bus.RMW(regbus.EPStall, 0xFF, bit)
	} else {
		c.bus.RMW(regbus.EPStall, ^bit, 0)
	}
}
