package device

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softbridge/regbus"
)

func newTestCore(t *testing.T) (*Core, *regbus.Memory) {
	t.Helper()
	bus := regbus.NewMemory()
	return NewCore(bus, newTestDevice(t)), bus
}

func latchSetup(bus *regbus.Memory, s SetupPacket) {
	var raw [SetupPacketSize]byte
	s.MarshalTo(raw[:])
	bus.PokeBlock(regbus.Setup, raw[:])
}

func TestCoreGetDescriptor(t *testing.T) {
	c, bus := newTestCore(t)
	c.BusEvent(regbus.BusEventReset)

	latchSetup(bus, GetDescriptorSetup(DescriptorTypeDevice, 0, 64))
	c.Setup()

	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckDataIn {
		t.Fatalf("CtrlAck = 0x%02X, want 0x%02X", got, regbus.AckDataIn)
	}
	if got := bus.Peek(regbus.EP0Len); got != 18 {
		t.Fatalf("EP0Len = %d, want 18", got)
	}
	var want [18]byte
	c.Device().Descriptor.MarshalTo(want[:])
	if diff := cmp.Diff(want[:], bus.PeekBlock(regbus.EP0Buf, 18)); diff != "" {
		t.Errorf("EP0Buf mismatch (-want +got):\n%s", diff)
	}

	c.Status()
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckStatus {
		t.Errorf("CtrlAck = 0x%02X, want 0x%02X", got, regbus.AckStatus)
	}
}

func TestCoreSetAddressInStatusPhase(t *testing.T) {
	c, bus := newTestCore(t)
	c.BusEvent(regbus.BusEventReset)

	var enumerated []uint8
	c.SetOnEnumerated(func(addr uint8) { enumerated = append(enumerated, addr) })

	latchSetup(bus, SetAddressSetup(5))
	c.Setup()
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckSetup {
		t.Fatalf("CtrlAck = 0x%02X, want 0x%02X", got, regbus.AckSetup)
	}
	if got := bus.Peek(regbus.USBAddr); got != 0 {
		t.Errorf("USBAddr = %d before status phase", got)
	}
	if len(enumerated) != 0 {
		t.Error("enumeration published before status phase")
	}

	c.Status()
	if got := bus.Peek(regbus.USBAddr); got != 5 {
		t.Errorf("USBAddr = %d, want 5", got)
	}
	if got := c.Device().State(); got != StateAddress {
		t.Errorf("State() = %v, want %v", got, StateAddress)
	}
	if diff := cmp.Diff([]uint8{5}, enumerated); diff != "" {
		t.Errorf("enumerated mismatch (-want +got):\n%s", diff)
	}
}

func TestCoreStall(t *testing.T) {
	c, bus := newTestCore(t)
	c.BusEvent(regbus.BusEventReset)

	latchSetup(bus, SetupPacket{RequestType: 0xC0, Request: 0x55, Length: 4})
	c.Setup()
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckStall {
		t.Errorf("vendor request CtrlAck = 0x%02X, want 0x%02X", got, regbus.AckStall)
	}

	latchSetup(bus, SetConfigurationSetup(1))
	c.Setup()
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckStall {
		t.Errorf("SET_CONFIGURATION in default state CtrlAck = 0x%02X, want stall", got)
	}
}

func TestCoreDataStage(t *testing.T) {
	c, bus := newTestCore(t)
	c.BusEvent(regbus.BusEventReset)

	latchSetup(bus, SetupPacket{Request: RequestSetSel, Length: 6})
	c.Setup()
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckSetup {
		t.Fatalf("CtrlAck = 0x%02X, want 0x%02X", got, regbus.AckSetup)
	}

	bus.PokeBlock(regbus.EP0Buf, []byte{1, 2, 3, 4, 5, 6})
	bus.Poke(regbus.EP0Len, 6)
	c.Data()
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckDataOut {
		t.Errorf("CtrlAck = 0x%02X, want 0x%02X", got, regbus.AckDataOut)
	}

	bus.Poke(regbus.EP0Len, 2)
	c.Data()
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckStall {
		t.Errorf("short SET_SEL CtrlAck = 0x%02X, want stall", got)
	}
}

func TestCoreClassRequest(t *testing.T) {
	c, bus := newTestCore(t)
	cls := &fakeClass{resp: []byte{0, 0xEE}}
	c.Device().ConfigurationAt(0).GetInterface(0).SetClassDriver(cls)
	c.BusEvent(regbus.BusEventReset)
	_ = c.Device().SetAddress(1)
	_ = c.Device().SetConfiguration(1)

	latchSetup(bus, GetMaxLUNSetup(0))
	c.Setup()
	if got := bus.Peek(regbus.EP0Len); got != 1 {
		t.Errorf("EP0Len = %d, want 1", got)
	}
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckDataIn {
		t.Errorf("CtrlAck = 0x%02X, want 0x%02X", got, regbus.AckDataIn)
	}

	latchSetup(bus, BulkOnlyResetSetup(0))
	c.Setup()
	if got := bus.Peek(regbus.CtrlAck); got != regbus.AckSetup {
		t.Errorf("CtrlAck = 0x%02X, want 0x%02X", got, regbus.AckSetup)
	}
	if diff := cmp.Diff([]uint8{RequestGetMaxLUN, RequestBulkOnlyReset}, cls.requests); diff != "" {
		t.Errorf("class requests mismatch (-want +got):\n%s", diff)
	}
	if cls.resets != 1 {
		t.Errorf("class BusReset calls = %d, want 1", cls.resets)
	}
}

func TestCoreSoftConnect(t *testing.T) {
	c, bus := newTestCore(t)
	bus.Poke(regbus.USBCtrl, regbus.USBCtrlPulldown)

	var writes []uint8
	bus.OnWrite(regbus.USBCtrl, func(addr uint16, v uint8) { writes = append(writes, v) })

	c.Connect()
	if !c.Connected() {
		t.Error("Connected() = false after Connect()")
	}
	c.Disconnect()
	if c.Connected() {
		t.Error("Connected() = true after Disconnect()")
	}

	want := []uint8{0x02, 0x82, 0x02, 0x01}
	if diff := cmp.Diff(want, writes); diff != "" {
		t.Errorf("USBCtrl writes mismatch (-want +got):\n%s", diff)
	}
	if got := c.Device().State(); got != StateAttached {
		t.Errorf("State() = %v, want %v", got, StateAttached)
	}
}

func TestCoreBusEvents(t *testing.T) {
	c, bus := newTestCore(t)
	bus.Poke(regbus.USBStatus, regbus.USBStatusSuperSpeed)

	var events []uint8
	c.SetOnBusEvent(func(ev uint8) { events = append(events, ev) })

	c.BusEvent(regbus.BusEventReset)
	if got := c.Device().Speed(); got != SpeedSuper {
		t.Errorf("Speed() = %v, want %v", got, SpeedSuper)
	}
	c.BusEvent(regbus.BusEventSuspend)
	if got := c.Device().State(); got != StateSuspended {
		t.Errorf("State() = %v, want %v", got, StateSuspended)
	}
	c.BusEvent(regbus.BusEventResume)
	if got := c.Device().State(); got != StateDefault {
		t.Errorf("State() = %v, want %v", got, StateDefault)
	}

	want := []uint8{regbus.BusEventReset, regbus.BusEventSuspend, regbus.BusEventResume}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("bus events mismatch (-want +got):\n%s", diff)
	}
}

func TestCoreStallRegister(t *testing.T) {
	c, bus := newTestCore(t)
	c.BusEvent(regbus.BusEventReset)
	_ = c.Device().SetAddress(1)
	_ = c.Device().SetConfiguration(1)

	c.Stall(BulkInAddress)
	c.Stall(BulkOutAddress)
	if got := bus.Peek(regbus.EPStall); got != regbus.EPBulkIn|regbus.EPBulkOut {
		t.Errorf("EPStall = 0x%02X, want 0x03", got)
	}
	if !c.Stalled(BulkOutAddress) {
		t.Error("Stalled(OUT) = false")
	}

	latchSetup(bus, ClearFeatureSetup(RequestRecipientEndpoint, FeatureEndpointHalt, uint16(BulkInAddress)))
	c.Setup()
	if got := bus.Peek(regbus.EPStall); got != regbus.EPBulkOut {
		t.Errorf("EPStall = 0x%02X after CLEAR_FEATURE, want 0x02", got)
	}

	c.BusEvent(regbus.BusEventReset)
	if got := bus.Peek(regbus.EPStall); got != 0 {
		t.Errorf("EPStall = 0x%02X after reset, want 0", got)
	}
}
