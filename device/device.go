package device

import (
	"sync"

	"github.com/ardnew/softbridge/pkg"
)

// Device represents the USB device personality of the bridge.
type Device struct {
	Descriptor *DeviceDescriptor
	BOS        *BOSDescriptor

	configurations []*Configuration
	activeConfig   *Configuration

	strings [MaxStrings][]byte

	state         State
	previousState State
	address       uint8
	speed         Speed

	ep0 *Endpoint

	remoteWakeupEnabled bool

	mutex sync.RWMutex

	onStateChange func(old, new State)
	onStall       func(ep *Endpoint)
}

// NewDevice creates a new USB device.
func NewDevice(desc *DeviceDescriptor) *Device {
	return &Device{
		Descriptor: desc,
		state:      StateAttached,
		speed:      SpeedHigh,
		ep0: &Endpoint{
			Address:       0x00,
			Attributes:    EndpointTypeControl,
			MaxPacketSize: uint16(desc.MaxPacketSize0),
			Slot:          NoSlot,
		},
	}
}

// AddConfiguration adds a configuration to the device.
func (d *Device) AddConfiguration(config *Configuration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, c := range d.configurations {
		if c.Value == config.Value {
			return pkg.ErrInvalidParameter
		}
	}
	d.configurations = append(d.configurations, config)
	d.Descriptor.NumConfigurations = uint8(len(d.configurations))
	return nil
}

// GetConfiguration returns the configuration with the given value.
func (d *Device) GetConfiguration(value uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	for _, c := range d.configurations {
		if c.Value == value {
			return c
		}
	}
	return nil
}

// ConfigurationAt returns the configuration at a descriptor index.
func (d *Device) ConfigurationAt(index uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if int(index) >= len(d.configurations) {
		return nil
	}
	return d.configurations[index]
}

// ActiveConfiguration returns the currently active configuration.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.activeConfig
}

// SetString encodes s as a string descriptor at index.
func (d *Device) SetString(index uint8, s string) {
	if index == 0 || index >= MaxStrings {
		return
	}
	var buf [255]byte
	n := StringDescriptorTo(buf[:], s)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.strings[index] = append([]byte(nil), buf[:n]...)
}

// SetLanguages sets the supported language IDs (string index 0).
func (d *Device) SetLanguages(langIDs ...uint16) {
	buf := make([]byte, 2+2*len(langIDs))
	n := LanguageDescriptorTo(buf, langIDs...)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.strings[0] = buf[:n]
}

// GetString returns a string descriptor by index.
func (d *Device) GetString(index uint8) []byte {
	if index >= MaxStrings {
		return nil
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(newState State) {
	d.mutex.Lock()
	oldState := d.state
	d.state = newState
	callback := d.onStateChange
	d.mutex.Unlock()

	if oldState != newState {
		pkg.LogDebug(pkg.ComponentUSB, "device state changed",
			"from", oldState.String(),
			"to", newState.String())
		if callback != nil {
			callback(oldState, newState)
		}
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Speed returns the device speed.
func (d *Device) Speed() Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed sets the device speed.
func (d *Device) SetSpeed(speed Speed) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.speed = speed
}

// IsConfigured returns true if the device is configured.
func (d *Device) IsConfigured() bool {
	return d.State() == StateConfigured
}

// Attach moves the device to the powered state.
func (d *Device) Attach() {
	d.setState(StatePowered)
}

// Detach returns the device to the attached state.
func (d *Device) Detach() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.mutex.Unlock()
	d.setState(StateAttached)
}

// Reset handles a bus reset. All stalls are cleared and the device returns
// to the default address.
func (d *Device) Reset() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.remoteWakeupEnabled = false
	d.mutex.Unlock()

	for _, ep := range d.Endpoints() {
		d.setStall(ep, false)
	}
	d.setState(StateDefault)
}

// SetAddress applies a SET_ADDRESS request.
func (d *Device) SetAddress(address uint8) error {
	d.mutex.Lock()
	if d.state != StateDefault && d.state != StateAddress {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}
	d.address = address
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddress)
	}
	return nil
}

// SetConfiguration applies a SET_CONFIGURATION request. Value 0 returns the
// device to the address state.
func (d *Device) SetConfiguration(value uint8) error {
	d.mutex.Lock()
	if d.state != StateAddress && d.state != StateConfigured {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}

	if value == 0 {
		d.activeConfig = nil
		d.mutex.Unlock()
		d.setState(StateAddress)
		return nil
	}

	var config *Configuration
	for _, c := range d.configurations {
		if c.Value == value {
			config = c
			break
		}
	}
	if config == nil {
		d.mutex.Unlock()
		return pkg.ErrInvalidRequest
	}
	d.activeConfig = config
	d.mutex.Unlock()

	for _, iface := range config.Interfaces() {
		for _, ep := range iface.Endpoints() {
			d.setStall(ep, false)
		}
	}
	d.setState(StateConfigured)
	return nil
}

// Suspend handles USB suspend.
func (d *Device) Suspend() {
	d.mutex.Lock()
	if d.state == StateSuspended {
		d.mutex.Unlock()
		return
	}
	d.previousState = d.state
	d.mutex.Unlock()
	d.setState(StateSuspended)
}

// Resume handles USB resume.
func (d *Device) Resume() {
	d.mutex.Lock()
	if d.state != StateSuspended {
		d.mutex.Unlock()
		return
	}
	previous := d.previousState
	d.mutex.Unlock()

	if previous == StateAttached || previous == StatePowered {
		previous = StateDefault
	}
	d.setState(previous)
}

// EnableRemoteWakeup enables remote wakeup capability.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.remoteWakeupEnabled = enabled
}

// GetInterface returns an interface from the active configuration.
func (d *Device) GetInterface(number uint8) *Interface {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	return config.GetInterface(number)
}

// GetEndpoint returns an endpoint from the active configuration.
func (d *Device) GetEndpoint(address uint8) *Endpoint {
	if address&0x0F == 0 {
		return d.ep0
	}
	ep, _ := d.findEndpoint(address)
	return ep
}

func (d *Device) findEndpoint(address uint8) (*Endpoint, *Interface) {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil, nil
	}
	for _, iface := range config.Interfaces() {
		if ep := iface.GetEndpoint(address); ep != nil {
			return ep, iface
		}
	}
	return nil, nil
}

// Interfaces returns every interface of every configuration.
func (d *Device) Interfaces() []*Interface {
	d.mutex.RLock()
	configs := d.configurations
	d.mutex.RUnlock()

	var ifaces []*Interface
	for _, c := range configs {
		ifaces = append(ifaces, c.Interfaces()...)
	}
	return ifaces
}

// Endpoints returns every endpoint of every configuration.
func (d *Device) Endpoints() []*Endpoint {
	var eps []*Endpoint
	for _, iface := range d.Interfaces() {
		eps = append(eps, iface.Endpoints()...)
	}
	return eps
}

// SetEndpointStall sets or clears the stall condition on an endpoint.
func (d *Device) SetEndpointStall(address uint8, stalled bool) error {
	ep := d.GetEndpoint(address)
	if ep == nil {
		return pkg.ErrInvalidEndpoint
	}
	d.setStall(ep, stalled)
	return nil
}

// ClearHalt clears a host-requested endpoint halt unless the owning class
// driver refuses it.
func (d *Device) ClearHalt(address uint8) error {
	if address&0x0F == 0 {
		d.setStall(d.ep0, false)
		return nil
	}
	ep, iface := d.findEndpoint(address)
	if ep == nil {
		return pkg.ErrInvalidEndpoint
	}
	if drv := iface.ClassDriver(); drv != nil && !drv.ClearHalt(ep) {
		pkg.LogDebug(pkg.ComponentUSB, "clear halt refused",
			"endpoint", address)
		return nil
	}
	d.setStall(ep, false)
	return nil
}

func (d *Device) setStall(ep *Endpoint, stalled bool) {
	ep.SetStall(stalled)
	d.mutex.RLock()
	cb := d.onStall
	d.mutex.RUnlock()
	if cb != nil {
		cb(ep)
	}
}

// SetOnStateChange sets the state change callback.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStateChange = cb
}

// SetOnStall sets the callback invoked whenever an endpoint stall changes.
func (d *Device) SetOnStall(cb func(ep *Endpoint)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStall = cb
}

// DeviceStatus represents the device status bits.
type DeviceStatus uint16

// Device status bits.
const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1
)

// GetStatus returns the device status.
func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var status DeviceStatus
	if d.activeConfig != nil && d.activeConfig.IsSelfPowered() {
		status |= DeviceStatusSelfPowered
	}
	if d.remoteWakeupEnabled {
		status |= DeviceStatusRemoteWakeup
	}
	return status
}

// DeviceBuilder provides a fluent API for building devices.
type DeviceBuilder struct {
	device *Device
	config *Configuration
	iface  *Interface
	errors []error
}

// NewDeviceBuilder creates a new device builder.
func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{}
}

// WithDescriptor sets the device descriptor.
func (b *DeviceBuilder) WithDescriptor(desc *DeviceDescriptor) *DeviceBuilder {
	b.device = NewDevice(desc)
	return b
}

// WithString sets string descriptor index to s. Index 0 always holds the
// US English language table.
func (b *DeviceBuilder) WithString(index uint8, s string) *DeviceBuilder {
	if b.device == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	if index == 0 || index >= MaxStrings {
		b.errors = append(b.errors, pkg.ErrOutOfRange)
		return b
	}
	if b.device.GetString(0) == nil {
		b.device.SetLanguages(LangIDUSEnglish)
	}
	b.device.SetString(index, s)
	return b
}

// WithBOS attaches a BOS descriptor.
func (b *DeviceBuilder) WithBOS(bos *BOSDescriptor) *DeviceBuilder {
	if b.device == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	b.device.BOS = bos
	return b
}

// AddConfiguration adds a new configuration.
func (b *DeviceBuilder) AddConfiguration(value, attributes, maxPower uint8) *DeviceBuilder {
	if b.device == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	b.config = NewConfiguration(value)
	b.config.Attributes = attributes
	b.config.MaxPower = maxPower
	if err := b.device.AddConfiguration(b.config); err != nil {
		b.errors = append(b.errors, err)
	}
	return b
}

// AddInterface adds a new interface to the current configuration.
func (b *DeviceBuilder) AddInterface(class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	b.iface = NewInterface(&InterfaceDescriptor{
		InterfaceNumber:   uint8(len(b.config.Interfaces())),
		InterfaceClass:    class,
		InterfaceSubClass: subClass,
		InterfaceProtocol: protocol,
	})
	if err := b.config.AddInterface(b.iface); err != nil {
		b.errors = append(b.errors, err)
	}
	return b
}

// AddEndpoint adds an endpoint bound to a hardware event slot to the
// current interface.
func (b *DeviceBuilder) AddEndpoint(address, transferType uint8, maxPacketSize uint16, slot int) *DeviceBuilder {
	if b.iface == nil {
		b.errors = append(b.errors, pkg.ErrInvalidState)
		return b
	}
	ep := &Endpoint{
		Address:       address,
		Attributes:    transferType,
		MaxPacketSize: maxPacketSize,
		Slot:          slot,
	}
	if err := b.iface.AddEndpoint(ep); err != nil {
		b.errors = append(b.errors, err)
	}
	return b
}

// Build returns the constructed device.
func (b *DeviceBuilder) Build() (*Device, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if b.device == nil {
		return nil, pkg.ErrInvalidState
	}
	return b.device, nil
}
