package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/softbridge/device"
	"github.com/ardnew/softbridge/device/class/msc"
	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// Stepper runs one iteration of the firmware main loop.
type Stepper interface {
	Step() bool
}

// StepFunc adapts a function to [Stepper].
type StepFunc func() bool

// Step calls f.
func (f StepFunc) Step() bool { return f() }

// DefaultMaxSteps bounds every host wait in firmware loop iterations.
const DefaultMaxSteps = 20000

// DeviceAddress is the address the host assigns during enumeration.
const DeviceAddress = 5

// CheckCondition is a command that ended with a failed or phase-error
// CSW. Sense holds what REQUEST SENSE returned afterwards.
type CheckCondition struct {
	Opcode uint8
	Status uint8
	Sense  msc.Sense
}

// Error implements error.
func (c *CheckCondition) Error() string {
	return fmt.Sprintf("opcode 0x%02X: CSW status %d, sense %02X/%02X/%02X",
		c.Opcode, c.Status, c.Sense.Key, c.Sense.ASC, c.Sense.ASCQ)
}

// Enumeration is what the host learned while enumerating the device.
type Enumeration struct {
	Address      uint8
	Device       device.DeviceDescriptor
	Config       device.ConfigurationDescriptor
	Interface    device.InterfaceDescriptor
	Endpoints    []device.EndpointDescriptor
	BOS          *device.BOSDescriptor
	Manufacturer string
	Product      string
	Serial       string
	MaxLUN       uint8
}

// Host is a USB host talking to the firmware through the model's side of
// the register file. Every wait runs the firmware loop through the
// stepper, so the host and the firmware share one goroutine.
type Host struct {
	m        *Model
	fw       Stepper
	maxSteps int
	tag      uint32
	enum     Enumeration
}

// NewHost creates a host for the model whose firmware loop is fw.
func NewHost(m *Model, fw Stepper) *Host {
	return &Host{m: m, fw: fw, maxSteps: DefaultMaxSteps}
}

// SetMaxSteps sets the bound on loop iterations per wait.
func (h *Host) SetMaxSteps(n int) { h.maxSteps = n }

// Model returns the hardware model.
func (h *Host) Model() *Model { return h.m }

// Enumeration returns the result of the last Enumerate.
func (h *Host) Enumeration() Enumeration { return h.enum }

// Run steps the firmware until pred holds.
func (h *Host) Run(pred func() bool) error {
	for i := 0; i < h.maxSteps; i++ {
		if pred() {
			return nil
		}
		h.fw.Step()
	}
	if pred() {
		return nil
	}
	return fmt.Errorf("sim: host wait exceeded %d steps: %w", h.maxSteps, pkg.ErrTimeout)
}

// Steps runs the firmware loop n times.
func (h *Host) Steps(n int) {
	for i := 0; i < n; i++ {
		h.fw.Step()
	}
}

// WaitConnect waits for the device to assert soft-connect.
func (h *Host) WaitConnect() error {
	return h.Run(h.m.Connected)
}

// BusReset signals a USB bus reset and waits for the firmware to take it.
func (h *Host) BusReset() error {
	h.m.flushBulk()
	h.m.bus.SetBits(regbus.USBBusEvent, regbus.BusEventReset)
	h.m.raise(kernel.IRQUSB)
	return h.Run(func() bool { return h.m.bus.Peek(regbus.USBBusEvent) == 0 })
}

// Suspend signals a host suspend.
func (h *Host) Suspend() error { return h.busEvent(regbus.BusEventSuspend) }

// Resume signals a host resume.
func (h *Host) Resume() error { return h.busEvent(regbus.BusEventResume) }

func (h *Host) busEvent(bit uint8) error {
	h.m.bus.SetBits(regbus.USBBusEvent, bit)
	h.m.raise(kernel.IRQUSB)
	return h.Run(func() bool { return h.m.bus.Peek(regbus.USBBusEvent)&bit == 0 })
}

// phase raises one control transfer phase and waits for the handshake.
func (h *Host) phase(bit uint8) (uint8, error) {
	h.m.takeAck()
	h.m.bus.SetBits(regbus.CtrlPhase, bit)
	h.m.raise(kernel.IRQUSB)
	var ack uint8
	err := h.Run(func() bool {
		var ok bool
		ack, ok = h.m.takeAck()
		return ok
	})
	if err != nil {
		return 0, err
	}
	if ack == regbus.AckStall {
		return ack, pkg.ErrStall
	}
	return ack, nil
}

// Control runs a control transfer. For IN requests the returned slice
// holds the data stage; data is sent for OUT requests.
func (h *Host) Control(setup device.SetupPacket, data []byte) ([]byte, error) {
	var raw [device.SetupPacketSize]byte
	setup.MarshalTo(raw[:])
	h.m.bus.PokeBlock(regbus.Setup, raw[:])

	ack, err := h.phase(regbus.PhaseSetup)
	if err != nil {
		return nil, err
	}

	var resp []byte
	switch {
	case setup.IsDeviceToHost() && setup.Length > 0:
		if ack != regbus.AckDataIn {
			return nil, fmt.Errorf("sim: control IN handshake 0x%02X: %w", ack, pkg.ErrPhase)
		}
		n := int(h.m.bus.Peek(regbus.EP0Len))
		resp = h.m.bus.PeekBlock(regbus.EP0Buf, n)
	case !setup.IsDeviceToHost() && setup.Length > 0:
		if len(data) > regbus.EP0BufSize {
			return nil, pkg.ErrBufferTooSmall
		}
		h.m.bus.PokeBlock(regbus.EP0Buf, data)
		h.m.bus.Poke(regbus.EP0Len, uint8(len(data)))
		if ack, err = h.phase(regbus.PhaseData); err != nil {
			return nil, err
		}
		if ack != regbus.AckDataOut {
			return nil, fmt.Errorf("sim: control OUT handshake 0x%02X: %w", ack, pkg.ErrPhase)
		}
	}

	if _, err := h.phase(regbus.PhaseStatus); err != nil {
		return nil, err
	}
	return resp, nil
}

// Enumerate resets the bus and walks the standard enumeration sequence:
// device descriptor, SET_ADDRESS, full descriptors, strings and
// SET_CONFIGURATION.
func (h *Host) Enumerate() (Enumeration, error) {
	if err := h.WaitConnect(); err != nil {
		return Enumeration{}, err
	}
	if err := h.BusReset(); err != nil {
		return Enumeration{}, err
	}
	var e Enumeration

	head, err := h.Control(device.GetDescriptorSetup(device.DescriptorTypeDevice, 0, 8), nil)
	if err != nil {
		return e, fmt.Errorf("sim: device descriptor: %w", err)
	}
	if len(head) < 8 || head[7] == 0 {
		return e, fmt.Errorf("sim: short device descriptor: %w", pkg.ErrInvalidRequest)
	}

	if _, err := h.Control(device.SetAddressSetup(DeviceAddress), nil); err != nil {
		return e, fmt.Errorf("sim: set address: %w", err)
	}
	e.Address = h.m.bus.Peek(regbus.USBAddr)
	if e.Address != DeviceAddress {
		return e, fmt.Errorf("sim: address register %d after SET_ADDRESS: %w", e.Address, pkg.ErrInvalidState)
	}

	buf, err := h.Control(device.GetDescriptorSetup(device.DescriptorTypeDevice, 0, device.DeviceDescriptorSize), nil)
	if err != nil {
		return e, fmt.Errorf("sim: device descriptor: %w", err)
	}
	if err := device.ParseDeviceDescriptor(buf, &e.Device); err != nil {
		return e, err
	}

	buf, err = h.Control(device.GetDescriptorSetup(device.DescriptorTypeConfiguration, 0, device.ConfigurationDescriptorSize), nil)
	if err != nil {
		return e, fmt.Errorf("sim: configuration descriptor: %w", err)
	}
	if len(buf) < device.ConfigurationDescriptorSize {
		return e, fmt.Errorf("sim: short configuration descriptor: %w", pkg.ErrInvalidRequest)
	}
	total := binary.LittleEndian.Uint16(buf[2:4])
	if buf, err = h.Control(device.GetDescriptorSetup(device.DescriptorTypeConfiguration, 0, total), nil); err != nil {
		return e, fmt.Errorf("sim: configuration tree: %w", err)
	}
	if err := h.parseConfiguration(buf, &e); err != nil {
		return e, err
	}

	if e.Device.USBVersion >= 0x0210 {
		hdr, err := h.Control(device.GetDescriptorSetup(device.DescriptorTypeBOS, 0, device.BOSDescriptorSize), nil)
		if err == nil && len(hdr) >= 4 {
			full, err := h.Control(device.GetDescriptorSetup(device.DescriptorTypeBOS, 0, binary.LittleEndian.Uint16(hdr[2:4])), nil)
			if err == nil {
				var bos device.BOSDescriptor
				if device.ParseBOSDescriptor(full, &bos) == nil {
					e.BOS = &bos
				}
			}
		}
	}

	e.Manufacturer = h.stringDescriptor(e.Device.ManufacturerIndex)
	e.Product = h.stringDescriptor(e.Device.ProductIndex)
	e.Serial = h.stringDescriptor(e.Device.SerialNumberIndex)

	if _, err := h.Control(device.SetConfigurationSetup(e.Config.ConfigurationValue), nil); err != nil {
		return e, fmt.Errorf("sim: set configuration: %w", err)
	}

	lun, err := h.Control(device.GetMaxLUNSetup(e.Interface.InterfaceNumber), nil)
	if err == nil && len(lun) == 1 {
		e.MaxLUN = lun[0]
	}

	h.enum = e
	pkg.LogInfo(pkg.ComponentSim, "device enumerated",
		"address", e.Address,
		"vendorID", e.Device.VendorID,
		"productID", e.Device.ProductID,
		"product", e.Product)
	return e, nil
}

func (h *Host) parseConfiguration(buf []byte, e *Enumeration) error {
	if err := device.ParseConfigurationDescriptor(buf, &e.Config); err != nil {
		return err
	}
	for off := int(buf[0]); off+2 <= len(buf); {
		n := int(buf[off])
		if n == 0 || off+n > len(buf) {
			break
		}
		switch buf[off+1] {
		case device.DescriptorTypeInterface:
			if err := device.ParseInterfaceDescriptor(buf[off:off+n], &e.Interface); err != nil {
				return err
			}
		case device.DescriptorTypeEndpoint:
			var ep device.EndpointDescriptor
			if err := device.ParseEndpointDescriptor(buf[off:off+n], &ep); err != nil {
				return err
			}
			e.Endpoints = append(e.Endpoints, ep)
		}
		off += n
	}
	if e.Interface.InterfaceClass != device.ClassMassStorage ||
		e.Interface.InterfaceProtocol != device.ProtocolBulkOnly {
		return fmt.Errorf("sim: interface class 0x%02X protocol 0x%02X: %w",
			e.Interface.InterfaceClass, e.Interface.InterfaceProtocol, pkg.ErrNotSupported)
	}
	return nil
}

func (h *Host) stringDescriptor(index uint8) string {
	if index == 0 {
		return ""
	}
	buf, err := h.Control(device.GetDescriptorSetup(device.DescriptorTypeString, index, 255), nil)
	if err != nil || len(buf) < 2 {
		return ""
	}
	n := min(int(buf[0]), len(buf))
	units := make([]uint16, 0, n/2)
	for i := 2; i+1 < n; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(buf[i:]))
	}
	return string(utf16.Decode(units))
}

// ClearHalt clears ENDPOINT_HALT on the endpoint at address.
func (h *Host) ClearHalt(address uint8) error {
	_, err := h.Control(device.ClearFeatureSetup(device.RequestRecipientEndpoint, device.FeatureEndpointHalt, uint16(address)), nil)
	return err
}

// ResetRecovery runs the Bulk-Only reset recovery: Mass Storage Reset,
// then CLEAR_FEATURE(ENDPOINT_HALT) on both bulk pipes.
func (h *Host) ResetRecovery() error {
	h.m.flushBulk()
	if _, err := h.Control(device.BulkOnlyResetSetup(h.enum.Interface.InterfaceNumber), nil); err != nil {
		return fmt.Errorf("sim: bulk-only reset: %w", err)
	}
	if err := h.ClearHalt(device.BulkInAddress); err != nil {
		return fmt.Errorf("sim: clear halt IN: %w", err)
	}
	if err := h.ClearHalt(device.BulkOutAddress); err != nil {
		return fmt.Errorf("sim: clear halt OUT: %w", err)
	}
	return nil
}

// Stalled reports whether either bulk pipe is halted.
func (h *Host) Stalled() bool {
	return h.m.bus.Peek(regbus.EPStall)&(regbus.EPBulkIn|regbus.EPBulkOut) != 0
}

// NextTag returns the tag the next command will carry.
func (h *Host) NextTag() uint32 { return h.tag + 1 }

// Exchange sends a raw CBW and its OUT data, then collects bulk-IN data
// and the CSW. A halted pipe without a CSW returns [pkg.ErrStall].
func (h *Host) Exchange(cbw []byte, out []byte) ([]byte, msc.CommandStatusWrapper, error) {
	var csw msc.CommandStatusWrapper
	if err := h.Run(func() bool { return h.m.bus.Peek(regbus.CBWLen) == 0 }); err != nil {
		return nil, csw, fmt.Errorf("sim: previous command not taken: %w", err)
	}
	h.m.takeIn()

	h.m.bus.PokeBlock(regbus.CBWBuf, cbw)
	h.m.bus.Poke(regbus.CBWLen, uint8(len(cbw)))
	if len(out) > 0 {
		h.m.pushOut(out)
	} else {
		h.m.bus.SetBits(regbus.EPEvent, regbus.EPBulkOut)
		h.m.raise(kernel.IRQUSB)
	}

	var (
		raw []byte
		got bool
	)
	err := h.Run(func() bool {
		if raw, got = h.m.takeCSW(); got {
			return true
		}
		return h.Stalled()
	})
	if err != nil {
		return h.m.takeIn(), csw, err
	}
	if !got {
		return h.m.takeIn(), csw, pkg.ErrStall
	}
	// Let the firmware see the CSW go out before the next command.
	if err := h.Run(func() bool { return h.m.bus.Peek(regbus.EPEvent)&regbus.EPBulkIn == 0 }); err != nil {
		return nil, csw, err
	}
	in := h.m.takeIn()
	if !msc.ParseCSW(raw, &csw) {
		return in, csw, fmt.Errorf("sim: malformed CSW % X: %w", raw, pkg.ErrPhase)
	}
	return in, csw, nil
}

// Command runs one command through the BOT pipeline. A failed CSW is
// followed by REQUEST SENSE and returned as a [*CheckCondition]; a phase
// error runs reset recovery first.
func (h *Host) Command(dir msc.Direction, length uint32, cdb []byte, out []byte) ([]byte, error) {
	h.tag++
	tag := h.tag
	cbw := msc.NewCBW(tag, dir, length, cdb)
	var raw [msc.CBWSize]byte
	cbw.MarshalTo(raw[:])

	in, csw, err := h.Exchange(raw[:], out)
	if err != nil {
		if errors.Is(err, pkg.ErrStall) {
			if rerr := h.ResetRecovery(); rerr != nil {
				return in, rerr
			}
		}
		return in, err
	}
	if csw.Tag != tag {
		return in, fmt.Errorf("sim: CSW tag 0x%08X, want 0x%08X: %w", csw.Tag, tag, pkg.ErrPhase)
	}
	if want := length - uint32(len(in)); dir == msc.DirIn && csw.Status == msc.CSWStatusGood && csw.DataResidue != want {
		return in, fmt.Errorf("sim: residue %d, want %d: %w", csw.DataResidue, want, pkg.ErrPhase)
	}

	switch csw.Status {
	case msc.CSWStatusGood:
		return in, nil
	case msc.CSWStatusPhaseError:
		if err := h.ResetRecovery(); err != nil {
			return in, err
		}
	}
	cc := &CheckCondition{Opcode: cdb[0], Status: csw.Status}
	if cdb[0] != msc.SCSIRequestSense {
		if s, err := h.RequestSense(); err == nil {
			cc.Sense = s
		}
	}
	return in, cc
}

// Raw runs a command and returns the CSW without interpreting it.
func (h *Host) Raw(dir msc.Direction, length uint32, cdb []byte, out []byte) ([]byte, msc.CommandStatusWrapper, error) {
	h.tag++
	cbw := msc.NewCBW(h.tag, dir, length, cdb)
	var raw [msc.CBWSize]byte
	cbw.MarshalTo(raw[:])
	return h.Exchange(raw[:], out)
}

// RequestSense returns the pending sense data.
func (h *Host) RequestSense() (msc.Sense, error) {
	in, err := h.Command(msc.DirIn, msc.SenseSize, []byte{msc.SCSIRequestSense, 0, 0, 0, msc.SenseSize, 0}, nil)
	if err != nil {
		return msc.Sense{}, err
	}
	return ParseSense(in)
}

// ParseSense decodes fixed-format sense data.
func ParseSense(data []byte) (msc.Sense, error) {
	if len(data) < 14 || data[0]&0x7F != 0x70 {
		return msc.Sense{}, fmt.Errorf("sim: sense data % X: %w", data, pkg.ErrInvalidParameter)
	}
	return msc.Sense{
		Key:         data[2] & 0x0F,
		ASC:         data[12],
		ASCQ:        data[13],
		Information: binary.BigEndian.Uint32(data[3:7]),
		Valid:       data[0]&0x80 != 0,
	}, nil
}

// Inquiry returns the standard INQUIRY data.
func (h *Host) Inquiry() ([]byte, error) {
	return h.Command(msc.DirIn, msc.InquiryStandardSize, []byte{msc.SCSIInquiry, 0, 0, 0, msc.InquiryStandardSize, 0}, nil)
}

// TestUnitReady reports whether the unit is ready.
func (h *Host) TestUnitReady() error {
	_, err := h.Command(msc.DirNone, 0, make([]byte, 6), nil)
	return err
}

// ReadCapacity returns the block count and block size.
func (h *Host) ReadCapacity() (uint64, uint32, error) {
	in, err := h.Command(msc.DirIn, msc.ReadCapacity10Size, []byte{msc.SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, nil)
	if err != nil {
		return 0, 0, err
	}
	if len(in) < msc.ReadCapacity10Size {
		return 0, 0, fmt.Errorf("sim: read capacity length %d: %w", len(in), pkg.ErrBufferTooSmall)
	}
	last := binary.BigEndian.Uint32(in[0:4])
	return uint64(last) + 1, binary.BigEndian.Uint32(in[4:8]), nil
}

// Read10 builds a READ(10) CDB.
func Read10(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = msc.SCSIRead10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// Write10 builds a WRITE(10) CDB.
func Write10(lba uint32, blocks uint16) []byte {
	cdb := Read10(lba, blocks)
	cdb[0] = msc.SCSIWrite10
	return cdb
}

// Read reads blocks of blockSize bytes starting at lba.
func (h *Host) Read(lba uint32, blocks uint16, blockSize uint32) ([]byte, error) {
	return h.Command(msc.DirIn, uint32(blocks)*blockSize, Read10(lba, blocks), nil)
}

// Write writes data, a whole number of blocks of blockSize bytes, at lba.
func (h *Host) Write(lba uint32, data []byte, blockSize uint32) error {
	if len(data) == 0 || uint32(len(data))%blockSize != 0 {
		return pkg.ErrInvalidParameter
	}
	_, err := h.Command(msc.DirOut, uint32(len(data)), Write10(lba, uint16(uint32(len(data))/blockSize)), data)
	return err
}

// SynchronizeCache flushes the device write cache.
func (h *Host) SynchronizeCache() error {
	_, err := h.Command(msc.DirNone, 0, []byte{msc.SCSISynchronizeCache10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, nil)
	return err
}

// xdataCDB encodes the 24-bit register address at cdb[2:5].
func xdataCDB(op, arg uint8, addr uint16) []byte {
	return []byte{op, arg, 0, uint8(addr >> 8), uint8(addr), 0}
}

// ReadXDATA reads n registers starting at addr with the vendor command.
func (h *Host) ReadXDATA(addr uint16, n int) ([]byte, error) {
	if n <= 0 || n > msc.VendorMaxXDATA {
		return nil, pkg.ErrInvalidParameter
	}
	return h.Command(msc.DirIn, uint32(n), xdataCDB(msc.VendorReadXDATA, uint8(n), addr), nil)
}

// WriteXDATA writes one register with the vendor command.
func (h *Host) WriteXDATA(addr uint16, v uint8) error {
	_, err := h.Command(msc.DirNone, 0, xdataCDB(msc.VendorWriteXDATA, v, addr), nil)
	return err
}

// WriteFirmware streams image into the part named by selector in chunks
// of at most chunk bytes.
func (h *Host) WriteFirmware(selector uint8, image []byte, chunk int) error {
	if chunk <= 0 {
		chunk = regbus.StagingSize
	}
	for off := 0; off < len(image); off += chunk {
		end := min(off+chunk, len(image))
		cdb := make([]byte, 10)
		cdb[0] = msc.VendorWriteFirmware
		cdb[1] = selector
		binary.BigEndian.PutUint32(cdb[4:8], uint32(end-off))
		if _, err := h.Command(msc.DirOut, uint32(end-off), cdb, image[off:end]); err != nil {
			return fmt.Errorf("sim: firmware chunk at %d: %w", off, err)
		}
	}
	return nil
}

// VendorReset sends the vendor reset subop.
func (h *Host) VendorReset(subop uint8) error {
	_, err := h.Command(msc.DirNone, 0, []byte{msc.VendorReset, subop, 0, 0, 0, 0}, nil)
	return err
}

// Commit seals the streamed firmware; the device resets after the CSW.
func (h *Host) Commit() error { return h.VendorReset(msc.ResetCommit) }

// ReadConfig reads vendor config block n.
func (h *Host) ReadConfig(n uint8) ([]byte, error) {
	return h.Command(msc.DirIn, msc.ConfigBlockSize, []byte{msc.VendorReadConfig, msc.VendorConfigMagic, n, 0, 0, 0}, nil)
}

// WriteConfig replaces vendor config block n.
func (h *Host) WriteConfig(n uint8, block []byte) error {
	_, err := h.Command(msc.DirOut, uint32(len(block)), []byte{msc.VendorWriteConfig, msc.VendorConfigMagic, n, 0, 0, 0}, block)
	return err
}

// FaultLog reads the firmware fault ring.
func (h *Host) FaultLog(max int) ([]byte, error) {
	return h.Command(msc.DirIn, uint32(max), []byte{msc.VendorFaultLog, 0, 0, 0, 0, 0}, nil)
}

// NVMeAdmin runs an admin passthrough of n bytes.
func (h *Host) NVMeAdmin(opcode, cns uint8, nsid uint32, n uint16) ([]byte, error) {
	cdb := make([]byte, 10)
	cdb[0] = msc.VendorNVMeAdmin
	cdb[1] = opcode
	cdb[2] = cns
	binary.BigEndian.PutUint32(cdb[4:8], nsid)
	binary.BigEndian.PutUint16(cdb[8:10], n)
	return h.Command(msc.DirIn, uint32(n), cdb, nil)
}
