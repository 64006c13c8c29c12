package device

import (
	"encoding/binary"

	"github.com/ardnew/softbridge/pkg"
)

// MaxDescriptorResponseSize is the maximum size for descriptor responses.
const MaxDescriptorResponseSize = 512

// StandardRequestHandler handles standard USB device requests.
type StandardRequestHandler struct {
	device *Device

	// SET_ADDRESS takes effect after the status stage.
	pendingAddress uint8
	addressPending bool

	// The returned slice from HandleSetup references this buffer.
	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler creates a new standard request handler.
func NewStandardRequestHandler(dev *Device) *StandardRequestHandler {
	return &StandardRequestHandler{device: dev}
}

// HandleSetup processes a standard SETUP request. For IN requests the
// response is truncated to wLength.
func (h *StandardRequestHandler) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, pkg.ErrInvalidRequest
	}

	var (
		resp []byte
		err  error
	)
	switch setup.Recipient() {
	case RequestRecipientDevice:
		resp, err = h.handleDeviceRequest(setup, data)
	case RequestRecipientInterface:
		resp, err = h.handleInterfaceRequest(setup)
	case RequestRecipientEndpoint:
		resp, err = h.handleEndpointRequest(setup)
	default:
		err = pkg.ErrInvalidRequest
	}
	if err != nil {
		return nil, err
	}
	if len(resp) > int(setup.Length) {
		resp = resp[:setup.Length]
	}
	return resp, nil
}

// TakePendingAddress returns the address latched by the last SET_ADDRESS
// and clears it.
func (h *StandardRequestHandler) TakePendingAddress() (uint8, bool) {
	addr, ok := h.pendingAddress, h.addressPending
	h.pendingAddress, h.addressPending = 0, false
	return addr, ok
}

func (h *StandardRequestHandler) handleDeviceRequest(setup *SetupPacket, data []byte) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		binary.LittleEndian.PutUint16(h.responseBuf[:2], uint16(h.device.GetStatus()))
		return h.responseBuf[:2], nil
	case RequestClearFeature:
		if setup.Value != FeatureDeviceRemoteWakeup {
			return nil, pkg.ErrInvalidRequest
		}
		h.device.EnableRemoteWakeup(false)
		return nil, nil
	case RequestSetFeature:
		if setup.Value != FeatureDeviceRemoteWakeup {
			return nil, pkg.ErrNotSupported
		}
		h.device.EnableRemoteWakeup(true)
		return nil, nil
	case RequestSetAddress:
		return h.setAddress(setup)
	case RequestGetDescriptor:
		return h.getDescriptor(setup)
	case RequestGetConfiguration:
		if config := h.device.ActiveConfiguration(); config != nil {
			return []byte{config.Value}, nil
		}
		return []byte{0}, nil
	case RequestSetConfiguration:
		return nil, h.device.SetConfiguration(uint8(setup.Value & 0xFF))
	case RequestSetSel:
		if len(data) < 6 {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, nil
	case RequestSetIsochDelay:
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleInterfaceRequest(setup *SetupPacket) ([]byte, error) {
	iface := h.device.GetInterface(setup.InterfaceNumber())
	if iface == nil {
		return nil, pkg.ErrInvalidRequest
	}
	switch setup.Request {
	case RequestGetStatus:
		return []byte{0, 0}, nil
	case RequestGetInterface:
		return []byte{iface.AlternateSetting}, nil
	case RequestSetInterface:
		// Only the default alternate setting exists.
		if setup.Value != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleEndpointRequest(setup *SetupPacket) ([]byte, error) {
	addr := setup.EndpointAddress()
	ep := h.device.GetEndpoint(addr)
	if ep == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	switch setup.Request {
	case RequestGetStatus:
		var status uint16
		if ep.IsStalled() {
			status = 1
		}
		binary.LittleEndian.PutUint16(h.responseBuf[:2], status)
		return h.responseBuf[:2], nil
	case RequestClearFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, h.device.ClearHalt(addr)
	case RequestSetFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, h.device.SetEndpointStall(addr, true)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) setAddress(setup *SetupPacket) ([]byte, error) {
	if setup.Value > 127 {
		return nil, pkg.ErrInvalidRequest
	}
	switch h.device.State() {
	case StateDefault, StateAddress:
	default:
		return nil, pkg.ErrInvalidState
	}
	h.pendingAddress = uint8(setup.Value)
	h.addressPending = true
	return nil, nil
}

func (h *StandardRequestHandler) getDescriptor(setup *SetupPacket) ([]byte, error) {
	descIndex := setup.DescriptorIndex()

	var n int
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		n = h.device.Descriptor.MarshalTo(h.responseBuf[:])

	case DescriptorTypeConfiguration:
		config := h.device.ConfigurationAt(descIndex)
		if config == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = config.MarshalTo(h.responseBuf[:])

	case DescriptorTypeString:
		data := h.device.GetString(descIndex)
		if data == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = copy(h.responseBuf[:], data)

	case DescriptorTypeBOS:
		if h.device.BOS == nil {
			return nil, pkg.ErrNotSupported
		}
		n = h.device.BOS.MarshalTo(h.responseBuf[:])

	case DescriptorTypeDeviceQualifier:
		n = h.getDeviceQualifier()
		if n == 0 {
			return nil, pkg.ErrNotSupported
		}

	default:
		return nil, pkg.ErrInvalidRequest
	}

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	return h.responseBuf[:n], nil
}

// getDeviceQualifier is only answered while operating at high speed.
func (h *StandardRequestHandler) getDeviceQualifier() int {
	if h.device.Speed() != SpeedHigh {
		return 0
	}

	desc := h.device.Descriptor
	h.responseBuf[0] = 10
	h.responseBuf[1] = DescriptorTypeDeviceQualifier
	binary.LittleEndian.PutUint16(h.responseBuf[2:4], desc.USBVersion)
	h.responseBuf[4] = desc.DeviceClass
	h.responseBuf[5] = desc.DeviceSubClass
	h.responseBuf[6] = desc.DeviceProtocol
	h.responseBuf[7] = desc.MaxPacketSize0
	h.responseBuf[8] = desc.NumConfigurations
	h.responseBuf[9] = 0
	return 10
}
