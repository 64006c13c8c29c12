package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/softbridge/pkg"
)

// Endpoint transfer types, bmAttributes bits 1:0.
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// EndpointDirectionIn is the direction bit of an endpoint address.
const EndpointDirectionIn = 0x80

// NoSlot marks an endpoint without a bit in the endpoint event and stall
// registers.
const NoSlot = -1

// Endpoint is a non-control endpoint. Slot is its bit in the endpoint event
// and stall registers: regbus.SlotBulkIn and regbus.SlotBulkOut for the BOT
// pipes. Data toggles are kept by the PHY and reset when a stall clears.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
	Slot          int

	mu      sync.Mutex
	stalled bool
}

// Number returns the endpoint number without the direction bit.
func (e *Endpoint) Number() uint8 { return e.Address & 0x0F }

// SetStall sets or clears the halt feature.
func (e *Endpoint) SetStall(stalled bool) {
	e.mu.Lock()
	e.stalled = stalled
	e.mu.Unlock()
	pkg.LogDebug(pkg.ComponentUSB, "endpoint halt",
		"address", fmt.Sprintf("0x%02X", e.Address),
		"slot", e.Slot,
		"stalled", stalled)
}

// IsStalled reports the halt feature.
func (e *Endpoint) IsStalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stalled
}

// Descriptor returns the endpoint descriptor.
func (e *Endpoint) Descriptor() *EndpointDescriptor {
	return &EndpointDescriptor{
		Length:          EndpointDescriptorSize,
		DescriptorType:  DescriptorTypeEndpoint,
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}

func transferTypeName(attr uint8) string {
	switch attr & 0x03 {
	case EndpointTypeControl:
		return "control"
	case EndpointTypeIsochronous:
		return "isochronous"
	case EndpointTypeBulk:
		return "bulk"
	default:
		return "interrupt"
	}
}
