package device

import (
	"fmt"

	"github.com/ardnew/softbridge/regbus"
)

// Table sizes. The bridge exposes one BOT interface with a bulk pair; the
// headroom covers the test builders.
const (
	MaxEndpointsPerInterface      = 4
	MaxInterfacesPerConfiguration = 2
	MaxStrings                    = 8 // string descriptor indexes, 0 is LANGID
)

// Speed is the bus speed the host connected at.
type Speed uint8

// Bridge link speeds. USB 2.0 full speed is not supported by the PHY.
const (
	SpeedHigh  Speed = 2 // 480 Mb/s
	SpeedSuper Speed = 3 // 5 Gb/s and above
)

// SpeedFromStatus decodes the USB status register.
func SpeedFromStatus(status uint8) Speed {
	if status&regbus.USBStatusSuperSpeed != 0 {
		return SpeedSuper
	}
	return SpeedHigh
}

func (s Speed) String() string {
	switch s {
	case SpeedHigh:
		return "high-speed"
	case SpeedSuper:
		return "superspeed"
	default:
		return fmt.Sprintf("Speed(%d)", uint8(s))
	}
}

// State is the USB 2.0 chapter 9 device state.
type State uint8

// Device states.
const (
	StateAttached State = iota
	StatePowered
	StateDefault // reset, address 0
	StateAddress
	StateConfigured
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StatePowered:
		return "powered"
	case StateDefault:
		return "default"
	case StateAddress:
		return "address"
	case StateConfigured:
		return "configured"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
