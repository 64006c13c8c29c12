package link

import "fmt"

// State is a link/power state.
type State uint8

// Link states.
const (
	Off State = iota
	PHYInit
	LinkTrain
	TunnelCfg
	Ready
	Suspend
	Resume
	Fault
	Recovery

	numStates
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Off:
		return "OFF"
	case PHYInit:
		return "PHY_INIT"
	case LinkTrain:
		return "LINK_TRAIN"
	case TunnelCfg:
		return "TUNNEL_CFG"
	case Ready:
		return "READY"
	case Suspend:
		return "SUSPEND"
	case Resume:
		return "RESUME"
	case Fault:
		return "FAULT"
	case Recovery:
		return "RECOVERY"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Event is an input to the link state machine.
type Event uint8

// Link events.
const (
	PowerOn Event = iota
	HostSuspend
	HostResume
	BusReset
	Enumerated
	LinkDown
	LinkUp
	HWError
	ResetRequest
	Reenumerate
	Timeout

	numEvents
)

// String returns a human-readable event name.
func (e Event) String() string {
	switch e {
	case PowerOn:
		return "PowerOn"
	case HostSuspend:
		return "HostSuspend"
	case HostResume:
		return "HostResume"
	case BusReset:
		return "BusReset"
	case Enumerated:
		return "Enumerated"
	case LinkDown:
		return "LinkDown"
	case LinkUp:
		return "LinkUp"
	case HWError:
		return "HWError"
	case ResetRequest:
		return "ResetRequest"
	case Reenumerate:
		return "Reenumerate"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// States lists every link state.
func States() []State {
	s := make([]State, numStates)
	for i := range s {
		s[i] = State(i)
	}
	return s
}

// Events lists every link event.
func Events() []Event {
	e := make([]Event, numEvents)
	for i := range e {
		e[i] = Event(i)
	}
	return e
}

// Code is a fault code recorded in the fault ring.
type Code uint8

// Fault codes.
const (
	CodeNone Code = iota
	CodePHYTimeout
	CodeTunnelTimeout
	CodeLinkDown
	CodeHWError
	CodeUnexpectedEvent
	CodeRecoveryTimeout
	CodeTimeout
	CodeDMATimeout
	CodeNVMeTimeout
)

// String returns a human-readable fault code name.
func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodePHYTimeout:
		return "phy-timeout"
	case CodeTunnelTimeout:
		return "tunnel-timeout"
	case CodeLinkDown:
		return "link-down"
	case CodeHWError:
		return "hw-error"
	case CodeUnexpectedEvent:
		return "unexpected-event"
	case CodeRecoveryTimeout:
		return "recovery-timeout"
	case CodeTimeout:
		return "timeout"
	case CodeDMATimeout:
		return "dma-timeout"
	case CodeNVMeTimeout:
		return "nvme-timeout"
	default:
		return fmt.Sprintf("code-%d", uint8(c))
	}
}
