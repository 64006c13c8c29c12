// Package device implements the USB device core of the bridge.
//
// The core talks to the USB controller only through [regbus.Bus]. It reads
// the latched SETUP packet, answers standard requests from the descriptor
// tree, forwards class requests to the interface's [ClassDriver], and
// advances each control transfer by writing one acknowledgement per phase.
//
// # Architecture
//
//   - [Device] holds descriptors, the USB 2.0 device state and endpoint halts
//   - [Core] maps control phases, bus events and stalls onto registers
//   - [StandardRequestHandler] answers chapter 9 requests
//   - [Interface] groups endpoints and owns the class driver
//
// # Device States
//
//	Attached → Powered → Default → Address → Configured → Suspended
//
// SET_ADDRESS is latched during the setup phase and applied in the status
// phase, at which point [Core] publishes enumeration.
//
// # Descriptors
//
// Descriptors serialize with MarshalTo(buf) and parse with output
// parameters. [NewMassStorageDevice] builds the Bulk-Only mass storage
// personality, including a BOS descriptor with the USB 2.0 extension and
// SuperSpeed capabilities.
package device
