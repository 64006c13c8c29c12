// Package regbus models the bridge register space.
//
// The bridge exposes a flat 16-bit address space of 8-bit registers.
// Firmware sees it through the [Bus] interface (Read, Write, RMW). Side
// effects such as write-1-to-clear status bits and doorbells are declared
// in a policy table ([DefaultPolicies]) rather than scattered through the
// handlers.
//
// Two bus modes are provided:
//
//   - [Memory]: an in-process register file for tests and the hardware
//     model. The hardware side installs hooks and updates registers with
//     Poke, SetBits and ClearBits.
//   - [Remote]: a framed byte protocol over a serial port for poking a
//     register server from the host ([Dial], [Serve]).
//
// Named registers and bit masks for every region live in regs.go.
package regbus
