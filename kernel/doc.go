// Package kernel implements the cooperative event loop of the bridge
// firmware.
//
// Interrupt sources never run handlers. They call [Kernel.Raise], which
// appends to a FIFO, and the main loop drains it with [Kernel.Step].
// Handlers run to completion; the only way to wait is [Waiter.Until], whose
// timeout is clamped to a global maximum so that no path through the loop
// blocks for longer than that without returning.
//
// Endpoint events are resolved with a 256-entry lowest-set-bit table
// ([LowestBit]). Events without a registered handler are logged, counted
// and cleared.
package kernel
