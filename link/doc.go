// Package link implements the PHY, power and link state machine of the
// bridge.
//
// The machine walks OFF, PHY_INIT, LINK_TRAIN, TUNNEL_CFG to READY, moves
// between READY, SUSPEND and RESUME on host power events, and falls into
// FAULT and RECOVERY on timeouts, link loss and hardware errors. Every
// (state, event) pair is either in the transition table or is unexpected,
// which is itself a fault with [CodeUnexpectedEvent].
//
// Polling never blocks: [Machine.Tick] samples the PHY and tunnel status
// registers and compares elapsed time against per-state timeouts. Fault
// records go to a [Ring] that survives recovery.
package link
