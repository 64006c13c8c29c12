// Package bridge assembles the ASM2464PD firmware from its parts and runs
// its main loop.
//
// [New] takes the [Hardware] (register bus, SPI flash, clock) and a
// [Config]. [Firmware.PowerOn] checks the boot record, reads the USB
// identity from config block 0 and starts the link state machine. From
// then on every [Firmware.Step] runs one pass of the event kernel: USB
// control and bulk events go to the device core and the BOT processor,
// system events to the link machine and the NVMe engine, and the periodic
// tick drives link timeouts and NVMe liveness.
//
// When the link reaches READY the NVMe controller is brought up. A link
// fault aborts the BOT command in flight with HARDWARE ERROR and fails
// every outstanding NVMe command; recovery is automatic. A CPU reset
// written by a vendor command rebuilds the whole firmware on the next step.
//
// Interrupts come in through [Firmware.Raise], which is safe to call from
// hardware callbacks while a step runs.
package bridge
