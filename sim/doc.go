// Package sim models the hardware around the bridge firmware so it can run
// on a development machine.
//
// A [Model] owns a [regbus.Memory] and attaches write hooks that behave the
// way the ASIC does: PHY and tunnel training, the command engine DMA
// between the staging buffer and the bulk FIFOs, CSW transmission, UART and
// CPU reset. Behind the tunnel sits a [Controller], an NVMe controller with
// admin and I/O queues that executes commands against a [Media].
//
// A [Host] drives the USB side. It enumerates the device over the control
// pipe and runs Bulk-Only Transport commands through the CBW and CSW
// registers, stepping the firmware loop while it waits:
//
//	m := sim.NewModel(sim.DefaultConfig())
//	fw := bridge.New(...)
//	h := sim.NewHost(m, fw)
//	if _, err := h.Enumerate(); err != nil {
//		...
//	}
//	data, err := h.Read(0, 8, 512)
//
// [Runner] executes the same operations from a line oriented script.
package sim
