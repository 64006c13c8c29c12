// Package flash owns the bridge's SPI flash: vendor config blocks, the two
// firmware parts and the boot record that decides which image runs.
//
// Layout of the default 1 MiB part:
//
//	0x00000  config block 0 (128 B, CRC-8 in the last byte)
//	0x00080  config block 1 / firmware part 1
//	0x10000  firmware part 2
//	0xFF000  boot record sector
//
// The low-level SPI driver is a collaborator behind [Driver]; [Memory] is
// the NOR model used by tests and the simulator.
package flash
