// Package msc implements the Bulk-Only Transport mass storage function of
// the bridge: the command processor that takes Command Block Wrappers from
// the bulk-OUT pipe, translates SCSI commands into NVMe commands and DMA
// transfers, and returns Command Status Wrappers on bulk-IN.
//
// # Bulk-Only Transport
//
// Each command runs through three phases:
//
//  1. Command: the controller latches the 31-byte CBW in CBWBuf and reports
//     its length in CBWLen.
//  2. Data: optional, moved through the staging buffer by the DMA engine.
//  3. Status: the processor writes the 13-byte CSW to CSWBuf and rings
//     CSWCtrl.
//
// The processor keeps a single command context. A bulk-OUT event that
// arrives while a command is executing is left pending in EPEvent until
// the CSW has been taken by the host.
//
// Disagreements between the host's expected transfer and the command's
// data phase follow the thirteen cases of the Bulk-Only Transport. Where
// the device would move more data than the host expects, or in the other
// direction, the command ends in PHASE ERROR and both bulk endpoints stay
// halted until a Bulk-Only Mass Storage Reset. Commands that carry an
// allocation length are truncated to the host's buffer instead.
//
// # Commands
//
// Standard commands:
//
//   - TEST UNIT READY, REQUEST SENSE, INQUIRY
//   - MODE SENSE (6) and (10), caching page only
//   - READ FORMAT CAPACITIES, READ CAPACITY (10) and (16), REPORT LUNS
//   - READ and WRITE (10) and (16), SYNCHRONIZE CACHE (10)
//   - PREVENT ALLOW MEDIUM REMOVAL, START STOP UNIT, VERIFY (10)
//
// Vendor commands:
//
//	E0 50 n         read config block n
//	E1 50 n         write config block n
//	E2 len32        read len bytes of flash from offset 0
//	E3 sel _ _ len32  stream a firmware chunk to part 1 (0x50) or 2 (0xD0)
//	E4 n addr24     read n registers
//	E5 v addr24     write one register
//	E6 op id _ nsid32 len16  NVMe admin passthrough (Identify, Get Log Page)
//	E7              read the fault ring
//	E8 sub          00 CPU reset, 01 re-enumerate, 51 commit firmware and reset
//
// Resets requested by E8 take effect after the host has taken the CSW.
//
// # Sense
//
// A failed command leaves sense data that the next REQUEST SENSE returns
// and clears. NVMe completion statuses translate with [SenseFromStatus];
// media errors carry the failing LBA in the information field.
package msc
