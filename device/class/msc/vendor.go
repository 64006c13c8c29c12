package msc

import (
	"encoding/binary"

	"github.com/ardnew/softbridge/link"
	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// Vendor command limits.
const (
	ConfigBlockSize    = 128
	VendorMaxAdminData = 4096
	XDATALimit         = 0xFFFF
)

func (p *Processor) lookupVendor(opcode uint8) (operation, bool) {
	switch opcode {
	case VendorReadConfig:
		return operation{name: "VENDOR READ CONFIG", dir: DirIn, plan: planReadConfig, run: (*Processor).readConfig}, true
	case VendorWriteConfig:
		return operation{name: "VENDOR WRITE CONFIG", dir: DirOut, plan: planWriteConfig, run: (*Processor).writeConfig}, true
	case VendorReadFlash:
		return operation{name: "VENDOR READ FLASH", dir: DirIn, plan: planReadFlash, run: (*Processor).readFlash}, true
	case VendorWriteFirmware:
		return operation{name: "VENDOR WRITE FIRMWARE", dir: DirOut, plan: planWriteFirmware, run: (*Processor).writeFirmware}, true
	case VendorReadXDATA:
		return operation{name: "VENDOR READ XDATA", dir: DirIn, plan: planReadXDATA, run: (*Processor).readXDATA}, true
	case VendorWriteXDATA:
		return operation{name: "VENDOR WRITE XDATA", plan: planWriteXDATA, run: (*Processor).writeXDATA}, true
	case VendorNVMeAdmin:
		return operation{name: "VENDOR NVME ADMIN", dir: DirIn, plan: planAdmin, run: (*Processor).admin}, true
	case VendorFaultLog:
		return operation{name: "VENDOR FAULT LOG", dir: DirIn, clip: true, plan: planFaultLog, run: (*Processor).faultLog}, true
	case VendorReset:
		return operation{name: "VENDOR RESET", plan: planReset, run: (*Processor).vendorReset}, true
	}
	return operation{}, false
}

// xdataAddress decodes the 24-bit big-endian register address at cdb[2:5].
func xdataAddress(c *command) (uint16, error) {
	if err := need(c, 5); err != nil {
		return 0, err
	}
	addr := uint32(c.cbw.CB[2])<<16 | uint32(c.cbw.CB[3])<<8 | uint32(c.cbw.CB[4])
	if addr > XDATALimit {
		return 0, SenseInvalidField
	}
	return uint16(addr), nil
}

func configBlock(p *Processor, c *command) (int, error) {
	if p.firmware == nil {
		return 0, SenseInvalidOpcode
	}
	if err := need(c, 3); err != nil {
		return 0, err
	}
	if c.cbw.CB[1] != VendorConfigMagic || c.cbw.CB[2] > 1 {
		return 0, SenseInvalidField
	}
	return int(c.cbw.CB[2]), nil
}

func planReadConfig(p *Processor, c *command) (int, error) {
	if _, err := configBlock(p, c); err != nil {
		return 0, err
	}
	return ConfigBlockSize, nil
}

func (p *Processor) readConfig(c *command) {
	block, _ := configBlock(p, c)
	data, err := p.firmware.ReadConfig(block)
	if err != nil {
		p.fail(senseOf(err))
		return
	}
	p.reply(data)
}

func planWriteConfig(p *Processor, c *command) (int, error) {
	return planReadConfig(p, c)
}

func (p *Processor) writeConfig(c *command) {
	block, _ := configBlock(p, c)
	p.expectData(func(data []byte) error {
		pkg.LogInfo(pkg.ComponentBOT, "config block write", "block", block)
		return p.firmware.WriteConfig(block, data)
	})
}

func planReadFlash(p *Processor, c *command) (int, error) {
	if p.firmware == nil {
		return 0, SenseInvalidOpcode
	}
	if err := need(c, 5); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(c.cbw.CB[1:5])
	if n == 0 || n > uint32(p.mover.StagingSize()) {
		return 0, SenseInvalidField
	}
	return int(n), nil
}

func (p *Processor) readFlash(c *command) {
	buf := make([]byte, c.length)
	if _, err := p.firmware.ReadAt(buf, 0); err != nil {
		p.fail(senseOf(err))
		return
	}
	p.reply(buf)
}

func planWriteFirmware(p *Processor, c *command) (int, error) {
	if p.firmware == nil {
		return 0, SenseInvalidOpcode
	}
	if err := need(c, 8); err != nil {
		return 0, err
	}
	switch c.cbw.CB[1] {
	case FirmwarePart1, FirmwarePart2:
	default:
		return 0, SenseInvalidField
	}
	n := binary.BigEndian.Uint32(c.cbw.CB[4:8])
	if n == 0 || n > uint32(p.mover.StagingSize()) {
		return 0, SenseInvalidField
	}
	return int(n), nil
}

func (p *Processor) writeFirmware(c *command) {
	selector := c.cbw.CB[1]
	p.expectData(func(data []byte) error {
		return p.firmware.WriteImage(selector, data)
	})
}

func planReadXDATA(p *Processor, c *command) (int, error) {
	if _, err := xdataAddress(c); err != nil {
		return 0, err
	}
	size := int(c.cbw.CB[1])
	if size == 0 || size > VendorMaxXDATA {
		return 0, SenseInvalidField
	}
	return size, nil
}

func (p *Processor) readXDATA(c *command) {
	addr, _ := xdataAddress(c)
	buf := make([]byte, c.length)
	regbus.ReadBlock(p.bus, addr, buf)
	p.reply(buf)
}

func planWriteXDATA(p *Processor, c *command) (int, error) {
	_, err := xdataAddress(c)
	return 0, err
}

// writeXDATA stores one register. Writes to read-only registers are
// dropped by the bus.
func (p *Processor) writeXDATA(c *command) {
	addr, _ := xdataAddress(c)
	p.bus.Write(addr, c.cbw.CB[1])
	pkg.LogDebug(pkg.ComponentBOT, "xdata write", "addr", addr, "value", c.cbw.CB[1])
	p.pass()
}

// adminCommand builds the NVMe admin command of a passthrough CDB.
func (p *Processor) adminCommand(c *command) (nvme.Command, int, error) {
	if err := need(c, 10); err != nil {
		return nvme.Command{}, 0, err
	}
	cb := c.cbw.CB[:]
	nsid := binary.BigEndian.Uint32(cb[4:8])
	n := int(binary.BigEndian.Uint16(cb[8:10]))
	if n == 0 || n > VendorMaxAdminData || n > p.mover.StagingSize() {
		return nvme.Command{}, 0, SenseInvalidField
	}
	switch cb[1] {
	case nvme.OpIdentify:
		return nvme.IdentifyCommand(cb[2], nsid, p.mover.PRP()), n, nil
	case nvme.OpGetLogPage:
		return nvme.GetLogPageCommand(cb[2], nsid, n, p.mover.PRP()), n, nil
	}
	return nvme.Command{}, 0, SenseInvalidField
}

func planAdmin(p *Processor, c *command) (int, error) {
	_, n, err := p.adminCommand(c)
	return n, err
}

func (p *Processor) admin(c *command) {
	cmd, _, _ := p.adminCommand(c)
	cid, err := p.ctl.Submit(nvme.AdminQueue, cmd, p.owner(), p.completion(func(cpl nvme.Completion) {
		if st := cpl.Status(); !st.Success() {
			p.fail(SenseFromStatus(st, 0))
			return
		}
		p.reply(p.mover.ReadStaging(0, c.length))
	}))
	p.submitted(cid, err)
}

func planFaultLog(p *Processor, c *command) (int, error) {
	if p.faults == nil {
		return 0, SenseInvalidOpcode
	}
	return len(p.faults.Records()) * link.RecordSize, nil
}

// faultLog returns the fault ring, oldest record first.
func (p *Processor) faultLog(c *command) {
	records := p.faults.Records()
	buf := make([]byte, len(records)*link.RecordSize)
	for i := range records {
		records[i].MarshalTo(buf[i*link.RecordSize:])
	}
	p.reply(buf)
}

func planReset(p *Processor, c *command) (int, error) {
	if err := need(c, 2); err != nil {
		return 0, err
	}
	switch c.cbw.CB[1] {
	case ResetCPU, ResetReenumerate:
	case ResetCommit:
		if p.firmware == nil {
			return 0, SenseInvalidOpcode
		}
	default:
		return 0, SenseInvalidField
	}
	return 0, nil
}

// vendorReset acknowledges the command, then resets once the host has
// taken the CSW.
func (p *Processor) vendorReset(c *command) {
	switch c.cbw.CB[1] {
	case ResetCPU:
		c.after = p.resetCPU
	case ResetReenumerate:
		c.after = func() {
			pkg.LogInfo(pkg.ComponentBOT, "re-enumerate requested")
			if p.hooks.Reenumerate != nil {
				p.hooks.Reenumerate()
			}
		}
	case ResetCommit:
		if err := p.firmware.Commit(); err != nil {
			pkg.LogWarn(pkg.ComponentBOT, "firmware commit failed", "error", err)
			p.fail(senseOf(err))
			return
		}
		c.after = p.resetCPU
	}
	p.pass()
}

func (p *Processor) resetCPU() {
	pkg.LogInfo(pkg.ComponentBOT, "CPU reset requested")
	p.bus.Write(regbus.CPUReset, regbus.CPUResetMagic)
}
