package msc

import (
	"encoding/binary"

	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
)

// operation describes one command: the direction and length of its data
// phase, computed by plan from the CDB, and the handler that runs once the
// phase check passes. Commands whose length is an allocation length set
// clip so that a short host buffer truncates instead of failing.
type operation struct {
	name string
	dir  Direction
	clip bool
	plan func(p *Processor, c *command) (int, error)
	run  func(p *Processor, c *command)
}

func (p *Processor) lookup(opcode uint8, cdb []byte) (operation, bool) {
	switch opcode {
	case SCSITestUnitReady:
		return operation{name: "TEST UNIT READY", run: (*Processor).testUnitReady}, true
	case SCSIRequestSense:
		return operation{name: "REQUEST SENSE", dir: DirIn, clip: true, plan: planRequestSense, run: (*Processor).requestSense}, true
	case SCSIInquiry:
		return operation{name: "INQUIRY", dir: DirIn, clip: true, plan: planInquiry, run: (*Processor).inquiryCmd}, true
	case SCSIModeSense6:
		return operation{name: "MODE SENSE(6)", dir: DirIn, clip: true, plan: planModeSense6, run: (*Processor).modeSense}, true
	case SCSIModeSense10:
		return operation{name: "MODE SENSE(10)", dir: DirIn, clip: true, plan: planModeSense10, run: (*Processor).modeSense}, true
	case SCSIStartStopUnit, SCSIPreventAllowRemoval:
		return operation{name: "NOP", run: (*Processor).nop}, true
	case SCSIVerify10:
		return operation{name: "VERIFY(10)", plan: planVerify, run: (*Processor).nop}, true
	case SCSIReadFormatCapacities:
		return operation{name: "READ FORMAT CAPACITIES", dir: DirIn, clip: true, plan: planFormatCapacities, run: (*Processor).formatCapacities}, true
	case SCSIReadCapacity10:
		return operation{name: "READ CAPACITY(10)", dir: DirIn, plan: planReadCapacity10, run: (*Processor).readCapacity10}, true
	case SCSIServiceActionIn16:
		if len(cdb) > 1 && cdb[1]&0x1F == ServiceActionReadCapacity16 {
			return operation{name: "READ CAPACITY(16)", dir: DirIn, clip: true, plan: planReadCapacity16, run: (*Processor).readCapacity16}, true
		}
	case SCSIReportLUNs:
		return operation{name: "REPORT LUNS", dir: DirIn, clip: true, plan: planReportLUNs, run: (*Processor).reportLUNs}, true
	case SCSISynchronizeCache10:
		return operation{name: "SYNCHRONIZE CACHE", run: (*Processor).synchronizeCache}, true
	case SCSIRead10, SCSIRead16:
		return operation{name: "READ", dir: DirIn, plan: planMedia, run: (*Processor).media}, true
	case SCSIWrite10, SCSIWrite16:
		return operation{name: "WRITE", dir: DirOut, plan: planMedia, run: (*Processor).media}, true
	}
	return p.lookupVendor(opcode)
}

// need fails a CDB shorter than n bytes.
func need(c *command, n int) error {
	if int(c.cbw.CBLength) < n {
		return SenseInvalidField
	}
	return nil
}

// ready reports whether the namespace can serve media commands.
func (p *Processor) ready() (nvme.Namespace, bool) {
	if p.hooks.LinkReady != nil && !p.hooks.LinkReady() {
		return nvme.Namespace{}, false
	}
	return p.ctl.Namespace()
}

func (p *Processor) nop(c *command) { p.pass() }

func (p *Processor) testUnitReady(c *command) {
	if _, ok := p.ready(); !ok {
		p.fail(SenseUnitNotReady)
		return
	}
	p.pass()
}

func planRequestSense(p *Processor, c *command) (int, error) {
	if err := need(c, 5); err != nil {
		return 0, err
	}
	return min(int(c.cbw.CB[4]), SenseSize), nil
}

// requestSense reports and clears the pending sense.
func (p *Processor) requestSense(c *command) {
	buf := make([]byte, SenseSize)
	p.sense.MarshalTo(buf)
	p.sense = SenseNone
	p.reply(buf)
}

func planInquiry(p *Processor, c *command) (int, error) {
	if err := need(c, 5); err != nil {
		return 0, err
	}
	if c.cbw.CB[1]&0x01 != 0 || c.cbw.CB[2] != 0 {
		// no vital product data pages
		return 0, SenseInvalidField
	}
	alloc := int(binary.BigEndian.Uint16(c.cbw.CB[3:5]))
	return min(alloc, InquiryStandardSize), nil
}

func (p *Processor) inquiryCmd(c *command) {
	buf := make([]byte, InquiryStandardSize)
	p.inquiry.MarshalTo(buf)
	p.reply(buf)
}

// modePage returns the requested page list or an error for unsupported
// pages.
func modePage(p *Processor, c *command) ([]byte, error) {
	switch c.cbw.CB[2] & 0x3F {
	case ModePageCaching, ModePageAllPages:
		return CachingPage(p.cfg.WriteCache), nil
	}
	return nil, SenseInvalidField
}

func planModeSense6(p *Processor, c *command) (int, error) {
	if err := need(c, 5); err != nil {
		return 0, err
	}
	page, err := modePage(p, c)
	if err != nil {
		return 0, err
	}
	return min(int(c.cbw.CB[4]), 4+len(page)), nil
}

func planModeSense10(p *Processor, c *command) (int, error) {
	if err := need(c, 9); err != nil {
		return 0, err
	}
	page, err := modePage(p, c)
	if err != nil {
		return 0, err
	}
	alloc := int(binary.BigEndian.Uint16(c.cbw.CB[7:9]))
	return min(alloc, 8+len(page)), nil
}

func (p *Processor) modeSense(c *command) {
	page, _ := modePage(p, c)
	var buf []byte
	if c.cbw.CB[0] == SCSIModeSense6 {
		buf = make([]byte, 4, 4+len(page))
		hdr := ModeParameterHeader6{ModeDataLength: uint8(3 + len(page))}
		hdr.MarshalTo(buf)
	} else {
		buf = make([]byte, 8, 8+len(page))
		binary.BigEndian.PutUint16(buf[0:2], uint16(6+len(page)))
	}
	p.reply(append(buf, page...))
}

func planVerify(p *Processor, c *command) (int, error) {
	if _, ok := p.ready(); !ok {
		return 0, SenseUnitNotReady
	}
	return 0, nil
}

func planFormatCapacities(p *Processor, c *command) (int, error) {
	if err := need(c, 9); err != nil {
		return 0, err
	}
	if _, ok := p.ready(); !ok {
		return 0, SenseUnitNotReady
	}
	alloc := int(binary.BigEndian.Uint16(c.cbw.CB[7:9]))
	return min(alloc, FormatCapacitySize), nil
}

func (p *Processor) formatCapacities(c *command) {
	ns, _ := p.ctl.Namespace()
	buf := make([]byte, FormatCapacitySize)
	buf[3] = 8 // capacity list length
	desc := CurrentMaximumCapacityDescriptor{
		BlockCount:  uint32(min(ns.Blocks, 0xFFFFFFFF)),
		DescType:    0x02, // formatted media
		BlockLength: ns.BlockSize,
	}
	desc.MarshalTo(buf[4:])
	p.reply(buf)
}

func planReadCapacity10(p *Processor, c *command) (int, error) {
	if _, ok := p.ready(); !ok {
		return 0, SenseUnitNotReady
	}
	return ReadCapacity10Size, nil
}

func (p *Processor) readCapacity10(c *command) {
	ns, _ := p.ctl.Namespace()
	resp := ReadCapacity10Response{
		LastLBA:     uint32(min(ns.Blocks-1, 0xFFFFFFFF)),
		BlockLength: ns.BlockSize,
	}
	buf := make([]byte, ReadCapacity10Size)
	resp.MarshalTo(buf)
	p.reply(buf)
}

func planReadCapacity16(p *Processor, c *command) (int, error) {
	if err := need(c, 14); err != nil {
		return 0, err
	}
	if _, ok := p.ready(); !ok {
		return 0, SenseUnitNotReady
	}
	alloc := int(binary.BigEndian.Uint32(c.cbw.CB[10:14]))
	return min(alloc, ReadCapacity16Size), nil
}

func (p *Processor) readCapacity16(c *command) {
	ns, _ := p.ctl.Namespace()
	resp := ReadCapacity16Response{LastLBA: ns.Blocks - 1, BlockLength: ns.BlockSize}
	buf := make([]byte, ReadCapacity16Size)
	resp.MarshalTo(buf)
	p.reply(buf)
}

func planReportLUNs(p *Processor, c *command) (int, error) {
	if err := need(c, 10); err != nil {
		return 0, err
	}
	alloc := int(binary.BigEndian.Uint32(c.cbw.CB[6:10]))
	return min(alloc, ReportLUNsSize), nil
}

func (p *Processor) reportLUNs(c *command) {
	p.reply(ReportLUNs())
}

func (p *Processor) synchronizeCache(c *command) {
	if _, ok := p.ready(); !ok {
		p.fail(SenseUnitNotReady)
		return
	}
	cid, err := p.ctl.Flush(p.owner(), p.completion(func(cpl nvme.Completion) {
		if st := cpl.Status(); !st.Success() {
			p.fail(SenseFromStatus(st, 0))
			return
		}
		p.pass()
	}))
	p.submitted(cid, err)
}

// mediaRange decodes the LBA and block count of READ/WRITE (10) and (16).
func mediaRange(c *command) (lba uint64, blocks uint32, err error) {
	cb := c.cbw.CB[:]
	switch cb[0] {
	case SCSIRead10, SCSIWrite10:
		if err = need(c, 10); err != nil {
			return 0, 0, err
		}
		return uint64(binary.BigEndian.Uint32(cb[2:6])), uint32(binary.BigEndian.Uint16(cb[7:9])), nil
	}
	if err = need(c, 16); err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint64(cb[2:10]), binary.BigEndian.Uint32(cb[10:14]), nil
}

func planMedia(p *Processor, c *command) (int, error) {
	lba, blocks, err := mediaRange(c)
	if err != nil {
		return 0, err
	}
	ns, ok := p.ready()
	if !ok {
		return 0, SenseUnitNotReady
	}
	if lba > ns.Blocks || uint64(blocks) > ns.Blocks-lba {
		pkg.LogDebug(pkg.ComponentBOT, "LBA out of range",
			"lba", lba, "blocks", blocks, "capacity", ns.Blocks)
		return 0, SenseOutOfRange
	}
	return int(blocks) * int(ns.BlockSize), nil
}

func (p *Processor) media(c *command) {
	if c.length == 0 {
		p.pass()
		return
	}
	lba, blocks, _ := mediaRange(c)
	p.startMedia(lba, blocks, c.cbw.CB[0] == SCSIWrite10 || c.cbw.CB[0] == SCSIWrite16)
}
