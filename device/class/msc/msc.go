package msc

import (
	"errors"
	"fmt"

	"github.com/ardnew/softbridge/device"
	"github.com/ardnew/softbridge/dma"
	"github.com/ardnew/softbridge/link"
	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// Controller is the NVMe command engine as the processor uses it.
type Controller interface {
	Namespace() (nvme.Namespace, bool)
	Read(lba uint64, blocks uint32, prp uint64, owner int, done nvme.Callback) (uint16, error)
	Write(lba uint64, blocks uint32, prp uint64, owner int, done nvme.Callback) (uint16, error)
	Flush(owner int, done nvme.Callback) (uint16, error)
	Submit(q nvme.QueueID, cmd nvme.Command, owner int, done nvme.Callback) (uint16, error)
}

// Mover is the DMA orchestrator.
type Mover interface {
	StagingSize() int
	PRP() uint64
	SetupUSBRx(n int) error
	WaitComplete() error
	Discard(n int) error
	Send(data []byte) error
	Transmit(n int) error
	ReadStaging(off, n int) []byte
}

// Staller halts endpoints. [device.Core] implements it.
type Staller interface {
	Stall(address uint8)
}

// Firmware is the flash surface of the vendor commands.
type Firmware interface {
	ReadConfig(block int) ([]byte, error)
	WriteConfig(block int, data []byte) error
	ReadAt(b []byte, off int64) (int, error)
	WriteImage(selector uint8, data []byte) error
	Commit() error
}

// FaultLog exposes the link fault ring.
type FaultLog interface {
	Records() []link.Record
}

// Hooks connect the processor to the rest of the firmware. Nil hooks are
// skipped; a nil LinkReady reads as ready.
type Hooks struct {
	LinkReady      func() bool
	Reenumerate    func()
	TransportError func(err error)
}

// Config holds the identity reported by INQUIRY and the cache mode.
type Config struct {
	Vendor     string
	Product    string
	Revision   string
	WriteCache bool
}

// DefaultConfig returns the ASM2464PD identity.
func DefaultConfig() Config {
	return Config{
		Vendor:     "Asmedia",
		Product:    "ASM2464PD",
		Revision:   "0001",
		WriteCache: true,
	}
}

// State is the state of the command context.
type State uint8

// Command context states.
const (
	StateReceivingCBW State = iota
	StateAwaitingData
	StateExecuting
	StateSendingData
	StateAwaitingCSW
	StateDone
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateReceivingCBW:
		return "RECEIVING_CBW"
	case StateAwaitingData:
		return "AWAITING_DATA"
	case StateExecuting:
		return "EXECUTING"
	case StateSendingData:
		return "SENDING_DATA"
	case StateAwaitingCSW:
		return "AWAITING_CSW"
	case StateDone:
		return "DONE"
	case StateStalled:
		return "STALLED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Stats counts processor activity.
type Stats struct {
	Commands    uint64
	Passed      uint64
	Failed      uint64
	PhaseErrors uint64
	InvalidCBWs uint64
	Resets      uint64
	Aborted     uint64
	BytesIn     uint64
	BytesOut    uint64
}

// command is the single BOT command context.
type command struct {
	gen      uint64
	cbw      CommandBlockWrapper
	host     Direction
	expected uint32
	length   int    // device data length after the phase check
	actual   uint32 // bytes processed, for the residue
	received uint32 // bytes pulled from bulk-OUT, processed or not
	state    State
	status   uint8

	// media transfers
	xfer    *dma.Transfer
	lba     uint64
	chunk   dma.Chunk
	write   bool
	cid     uint16
	pending bool

	sink       func(data []byte) error // consumer of a small OUT payload
	after      func()                  // runs once the host takes the CSW
	stallAfter bool
}

// Processor is the BOT/SCSI command processor. It owns one command
// context, driven by bulk endpoint events and NVMe completions from the
// kernel loop. It is not safe for concurrent use.
type Processor struct {
	bus     regbus.Bus
	ctl     Controller
	mover   Mover
	cfg     Config
	inquiry InquiryResponse

	staller  Staller
	firmware Firmware
	faults   FaultLog
	hooks    Hooks

	ctx           command
	gen           uint64
	sense         Sense
	resetRequired bool
	stats         Stats
}

// New creates a processor over the bulk registers of bus.
func New(bus regbus.Bus, ctl Controller, mover Mover, cfg Config) *Processor {
	p := &Processor{
		bus:     bus,
		ctl:     ctl,
		mover:   mover,
		cfg:     cfg,
		inquiry: *NewInquiryResponse(cfg.Vendor, cfg.Product, cfg.Revision),
	}
	p.ctx.state = StateReceivingCBW
	return p
}

// SetStaller sets the endpoint staller.
func (p *Processor) SetStaller(s Staller) { p.staller = s }

// SetFirmware sets the flash surface used by the vendor commands.
func (p *Processor) SetFirmware(fw Firmware) { p.firmware = fw }

// SetFaultLog sets the fault ring read by the fault log command.
func (p *Processor) SetFaultLog(f FaultLog) { p.faults = f }

// SetHooks sets the firmware hooks.
func (p *Processor) SetHooks(h Hooks) { p.hooks = h }

// State returns the context state.
func (p *Processor) State() State { return p.ctx.state }

// Sense returns the pending sense data.
func (p *Processor) Sense() Sense { return p.sense }

// ResetRequired reports whether the endpoints are halted until a
// Bulk-Only Mass Storage Reset.
func (p *Processor) ResetRequired() bool { return p.resetRequired }

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats { return p.stats }

// Busy reports whether a command is in flight.
func (p *Processor) Busy() bool {
	switch p.ctx.state {
	case StateReceivingCBW, StateDone, StateStalled:
		return false
	}
	return true
}

// AttachToInterface attaches the processor to the mass storage interface.
func (p *Processor) AttachToInterface(dev *device.Device, configValue, ifaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}
	iface := config.GetInterface(ifaceNum)
	if iface == nil {
		return pkg.ErrInvalidRequest
	}
	iface.SetClassDriver(p)
	return nil
}

// HandleSetup processes class-specific SETUP requests.
func (p *Processor) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	if !setup.IsClass() {
		return nil, false, nil
	}

	switch setup.Request {
	case RequestBulkOnlyMassStorageReset:
		if setup.Value != 0 || setup.Length != 0 || setup.IsDeviceToHost() {
			return nil, true, pkg.ErrInvalidRequest
		}
		p.botReset()
		return nil, true, nil

	case RequestGetMaxLUN:
		if setup.Value != 0 || setup.Length < 1 || !setup.IsDeviceToHost() {
			return nil, true, pkg.ErrInvalidRequest
		}
		pkg.LogDebug(pkg.ComponentBOT, "Get Max LUN", "interface", setup.Index)
		return []byte{0}, true, nil
	}
	return nil, false, nil
}

// ClearHalt refuses to clear a halt while reset recovery is pending.
func (p *Processor) ClearHalt(ep *device.Endpoint) bool {
	return !p.resetRequired
}

// BusReset drops any command in flight. Sense data is kept.
func (p *Processor) BusReset() {
	p.drop("bus reset")
	p.resetRequired = false
}

// botReset handles the Bulk-Only Mass Storage Reset request. Sense data
// survives so that REQUEST SENSE after recovery reports the failure.
func (p *Processor) botReset() {
	p.stats.Resets++
	p.drop("bot reset")
	p.resetRequired = false
	pkg.LogInfo(pkg.ComponentBOT, "bulk-only reset")
}

func (p *Processor) drop(reason string) {
	if p.Busy() {
		pkg.LogWarn(pkg.ComponentBOT, "command dropped",
			"reason", reason, "tag", p.ctx.cbw.Tag, "state", p.ctx.state.String())
	}
	p.gen++
	p.ctx = command{gen: p.gen, state: StateReceivingCBW}
	p.bus.Write(regbus.CBWLen, 0)
}

// BulkOut services a bulk-OUT endpoint event. It returns false to leave
// the event pending while the previous command has not completed.
func (p *Processor) BulkOut() bool {
	switch p.ctx.state {
	case StateReceivingCBW, StateDone:
		p.receiveCBW()
		return true
	case StateAwaitingData:
		p.pullData()
		return true
	case StateStalled:
		pkg.LogDebug(pkg.ComponentBOT, "bulk-out event while halted")
		return true
	}
	return false
}

// BulkIn services a bulk-IN endpoint event: the host took the CSW.
func (p *Processor) BulkIn() bool {
	c := &p.ctx
	if c.state != StateAwaitingCSW {
		pkg.LogDebug(pkg.ComponentBOT, "bulk-in event ignored", "state", c.state.String())
		return true
	}
	c.state = StateDone
	if c.stallAfter {
		p.halt()
	}
	if fn := c.after; fn != nil {
		c.after = nil
		fn()
	}
	return true
}

// halt stalls both bulk endpoints until reset recovery.
func (p *Processor) halt() {
	p.resetRequired = true
	p.ctx.state = StateStalled
	if p.staller != nil {
		p.staller.Stall(device.BulkInAddress)
		p.staller.Stall(device.BulkOutAddress)
	}
	pkg.LogInfo(pkg.ComponentBOT, "bulk endpoints halted, reset recovery required")
}

func (p *Processor) receiveCBW() {
	n := int(p.bus.Read(regbus.CBWLen))
	if n == 0 && regbus.Read16(p.bus, regbus.OutLen) == 0 {
		return
	}
	var raw [CBWSize]byte
	if n == CBWSize {
		regbus.ReadBlock(p.bus, regbus.CBWBuf, raw[:])
	}
	p.bus.Write(regbus.CBWLen, 0)

	var cbw CommandBlockWrapper
	if n != CBWSize || !ParseCBW(raw[:], &cbw) {
		p.stats.InvalidCBWs++
		pkg.LogWarn(pkg.ComponentBOT, "invalid CBW", "length", n)
		p.halt()
		return
	}

	p.gen++
	p.ctx = command{
		gen:      p.gen,
		cbw:      cbw,
		host:     cbw.HostDirection(),
		expected: cbw.DataTransferLength,
		state:    StateExecuting,
	}
	p.stats.Commands++
	pkg.LogDebug(pkg.ComponentBOT, "CBW received",
		"tag", cbw.Tag,
		"dataLen", cbw.DataTransferLength,
		"flags", cbw.Flags,
		"lun", cbw.LUN,
		"opcode", cbw.CB[0])
	p.dispatch()
}

// dispatch runs the phase check and starts the command.
func (p *Processor) dispatch() {
	c := &p.ctx
	if c.cbw.LUN != 0 {
		p.fail(SenseBadLUN)
		return
	}
	op, ok := p.lookup(c.cbw.CB[0], c.cbw.CDB())
	if !ok {
		pkg.LogDebug(pkg.ComponentBOT, "unsupported command", "opcode", c.cbw.CB[0])
		p.fail(SenseInvalidOpcode)
		return
	}

	n := 0
	if op.plan != nil {
		var err error
		if n, err = op.plan(p, c); err != nil {
			p.fail(senseOf(err))
			return
		}
	}
	n, ok = p.checkPhase(op, n)
	if !ok {
		p.phaseError(op, n)
		return
	}
	c.length = n
	op.run(p, c)
}

// checkPhase compares the host's expectation with the device's intended
// transfer of n bytes in op.dir, following the thirteen cases of the
// Bulk-Only Transport. It returns the length to move.
func (p *Processor) checkPhase(op operation, n int) (int, bool) {
	c := &p.ctx
	if n == 0 {
		return 0, true
	}
	h := int(c.expected)
	if c.host != op.dir {
		return n, false
	}
	if n > h {
		if op.clip {
			return h, true
		}
		return n, false
	}
	return n, true
}

func (p *Processor) phaseError(op operation, n int) {
	c := &p.ctx
	p.stats.PhaseErrors++
	pkg.LogWarn(pkg.ComponentBOT, "phase error",
		"command", op.name,
		"host", c.host.String(),
		"hostLen", c.expected,
		"device", op.dir.String(),
		"deviceLen", n)
	p.sense = SenseInvalidField
	c.status = CSWStatusPhaseError
	c.stallAfter = true
	p.sendCSW()
}

// reply sends data on bulk-IN and passes the command.
func (p *Processor) reply(data []byte) {
	c := &p.ctx
	if len(data) > c.length {
		data = data[:c.length]
	}
	c.state = StateSendingData
	step := p.mover.StagingSize()
	for off := 0; off < len(data); off += step {
		end := min(off+step, len(data))
		if err := p.mover.Send(data[off:end]); err != nil {
			p.transportFail(err)
			return
		}
		c.actual += uint32(end - off)
		p.stats.BytesIn += uint64(end - off)
	}
	p.pass()
}

func (p *Processor) pass() {
	p.ctx.status = CSWStatusGood
	p.stats.Passed++
	p.finish()
}

func (p *Processor) fail(s Sense) {
	p.sense = s
	p.ctx.status = CSWStatusFailed
	p.stats.Failed++
	pkg.LogDebug(pkg.ComponentBOT, "command failed",
		"tag", p.ctx.cbw.Tag, "opcode", p.ctx.cbw.CB[0],
		"key", s.Key, "asc", s.ASC, "ascq", s.ASCQ)
	p.finish()
}

func (p *Processor) transportFail(err error) {
	pkg.LogWarn(pkg.ComponentBOT, "transport error", "tag", p.ctx.cbw.Tag, "error", err)
	if p.hooks.TransportError != nil {
		p.hooks.TransportError(err)
	}
	p.fail(SenseHardwareFailure)
}

// finish drains any OUT data the host still has to send, then sends the
// CSW.
func (p *Processor) finish() {
	c := &p.ctx
	c.pending = false
	if c.host == DirOut && c.received < c.expected {
		c.sink = nil
		c.xfer = nil
		c.state = StateAwaitingData
		p.drainOut()
		return
	}
	p.sendCSW()
}

// drainOut discards OUT data beyond what the command consumed.
func (p *Processor) drainOut() {
	c := &p.ctx
	left := c.expected - c.received
	n := min(uint32(regbus.Read16(p.bus, regbus.OutLen)), left)
	if n > 0 {
		if err := p.mover.Discard(int(n)); err != nil {
			pkg.LogWarn(pkg.ComponentBOT, "drain failed", "error", err)
			n = left
		}
		c.received += n
	}
	if c.received >= c.expected {
		p.sendCSW()
	}
}

func (p *Processor) sendCSW() {
	c := &p.ctx
	residue := uint32(0)
	if c.status == CSWStatusPhaseError {
		residue = c.expected
	} else if c.actual < c.expected {
		residue = c.expected - c.actual
	}
	csw := NewCSW(c.cbw.Tag, residue, c.status)
	var buf [CSWSize]byte
	csw.MarshalTo(buf[:])
	regbus.WriteBlock(p.bus, regbus.CSWBuf, buf[:])
	c.state = StateAwaitingCSW
	p.bus.Write(regbus.CSWCtrl, regbus.CSWSend)
	pkg.LogDebug(pkg.ComponentBOT, "CSW sent",
		"tag", csw.Tag,
		"residue", residue,
		"status", csw.Status)
}

// expectData arms the context for an OUT payload consumed by sink.
func (p *Processor) expectData(sink func(data []byte) error) {
	c := &p.ctx
	c.sink = sink
	c.state = StateAwaitingData
	p.pullData()
}

// pullData moves OUT data that has arrived into staging and hands it on.
func (p *Processor) pullData() {
	c := &p.ctx
	if c.sink == nil && c.xfer == nil {
		p.drainOut()
		return
	}

	need := c.length
	if c.xfer != nil {
		chunk, ok := c.xfer.Next()
		if !ok {
			p.pass()
			return
		}
		c.chunk = chunk
		need = chunk.Length
	}
	if int(regbus.Read16(p.bus, regbus.OutLen)) < need {
		return
	}
	if err := p.mover.SetupUSBRx(need); err != nil {
		p.transportFail(err)
		return
	}
	if err := p.mover.WaitComplete(); err != nil {
		p.transportFail(err)
		return
	}
	c.received += uint32(need)
	p.stats.BytesOut += uint64(need)

	if c.sink != nil {
		sink := c.sink
		c.sink = nil
		c.state = StateExecuting
		if err := sink(p.mover.ReadStaging(0, need)); err != nil {
			p.fail(senseOf(err))
			return
		}
		c.actual += uint32(need)
		// The sink may have started asynchronous work.
		if c.state == StateExecuting && !c.pending {
			p.pass()
		}
		return
	}
	p.submitChunk()
}

// owner returns the NVMe owner tag of the current context.
func (p *Processor) owner() int { return int(p.ctx.gen & 0x7FFFFFFF) }

// completion wraps fn so that it only runs for the context and command it
// was issued for.
func (p *Processor) completion(fn func(cpl nvme.Completion)) nvme.Callback {
	gen := p.ctx.gen
	return func(cpl nvme.Completion) {
		c := &p.ctx
		if c.gen != gen || !c.pending || c.cid != cpl.CID {
			pkg.LogDebug(pkg.ComponentBOT, "stale completion ignored", "cid", cpl.CID)
			return
		}
		c.pending = false
		fn(cpl)
	}
}

// submitted records an NVMe submission result.
func (p *Processor) submitted(cid uint16, err error) bool {
	c := &p.ctx
	if err != nil {
		p.fail(senseOf(err))
		return false
	}
	c.cid = cid
	c.pending = true
	c.state = StateExecuting
	return true
}

// startMedia plans a block transfer of blocks at lba.
func (p *Processor) startMedia(lba uint64, blocks uint32, write bool) {
	c := &p.ctx
	ns, ok := p.ctl.Namespace()
	if !ok {
		p.fail(SenseUnitNotReady)
		return
	}
	c.lba = lba
	c.write = write
	c.xfer = dma.NewTransfer(int(c.expected), int(blocks)*int(ns.BlockSize), int(ns.BlockSize), p.mover.StagingSize())
	if write {
		c.state = StateAwaitingData
		p.pullData()
		return
	}
	p.submitChunk()
}

// submitChunk issues the NVMe command for the next chunk.
func (p *Processor) submitChunk() {
	c := &p.ctx
	chunk, ok := c.xfer.Next()
	if !ok {
		p.pass()
		return
	}
	c.chunk = chunk
	lba := c.lba + chunk.Block
	var (
		cid uint16
		err error
	)
	if c.write {
		cid, err = p.ctl.Write(lba, chunk.Blocks, p.mover.PRP(), p.owner(), p.completion(p.chunkDone))
	} else {
		cid, err = p.ctl.Read(lba, chunk.Blocks, p.mover.PRP(), p.owner(), p.completion(p.chunkDone))
	}
	p.submitted(cid, err)
}

func (p *Processor) chunkDone(cpl nvme.Completion) {
	c := &p.ctx
	if st := cpl.Status(); !st.Success() {
		p.fail(SenseFromStatus(st, c.lba+c.chunk.Block))
		return
	}
	if !c.write {
		c.state = StateSendingData
		if err := p.mover.Transmit(c.chunk.Length); err != nil {
			p.transportFail(err)
			return
		}
		p.stats.BytesIn += uint64(c.chunk.Length)
	}
	c.xfer.Complete()
	c.actual += uint32(c.chunk.Length)
	if c.xfer.Done() {
		p.pass()
		return
	}
	if c.write {
		c.state = StateAwaitingData
		p.pullData()
		return
	}
	p.submitChunk()
}

// Abort fails the command in flight with s, as after a lost link. The CSW
// reports FAILED with the untransferred residue; completions still owed
// by the NVMe engine are ignored.
func (p *Processor) Abort(s Sense) {
	c := &p.ctx
	switch c.state {
	case StateExecuting, StateSendingData, StateAwaitingData:
	default:
		return
	}
	p.stats.Aborted++
	pkg.LogWarn(pkg.ComponentBOT, "command aborted",
		"tag", c.cbw.Tag, "state", c.state.String(), "actual", c.actual)
	p.fail(s)
}

// Cancel terminates the command in flight with PHASE ERROR and requires
// reset recovery, as on a requested reset.
func (p *Processor) Cancel() {
	c := &p.ctx
	switch c.state {
	case StateExecuting, StateSendingData, StateAwaitingData:
	default:
		return
	}
	p.stats.Aborted++
	pkg.LogWarn(pkg.ComponentBOT, "command cancelled", "tag", c.cbw.Tag, "state", c.state.String())
	c.pending = false
	c.status = CSWStatusPhaseError
	c.stallAfter = true
	p.stats.PhaseErrors++
	p.sendCSW()
}

// senseOf extracts the sense carried by err.
func senseOf(err error) Sense {
	var s Sense
	if errors.As(err, &s) {
		return s
	}
	return senseFromError(err)
}

// Error implements error so that command handlers can return sense.
func (s Sense) Error() string {
	return fmt.Sprintf("sense %02X/%02X/%02X", s.Key, s.ASC, s.ASCQ)
}

var _ device.ClassDriver = (*Processor)(nil)
