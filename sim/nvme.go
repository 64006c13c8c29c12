package sim

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// ControllerStats counts modeled NVMe activity.
type ControllerStats struct {
	Admin       uint64
	Reads       uint64
	Writes      uint64
	Flushes     uint64
	Dropped     uint64
	MediaErrors uint64
	Enables     uint64
}

// queueState is the controller side of one queue pair.
type queueState struct {
	sqBase, cqBase uint16
	depth          int
	sqHead, cqTail int
	phase          bool
	created        bool
}

type posted struct {
	q nvme.QueueID
	c nvme.Completion
}

// Controller models the NVMe controller behind the PCIe tunnel. It
// fetches submissions when a tail doorbell rings, executes them against
// its media through the register-space window and posts completions with
// the phase tag, signalling CQE-ready.
type Controller struct {
	bus    *regbus.Memory
	media  Media
	notify func()

	mu      sync.Mutex
	queues  [2]queueState
	enabled bool
	offline bool

	nguid  [16]byte
	model  string
	serial string

	hold     bool
	held     []posted
	drop     int
	statuses []nvme.Status
	bad      map[uint64]nvme.Status
	seen     []nvme.Command
	stats    ControllerStats

	dataRead, dataWritten uint64 // 512-byte units
	powerCycles           uint64
}

// NewController attaches a controller with media to the NVMe registers of
// bus. notify runs after each posted completion.
func NewController(bus *regbus.Memory, media Media, notify func()) *Controller {
	id := uuid.New()
	c := &Controller{
		bus:         bus,
		media:       media,
		notify:      notify,
		model:       "softbridge NVMe model",
		serial:      id.String()[:20],
		bad:         make(map[uint64]nvme.Status),
		powerCycles: 1,
	}
	copy(c.nguid[:], id[:])

	bus.OnWrite(regbus.NVMeCC, func(_ uint16, v uint8) { c.control(v) })
	bus.OnWrite(regbus.AdminSQTail, func(_ uint16, v uint8) { c.doorbell(nvme.AdminQueue, int(v)) })
	bus.OnWrite(regbus.IOSQTail, func(_ uint16, v uint8) { c.doorbell(nvme.IOQueue, int(v)) })
	return c
}

// Media returns the namespace media.
func (c *Controller) Media() Media { return c.media }

// NGUID returns the namespace globally unique identifier.
func (c *Controller) NGUID() [16]byte { return c.nguid }

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Seen returns every command fetched so far.
func (c *Controller) Seen() []nvme.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]nvme.Command(nil), c.seen...)
}

// Hold keeps completions back until Release.
func (c *Controller) Hold() {
	c.mu.Lock()
	c.hold = true
	c.mu.Unlock()
}

// Release posts held completions in fetch order and stops holding.
func (c *Controller) Release() {
	c.mu.Lock()
	held := c.held
	c.held, c.hold = nil, false
	for _, p := range held {
		c.post(p.q, p.c)
	}
	c.mu.Unlock()
	if len(held) > 0 {
		c.notify()
	}
}

// Drop swallows the next n commands without completing them.
func (c *Controller) Drop(n int) {
	c.mu.Lock()
	c.drop += n
	c.mu.Unlock()
}

// InjectStatus makes the next completions carry the given statuses.
func (c *Controller) InjectStatus(st ...nvme.Status) {
	c.mu.Lock()
	c.statuses = append(c.statuses, st...)
	c.mu.Unlock()
}

// FailLBA makes every read or write touching lba fail with st. A success
// status clears the fault.
func (c *Controller) FailLBA(lba uint64, st nvme.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Success() {
		delete(c.bad, lba)
		return
	}
	c.bad[lba] = st
}

// SetOffline models the PCIe link: offline, doorbells reach nothing and
// outstanding commands never complete.
func (c *Controller) SetOffline(offline bool) {
	c.mu.Lock()
	c.offline = offline
	if offline {
		c.held = nil
	}
	c.mu.Unlock()
}

// Reset returns the controller to its disabled state, as after a link
// reset.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.enabled = false
	c.queues = [2]queueState{}
	c.held = nil
	c.mu.Unlock()
	c.bus.ClearBits(regbus.NVMeCSTS, regbus.NVMeCSTSRDY|regbus.NVMeCSTSCFS)
}

func (c *Controller) control(v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v&regbus.NVMeCCEnable == 0 {
		c.enabled = false
		c.queues = [2]queueState{}
		c.bus.ClearBits(regbus.NVMeCSTS, regbus.NVMeCSTSRDY)
		return
	}
	if c.enabled || c.offline {
		return
	}
	depth := int(c.bus.Peek(regbus.AdminQueueDepth))
	if depth < 2 || depth > nvme.MaxQueueDepth {
		pkg.LogWarn(pkg.ComponentSim, "nvme enable with bad admin depth", "depth", depth)
		c.bus.SetBits(regbus.NVMeCSTS, regbus.NVMeCSTSCFS)
		return
	}
	c.queues[nvme.AdminQueue] = queueState{
		sqBase:  peek16(c.bus, regbus.AdminSQBase),
		cqBase:  peek16(c.bus, regbus.AdminCQBase),
		depth:   depth,
		phase:   true,
		created: true,
	}
	c.queues[nvme.IOQueue] = queueState{}
	c.enabled = true
	c.stats.Enables++
	c.bus.SetBits(regbus.NVMeCSTS, regbus.NVMeCSTSRDY)
	pkg.LogDebug(pkg.ComponentSim, "nvme controller enabled", "depth", depth)
}

func (c *Controller) doorbell(q nvme.QueueID, tail int) {
	c.mu.Lock()
	qs := &c.queues[q]
	if !c.enabled || !qs.created || c.offline {
		c.mu.Unlock()
		pkg.LogDebug(pkg.ComponentSim, "doorbell ignored", "queue", q.String(), "tail", tail)
		return
	}
	postedAny := false
	for qs.sqHead != tail%qs.depth {
		raw := c.bus.PeekBlock(qs.sqBase+uint16(qs.sqHead*nvme.CommandSize), nvme.CommandSize)
		qs.sqHead = (qs.sqHead + 1) % qs.depth
		var cmd nvme.Command
		if err := nvme.Decode(raw, &cmd); err != nil {
			pkg.LogError(pkg.ComponentSim, "undecodable submission", "error", err)
			continue
		}
		c.seen = append(c.seen, cmd)
		if c.drop > 0 {
			c.drop--
			c.stats.Dropped++
			pkg.LogDebug(pkg.ComponentSim, "command dropped", "command", cmd.String())
			continue
		}

		st := c.execute(q, &cmd)
		if len(c.statuses) > 0 {
			st, c.statuses = c.statuses[0], c.statuses[1:]
		}
		cpl := nvme.Completion{SQHead: uint16(qs.sqHead), SQID: uint16(q), CID: cmd.CID}
		cpl.SetStatus(st)
		if c.hold {
			c.held = append(c.held, posted{q, cpl})
			continue
		}
		c.post(q, cpl)
		postedAny = true
	}
	c.mu.Unlock()
	if postedAny {
		c.notify()
	}
}

// post writes a completion at the CQ tail with the current phase tag.
func (c *Controller) post(q nvme.QueueID, cpl nvme.Completion) {
	qs := &c.queues[q]
	if !qs.created {
		return
	}
	cpl.SetPhase(qs.phase)
	raw, err := nvme.Encode(&cpl)
	if err != nil {
		pkg.LogError(pkg.ComponentSim, "completion encode failed", "error", err)
		return
	}
	c.bus.PokeBlock(qs.cqBase+uint16(qs.cqTail*nvme.CompletionSize), raw)
	qs.cqTail++
	if qs.cqTail == qs.depth {
		qs.cqTail = 0
		qs.phase = !qs.phase
	}
}

func (c *Controller) execute(q nvme.QueueID, cmd *nvme.Command) nvme.Status {
	if q == nvme.AdminQueue {
		c.stats.Admin++
		return c.admin(cmd)
	}
	if cmd.NSID != nvme.NamespaceID {
		return nvme.StatusInvalidNamespace | dnr
	}
	switch cmd.Opcode {
	case nvme.OpRead:
		c.stats.Reads++
		return c.transfer(cmd, false)
	case nvme.OpWrite:
		c.stats.Writes++
		return c.transfer(cmd, true)
	case nvme.OpFlush:
		c.stats.Flushes++
		if err := c.media.Sync(); err != nil {
			return nvme.StatusInternalError
		}
		return nvme.StatusSuccess
	}
	return nvme.StatusInvalidOpcode | dnr
}

// dnr is the Do Not Retry bit of a status field.
var dnr = nvme.MakeStatus(nvme.SCTGeneric, 0, true)

func (c *Controller) transfer(cmd *nvme.Command, write bool) nvme.Status {
	lba, blocks := cmd.SLBA(), cmd.Blocks()
	if lba+uint64(blocks) > c.media.BlockCount() {
		return nvme.StatusLBAOutOfRange | dnr
	}
	for b := lba; b < lba+uint64(blocks); b++ {
		if st, ok := c.bad[b]; ok {
			c.stats.MediaErrors++
			return st
		}
	}
	addr, ok := window(cmd.PRP1)
	if !ok {
		return nvme.StatusDataTransferError | dnr
	}
	n := int(blocks) * int(c.media.BlockSize())
	if int(addr)+n > 1<<16 {
		return nvme.StatusDataTransferError | dnr
	}
	if write {
		if err := c.media.WriteBlocks(lba, blocks, c.bus.PeekBlock(addr, n)); err != nil {
			return mediaStatus(err, nvme.StatusWriteFault)
		}
		c.dataWritten += uint64(n / 512)
		return nvme.StatusSuccess
	}
	buf := make([]byte, n)
	if err := c.media.ReadBlocks(lba, blocks, buf); err != nil {
		return mediaStatus(err, nvme.StatusUnrecoveredRead)
	}
	c.bus.PokeBlock(addr, buf)
	c.dataRead += uint64(n / 512)
	return nvme.StatusSuccess
}

func mediaStatus(err error, fault nvme.Status) nvme.Status {
	if errors.Is(err, pkg.ErrOutOfRange) {
		return nvme.StatusLBAOutOfRange | dnr
	}
	return fault | dnr
}

func (c *Controller) admin(cmd *nvme.Command) nvme.Status {
	switch cmd.Opcode {
	case nvme.OpIdentify:
		return c.identify(cmd)
	case nvme.OpGetLogPage:
		return c.logPage(cmd)
	case nvme.OpCreateIOCQ, nvme.OpCreateIOSQ:
		return c.createQueue(cmd)
	case nvme.OpDeleteIOSQ, nvme.OpDeleteIOCQ:
		if uint16(cmd.Cdw10) != uint16(nvme.IOQueue) {
			return nvme.StatusInvalidQueueID | dnr
		}
		c.queues[nvme.IOQueue].created = false
		return nvme.StatusSuccess
	}
	return nvme.StatusInvalidOpcode | dnr
}

func (c *Controller) identify(cmd *nvme.Command) nvme.Status {
	addr, ok := window(cmd.PRP1)
	if !ok {
		return nvme.StatusDataTransferError | dnr
	}
	var (
		frame []byte
		err   error
	)
	switch uint8(cmd.Cdw10) {
	case nvme.CNSController:
		var id nvme.IdentifyController
		id.PCIVendorID = 0x1B21
		id.PCISubsystemVendorID = 0x1B21
		copy(id.SerialNumber[:], pad(c.serial, len(id.SerialNumber)))
		copy(id.ModelNumber[:], pad(c.model, len(id.ModelNumber)))
		copy(id.FirmwareRevision[:], pad("1.0", len(id.FirmwareRevision)))
		id.MaxDataTransferSize = 5
		id.Version = 0x00010400
		id.SQEntrySize = 0x66
		id.CQEntrySize = 0x44
		id.MaxCommands = nvme.MaxQueueDepth
		id.NumberOfNamespaces = 1
		frame, err = nvme.Encode(&id)
	case nvme.CNSNamespace:
		if cmd.NSID != nvme.NamespaceID {
			return nvme.StatusInvalidNamespace | dnr
		}
		var ns nvme.IdentifyNamespace
		ns.Size = c.media.BlockCount()
		ns.Capacity = ns.Size
		ns.Utilization = ns.Size
		ns.GloballyUniqueID = c.nguid
		ns.LBAFormats[0].LBADataSize = uint8(bits.TrailingZeros32(c.media.BlockSize()))
		frame, err = nvme.Encode(&ns)
	default:
		return nvme.StatusInvalidField | dnr
	}
	if err != nil {
		return nvme.StatusInternalError
	}
	c.bus.PokeBlock(addr, frame)
	return nvme.StatusSuccess
}

func (c *Controller) logPage(cmd *nvme.Command) nvme.Status {
	addr, ok := window(cmd.PRP1)
	if !ok {
		return nvme.StatusDataTransferError | dnr
	}
	n := nvme.LogPageLength(cmd)
	page := make([]byte, nvme.SMARTLogSize)
	switch uint8(cmd.Cdw10) {
	case nvme.LogSMART:
		var log nvme.SMARTLog
		log.Temperature = 310
		log.AvailableSpare = 100
		log.SpareThreshold = 10
		nvme.PutCounter128(&log.DataUnitsRead, c.dataRead/1000)
		nvme.PutCounter128(&log.DataUnitsWritten, c.dataWritten/1000)
		nvme.PutCounter128(&log.HostReadCommands, c.stats.Reads)
		nvme.PutCounter128(&log.HostWriteCommands, c.stats.Writes)
		nvme.PutCounter128(&log.PowerCycles, c.powerCycles)
		nvme.PutCounter128(&log.MediaErrors, c.stats.MediaErrors)
		frame, err := nvme.Encode(&log)
		if err != nil {
			return nvme.StatusInternalError
		}
		copy(page, frame)
	case nvme.LogError, nvme.LogFirmware:
	default:
		return nvme.StatusInvalidField | dnr
	}
	if n > len(page) {
		page = append(page, make([]byte, n-len(page))...)
	}
	c.bus.PokeBlock(addr, page[:n])
	return nvme.StatusSuccess
}

func (c *Controller) createQueue(cmd *nvme.Command) nvme.Status {
	if uint16(cmd.Cdw10) != uint16(nvme.IOQueue) {
		return nvme.StatusInvalidQueueID | dnr
	}
	addr, ok := window(cmd.PRP1)
	if !ok {
		return nvme.StatusInvalidField | dnr
	}
	depth := int(cmd.Cdw10>>16) + 1
	if depth < 2 || depth > nvme.MaxQueueDepth {
		return nvme.StatusInvalidField | dnr
	}
	qs := &c.queues[nvme.IOQueue]
	if cmd.Opcode == nvme.OpCreateIOCQ {
		*qs = queueState{cqBase: addr, depth: depth, phase: true}
		return nvme.StatusSuccess
	}
	if qs.depth != depth {
		return nvme.StatusInvalidField | dnr
	}
	qs.sqBase = addr
	qs.created = true
	return nvme.StatusSuccess
}

// window maps a PCIe address of the bridge window to a register-space
// address.
func window(prp uint64) (uint16, bool) {
	if prp&^0xFFFF != regbus.PCIeWindow {
		return 0, false
	}
	return uint16(prp), true
}

func peek16(bus *regbus.Memory, addr uint16) uint16 {
	return binary.LittleEndian.Uint16(bus.PeekBlock(addr, 2))
}

func pad(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s[:n]
}
