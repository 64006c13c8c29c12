package nvme

import (
	"fmt"
	"time"

	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// NoOwner marks a command no BOT context waits for.
const NoOwner = -1

// NamespaceID is the namespace the bridge exposes as LUN 0.
const NamespaceID = 1

// Config holds the engine parameters.
type Config struct {
	// QueueDepth is the number of ring entries per queue (at most
	// MaxQueueDepth). It also bounds the number of outstanding commands.
	QueueDepth int
	// Timeout bounds bring-up waits and the age of an outstanding command.
	Timeout time.Duration
	// Retries is how many times a retryable failure is resubmitted.
	Retries int
	// Buffer is the PCIe address of the staging buffer used as the PRP of
	// admin data transfers during bring-up.
	Buffer uint64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth: MaxQueueDepth,
		Timeout:    100 * time.Millisecond,
		Retries:    3,
		Buffer:     regbus.PCIeWindow | uint64(regbus.Staging),
	}
}

// Callback receives the completion of a submitted command exactly once.
type Callback func(Completion)

// Stats counts engine activity.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Retried   uint64
	TimedOut  uint64
	Stale     uint64 // CQEs whose cid matched no outstanding command
}

// Namespace is the cached geometry of the exposed namespace.
type Namespace struct {
	Blocks    uint64
	BlockSize uint32
	NGUID     [16]byte
}

type slot struct {
	cid      uint16
	queue    QueueID
	cmd      Command
	owner    int
	done     Callback
	attempts int
	issued   time.Time
}

// Engine is the NVMe command engine: admin and I/O queue pairs in bus
// memory, command identifiers, completion routing, retry and liveness.
type Engine struct {
	bus    regbus.Bus
	clock  kernel.Clock
	waiter kernel.Waiter
	cfg    Config

	queues  [2]*queue
	slots   map[uint16]*slot
	nextCID uint16

	ready      bool
	controller IdentifyController
	namespace  Namespace

	stats     Stats
	onTimeout func(cid uint16)
}

// New creates an engine. Nothing touches the controller until Start.
func New(bus regbus.Bus, waiter kernel.Waiter, cfg Config) *Engine {
	if cfg.QueueDepth <= 1 || cfg.QueueDepth > MaxQueueDepth {
		cfg.QueueDepth = MaxQueueDepth
	}
	return &Engine{
		bus:    bus,
		clock:  waiter.Clock,
		waiter: waiter,
		cfg:    cfg,
		queues: [2]*queue{newQueue(AdminQueue, cfg.QueueDepth), newQueue(IOQueue, cfg.QueueDepth)},
		slots:  make(map[uint16]*slot),
	}
}

// SetOnTimeout sets the callback run when an outstanding command exceeds
// the liveness timeout.
func (e *Engine) SetOnTimeout(fn func(cid uint16)) { e.onTimeout = fn }

// Ready reports whether bring-up completed.
func (e *Engine) Ready() bool { return e.ready }

// Controller returns the cached Identify Controller data.
func (e *Engine) Controller() (IdentifyController, bool) {
	return e.controller, e.ready
}

// Namespace returns the cached namespace geometry.
func (e *Engine) Namespace() (Namespace, bool) {
	return e.namespace, e.ready
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats { return e.stats }

// Outstanding returns the number of commands awaiting completion.
func (e *Engine) Outstanding() int { return len(e.slots) }

// OwnerOf returns the owner of an outstanding command.
func (e *Engine) OwnerOf(cid uint16) (int, bool) {
	s, ok := e.slots[cid]
	if !ok {
		return NoOwner, false
	}
	return s.owner, true
}

// PhaseToggles returns how many times the expected phase tag of a
// completion queue flipped.
func (e *Engine) PhaseToggles(q QueueID) uint64 { return e.queues[q].toggles }

// Consumed returns how many completions were consumed from a queue.
func (e *Engine) Consumed(q QueueID) uint64 { return e.queues[q].consumed }

// Start runs bring-up: enable the controller with the admin queue, cache
// Identify Controller and Identify Namespace, then create the I/O queue
// pair.
func (e *Engine) Start() error {
	e.Stop()

	depth := e.cfg.QueueDepth
	e.bus.Write(regbus.AdminQueueDepth, uint8(depth))
	regbus.Write16(e.bus, regbus.AdminSQBase, regbus.AdminSQ)
	regbus.Write16(e.bus, regbus.AdminCQBase, regbus.AdminCQ)
	for _, q := range e.queues {
		q.reset()
		q.clear(e.bus)
	}
	e.bus.RMW(regbus.NVMeCC, 0xFF, regbus.NVMeCCEnable)

	var fatal bool
	err := e.waiter.Until(e.cfg.Timeout, func() bool {
		st := e.bus.Read(regbus.NVMeCSTS)
		fatal = st&regbus.NVMeCSTSCFS != 0
		return fatal || st&regbus.NVMeCSTSRDY != 0
	})
	if err != nil {
		return fmt.Errorf("nvme: controller enable: %w", err)
	}
	if fatal {
		return fmt.Errorf("nvme: controller fatal status: %w", pkg.ErrNotReady)
	}

	buf := make([]byte, IdentifySize)
	if err := e.identify(CNSController, 0, buf); err != nil {
		return err
	}
	var ctrl IdentifyController
	if err := Decode(buf, &ctrl); err != nil {
		return fmt.Errorf("nvme: decode identify controller: %w", err)
	}
	if err := e.identify(CNSNamespace, NamespaceID, buf); err != nil {
		return err
	}
	var ns IdentifyNamespace
	if err := Decode(buf, &ns); err != nil {
		return fmt.Errorf("nvme: decode identify namespace: %w", err)
	}

	qsize := uint32(depth-1) << 16
	cq := Command{
		Opcode: OpCreateIOCQ,
		PRP1:   regbus.PCIeWindow | uint64(regbus.IOCQ),
		Cdw10:  qsize | uint32(IOQueue),
		Cdw11:  1, // physically contiguous
	}
	if err := e.execAdmin(cq, "create io cq"); err != nil {
		return err
	}
	sq := Command{
		Opcode: OpCreateIOSQ,
		PRP1:   regbus.PCIeWindow | uint64(regbus.IOSQ),
		Cdw10:  qsize | uint32(IOQueue),
		Cdw11:  uint32(IOQueue)<<16 | 1,
	}
	if err := e.execAdmin(sq, "create io sq"); err != nil {
		return err
	}

	e.controller = ctrl
	e.namespace = Namespace{
		Blocks:    ns.Size,
		BlockSize: ns.BlockSize(),
		NGUID:     ns.GloballyUniqueID,
	}
	e.ready = true
	pkg.LogInfo(pkg.ComponentNVMe, "controller ready",
		"model", trimASCII(ctrl.ModelNumber[:]),
		"blocks", ns.Size,
		"blockSize", e.namespace.BlockSize)
	return nil
}

// Stop disables the controller and forgets the identify cache. Commands
// still outstanding are failed with StatusAbortedByHost.
func (e *Engine) Stop() {
	e.Fail(StatusAbortedByHost)
	e.ready = false
	e.bus.RMW(regbus.NVMeCC, ^regbus.NVMeCCEnable, 0)
	err := e.waiter.Until(e.cfg.Timeout, func() bool {
		return e.bus.Read(regbus.NVMeCSTS)&regbus.NVMeCSTSRDY == 0
	})
	if err != nil {
		pkg.LogWarn(pkg.ComponentNVMe, "controller still ready after disable", "error", err)
	}
}

func (e *Engine) identify(cns uint8, nsid uint32, buf []byte) error {
	cmd := Command{
		Opcode: OpIdentify,
		NSID:   nsid,
		PRP1:   e.cfg.Buffer,
		Cdw10:  uint32(cns),
	}
	if err := e.execAdmin(cmd, "identify"); err != nil {
		return err
	}
	regbus.ReadBlock(e.bus, uint16(e.cfg.Buffer), buf)
	return nil
}

func (e *Engine) execAdmin(cmd Command, what string) error {
	c, err := e.Exec(AdminQueue, cmd)
	if err != nil {
		return fmt.Errorf("nvme: %s: %w", what, err)
	}
	if !c.OK() {
		return fmt.Errorf("nvme: %s: %s: %w", what, c.Status(), pkg.ErrNotReady)
	}
	return nil
}

// Exec submits a command and polls for its completion, bounded by the
// engine timeout.
func (e *Engine) Exec(q QueueID, cmd Command) (Completion, error) {
	var (
		result Completion
		done   bool
	)
	if _, err := e.Submit(q, cmd, NoOwner, func(c Completion) {
		result, done = c, true
	}); err != nil {
		return Completion{}, err
	}
	err := e.waiter.Until(e.cfg.Timeout, func() bool {
		e.Poll()
		return done
	})
	if err != nil {
		return Completion{}, err
	}
	return result, nil
}

// Submit builds the command into the next free SQ entry, rings the tail
// doorbell and returns the assigned cid. done runs from Poll, Tick or Fail.
func (e *Engine) Submit(q QueueID, cmd Command, owner int, done Callback) (uint16, error) {
	if q != AdminQueue && !e.ready {
		return 0, pkg.ErrNotReady
	}
	s := &slot{queue: q, cmd: cmd, owner: owner, done: done}
	if len(e.slots) >= e.cfg.QueueDepth || e.queues[q].full() {
		return 0, pkg.ErrNoResources
	}
	s.cid = e.allocCID()
	if err := e.issue(s); err != nil {
		return 0, err
	}
	return s.cid, nil
}

// issue places s on its queue under s.cid. A retried command keeps the
// cid its owner was given.
func (e *Engine) issue(s *slot) error {
	qu := e.queues[s.queue]
	if len(e.slots) >= e.cfg.QueueDepth || qu.full() {
		return pkg.ErrNoResources
	}
	s.cmd.CID = s.cid
	frame, err := Encode(&s.cmd)
	if err != nil {
		return fmt.Errorf("nvme: encode command: %w", err)
	}
	s.attempts++
	s.issued = e.clock.Now()
	e.slots[s.cid] = s
	e.stats.Submitted++
	qu.push(e.bus, frame)
	pkg.LogDebug(pkg.ComponentNVMe, "submit",
		"queue", s.queue.String(),
		"command", s.cmd.String(),
		"owner", s.owner)
	return nil
}

// allocCID returns the next identifier after the last one issued that is
// not outstanding.
func (e *Engine) allocCID() uint16 {
	for {
		e.nextCID++
		if _, busy := e.slots[e.nextCID]; !busy {
			return e.nextCID
		}
	}
}

// Poll consumes every completion whose phase tag matches, in queue order,
// and routes each to its command. It returns the number consumed.
func (e *Engine) Poll() int {
	n := 0
	for _, q := range []QueueID{AdminQueue, IOQueue} {
		qu := e.queues[q]
		var c Completion
		for qu.peek(e.bus, &c) {
			qu.pop(e.bus, c.SQHead)
			n++
			e.complete(q, c)
		}
	}
	return n
}

func (e *Engine) complete(q QueueID, c Completion) {
	s, ok := e.slots[c.CID]
	if !ok || s.queue != q {
		e.stats.Stale++
		pkg.LogWarn(pkg.ComponentNVMe, "completion for unknown command",
			"queue", q.String(), "cid", c.CID)
		return
	}
	delete(e.slots, c.CID)

	st := c.Status()
	if !st.Success() {
		if st.Retryable() && s.attempts <= e.cfg.Retries {
			e.stats.Retried++
			pkg.LogDebug(pkg.ComponentNVMe, "retry",
				"cid", c.CID, "status", st.String(), "attempt", s.attempts)
			if err := e.issue(s); err == nil {
				return
			}
		}
		e.stats.Failed++
		pkg.LogWarn(pkg.ComponentNVMe, "command failed",
			"command", s.cmd.String(), "status", st.String())
	}
	e.stats.Completed++
	if s.done != nil {
		s.done(c)
	}
}

// Tick fails commands older than the liveness timeout.
func (e *Engine) Tick() {
	now := e.clock.Now()
	for cid, s := range e.slots {
		if now.Sub(s.issued) < e.cfg.Timeout {
			continue
		}
		delete(e.slots, cid)
		e.stats.TimedOut++
		pkg.LogWarn(pkg.ComponentNVMe, "command timed out",
			"command", s.cmd.String(), "age", now.Sub(s.issued))
		if e.onTimeout != nil {
			e.onTimeout(cid)
		}
		e.finish(s, StatusAbortedByHost|statusDNR)
	}
}

// Fail completes every outstanding command with status, as after a lost
// link. Queue state is kept; Start resets it.
func (e *Engine) Fail(status Status) {
	pending := e.slots
	e.slots = make(map[uint16]*slot)
	for _, s := range pending {
		e.finish(s, status|statusDNR)
	}
}

func (e *Engine) finish(s *slot, status Status) {
	e.stats.Failed++
	if s.done == nil {
		return
	}
	c := Completion{CID: s.cid, SQID: uint16(s.queue)}
	c.SetStatus(status)
	s.done(c)
}

// Read submits an I/O read of blocks starting at lba into the buffer at
// prp.
func (e *Engine) Read(lba uint64, blocks uint32, prp uint64, owner int, done Callback) (uint16, error) {
	return e.Submit(IOQueue, rw(OpRead, lba, blocks, prp), owner, done)
}

// Write submits an I/O write of blocks starting at lba from the buffer at
// prp.
func (e *Engine) Write(lba uint64, blocks uint32, prp uint64, owner int, done Callback) (uint16, error) {
	return e.Submit(IOQueue, rw(OpWrite, lba, blocks, prp), owner, done)
}

// Flush submits an I/O flush of the namespace.
func (e *Engine) Flush(owner int, done Callback) (uint16, error) {
	return e.Submit(IOQueue, Command{Opcode: OpFlush, NSID: NamespaceID}, owner, done)
}

func rw(op uint8, lba uint64, blocks uint32, prp uint64) Command {
	return Command{
		Opcode: op,
		NSID:   NamespaceID,
		PRP1:   prp,
		Cdw10:  uint32(lba),
		Cdw11:  uint32(lba >> 32),
		Cdw12:  blocks - 1,
	}
}

// IdentifyCommand builds an Identify admin command.
func IdentifyCommand(cns uint8, nsid uint32, prp uint64) Command {
	return Command{Opcode: OpIdentify, NSID: nsid, PRP1: prp, Cdw10: uint32(cns)}
}

// GetLogPageCommand builds a Get Log Page admin command for length bytes
// of log lid.
func GetLogPageCommand(lid uint8, nsid uint32, length int, prp uint64) Command {
	if length < 4 {
		length = 4
	}
	numd := uint32(length/4) - 1
	return Command{
		Opcode: OpGetLogPage,
		NSID:   nsid,
		PRP1:   prp,
		Cdw10:  numd&0xFFFF<<16 | uint32(lid),
		Cdw11:  numd >> 16,
	}
}

// LogPageLength decodes the byte length requested by a Get Log Page.
func LogPageLength(cmd *Command) int {
	numd := cmd.Cdw10>>16 | (cmd.Cdw11&0xFFFF)<<16
	return int(numd+1) * 4
}

func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}
