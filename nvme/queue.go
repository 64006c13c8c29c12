package nvme

import (
	"github.com/ardnew/softbridge/regbus"
)

// QueueID selects a queue pair.
type QueueID uint16

// Queue pairs used by the bridge.
const (
	AdminQueue QueueID = 0
	IOQueue    QueueID = 1
)

// String returns the queue name.
func (q QueueID) String() string {
	if q == AdminQueue {
		return "admin"
	}
	return "io"
}

// MaxQueueDepth is the number of entries the queue windows hold.
const MaxQueueDepth = 8

// queue is a submission/completion ring pair in bus memory.
type queue struct {
	id     QueueID
	sqBase uint16
	cqBase uint16
	sqBell uint16 // SQ tail doorbell
	cqBell uint16 // CQ head doorbell
	depth  int

	tail   int  // next SQ slot to fill
	sqHead int  // controller's SQ head, from the latest CQE
	head   int  // next CQ slot to consume
	phase  bool // expected phase tag

	consumed uint64
	toggles  uint64
}

func newQueue(id QueueID, depth int) *queue {
	q := &queue{id: id, depth: depth}
	switch id {
	case AdminQueue:
		q.sqBase, q.cqBase = regbus.AdminSQ, regbus.AdminCQ
		q.sqBell, q.cqBell = regbus.AdminSQTail, regbus.AdminCQHead
	default:
		q.sqBase, q.cqBase = regbus.IOSQ, regbus.IOCQ
		q.sqBell, q.cqBell = regbus.IOSQTail, regbus.IOCQHead
	}
	q.reset()
	return q
}

func (q *queue) reset() {
	q.tail, q.sqHead, q.head = 0, 0, 0
	q.phase = true
}

// full reports whether one more entry would make tail meet head.
func (q *queue) full() bool {
	return (q.tail+1)%q.depth == q.sqHead
}

// push writes the encoded command at the tail and rings the doorbell.
func (q *queue) push(bus regbus.Bus, frame []byte) {
	regbus.WriteBlock(bus, q.sqBase+uint16(q.tail*CommandSize), frame)
	q.tail = (q.tail + 1) % q.depth
	bus.Write(q.sqBell, uint8(q.tail))
}

// peek decodes the completion at the head if its phase tag matches.
func (q *queue) peek(bus regbus.Bus, out *Completion) bool {
	var raw [CompletionSize]byte
	addr := q.cqBase + uint16(q.head*CompletionSize)
	// The phase tag lives in the last status byte.
	raw[14] = bus.Read(addr + 14)
	if (raw[14]&1 != 0) != q.phase {
		return false
	}
	regbus.ReadBlock(bus, addr, raw[:])
	if err := Decode(raw[:], out); err != nil {
		return false
	}
	return true
}

// pop advances the head past the entry just peeked and rings the CQ head
// doorbell.
func (q *queue) pop(bus regbus.Bus, sqHead uint16) {
	q.sqHead = int(sqHead) % q.depth
	q.head++
	q.consumed++
	if q.head == q.depth {
		q.head = 0
		q.phase = !q.phase
		q.toggles++
	}
	bus.Write(q.cqBell, uint8(q.head))
}

// clear zeroes the completion ring so stale phase tags cannot match.
func (q *queue) clear(bus regbus.Bus) {
	var zero [CompletionSize * MaxQueueDepth]byte
	regbus.WriteBlock(bus, q.cqBase, zero[:q.depth*CompletionSize])
}
