package regbus

import (
	"sync"

	"github.com/ardnew/softbridge/pkg"
)

// Bus is byte-granular access to the bridge register space.
//
// There are no sequencing guarantees beyond program order. Side effects
// (doorbells, write-1-to-clear) are declared per register with a [Policy].
type Bus interface {
	Read(addr uint16) uint8
	Write(addr uint16, v uint8)
	// RMW replaces the register with (old & mask) | set.
	RMW(addr uint16, mask, set uint8)
}

// Policy describes how firmware writes to a register are applied.
type Policy uint8

// Register write policies.
const (
	RW       Policy = iota // Value is stored.
	RO                     // Firmware writes are silently dropped.
	W1C                    // Each 1 bit written clears the stored bit.
	Doorbell               // Value is stored and the write hook fires.
)

// String returns a human-readable policy name.
func (p Policy) String() string {
	switch p {
	case RW:
		return "RW"
	case RO:
		return "RO"
	case W1C:
		return "W1C"
	case Doorbell:
		return "Doorbell"
	default:
		return "Unknown"
	}
}

// WriteHook observes a firmware write after the policy has been applied.
// v is the value written by firmware, not the resulting register value.
type WriteHook func(addr uint16, v uint8)

// ReadHook runs before a firmware read so the hardware side can refresh
// the register lazily.
type ReadHook func(addr uint16)

// Memory is the raw register file used by the test harness and the
// hardware model. Firmware goes through the [Bus] methods; the hardware
// side uses Poke, Peek, SetBits and ClearBits, which bypass policy.
//
// Hooks run without the lock held and may access the register file.
type Memory struct {
	mu      sync.Mutex
	mem     [1 << 16]uint8
	policy  [1 << 16]Policy
	onRead  map[uint16]ReadHook
	onWrite map[uint16]WriteHook
}

// NewMemory creates a register file with the default policy table applied.
func NewMemory() *Memory {
	m := &Memory{
		onRead:  make(map[uint16]ReadHook),
		onWrite: make(map[uint16]WriteHook),
	}
	for _, p := range DefaultPolicies {
		for a := uint32(p.Lo); a <= uint32(p.Hi); a++ {
			m.policy[a] = p.Policy
		}
	}
	return m
}

// SetPolicy overrides the write policy of a single register.
func (m *Memory) SetPolicy(addr uint16, p Policy) {
	m.mu.Lock()
	m.policy[addr] = p
	m.mu.Unlock()
}

// PolicyOf returns the write policy of a register.
func (m *Memory) PolicyOf(addr uint16) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy[addr]
}

// OnRead installs a read hook for a register. A nil hook removes it.
func (m *Memory) OnRead(addr uint16, h ReadHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.onRead, addr)
		return
	}
	m.onRead[addr] = h
}

// OnWrite installs a write hook for a register. A nil hook removes it.
func (m *Memory) OnWrite(addr uint16, h WriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.onWrite, addr)
		return
	}
	m.onWrite[addr] = h
}

// Read implements [Bus].
func (m *Memory) Read(addr uint16) uint8 {
	m.mu.Lock()
	h := m.onRead[addr]
	m.mu.Unlock()
	if h != nil {
		h(addr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem[addr]
}

// Write implements [Bus].
func (m *Memory) Write(addr uint16, v uint8) {
	m.mu.Lock()
	switch m.policy[addr] {
	case RO:
		m.mu.Unlock()
		pkg.LogDebug(pkg.ComponentKernel, "write to read-only register dropped",
			"addr", Addr(addr), "value", v)
		return
	case W1C:
		m.mem[addr] &^= v
	default:
		m.mem[addr] = v
	}
	h := m.onWrite[addr]
	m.mu.Unlock()
	if h != nil {
		h(addr, v)
	}
}

// RMW implements [Bus].
func (m *Memory) RMW(addr uint16, mask, set uint8) {
	old := m.Read(addr)
	m.Write(addr, (old&mask)|set)
}

// Peek returns a register value without running read hooks.
func (m *Memory) Peek(addr uint16) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem[addr]
}

// Poke stores a register value without policy or hooks.
func (m *Memory) Poke(addr uint16, v uint8) {
	m.mu.Lock()
	m.mem[addr] = v
	m.mu.Unlock()
}

// SetBits sets bits in a register without policy or hooks.
func (m *Memory) SetBits(addr uint16, bits uint8) {
	m.mu.Lock()
	m.mem[addr] |= bits
	m.mu.Unlock()
}

// ClearBits clears bits in a register without policy or hooks.
func (m *Memory) ClearBits(addr uint16, bits uint8) {
	m.mu.Lock()
	m.mem[addr] &^= bits
	m.mu.Unlock()
}

// PokeBlock copies data into consecutive registers starting at addr.
func (m *Memory) PokeBlock(addr uint16, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		m.mem[uint16(int(addr)+i)] = b
	}
}

// PeekBlock copies n consecutive registers starting at addr.
func (m *Memory) PeekBlock(addr uint16, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = m.mem[uint16(int(addr)+i)]
	}
	return out
}

// ReadBlock fills buf from consecutive registers starting at addr.
func ReadBlock(b Bus, addr uint16, buf []byte) {
	for i := range buf {
		buf[i] = b.Read(uint16(int(addr) + i))
	}
}

// WriteBlock writes data to consecutive registers starting at addr.
func WriteBlock(b Bus, addr uint16, data []byte) {
	for i, v := range data {
		b.Write(uint16(int(addr)+i), v)
	}
}

// Read16 reads a little-endian 16-bit register pair.
func Read16(b Bus, addr uint16) uint16 {
	return uint16(b.Read(addr)) | uint16(b.Read(addr+1))<<8
}

// Write16 writes a little-endian 16-bit register pair.
func Write16(b Bus, addr uint16, v uint16) {
	b.Write(addr, uint8(v))
	b.Write(addr+1, uint8(v>>8))
}
