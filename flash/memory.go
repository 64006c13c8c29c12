package flash

import (
	"fmt"
	"sync"

	"github.com/ardnew/softbridge/pkg"
)

// MemoryStats counts operations on a [Memory].
type MemoryStats struct {
	Reads    uint64
	Erases   uint64
	Programs uint64
}

// Memory is a NOR flash model: erase sets a sector to 0xFF, programming
// can only clear bits, and erase or program without the write-enable
// latch fails.
type Memory struct {
	mutex sync.Mutex
	data  []byte
	wel   bool
	stats MemoryStats
}

// NewMemory creates an erased part of size bytes, rounded up to a whole
// sector.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	size = (size + SectorSize - 1) / SectorSize * SectorSize
	m := &Memory{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = 0xFF
	}
	return m
}

// Size returns the part size in bytes.
func (m *Memory) Size() int { return len(m.data) }

// Read implements [Driver].
func (m *Memory) Read(addr uint32, buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.bounds(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, m.data[addr:])
	m.stats.Reads++
	return nil
}

// WriteEnable implements [Driver].
func (m *Memory) WriteEnable() error {
	m.mutex.Lock()
	m.wel = true
	m.mutex.Unlock()
	return nil
}

// EraseSector implements [Driver]. addr may be anywhere in the sector.
func (m *Memory) EraseSector(addr uint32) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.wel {
		return pkg.ErrFlashWriteDisabled
	}
	m.wel = false
	base := addr &^ (SectorSize - 1)
	if err := m.bounds(base, SectorSize); err != nil {
		return err
	}
	for i := base; i < base+SectorSize; i++ {
		m.data[i] = 0xFF
	}
	m.stats.Erases++
	pkg.LogDebug(pkg.ComponentFlash, "sector erased", "addr", fmt.Sprintf("0x%06X", base))
	return nil
}

// WritePage implements [Driver].
func (m *Memory) WritePage(addr uint32, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.wel {
		return pkg.ErrFlashWriteDisabled
	}
	m.wel = false
	if len(data) == 0 {
		return nil
	}
	if addr/PageSize != (addr+uint32(len(data))-1)/PageSize {
		return fmt.Errorf("program 0x%06X+%d: %w", addr, len(data), pkg.ErrFlashAlignment)
	}
	if err := m.bounds(addr, len(data)); err != nil {
		return err
	}
	for i, b := range data {
		m.data[addr+uint32(i)] &= b
	}
	m.stats.Programs++
	return nil
}

// Bytes returns a copy of the whole part.
func (m *Memory) Bytes() []byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Load replaces the part contents, as a programmer fixture would.
func (m *Memory) Load(addr uint32, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.bounds(addr, len(data)); err != nil {
		return err
	}
	copy(m.data[addr:], data)
	return nil
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() MemoryStats {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stats
}

func (m *Memory) bounds(addr uint32, n int) error {
	if int(addr)+n > len(m.data) {
		return fmt.Errorf("flash 0x%06X+%d: %w", addr, n, pkg.ErrOutOfRange)
	}
	return nil
}
