package dma

import (
	"fmt"
	"time"

	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// Direction of a USB transfer relative to the staging buffer.
type Direction uint8

// Transfer directions.
const (
	USBRx Direction = iota // bulk-OUT FIFO to staging
	USBTx                  // staging to bulk-IN FIFO
)

// String returns a human-readable direction.
func (d Direction) String() string {
	if d == USBTx {
		return "tx"
	}
	return "rx"
}

// Config holds the DMA parameters.
type Config struct {
	Timeout     time.Duration
	StagingSize int
}

// DefaultConfig returns the DMA defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Millisecond,
		StagingSize: regbus.StagingSize,
	}
}

// Stats counts DMA activity.
type Stats struct {
	Transfers uint64
	Bytes     uint64
	Errors    uint64
	Timeouts  uint64
}

// Engine programs the command engine's DMA between the USB bulk FIFOs and
// the staging buffer. One transfer is in flight at a time.
type Engine struct {
	bus    regbus.Bus
	waiter kernel.Waiter
	cfg    Config

	active  bool
	dir     Direction
	pending int
	stats   Stats
}

// New creates a DMA engine.
func New(bus regbus.Bus, waiter kernel.Waiter, cfg Config) *Engine {
	if cfg.StagingSize <= 0 || cfg.StagingSize > regbus.StagingSize {
		cfg.StagingSize = regbus.StagingSize
	}
	return &Engine{bus: bus, waiter: waiter, cfg: cfg}
}

// StagingSize returns the usable size of the staging buffer.
func (e *Engine) StagingSize() int { return e.cfg.StagingSize }

// PRP returns the PCIe address of the staging buffer.
func (e *Engine) PRP() uint64 { return regbus.PCIeWindow | uint64(regbus.Staging) }

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats { return e.stats }

// SetupUSBRx starts moving n bytes from the bulk-OUT FIFO into staging.
func (e *Engine) SetupUSBRx(n int) error { return e.setup(USBRx, n) }

// SetupUSBTx starts moving n bytes from staging to the bulk-IN FIFO.
func (e *Engine) SetupUSBTx(n int) error { return e.setup(USBTx, n) }

func (e *Engine) setup(dir Direction, n int) error {
	if n <= 0 || n > e.cfg.StagingSize {
		return fmt.Errorf("dma %s of %d bytes: %w", dir, n, pkg.ErrOutOfRange)
	}
	if e.active {
		return fmt.Errorf("dma %s: transfer in flight: %w", dir, pkg.ErrNoResources)
	}
	e.bus.Write(regbus.DMAStatus, regbus.DMADone|regbus.DMAError)
	regbus.Write16(e.bus, regbus.DMALen, uint16(n))
	regbus.Write16(e.bus, regbus.DMAAddr, regbus.Staging)
	ctrl := regbus.DMAStart
	if dir == USBTx {
		ctrl |= regbus.DMATx
	}
	e.active, e.dir, e.pending = true, dir, n
	e.bus.Write(regbus.DMACtrl, ctrl)
	pkg.LogDebug(pkg.ComponentDMA, "setup", "dir", dir.String(), "length", n)
	return nil
}

// WaitComplete polls until the in-flight transfer signals done or error,
// bounded by the DMA timeout.
func (e *Engine) WaitComplete() error {
	if !e.active {
		return nil
	}
	var st uint8
	err := e.waiter.Until(e.cfg.Timeout, func() bool {
		st = e.bus.Read(regbus.DMAStatus)
		return st&(regbus.DMADone|regbus.DMAError) != 0
	})
	e.active = false
	if err != nil {
		e.stats.Timeouts++
		e.bus.Write(regbus.DMACtrl, 0)
		pkg.LogWarn(pkg.ComponentDMA, "timeout", "dir", e.dir.String(), "length", e.pending)
		return fmt.Errorf("dma %s wait: %w", e.dir, err)
	}
	e.bus.Write(regbus.DMAStatus, st)
	if st&regbus.DMAError != 0 {
		e.stats.Errors++
		return fmt.Errorf("dma %s status 0x%02X: %w", e.dir, st, pkg.ErrDMA)
	}
	e.stats.Transfers++
	e.stats.Bytes += uint64(e.pending)
	return nil
}

// Receive moves n bytes from the bulk-OUT FIFO into staging and returns
// them.
func (e *Engine) Receive(n int) ([]byte, error) {
	if err := e.SetupUSBRx(n); err != nil {
		return nil, err
	}
	if err := e.WaitComplete(); err != nil {
		return nil, err
	}
	return e.ReadStaging(0, n), nil
}

// Discard moves n bytes out of the bulk-OUT FIFO and drops them.
func (e *Engine) Discard(n int) error {
	for n > 0 {
		c := n
		if c > e.cfg.StagingSize {
			c = e.cfg.StagingSize
		}
		if err := e.SetupUSBRx(c); err != nil {
			return err
		}
		if err := e.WaitComplete(); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

// Send copies data into staging and moves it to the bulk-IN FIFO.
func (e *Engine) Send(data []byte) error {
	if len(data) > e.cfg.StagingSize {
		return fmt.Errorf("dma send of %d bytes: %w", len(data), pkg.ErrOutOfRange)
	}
	e.WriteStaging(0, data)
	return e.Transmit(len(data))
}

// Transmit moves n bytes already in staging to the bulk-IN FIFO.
func (e *Engine) Transmit(n int) error {
	if err := e.SetupUSBTx(n); err != nil {
		return err
	}
	return e.WaitComplete()
}

// ReadStaging returns n bytes of staging starting at off.
func (e *Engine) ReadStaging(off, n int) []byte {
	buf := make([]byte, n)
	regbus.ReadBlock(e.bus, regbus.Staging+uint16(off), buf)
	return buf
}

// WriteStaging copies data into staging starting at off.
func (e *Engine) WriteStaging(off int, data []byte) {
	regbus.WriteBlock(e.bus, regbus.Staging+uint16(off), data)
}
