package sim

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/ardnew/softbridge/flash"
	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// Interrupter receives the modeled interrupt lines.
type Interrupter interface {
	Raise(irq kernel.IRQ)
}

// Config describes the modeled board.
type Config struct {
	// Media backs the NVMe namespace. Nil gives 64 MiB of memory media.
	Media Media
	// FlashSize is the SPI flash size in bytes.
	FlashSize int
	// SuperSpeed reports a SuperSpeed host connection.
	SuperSpeed bool
}

// DefaultConfig returns a board with memory media and default flash.
func DefaultConfig() Config {
	return Config{FlashSize: flash.DefaultSize, SuperSpeed: true}
}

// Stats counts modeled hardware activity.
type Stats struct {
	CPUResets   int
	LinkResets  int
	DMAIn       uint64
	DMAOut      uint64
	DMAErrors   uint64
	CSWs        int
	UARTBytes   uint64
	Connects    int
	Disconnects int
}

// Model is the ASIC side of the bridge register file: PHY and tunnel
// training, the command engine DMA between staging and the bulk FIFOs,
// CSW and control transfer handshakes, UART, CPU reset and the NVMe
// controller behind the tunnel.
type Model struct {
	bus   *regbus.Memory
	flash *flash.Memory
	nvme  *Controller

	mu        sync.Mutex
	irq       Interrupter
	uart      io.Writer
	line      []byte
	out       []byte   // bulk-OUT FIFO
	in        []byte   // bulk-IN data the host received
	csws      [][]byte // CSWs the host received
	ack       uint8
	acked     bool
	armed     bool // first link reset magic seen
	linkDead  bool
	phyBroken bool
	dmaFail   bool
	connected bool
	stats     Stats
}

// NewModel builds the register file and attaches the hardware behavior.
func NewModel(cfg Config) *Model {
	if cfg.Media == nil {
		cfg.Media = NewMemoryMedia(1<<17, BlockSize)
	}
	if cfg.FlashSize == 0 {
		cfg.FlashSize = flash.DefaultSize
	}
	m := &Model{
		bus:   regbus.NewMemory(),
		flash: flash.NewMemory(cfg.FlashSize),
	}
	m.nvme = NewController(m.bus, cfg.Media, m.cqeReady)

	status := regbus.USBStatusVBUS
	if cfg.SuperSpeed {
		status |= regbus.USBStatusSuperSpeed
	}
	m.bus.Poke(regbus.USBStatus, status)
	m.bus.Poke(regbus.USBCtrl, regbus.USBCtrlPulldown)
	m.bus.Poke(regbus.PHYCtrl, regbus.PHYCtrlReset)

	m.bus.OnWrite(regbus.USBCtrl, m.usbControl)
	m.bus.OnWrite(regbus.CtrlAck, m.controlAck)
	m.bus.OnWrite(regbus.EPStall, m.endpointStall)
	m.bus.OnWrite(regbus.CSWCtrl, m.cswSend)
	m.bus.OnWrite(regbus.PHYCtrl, m.phyControl)
	m.bus.OnWrite(regbus.TunnelCtrl, m.tunnelControl)
	m.bus.OnWrite(regbus.LinkReset, m.linkReset)
	m.bus.OnWrite(regbus.UARTData, m.uartData)
	m.bus.OnWrite(regbus.CPUReset, m.cpuReset)
	m.bus.OnWrite(regbus.DMACtrl, m.dmaStart)
	return m
}

// Bus returns the register file.
func (m *Model) Bus() *regbus.Memory { return m.bus }

// Flash returns the SPI flash part.
func (m *Model) Flash() *flash.Memory { return m.flash }

// NVMe returns the NVMe controller.
func (m *Model) NVMe() *Controller { return m.nvme }

// Attach connects the interrupt lines to the firmware.
func (m *Model) Attach(irq Interrupter) {
	m.mu.Lock()
	m.irq = irq
	m.mu.Unlock()
}

// SetUART sets the sink for UART trace lines.
func (m *Model) SetUART(w io.Writer) {
	m.mu.Lock()
	m.uart = w
	m.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (m *Model) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Connected reports whether the device asserts soft-connect.
func (m *Model) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Model) raise(irq kernel.IRQ) {
	m.mu.Lock()
	i := m.irq
	m.mu.Unlock()
	if i != nil {
		i.Raise(irq)
	}
}

func (m *Model) cqeReady() {
	m.bus.SetBits(regbus.SysEvent, regbus.SysCQEReady)
	m.raise(kernel.IRQSystem)
}

// LinkDown drops the PCIe link. A transient loss comes back with the next
// link reset; a permanent one stays down.
func (m *Model) LinkDown(permanent bool) {
	m.mu.Lock()
	m.linkDead = permanent
	m.mu.Unlock()
	m.nvme.SetOffline(true)
	m.bus.ClearBits(regbus.LinkStatus, regbus.LinkStatusUp)
	m.bus.ClearBits(regbus.TunnelStatus, regbus.TunnelLinkUp)
	m.bus.SetBits(regbus.SysEvent, regbus.SysLinkChange)
	pkg.LogInfo(pkg.ComponentSim, "pcie link down", "permanent", permanent)
	m.raise(kernel.IRQSystem)
}

// HWError reports a hardware error with code in ErrorCode.
func (m *Model) HWError(code uint8) {
	m.bus.Poke(regbus.ErrorCode, code)
	m.bus.SetBits(regbus.SysEvent, regbus.SysError)
	m.raise(kernel.IRQSystem)
}

// SetPHYBroken keeps the PHY from reporting ready.
func (m *Model) SetPHYBroken(broken bool) {
	m.mu.Lock()
	m.phyBroken = broken
	m.mu.Unlock()
	if broken {
		m.bus.ClearBits(regbus.PHYStatus, regbus.PHYStatusReady)
	}
}

// FailDMA makes every DMA transfer end with the error bit.
func (m *Model) FailDMA(fail bool) {
	m.mu.Lock()
	m.dmaFail = fail
	m.mu.Unlock()
}

// TimerEvent raises the periodic timer interrupt.
func (m *Model) TimerEvent() {
	m.bus.SetBits(regbus.SysEvent, regbus.SysTimer)
	m.raise(kernel.IRQSystem)
}

func (m *Model) usbControl(_ uint16, v uint8) {
	m.mu.Lock()
	was := m.connected
	m.connected = v&regbus.USBCtrlConnect != 0 && v&regbus.USBCtrlPulldown == 0
	if m.connected && !was {
		m.stats.Connects++
	}
	if !m.connected && was {
		m.stats.Disconnects++
		m.out, m.in, m.csws = nil, nil, nil
	}
	m.mu.Unlock()
	if !m.connected {
		m.setOutLen(0)
	}
}

func (m *Model) controlAck(_ uint16, v uint8) {
	m.mu.Lock()
	m.ack, m.acked = v, true
	m.mu.Unlock()
}

// endpointStall flushes the bulk-OUT FIFO when the pipe halts; the host
// sees a STALL handshake instead of its data.
func (m *Model) endpointStall(_ uint16, v uint8) {
	if v&regbus.EPBulkOut == 0 {
		return
	}
	m.mu.Lock()
	m.out = nil
	m.mu.Unlock()
	m.setOutLen(0)
}

func (m *Model) cswSend(_ uint16, v uint8) {
	if v&regbus.CSWSend == 0 {
		return
	}
	csw := m.bus.PeekBlock(regbus.CSWBuf, 13)
	m.mu.Lock()
	m.csws = append(m.csws, csw)
	m.stats.CSWs++
	m.mu.Unlock()
}

func (m *Model) phyControl(_ uint16, v uint8) {
	m.mu.Lock()
	broken := m.phyBroken
	m.mu.Unlock()
	want := regbus.PHYCtrlClocks | regbus.PHYCtrlCDR
	if broken || v&regbus.PHYCtrlReset != 0 || v&want != want {
		m.bus.ClearBits(regbus.PHYStatus, regbus.PHYStatusReady)
		return
	}
	m.bus.SetBits(regbus.PHYStatus, regbus.PHYStatusReady)
}

func (m *Model) tunnelControl(_ uint16, v uint8) {
	m.mu.Lock()
	dead := m.linkDead
	m.mu.Unlock()
	ready := m.bus.Peek(regbus.PHYStatus)&regbus.PHYStatusReady == regbus.PHYStatusReady
	if v&regbus.TunnelEnable == 0 || dead || !ready {
		m.bus.ClearBits(regbus.TunnelStatus, regbus.TunnelComplete|regbus.TunnelLinkUp)
		return
	}
	if m.bus.Peek(regbus.TunnelByteEnable) != 0xFF {
		return
	}
	m.bus.SetBits(regbus.TunnelStatus, regbus.TunnelComplete|regbus.TunnelLinkUp)
	if m.bus.Peek(regbus.LinkStatus)&regbus.LinkStatusUp == 0 {
		m.bus.SetBits(regbus.LinkStatus, regbus.LinkStatusUp)
		m.bus.SetBits(regbus.SysEvent, regbus.SysLinkChange)
		m.raise(kernel.IRQSystem)
	}
}

// linkReset retrains the link on the 0x5A, 0xA5 sequence.
func (m *Model) linkReset(_ uint16, v uint8) {
	m.mu.Lock()
	switch {
	case v == regbus.LinkResetMagic1:
		m.armed = true
		m.mu.Unlock()
		return
	case v != regbus.LinkResetMagic2 || !m.armed:
		m.armed = false
		m.mu.Unlock()
		return
	}
	m.armed = false
	m.stats.LinkResets++
	dead := m.linkDead
	m.mu.Unlock()

	m.bus.ClearBits(regbus.PHYStatus, regbus.PHYStatusReady)
	m.bus.ClearBits(regbus.TunnelStatus, regbus.TunnelComplete|regbus.TunnelLinkUp)
	m.bus.ClearBits(regbus.LinkStatus, regbus.LinkStatusUp)
	m.nvme.Reset()
	if !dead {
		m.nvme.SetOffline(false)
	}
	pkg.LogDebug(pkg.ComponentSim, "link reset", "linkDead", dead)
}

func (m *Model) uartData(_ uint16, v uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.UARTBytes++
	if v != '\n' {
		m.line = append(m.line, v)
		return
	}
	if m.uart != nil {
		m.line = append(m.line, '\n')
		_, _ = m.uart.Write(m.line)
	}
	m.line = m.line[:0]
}

func (m *Model) cpuReset(_ uint16, v uint8) {
	if v != regbus.CPUResetMagic {
		return
	}
	m.mu.Lock()
	m.stats.CPUResets++
	m.out, m.in = nil, nil
	m.mu.Unlock()
	m.setOutLen(0)
	pkg.LogInfo(pkg.ComponentSim, "cpu reset")
}

// dmaStart moves DMALen bytes between staging and a bulk FIFO.
func (m *Model) dmaStart(_ uint16, v uint8) {
	if v&regbus.DMAStart == 0 {
		return
	}
	n := int(peek16(m.bus, regbus.DMALen))
	addr := peek16(m.bus, regbus.DMAAddr)

	m.mu.Lock()
	fail := m.dmaFail || int(addr)+n > 1<<16
	if v&regbus.DMATx == 0 && len(m.out) < n {
		fail = true
	}
	if fail {
		m.stats.DMAErrors++
		m.mu.Unlock()
		m.bus.SetBits(regbus.DMAStatus, regbus.DMAError)
		return
	}
	if v&regbus.DMATx != 0 {
		m.in = append(m.in, m.bus.PeekBlock(addr, n)...)
		m.stats.DMAIn += uint64(n)
	} else {
		m.bus.PokeBlock(addr, m.out[:n])
		m.out = m.out[n:]
		m.stats.DMAOut += uint64(n)
	}
	left := len(m.out)
	m.mu.Unlock()

	m.setOutLen(left)
	m.bus.SetBits(regbus.DMAStatus, regbus.DMADone)
}

func (m *Model) setOutLen(n int) {
	if n > 0xFFFF {
		n = 0xFFFF
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(n))
	m.bus.PokeBlock(regbus.OutLen, b[:])
}

// pushOut appends host data to the bulk-OUT FIFO.
func (m *Model) pushOut(data []byte) {
	if len(data) == 0 {
		return
	}
	m.mu.Lock()
	m.out = append(m.out, data...)
	n := len(m.out)
	m.mu.Unlock()
	m.setOutLen(n)
	m.bus.SetBits(regbus.EPEvent, regbus.EPBulkOut)
	m.raise(kernel.IRQUSB)
}

// takeIn returns and clears the bulk-IN data received so far.
func (m *Model) takeIn() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := m.in
	m.in = nil
	return in
}

// takeCSW returns the oldest CSW the host has not consumed. The bulk-IN
// completion reaches the firmware only once the host has the CSW.
func (m *Model) takeCSW() ([]byte, bool) {
	m.mu.Lock()
	if len(m.csws) == 0 {
		m.mu.Unlock()
		return nil, false
	}
	csw := m.csws[0]
	m.csws = m.csws[1:]
	m.mu.Unlock()
	m.bus.SetBits(regbus.EPEvent, regbus.EPBulkIn)
	m.raise(kernel.IRQUSB)
	return csw, true
}

// takeAck returns the last control handshake written by the firmware.
func (m *Model) takeAck() (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acked {
		return 0, false
	}
	m.acked = false
	return m.ack, true
}

// flushBulk discards both bulk FIFOs and any CSW not yet consumed.
func (m *Model) flushBulk() {
	m.mu.Lock()
	m.out, m.in, m.csws = nil, nil, nil
	m.mu.Unlock()
	m.setOutLen(0)
}
