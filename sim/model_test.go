package sim

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/regbus"
)

type irqRecorder struct{ raised []kernel.IRQ }

func (r *irqRecorder) Raise(irq kernel.IRQ) { r.raised = append(r.raised, irq) }

func newTestModel(t *testing.T) (*Model, *irqRecorder) {
	t.Helper()
	m := NewModel(Config{Media: NewMemoryMedia(64, 512)})
	irq := &irqRecorder{}
	m.Attach(irq)
	return m, irq
}

func trainLink(m *Model) {
	bus := m.Bus()
	bus.Write(regbus.PHYCtrl, regbus.PHYCtrlClocks|regbus.PHYCtrlCDR)
	bus.Write(regbus.TunnelByteEnable, 0xFF)
	bus.Write(regbus.TunnelCtrl, regbus.TunnelEnable)
}

func TestModelPowerOnState(t *testing.T) {
	m := NewModel(DefaultConfig())
	bus := m.Bus()
	if bus.Peek(regbus.USBStatus)&regbus.USBStatusVBUS == 0 {
		t.Error("VBUS not reported")
	}
	if bus.Peek(regbus.USBCtrl)&regbus.USBCtrlPulldown == 0 {
		t.Error("pulldown not set at power on")
	}
	if m.Connected() {
		t.Error("Connected() = true before soft-connect")
	}
	if got := m.NVMe().Media().BlockCount(); got != 1<<17 {
		t.Errorf("default media blocks = %d, want %d", got, 1<<17)
	}
}

func TestModelConnect(t *testing.T) {
	m, _ := newTestModel(t)
	bus := m.Bus()

	bus.Write(regbus.USBCtrl, regbus.USBCtrlConnect)
	if !m.Connected() {
		t.Fatal("Connected() = false after connect")
	}
	bus.Write(regbus.USBCtrl, regbus.USBCtrlPulldown)
	if m.Connected() {
		t.Fatal("Connected() = true after disconnect")
	}
	st := m.Stats()
	if st.Connects != 1 || st.Disconnects != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestModelLinkTraining(t *testing.T) {
	m, irq := newTestModel(t)
	bus := m.Bus()

	bus.Write(regbus.PHYCtrl, regbus.PHYCtrlReset|regbus.PHYCtrlClocks|regbus.PHYCtrlCDR)
	if bus.Peek(regbus.PHYStatus)&regbus.PHYStatusReady != 0 {
		t.Fatal("PHY ready while held in reset")
	}
	trainLink(m)
	if bus.Peek(regbus.PHYStatus)&regbus.PHYStatusReady != regbus.PHYStatusReady {
		t.Fatal("PHY not ready after init")
	}
	if bus.Peek(regbus.TunnelStatus)&regbus.TunnelComplete == 0 {
		t.Fatal("tunnel not complete")
	}
	if bus.Peek(regbus.LinkStatus)&regbus.LinkStatusUp == 0 {
		t.Fatal("link not up")
	}
	if bus.Peek(regbus.SysEvent)&regbus.SysLinkChange == 0 {
		t.Error("link change event not latched")
	}
	if diff := cmp.Diff([]kernel.IRQ{kernel.IRQSystem}, irq.raised); diff != "" {
		t.Errorf("raised IRQs mismatch (-want +got):\n%s", diff)
	}
}

func TestModelBrokenPHY(t *testing.T) {
	m, _ := newTestModel(t)
	m.SetPHYBroken(true)
	trainLink(m)
	if m.Bus().Peek(regbus.TunnelStatus) != 0 {
		t.Error("tunnel trained over a broken PHY")
	}
}

func TestModelLinkDownAndReset(t *testing.T) {
	tests := []struct {
		name      string
		permanent bool
		wantUp    bool
	}{
		{name: "transient", wantUp: true},
		{name: "permanent", permanent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModel(t)
			bus := m.Bus()
			trainLink(m)
			bus.Poke(regbus.SysEvent, 0)

			m.LinkDown(tt.permanent)
			if bus.Peek(regbus.LinkStatus)&regbus.LinkStatusUp != 0 {
				t.Fatal("link still up")
			}
			if bus.Peek(regbus.SysEvent)&regbus.SysLinkChange == 0 {
				t.Fatal("link change not latched")
			}

			// A lone second magic byte does nothing.
			bus.Write(regbus.LinkReset, regbus.LinkResetMagic2)
			if m.Stats().LinkResets != 0 {
				t.Fatal("link reset without first magic byte")
			}
			bus.Write(regbus.LinkReset, regbus.LinkResetMagic1)
			bus.Write(regbus.LinkReset, regbus.LinkResetMagic2)
			if m.Stats().LinkResets != 1 {
				t.Fatalf("LinkResets = %d, want 1", m.Stats().LinkResets)
			}
			if bus.Peek(regbus.PHYStatus) != 0 {
				t.Error("PHY status not cleared by link reset")
			}

			trainLink(m)
			up := bus.Peek(regbus.LinkStatus)&regbus.LinkStatusUp != 0
			if up != tt.wantUp {
				t.Errorf("link up after retrain = %v, want %v", up, tt.wantUp)
			}
		})
	}
}

func TestModelDMA(t *testing.T) {
	m, irq := newTestModel(t)
	bus := m.Bus()

	payload := []byte("0123456789abcdef")
	m.pushOut(payload)
	if regbus.Read16(bus, regbus.OutLen) != uint16(len(payload)) {
		t.Fatalf("OutLen = %d, want %d", regbus.Read16(bus, regbus.OutLen), len(payload))
	}
	if bus.Peek(regbus.EPEvent)&regbus.EPBulkOut == 0 {
		t.Fatal("bulk-OUT event not set")
	}
	if len(irq.raised) != 1 || irq.raised[0] != kernel.IRQUSB {
		t.Errorf("raised = %v, want [USB]", irq.raised)
	}

	// OUT: FIFO to staging.
	regbus.Write16(bus, regbus.DMAAddr, regbus.Staging)
	regbus.Write16(bus, regbus.DMALen, 10)
	bus.Write(regbus.DMACtrl, regbus.DMAStart)
	if bus.Peek(regbus.DMAStatus)&regbus.DMADone == 0 {
		t.Fatal("DMA not done")
	}
	if got := bus.PeekBlock(regbus.Staging, 10); !bytes.Equal(got, payload[:10]) {
		t.Errorf("staging = %q, want %q", got, payload[:10])
	}
	if regbus.Read16(bus, regbus.OutLen) != 6 {
		t.Errorf("OutLen = %d, want 6", regbus.Read16(bus, regbus.OutLen))
	}

	// OUT longer than the FIFO holds fails.
	bus.Poke(regbus.DMAStatus, 0)
	bus.Write(regbus.DMACtrl, regbus.DMAStart)
	if bus.Peek(regbus.DMAStatus)&regbus.DMAError == 0 {
		t.Error("short FIFO DMA did not fail")
	}

	// IN: staging to the host.
	bus.Poke(regbus.DMAStatus, 0)
	regbus.Write16(bus, regbus.DMALen, 4)
	bus.Write(regbus.DMACtrl, regbus.DMAStart|regbus.DMATx)
	if got := m.takeIn(); !bytes.Equal(got, payload[:4]) {
		t.Errorf("host received %q, want %q", got, payload[:4])
	}

	m.FailDMA(true)
	bus.Poke(regbus.DMAStatus, 0)
	bus.Write(regbus.DMACtrl, regbus.DMAStart|regbus.DMATx)
	if bus.Peek(regbus.DMAStatus)&regbus.DMAError == 0 {
		t.Error("FailDMA did not fail the transfer")
	}
	st := m.Stats()
	if st.DMAOut != 10 || st.DMAIn != 4 || st.DMAErrors != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestModelCSW(t *testing.T) {
	m, _ := newTestModel(t)
	bus := m.Bus()

	csw := []byte{'U', 'S', 'B', 'S', 1, 0, 0, 0, 0, 0, 0, 0, 0}
	bus.PokeBlock(regbus.CSWBuf, csw)
	bus.Write(regbus.CSWCtrl, regbus.CSWSend)
	if bus.Peek(regbus.EPEvent)&regbus.EPBulkIn != 0 {
		t.Error("bulk-IN event set before the host took the CSW")
	}
	got, ok := m.takeCSW()
	if !ok {
		t.Fatal("no CSW captured")
	}
	if diff := cmp.Diff(csw, got); diff != "" {
		t.Errorf("CSW mismatch (-want +got):\n%s", diff)
	}
	if bus.Peek(regbus.EPEvent)&regbus.EPBulkIn == 0 {
		t.Error("bulk-IN event not set")
	}
	if _, ok := m.takeCSW(); ok {
		t.Error("CSW delivered twice")
	}
}

func TestModelStallFlushesOut(t *testing.T) {
	m, _ := newTestModel(t)
	m.pushOut([]byte{1, 2, 3})
	m.Bus().Write(regbus.EPStall, regbus.EPBulkOut)
	if regbus.Read16(m.Bus(), regbus.OutLen) != 0 {
		t.Error("OutLen not cleared by bulk-OUT stall")
	}
}

func TestModelUARTAndCPUReset(t *testing.T) {
	m, _ := newTestModel(t)
	var out bytes.Buffer
	m.SetUART(&out)

	for _, c := range []byte("boot ok\npartial") {
		m.Bus().Write(regbus.UARTData, c)
	}
	if out.String() != "boot ok\n" {
		t.Errorf("UART = %q, want %q", out.String(), "boot ok\n")
	}

	m.Bus().Write(regbus.CPUReset, 0x11)
	m.Bus().Write(regbus.CPUReset, regbus.CPUResetMagic)
	st := m.Stats()
	if st.CPUResets != 1 {
		t.Errorf("CPUResets = %d, want 1", st.CPUResets)
	}
	if st.UARTBytes != 15 {
		t.Errorf("UARTBytes = %d, want 15", st.UARTBytes)
	}
}

func TestModelEvents(t *testing.T) {
	m, irq := newTestModel(t)
	m.HWError(0x42)
	m.TimerEvent()
	bus := m.Bus()
	if bus.Peek(regbus.ErrorCode) != 0x42 {
		t.Errorf("ErrorCode = %#x, want 0x42", bus.Peek(regbus.ErrorCode))
	}
	want := regbus.SysError | regbus.SysTimer
	if bus.Peek(regbus.SysEvent)&want != want {
		t.Errorf("SysEvent = %#x, want bits %#x", bus.Peek(regbus.SysEvent), want)
	}
	if len(irq.raised) != 2 {
		t.Errorf("raised %d IRQs, want 2", len(irq.raised))
	}
}
