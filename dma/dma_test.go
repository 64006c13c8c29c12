package dma

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

// fifo models the USB side of the DMA engine.
type fifo struct {
	out  []byte // host data waiting on bulk-OUT
	in   []byte // data delivered to the host on bulk-IN
	fail bool
}

func newTestEngine(t *testing.T, withHardware bool) (*Engine, *regbus.Memory, *fifo) {
	t.Helper()
	bus := regbus.NewMemory()
	f := &fifo{}
	if withHardware {
		bus.OnWrite(regbus.DMACtrl, func(_ uint16, v uint8) {
			if v&regbus.DMAStart == 0 {
				return
			}
			n := int(regbus.Read16(bus, regbus.DMALen))
			addr := regbus.Read16(bus, regbus.DMAAddr)
			if f.fail || (v&regbus.DMATx == 0 && len(f.out) < n) {
				bus.SetBits(regbus.DMAStatus, regbus.DMAError)
				return
			}
			if v&regbus.DMATx != 0 {
				f.in = append(f.in, bus.PeekBlock(addr, n)...)
			} else {
				bus.PokeBlock(addr, f.out[:n])
				f.out = f.out[n:]
			}
			bus.SetBits(regbus.DMAStatus, regbus.DMADone)
		})
	}
	w := kernel.Waiter{Clock: kernel.NewManualClock(), Poll: 100 * time.Microsecond, Max: 250 * time.Millisecond}
	return New(bus, w, DefaultConfig()), bus, f
}

func TestSendReceive(t *testing.T) {
	e, bus, f := newTestEngine(t, true)

	payload := bytes.Repeat([]byte{0xA5, 0x5A}, 256)
	if err := e.Send(payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if diff := cmp.Diff(payload, f.in); diff != "" {
		t.Errorf("bulk-IN mismatch (-want +got):\n%s", diff)
	}
	if got := bus.Peek(regbus.DMACtrl); got != regbus.DMAStart|regbus.DMATx {
		t.Errorf("DMACtrl = 0x%02X, want start|tx", got)
	}

	f.out = []byte("hello, staging")
	got, err := e.Receive(5)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Receive() = %q, want %q", got, "hello")
	}
	if err := e.Discard(9); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if len(f.out) != 0 {
		t.Errorf("bulk-OUT still holds %d bytes", len(f.out))
	}

	st := e.Stats()
	if st.Transfers != 3 || st.Bytes != 512+5+9 {
		t.Errorf("Stats() = %+v", st)
	}
	if bus.Peek(regbus.DMAStatus) != 0 {
		t.Errorf("DMAStatus = 0x%02X, want cleared", bus.Peek(regbus.DMAStatus))
	}
}

func TestWaitCompleteTimeout(t *testing.T) {
	e, _, _ := newTestEngine(t, false)

	if err := e.SetupUSBTx(64); err != nil {
		t.Fatalf("SetupUSBTx() error = %v", err)
	}
	if err := e.SetupUSBTx(64); !errors.Is(err, pkg.ErrNoResources) {
		t.Errorf("second SetupUSBTx() = %v, want %v", err, pkg.ErrNoResources)
	}
	if err := e.WaitComplete(); !errors.Is(err, pkg.ErrTimeout) {
		t.Errorf("WaitComplete() = %v, want %v", err, pkg.ErrTimeout)
	}
	if e.Stats().Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", e.Stats().Timeouts)
	}
	if err := e.WaitComplete(); err != nil {
		t.Errorf("WaitComplete() with nothing in flight = %v", err)
	}
}

func TestTransferError(t *testing.T) {
	e, _, f := newTestEngine(t, true)
	f.fail = true
	if err := e.Send([]byte{1, 2, 3}); !errors.Is(err, pkg.ErrDMA) {
		t.Errorf("Send() = %v, want %v", err, pkg.ErrDMA)
	}
	if _, err := e.Receive(4); !errors.Is(err, pkg.ErrDMA) {
		t.Errorf("Receive() = %v, want %v", err, pkg.ErrDMA)
	}
}

func TestSetupBounds(t *testing.T) {
	e, _, _ := newTestEngine(t, true)
	for _, n := range []int{0, -1, regbus.StagingSize + 1} {
		if err := e.SetupUSBRx(n); !errors.Is(err, pkg.ErrOutOfRange) {
			t.Errorf("SetupUSBRx(%d) = %v, want %v", n, err, pkg.ErrOutOfRange)
		}
	}
	if err := e.Send(make([]byte, regbus.StagingSize+1)); !errors.Is(err, pkg.ErrOutOfRange) {
		t.Errorf("Send(oversize) = %v, want %v", err, pkg.ErrOutOfRange)
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		blockSize int
		staging   int
		want      []Chunk
	}{
		{"single block", 512, 512, 4096, []Chunk{{0, 512, 0, 1}}},
		{"exact staging", 4096, 512, 4096, []Chunk{{0, 4096, 0, 8}}},
		{"split", 9 * 512, 512, 4096, []Chunk{{0, 4096, 0, 8}, {4096, 512, 8, 1}}},
		{"4k blocks", 3 * 4096, 4096, 4096, []Chunk{{0, 4096, 0, 1}, {4096, 4096, 1, 1}, {8192, 4096, 2, 1}}},
		{"odd staging", 2048, 512, 1500, []Chunk{{0, 1024, 0, 2}, {1024, 1024, 2, 2}}},
		{"empty", 0, 512, 4096, nil},
		{"staging too small", 512, 512, 256, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.total, tt.blockSize, tt.staging)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Plan() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTransferResidue(t *testing.T) {
	tr := NewTransfer(16*512, 9*512, 512, 4096)
	if tr.Chunks() != 2 {
		t.Fatalf("Chunks() = %d, want 2", tr.Chunks())
	}
	if tr.Residue() != 16*512 {
		t.Errorf("Residue() = %d before any chunk", tr.Residue())
	}

	c, ok := tr.Next()
	if !ok || c.Length != 4096 {
		t.Fatalf("Next() = %+v, %v", c, ok)
	}
	tr.Complete()
	if tr.Residue() != 16*512-4096 {
		t.Errorf("Residue() = %d after first chunk", tr.Residue())
	}
	tr.Complete()
	if !tr.Done() || tr.Moved() != 9*512 {
		t.Errorf("Done() = %v, Moved() = %d", tr.Done(), tr.Moved())
	}
	if tr.Residue() != 7*512 {
		t.Errorf("Residue() = %d, want %d", tr.Residue(), 7*512)
	}
	if _, ok := tr.Next(); ok {
		t.Error("Next() returned a chunk after the plan finished")
	}
}
