package sim

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softbridge/kernel"
	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

const stagingPRP = regbus.PCIeWindow | uint64(regbus.Staging)

type controllerFixture struct {
	bus     *regbus.Memory
	ctrl    *Controller
	engine  *nvme.Engine
	clock   *kernel.ManualClock
	notices int
}

func newControllerFixture(t *testing.T, media Media) *controllerFixture {
	t.Helper()
	f := &controllerFixture{bus: regbus.NewMemory(), clock: kernel.NewManualClock()}
	f.ctrl = NewController(f.bus, media, func() { f.notices++ })
	w := kernel.Waiter{Clock: f.clock, Poll: 100 * time.Microsecond, Max: 250 * time.Millisecond}
	f.engine = nvme.New(f.bus, w, nvme.DefaultConfig())
	return f
}

func (f *controllerFixture) start(t *testing.T) {
	t.Helper()
	if err := f.engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestControllerBringUp(t *testing.T) {
	f := newControllerFixture(t, NewMemoryMedia(2048, 4096))
	f.start(t)

	ns, ok := f.engine.Namespace()
	if !ok {
		t.Fatal("Namespace() not ready")
	}
	if ns.Blocks != 2048 || ns.BlockSize != 4096 {
		t.Errorf("namespace = %d x %d, want 2048 x 4096", ns.Blocks, ns.BlockSize)
	}
	if ns.NGUID != f.ctrl.NGUID() {
		t.Errorf("NGUID = %x, want %x", ns.NGUID, f.ctrl.NGUID())
	}
	id, _ := f.engine.Controller()
	if !bytes.HasPrefix(id.ModelNumber[:], []byte("softbridge NVMe model")) {
		t.Errorf("model = %q", id.ModelNumber[:])
	}
	if got := f.ctrl.Stats().Enables; got != 1 {
		t.Errorf("Enables = %d, want 1", got)
	}
	// identify x2, create CQ, create SQ
	if got := f.ctrl.Stats().Admin; got != 4 {
		t.Errorf("Admin = %d, want 4", got)
	}
	if f.notices == 0 {
		t.Error("notify never ran")
	}
}

func TestControllerReadWrite(t *testing.T) {
	f := newControllerFixture(t, NewMemoryMedia(64, 512))
	f.start(t)

	data := bytes.Repeat([]byte{0x5A, 0xC3}, 512)
	f.bus.PokeBlock(regbus.Staging, data)

	var done []nvme.Completion
	cb := func(c nvme.Completion) { done = append(done, c) }
	if _, err := f.engine.Write(10, 2, stagingPRP, 0, cb); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	f.engine.Poll()
	if len(done) != 1 || !done[0].OK() {
		t.Fatalf("write completions = %+v", done)
	}

	f.bus.PokeBlock(regbus.Staging, make([]byte, len(data)))
	if _, err := f.engine.Read(10, 2, stagingPRP, 0, cb); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	f.engine.Poll()
	if len(done) != 2 || !done[1].OK() {
		t.Fatalf("read completions = %+v", done)
	}
	if got := f.bus.PeekBlock(regbus.Staging, len(data)); !bytes.Equal(got, data) {
		t.Error("read back data differs from written data")
	}

	if _, err := f.engine.Flush(0, cb); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	f.engine.Poll()
	st := f.ctrl.Stats()
	if st.Reads != 1 || st.Writes != 1 || st.Flushes != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestControllerErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *controllerFixture)
		lba   uint64
		want  nvme.Status
	}{
		{
			name: "out of range",
			lba:  64,
			want: nvme.StatusLBAOutOfRange,
		},
		{
			name: "media error",
			setup: func(f *controllerFixture) {
				f.ctrl.FailLBA(7, nvme.StatusUnrecoveredRead|dnr)
			},
			lba:  6,
			want: nvme.StatusUnrecoveredRead,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t, NewMemoryMedia(64, 512))
			f.start(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			var got nvme.Completion
			if _, err := f.engine.Read(tt.lba, 2, stagingPRP, 0, func(c nvme.Completion) { got = c }); err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			f.engine.Poll()
			if got.Status().Base() != tt.want {
				t.Errorf("status = %v, want %v", got.Status(), tt.want)
			}
			if !got.Status().DNR() {
				t.Error("status lacks DNR")
			}
		})
	}
}

func TestControllerRetry(t *testing.T) {
	f := newControllerFixture(t, NewMemoryMedia(64, 512))
	f.start(t)

	f.ctrl.InjectStatus(nvme.StatusInternalError)
	var got nvme.Completion
	if _, err := f.engine.Read(0, 1, stagingPRP, 0, func(c nvme.Completion) { got = c }); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	f.engine.Poll()
	f.engine.Poll()
	if !got.OK() {
		t.Errorf("status = %v, want success after retry", got.Status())
	}
	if r := f.engine.Stats().Retried; r != 1 {
		t.Errorf("Retried = %d, want 1", r)
	}
}

func TestControllerDropTimesOut(t *testing.T) {
	f := newControllerFixture(t, NewMemoryMedia(64, 512))
	f.start(t)

	f.ctrl.Drop(1)
	var got *nvme.Completion
	if _, err := f.engine.Read(0, 1, stagingPRP, 0, func(c nvme.Completion) { got = &c }); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	f.engine.Poll()
	if got != nil {
		t.Fatal("dropped command completed")
	}
	f.clock.Advance(time.Second)
	f.engine.Tick()
	if got == nil || got.Status().Base() != nvme.StatusAbortedByHost {
		t.Errorf("completion after timeout = %+v", got)
	}
	if d := f.ctrl.Stats().Dropped; d != 1 {
		t.Errorf("Dropped = %d, want 1", d)
	}
}

func TestControllerHoldRelease(t *testing.T) {
	f := newControllerFixture(t, NewMemoryMedia(64, 512))
	f.start(t)

	f.ctrl.Hold()
	n := 0
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Read(uint64(i), 1, stagingPRP, i, func(nvme.Completion) { n++ }); err != nil {
			t.Fatalf("Read() error = %v", err)
		}
	}
	if f.engine.Poll() != 0 {
		t.Fatal("held completions were visible")
	}
	f.ctrl.Release()
	if got := f.engine.Poll(); got != 3 || n != 3 {
		t.Errorf("Poll() = %d with %d callbacks, want 3", got, n)
	}
}

func TestControllerOffline(t *testing.T) {
	f := newControllerFixture(t, NewMemoryMedia(64, 512))
	f.ctrl.SetOffline(true)
	if err := f.engine.Start(); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Start() offline error = %v, want ErrTimeout", err)
	}
	f.ctrl.SetOffline(false)
	f.start(t)

	f.ctrl.Reset()
	if f.bus.Peek(regbus.NVMeCSTS)&regbus.NVMeCSTSRDY != 0 {
		t.Error("CSTS.RDY still set after Reset()")
	}
}

func TestControllerBadDepth(t *testing.T) {
	bus := regbus.NewMemory()
	NewController(bus, NewMemoryMedia(8, 512), func() {})
	bus.Write(regbus.AdminQueueDepth, 1)
	bus.Write(regbus.NVMeCC, regbus.NVMeCCEnable)
	if bus.Peek(regbus.NVMeCSTS)&regbus.NVMeCSTSCFS == 0 {
		t.Error("CSTS.CFS not set for depth 1")
	}
}
