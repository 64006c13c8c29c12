package msc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/softbridge/link"
	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
	"github.com/ardnew/softbridge/regbus"
)

func xdataCDB(op, arg uint8, addr uint32) []byte {
	return []byte{op, arg, uint8(addr >> 16), uint8(addr >> 8), uint8(addr), 0}
}

func TestReadXDATA(t *testing.T) {
	h := newHarness(t)
	h.bus.Poke(regbus.PHYStatus, regbus.PHYStatusReady)
	h.bus.PokeBlock(regbus.PHYStatus+1, []byte{0x11, 0x22, 0x33})

	in, csw := h.exchange(t, NewCBW(1, DirIn, 4, xdataCDB(VendorReadXDATA, 4, uint32(regbus.PHYStatus))), nil)
	if csw.Status != CSWStatusGood || csw.DataResidue != 0 {
		t.Fatalf("CSW = %v", &csw)
	}
	want := []byte{regbus.PHYStatusReady, 0x11, 0x22, 0x33}
	if diff := cmp.Diff(want, in); diff != "" {
		t.Errorf("XDATA mismatch (-want +got):\n%s", diff)
	}
}

func TestXDATABounds(t *testing.T) {
	tests := []struct {
		name string
		cdb  []byte
	}{
		{"zero size", xdataCDB(VendorReadXDATA, 0, 0x7000)},
		{"oversize", xdataCDB(VendorReadXDATA, VendorMaxXDATA+1, 0x7000)},
		{"address above XDATA", xdataCDB(VendorReadXDATA, 1, 0x010000)},
		{"write above XDATA", xdataCDB(VendorWriteXDATA, 1, 0x01C000)},
		{"short cdb", []byte{VendorReadXDATA, 1, 0x70}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			dir, hlen := DirIn, uint32(VendorMaxXDATA)
			if tt.cdb[0] == VendorWriteXDATA {
				dir, hlen = DirNone, 0
			}
			_, csw := h.exchange(t, NewCBW(2, dir, hlen, tt.cdb), nil)
			if csw.Status != CSWStatusFailed {
				t.Fatalf("status = %d, want FAILED", csw.Status)
			}
			checkSense(t, h.requestSense(t), SenseIllegalRequest, ASCInvalidFieldInCDB)
		})
	}
}

func TestWriteXDATA(t *testing.T) {
	tests := []struct {
		name string
		addr uint16
		prev uint8
		want uint8
	}{
		{"staging", regbus.Staging + 0x10, 0x00, 0x55},
		{"read-only status", regbus.USBStatus, 0x11, 0x11},
		{"read-only PHY status", regbus.PHYStatus, 0x03, 0x03},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.bus.Poke(tt.addr, tt.prev)
			_, csw := h.exchange(t, NewCBW(3, DirNone, 0, xdataCDB(VendorWriteXDATA, 0x55, uint32(tt.addr))), nil)
			if csw.Status != CSWStatusGood {
				t.Fatalf("status = %d, want 0", csw.Status)
			}
			if got := h.bus.Peek(tt.addr); got != tt.want {
				t.Errorf("register 0x%04X = 0x%02X, want 0x%02X", tt.addr, got, tt.want)
			}
			in, _ := h.exchange(t, NewCBW(4, DirIn, 1, xdataCDB(VendorReadXDATA, 1, uint32(tt.addr))), nil)
			if len(in) != 1 || in[0] != tt.want {
				t.Errorf("read back = %X, want %02X", in, tt.want)
			}
		})
	}
}

func TestConfigBlocks(t *testing.T) {
	h := newHarness(t)
	in, csw := h.exchange(t, NewCBW(1, DirIn, ConfigBlockSize, []byte{VendorReadConfig, VendorConfigMagic, 1, 0, 0, 0}), nil)
	if csw.Status != CSWStatusGood {
		t.Fatalf("read status = %d, want 0", csw.Status)
	}
	if diff := cmp.Diff(h.fw.config[1], in); diff != "" {
		t.Errorf("config block 1 mismatch (-want +got):\n%s", diff)
	}

	data := bytes.Repeat([]byte{0x3C}, ConfigBlockSize)
	_, csw = h.exchange(t, NewCBW(2, DirOut, ConfigBlockSize, []byte{VendorWriteConfig, VendorConfigMagic, 0, 0, 0, 0}), data)
	if csw.Status != CSWStatusGood || csw.DataResidue != 0 {
		t.Fatalf("write CSW = %v", &csw)
	}
	if !bytes.Equal(h.fw.config[0], data) {
		t.Errorf("config block 0 = %X, want %X", h.fw.config[0][:4], data[:4])
	}

	for _, cdb := range [][]byte{
		{VendorReadConfig, 0x51, 0, 0, 0, 0},
		{VendorReadConfig, VendorConfigMagic, 2, 0, 0, 0},
	} {
		_, csw = h.exchange(t, NewCBW(3, DirIn, ConfigBlockSize, cdb), nil)
		if csw.Status != CSWStatusFailed {
			t.Errorf("cdb % X status = %d, want FAILED", cdb, csw.Status)
		}
	}
}

func TestReadFlash(t *testing.T) {
	h := newHarness(t)
	cdb := make([]byte, 6)
	cdb[0] = VendorReadFlash
	binary.BigEndian.PutUint32(cdb[1:5], 512)
	in, csw := h.exchange(t, NewCBW(1, DirIn, 512, cdb), nil)
	if csw.Status != CSWStatusGood {
		t.Fatalf("status = %d, want 0", csw.Status)
	}
	if !bytes.Equal(in, h.fw.flash[:512]) {
		t.Error("flash read differs from image")
	}

	binary.BigEndian.PutUint32(cdb[1:5], uint32(h.dma.StagingSize()+1))
	if _, csw = h.exchange(t, NewCBW(2, DirIn, 8192, cdb), nil); csw.Status != CSWStatusFailed {
		t.Errorf("oversize read status = %d, want FAILED", csw.Status)
	}
}

func firmwareCDB(selector uint8, n uint32) []byte {
	cdb := make([]byte, 10)
	cdb[0] = VendorWriteFirmware
	cdb[1] = selector
	binary.BigEndian.PutUint32(cdb[4:8], n)
	return cdb
}

func TestWriteFirmware(t *testing.T) {
	h := newHarness(t)
	part := bytes.Repeat([]byte{0xAB}, 256)
	for i := 0; i < 2; i++ {
		_, csw := h.exchange(t, NewCBW(uint32(i), DirOut, 256, firmwareCDB(FirmwarePart2, 256)), part)
		if csw.Status != CSWStatusGood || csw.DataResidue != 0 {
			t.Fatalf("write %d CSW = %v", i, &csw)
		}
	}
	if got := len(h.fw.images[FirmwarePart2]); got != 512 {
		t.Errorf("part 2 image length = %d, want 512", got)
	}
	if len(h.fw.images[FirmwarePart1]) != 0 {
		t.Error("part 1 written")
	}

	_, csw := h.exchange(t, NewCBW(3, DirOut, 256, firmwareCDB(0x10, 256)), part)
	if csw.Status != CSWStatusFailed || csw.DataResidue != 256 {
		t.Errorf("bad selector CSW = %v, want FAILED residue 256", &csw)
	}

	h.fw.err = pkg.ErrFlashWriteDisabled
	_, csw = h.exchange(t, NewCBW(4, DirOut, 256, firmwareCDB(FirmwarePart1, 256)), part)
	if csw.Status != CSWStatusFailed {
		t.Errorf("failed write status = %d, want FAILED", csw.Status)
	}
	checkSense(t, h.requestSense(t), SenseHardwareError, ASCInternalTargetFailure)
}

func TestVendorReset(t *testing.T) {
	tests := []struct {
		name        string
		subop       uint8
		commitErr   error
		wantStatus  uint8
		wantResets  []bool
		wantReenum  int
		wantCommits int
	}{
		{"cpu", ResetCPU, nil, CSWStatusGood, []bool{true}, 0, 0},
		{"re-enumerate", ResetReenumerate, nil, CSWStatusGood, nil, 1, 0},
		{"commit", ResetCommit, nil, CSWStatusGood, []bool{true}, 0, 1},
		{"commit failure", ResetCommit, pkg.ErrFlashWriteDisabled, CSWStatusFailed, nil, 0, 0},
		{"unknown", 0x02, nil, CSWStatusFailed, nil, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fw.err = tt.commitErr
			var raw [CBWSize]byte
			NewCBW(0x51, DirNone, 0, []byte{VendorReset, tt.subop, 0, 0, 0, 0}).MarshalTo(raw[:])
			h.sendCBW(raw[:])

			// Nothing resets before the host has taken the CSW.
			if len(h.resets) != 0 || h.reenumerates != 0 {
				t.Fatal("reset before the CSW was taken")
			}
			var csw CommandStatusWrapper
			if !ParseCSW(h.csw, &csw) {
				t.Fatal("no CSW")
			}
			h.p.BulkIn()

			if csw.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", csw.Status, tt.wantStatus)
			}
			if diff := cmp.Diff(tt.wantResets, h.resets); diff != "" {
				t.Errorf("CPU resets mismatch (-want +got):\n%s", diff)
			}
			if h.reenumerates != tt.wantReenum {
				t.Errorf("re-enumerations = %d, want %d", h.reenumerates, tt.wantReenum)
			}
			if h.fw.commits != tt.wantCommits {
				t.Errorf("commits = %d, want %d", h.fw.commits, tt.wantCommits)
			}
		})
	}
}

func adminCDB(opcode, cns uint8, nsid uint32, n uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = VendorNVMeAdmin
	cdb[1] = opcode
	cdb[2] = cns
	binary.BigEndian.PutUint32(cdb[4:8], nsid)
	binary.BigEndian.PutUint16(cdb[8:10], n)
	return cdb
}

func TestAdminPassthrough(t *testing.T) {
	t.Run("identify", func(t *testing.T) {
		h := newHarness(t)
		in, csw := h.exchange(t, NewCBW(1, DirIn, nvme.IdentifySize, adminCDB(nvme.OpIdentify, nvme.CNSController, 0, nvme.IdentifySize)), nil)
		if csw.Status != CSWStatusGood || len(in) != nvme.IdentifySize {
			t.Fatalf("got %d bytes, CSW %v", len(in), &csw)
		}
		if !bytes.Equal(in, bytes.Repeat([]byte{nvme.OpIdentify}, nvme.IdentifySize)) {
			t.Error("identify data does not match controller buffer")
		}
		cmd := h.nvme.calls[0]
		if cmd.Opcode != nvme.OpIdentify || cmd.Cdw10 != uint32(nvme.CNSController) {
			t.Errorf("command = %v, want identify controller", &cmd)
		}
	})

	t.Run("smart log", func(t *testing.T) {
		h := newHarness(t)
		in, csw := h.exchange(t, NewCBW(2, DirIn, 512, adminCDB(nvme.OpGetLogPage, nvme.LogSMART, 0xFFFFFFFF, 512)), nil)
		if csw.Status != CSWStatusGood || len(in) != 512 {
			t.Fatalf("got %d bytes, CSW %v", len(in), &csw)
		}
		cmd := h.nvme.calls[0]
		if got := nvme.LogPageLength(&cmd); got != 512 {
			t.Errorf("log page length = %d, want 512", got)
		}
		if cmd.NSID != 0xFFFFFFFF || uint8(cmd.Cdw10) != nvme.LogSMART {
			t.Errorf("command = %v, want SMART log of all namespaces", &cmd)
		}
	})

	t.Run("admin failure", func(t *testing.T) {
		h := newHarness(t)
		h.nvme.status = []nvme.Status{nvme.StatusInvalidField}
		_, csw := h.exchange(t, NewCBW(3, DirIn, 512, adminCDB(nvme.OpIdentify, nvme.CNSNamespace, 1, 512)), nil)
		if csw.Status != CSWStatusFailed {
			t.Fatalf("status = %d, want FAILED", csw.Status)
		}
		checkSense(t, h.requestSense(t), SenseIllegalRequest, ASCInvalidFieldInCDB)
	})

	for _, tt := range []struct {
		name string
		cdb  []byte
	}{
		{"unsupported opcode", adminCDB(0x09, 0, 0, 512)},
		{"zero length", adminCDB(nvme.OpIdentify, 0, 0, 0)},
		{"oversize", adminCDB(nvme.OpIdentify, 0, 0, VendorMaxAdminData+1)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, csw := h.exchange(t, NewCBW(4, DirIn, 8192, tt.cdb), nil)
			if csw.Status != CSWStatusFailed || len(h.nvme.calls) != 0 {
				t.Errorf("status = %d with %d commands, want FAILED and none", csw.Status, len(h.nvme.calls))
			}
		})
	}
}

func TestFaultLog(t *testing.T) {
	h := newHarness(t)
	faults := fakeFaults{
		{State: link.LinkTrain, Code: link.CodePHYTimeout, Detail: 3, Elapsed: 120, Seq: 1},
		{State: link.Ready, Code: link.CodeLinkDown, Event: link.LinkDown, Elapsed: 4500, Seq: 2},
	}
	h.p.SetFaultLog(faults)

	in, csw := h.exchange(t, NewCBW(1, DirIn, 256, []byte{VendorFaultLog, 0, 0, 0, 0, 0}), nil)
	if csw.Status != CSWStatusGood || csw.DataResidue != 256-2*link.RecordSize {
		t.Fatalf("CSW = %v", &csw)
	}
	var got []link.Record
	for off := 0; off+link.RecordSize <= len(in); off += link.RecordSize {
		var r link.Record
		link.ParseRecord(in[off:], &r)
		got = append(got, r)
	}
	if diff := cmp.Diff([]link.Record(faults), got); diff != "" {
		t.Errorf("fault log mismatch (-want +got):\n%s", diff)
	}

	// A short host buffer truncates the log.
	in, csw = h.exchange(t, NewCBW(2, DirIn, link.RecordSize, []byte{VendorFaultLog, 0, 0, 0, 0, 0}), nil)
	if csw.Status != CSWStatusGood || len(in) != link.RecordSize {
		t.Errorf("truncated read = %d bytes, CSW %v", len(in), &csw)
	}
}

func TestVendorWithoutFirmware(t *testing.T) {
	h := newHarness(t)
	h.p.SetFirmware(nil)
	_, csw := h.exchange(t, NewCBW(1, DirIn, ConfigBlockSize, []byte{VendorReadConfig, VendorConfigMagic, 0, 0, 0, 0}), nil)
	if csw.Status != CSWStatusFailed {
		t.Fatalf("status = %d, want FAILED", csw.Status)
	}
	checkSense(t, h.requestSense(t), SenseIllegalRequest, ASCInvalidCommand)
}

func TestSenseFromStatus(t *testing.T) {
	tests := []struct {
		status nvme.Status
		lba    uint64
		want   Sense
	}{
		{nvme.StatusUnrecoveredRead, 9, Sense{Key: SenseMediumError, ASC: ASCUnrecoveredReadError, Information: 9, Valid: true}},
		{nvme.StatusWriteFault, 1 << 40, Sense{Key: SenseMediumError, ASC: ASCWriteError}},
		{nvme.StatusAbortRequested, 0, SenseAborted},
		{nvme.StatusLBAOutOfRange, 0, SenseOutOfRange},
		{nvme.StatusInvalidField, 0, SenseInvalidField},
		{nvme.StatusNamespaceNotReady, 0, SenseUnitNotReady},
		{nvme.StatusInternalError, 0, SenseHardwareFailure},
		{nvme.StatusDataTransferError, 0, SenseHardwareFailure},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := SenseFromStatus(tt.status, tt.lba); got != tt.want {
				t.Errorf("SenseFromStatus(%v) = %+v, want %+v", tt.status, got, tt.want)
			}
		})
	}
}

func TestSenseOf(t *testing.T) {
	tests := []struct {
		err  error
		want Sense
	}{
		{SenseOutOfRange, SenseOutOfRange},
		{pkg.ErrLinkDown, SenseUnitNotReady},
		{pkg.ErrInvalidParameter, SenseInvalidField},
		{errors.New("boom"), SenseHardwareFailure},
	}
	for _, tt := range tests {
		if got := senseOf(tt.err); got != tt.want {
			t.Errorf("senseOf(%v) = %+v, want %+v", tt.err, got, tt.want)
		}
	}
}
