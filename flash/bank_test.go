package flash

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/softbridge/pkg"
)

func TestBankVendorSurface(t *testing.T) {
	mem := NewMemory(DefaultSize)
	b := NewBank(mem, mem.Size())

	blk := bytes.Repeat([]byte{0x42}, ConfigBlockSize)
	if err := b.WriteConfig(0, blk); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}
	got, err := b.ReadConfig(0)
	if err != nil || !bytes.Equal(got, blk) {
		t.Errorf("ReadConfig(0) = %X, %v", got[:4], err)
	}
	head := make([]byte, 4)
	if _, err := b.ReadAt(head, 0); err != nil || head[0] != 0x42 {
		t.Errorf("ReadAt(0) = %X, %v", head, err)
	}

	if err := b.WriteImage(0x11, []byte{1}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("WriteImage(bad selector) = %v, want %v", err, pkg.ErrInvalidParameter)
	}
	if err := b.Commit(); !errors.Is(err, pkg.ErrNoImage) {
		t.Errorf("Commit() with nothing written = %v, want %v", err, pkg.ErrNoImage)
	}

	img := bytes.Repeat([]byte{0x5A, 0xA5}, 1024)
	for off := 0; off < len(img); off += 512 {
		if err := b.WriteImage(SelectPart1, img[off:off+512]); err != nil {
			t.Fatalf("WriteImage() error = %v", err)
		}
	}
	if _, err := b.Boot(); err == nil {
		t.Error("Boot() succeeded before commit")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	rec, err := b.Boot()
	if err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	if rec.Part1Length != uint32(len(img)) {
		t.Errorf("Part1Length = %d, want %d", rec.Part1Length, len(img))
	}
}
