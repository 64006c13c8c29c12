package flash

import (
	"bytes"
	"fmt"

	"github.com/ardnew/softbridge/pkg"
)

// Programmer layers byte-addressed reads and writes over a [Driver].
// Writes read the affected sector, erase it and program it back page by
// page, so bytes outside the written range survive.
type Programmer struct {
	drv  Driver
	size uint32
}

// NewProgrammer wraps drv for a part of size bytes.
func NewProgrammer(drv Driver, size int) *Programmer {
	return &Programmer{drv: drv, size: uint32(size)}
}

// Size returns the part size.
func (p *Programmer) Size() int { return int(p.size) }

// ReadAt implements io.ReaderAt.
func (p *Programmer) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(p.size) {
		return 0, fmt.Errorf("read 0x%06X+%d: %w", off, len(b), pkg.ErrOutOfRange)
	}
	if err := p.drv.Read(uint32(off), b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteAt implements io.WriterAt.
func (p *Programmer) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(p.size) {
		return 0, fmt.Errorf("write 0x%06X+%d: %w", off, len(b), pkg.ErrOutOfRange)
	}
	written := 0
	for written < len(b) {
		addr := uint32(off) + uint32(written)
		base := addr &^ (SectorSize - 1)
		n := int(base+SectorSize-addr)
		if n > len(b)-written {
			n = len(b) - written
		}
		if err := p.writeSector(base, addr-base, b[written:written+n]); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// writeSector merges data at offset within the sector at base.
func (p *Programmer) writeSector(base, offset uint32, data []byte) error {
	var sector [SectorSize]byte
	if err := p.drv.Read(base, sector[:]); err != nil {
		return err
	}
	if bytes.Equal(sector[offset:int(offset)+len(data)], data) {
		return nil
	}

	// Bits can only be cleared by programming; anything else needs an
	// erase of the whole sector.
	needErase := false
	for i, v := range data {
		if sector[int(offset)+i]&v != v {
			needErase = true
			break
		}
	}
	copy(sector[offset:], data)

	if needErase {
		if err := p.drv.WriteEnable(); err != nil {
			return err
		}
		if err := p.drv.EraseSector(base); err != nil {
			return err
		}
	}
	for pg := uint32(0); pg < SectorSize; pg += PageSize {
		page := sector[pg : pg+PageSize]
		if !needErase && (pg+PageSize <= offset || pg >= offset+uint32(len(data))) {
			continue
		}
		if allErased(page) {
			continue
		}
		if err := p.drv.WriteEnable(); err != nil {
			return err
		}
		if err := p.drv.WritePage(base+pg, page); err != nil {
			return err
		}
	}
	return nil
}

// Erase erases every sector overlapping [off, off+n).
func (p *Programmer) Erase(off uint32, n int) error {
	if n <= 0 {
		return nil
	}
	if off+uint32(n) > p.size {
		return fmt.Errorf("erase 0x%06X+%d: %w", off, n, pkg.ErrOutOfRange)
	}
	for a := off &^ (SectorSize - 1); a < off+uint32(n); a += SectorSize {
		if err := p.drv.WriteEnable(); err != nil {
			return err
		}
		if err := p.drv.EraseSector(a); err != nil {
			return err
		}
	}
	return nil
}

func allErased(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}
