package flash

import (
	"github.com/ardnew/softbridge/pkg"
)

// Bank is the flash as the vendor commands see it: raw config blocks,
// reads from offset zero and streamed firmware parts.
type Bank struct {
	prog *Programmer
	upd  *Updater
}

// NewBank returns a bank over the part driven by drv.
func NewBank(drv Driver, size int) *Bank {
	p := NewProgrammer(drv, size)
	return &Bank{prog: p, upd: NewUpdater(p)}
}

// Programmer returns the underlying programmer.
func (b *Bank) Programmer() *Programmer { return b.prog }

// Updater returns the firmware updater.
func (b *Bank) Updater() *Updater { return b.upd }

// ReadConfig returns the raw image of config block n.
func (b *Bank) ReadConfig(n int) ([]byte, error) { return ReadConfigBlock(b.prog, n) }

// WriteConfig replaces config block n. Block 1 shares its sector with the
// head of part 1.
func (b *Bank) WriteConfig(n int, data []byte) error {
	pkg.LogInfo(pkg.ComponentFlash, "config block write", "block", n)
	return WriteConfigBlock(b.prog, n, data)
}

// ReadAt reads flash at off.
func (b *Bank) ReadAt(buf []byte, off int64) (int, error) { return b.prog.ReadAt(buf, off) }

// WriteImage appends data to the part named by selector.
func (b *Bank) WriteImage(selector uint8, data []byte) error {
	part, err := PartFromSelector(selector)
	if err != nil {
		return err
	}
	return b.upd.Write(part, data)
}

// Commit seals the streamed image with a new boot record.
func (b *Bank) Commit() error {
	_, err := b.upd.Commit()
	return err
}

// Boot validates the committed image.
func (b *Bank) Boot() (BootRecord, error) { return Boot(b.prog) }

// Config loads the vendor configuration from block 0.
func (b *Bank) Config() Config { return LoadConfig(b.prog) }
