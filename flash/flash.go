package flash

// Driver is the SPI flash collaborator. Erase and program each require a
// preceding WriteEnable, which the part clears when the operation ends.
type Driver interface {
	Read(addr uint32, buf []byte) error
	EraseSector(addr uint32) error
	WriteEnable() error
	// WritePage programs data at addr. The write may not cross a page
	// boundary and can only clear bits.
	WritePage(addr uint32, data []byte) error
}

// Geometry.
const (
	SectorSize  = 4096
	PageSize    = 256
	DefaultSize = 1 << 20
)

// Layout.
const (
	ConfigBlockSize = 128
	ConfigBlock0    = 0x0000
	ConfigBlock1    = 0x0080
	Part1Base       = 0x0080
	Part2Base       = 0x10000
	// BootRecordAddr is the last sector of a DefaultSize part.
	BootRecordAddr = DefaultSize - SectorSize
)

// ConfigAddr returns the flash offset of config block n (0 or 1).
func ConfigAddr(n int) uint32 {
	return uint32(n) * ConfigBlockSize
}
