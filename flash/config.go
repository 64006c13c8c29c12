package flash

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/HewlettPackard/structex"
	"github.com/sigurn/crc8"

	"github.com/ardnew/softbridge/device"
	"github.com/ardnew/softbridge/pkg"
)

// ConfigSignature marks a programmed config block.
var ConfigSignature = [2]byte{'A', 'S'}

var crcTable = crc8.MakeTable(crc8.CRC8)

// ConfigBlock is the 128-byte vendor config block image.
type ConfigBlock struct {
	Signature     [2]byte
	VendorID      uint16
	ProductID     uint16
	DeviceVersion uint16
	InqVendor     [8]byte
	InqProduct    [16]byte
	InqRevision   [4]byte
	Manufacturer  [16]byte
	Product       [16]byte
	Serial        [20]byte
	Reserved      [39]byte
	CRC           uint8
}

// Config is the decoded content of a config block.
type Config struct {
	device.Identity
	InquiryVendor   string
	InquiryProduct  string
	InquiryRevision string
}

// DefaultConfig returns the identity used when block 0 is blank or corrupt.
func DefaultConfig() Config {
	return Config{
		Identity:        device.DefaultIdentity(),
		InquiryVendor:   "Asmedia",
		InquiryProduct:  "ASM2464PD",
		InquiryRevision: "0001",
	}
}

// Checksum returns the CRC-8 over the first 127 bytes of a block.
func Checksum(block []byte) uint8 {
	return crc8.Checksum(block[:ConfigBlockSize-1], crcTable)
}

// EncodeConfig returns the sealed 128-byte image of c.
func EncodeConfig(c Config) ([]byte, error) {
	blk := ConfigBlock{
		Signature:     ConfigSignature,
		VendorID:      c.VendorID,
		ProductID:     c.ProductID,
		DeviceVersion: c.DeviceVersion,
	}
	for i := range blk.Reserved {
		blk.Reserved[i] = 0xFF
	}
	pad(blk.InqVendor[:], c.InquiryVendor)
	pad(blk.InqProduct[:], c.InquiryProduct)
	pad(blk.InqRevision[:], c.InquiryRevision)
	pad(blk.Manufacturer[:], c.Manufacturer)
	pad(blk.Product[:], c.Product)
	pad(blk.Serial[:], c.Serial)

	data, err := structex.EncodeByteBuffer(&blk)
	if err != nil {
		return nil, err
	}
	if len(data) != ConfigBlockSize {
		return nil, fmt.Errorf("config block encodes to %d bytes", len(data))
	}
	data[ConfigBlockSize-1] = Checksum(data)
	return data, nil
}

// DecodeConfig validates and decodes a 128-byte block image.
func DecodeConfig(data []byte) (Config, error) {
	if len(data) < ConfigBlockSize {
		return Config{}, pkg.ErrBufferTooSmall
	}
	var blk ConfigBlock
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(data[:ConfigBlockSize]), &blk); err != nil {
		return Config{}, err
	}
	if blk.Signature != ConfigSignature {
		return Config{}, pkg.ErrNoImage
	}
	if Checksum(data) != blk.CRC {
		return Config{}, pkg.ErrBadChecksum
	}
	return Config{
		Identity: device.Identity{
			VendorID:      blk.VendorID,
			ProductID:     blk.ProductID,
			DeviceVersion: blk.DeviceVersion,
			Manufacturer:  unpad(blk.Manufacturer[:]),
			Product:       unpad(blk.Product[:]),
			Serial:        unpad(blk.Serial[:]),
		},
		InquiryVendor:   unpad(blk.InqVendor[:]),
		InquiryProduct:  unpad(blk.InqProduct[:]),
		InquiryRevision: unpad(blk.InqRevision[:]),
	}, nil
}

// ReadConfigBlock returns the raw image of block n.
func ReadConfigBlock(p *Programmer, n int) ([]byte, error) {
	if n < 0 || n > 1 {
		return nil, fmt.Errorf("config block %d: %w", n, pkg.ErrInvalidParameter)
	}
	buf := make([]byte, ConfigBlockSize)
	if _, err := p.ReadAt(buf, int64(ConfigAddr(n))); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteConfigBlock stores a raw 128-byte image as block n. The image is
// written verbatim; sealing is the caller's concern.
func WriteConfigBlock(p *Programmer, n int, data []byte) error {
	if n < 0 || n > 1 {
		return fmt.Errorf("config block %d: %w", n, pkg.ErrInvalidParameter)
	}
	if len(data) != ConfigBlockSize {
		return fmt.Errorf("config block is %d bytes: %w", len(data), pkg.ErrInvalidParameter)
	}
	_, err := p.WriteAt(data, int64(ConfigAddr(n)))
	return err
}

// LoadConfig reads block 0, falling back to [DefaultConfig] when it does
// not validate.
func LoadConfig(p *Programmer) Config {
	data, err := ReadConfigBlock(p, 0)
	if err == nil {
		var c Config
		if c, err = DecodeConfig(data); err == nil {
			return c
		}
	}
	pkg.LogInfo(pkg.ComponentFlash, "config block 0 invalid, using defaults", "reason", err)
	return DefaultConfig()
}

// pad copies s into dst and fills the rest with spaces, as SCSI and the
// vendor tools expect.
func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func unpad(b []byte) string {
	return strings.TrimRight(string(bytes.TrimRight(b, "\x00\xff")), " ")
}
