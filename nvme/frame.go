package nvme

import (
	"bytes"
	"fmt"

	"github.com/HewlettPackard/structex"
)

// Frame sizes.
const (
	CommandSize    = 64
	CompletionSize = 16
	IdentifySize   = 4096
	SMARTLogSize   = 512
)

// Admin opcodes.
const (
	OpDeleteIOSQ  uint8 = 0x00
	OpCreateIOSQ  uint8 = 0x01
	OpGetLogPage  uint8 = 0x02
	OpDeleteIOCQ  uint8 = 0x04
	OpCreateIOCQ  uint8 = 0x05
	OpIdentify    uint8 = 0x06
	OpAbort       uint8 = 0x08
	OpGetFeatures uint8 = 0x0A
)

// I/O opcodes.
const (
	OpFlush uint8 = 0x00
	OpWrite uint8 = 0x01
	OpRead  uint8 = 0x02
)

// Identify CNS values.
const (
	CNSNamespace  uint8 = 0x00
	CNSController uint8 = 0x01
)

// Log page identifiers.
const (
	LogError    uint8 = 0x01
	LogSMART    uint8 = 0x02
	LogFirmware uint8 = 0x03
)

// Command is a submission queue entry.
type Command struct {
	Opcode   uint8  // Byte 0
	Flags    uint8  // Byte 1
	CID      uint16 // Bytes 2-3
	NSID     uint32 // Bytes 4-7
	Cdw2     uint32 // Bytes 8-11
	Cdw3     uint32 // Bytes 12-15
	Metadata uint64 // Bytes 16-23
	PRP1     uint64 // Bytes 24-31
	PRP2     uint64 // Bytes 32-39
	Cdw10    uint32 // Bytes 40-43
	Cdw11    uint32 // Bytes 44-47
	Cdw12    uint32 // Bytes 48-51
	Cdw13    uint32 // Bytes 52-55
	Cdw14    uint32 // Bytes 56-59
	Cdw15    uint32 // Bytes 60-63
}

// SLBA returns the starting LBA of a Read or Write.
func (c *Command) SLBA() uint64 {
	return uint64(c.Cdw11)<<32 | uint64(c.Cdw10)
}

// NLB returns the zero-based block count of a Read or Write.
func (c *Command) NLB() uint16 {
	return uint16(c.Cdw12)
}

// Blocks returns the one-based block count of a Read or Write.
func (c *Command) Blocks() uint32 {
	return uint32(c.NLB()) + 1
}

// String returns a short description for logs.
func (c *Command) String() string {
	return fmt.Sprintf("op=0x%02X cid=%d nsid=%d cdw10=0x%08X", c.Opcode, c.CID, c.NSID, c.Cdw10)
}

// Completion is a completion queue entry.
type Completion struct {
	Result   uint32 // DW0
	Reserved uint32 // DW1
	SQHead   uint16
	SQID     uint16
	CID      uint16
	Raw      uint16 // Phase tag in bit 0, status field in bits 15:1
}

// Phase returns the phase tag.
func (c *Completion) Phase() bool { return c.Raw&1 != 0 }

// Status returns the status field.
func (c *Completion) Status() Status { return Status(c.Raw >> 1) }

// OK reports whether the command succeeded.
func (c *Completion) OK() bool { return c.Status().Success() }

// SetStatus stores a status field, preserving the phase tag.
func (c *Completion) SetStatus(s Status) {
	c.Raw = c.Raw&1 | uint16(s)<<1
}

// SetPhase stores the phase tag.
func (c *Completion) SetPhase(p bool) {
	c.Raw &^= 1
	if p {
		c.Raw |= 1
	}
}

// LBAFormat describes one supported logical block format.
type LBAFormat struct {
	MetadataSize        uint16 // MS
	LBADataSize         uint8  // LBADS, power of two
	RelativePerformance uint8  // RP
}

// IdentifyController is the subset of the Identify Controller data
// structure the bridge uses. Unused ranges are reserved.
type IdentifyController struct {
	PCIVendorID          uint16   // VID
	PCISubsystemVendorID uint16   // SSVID
	SerialNumber         [20]byte // SN
	ModelNumber          [40]byte // MN
	FirmwareRevision     [8]byte  // FR
	ArbitrationBurst     uint8    // RAB
	IEEEOUI              [3]byte  // IEEE
	MultiPath            uint8    // CMIC
	MaxDataTransferSize  uint8    // MDTS
	ControllerID         uint16   // CNTLID
	Version              uint32   // VER
	Reserved84           [428]byte
	SQEntrySize          uint8  // SQES
	CQEntrySize          uint8  // CQES
	MaxCommands          uint16 // MAXCMD
	NumberOfNamespaces   uint32 // NN
	Reserved520          [3576]byte
}

// IdentifyNamespace is the subset of the Identify Namespace data structure
// the bridge uses.
type IdentifyNamespace struct {
	Size                  uint64 // NSZE
	Capacity              uint64 // NCAP
	Utilization           uint64 // NUSE
	Features              uint8  // NSFEAT
	NumberOfLBAFormats    uint8  // NLBAF
	FormattedLBASize      uint8  // FLBAS
	MetadataCapabilities  uint8  // MC
	DataProtectionCaps    uint8  // DPC
	DataProtectionSetting uint8  // DPS
	MultiPath             uint8  // NMIC
	Reservations          uint8  // RESCAP
	FormatProgress        uint8  // FPI
	Reserved33            [71]byte
	GloballyUniqueID      [16]byte // NGUID
	EUI64                 [8]byte
	LBAFormats            [16]LBAFormat
	Reserved192           [3904]byte
}

// BlockSize returns the data size of the formatted LBA format.
func (ns *IdentifyNamespace) BlockSize() uint32 {
	f := ns.LBAFormats[ns.FormattedLBASize&0x0F]
	if f.LBADataSize < 9 {
		return 512
	}
	return 1 << f.LBADataSize
}

// SMARTLog is the SMART / Health Information log page. 128-bit counters
// are kept as little-endian byte arrays.
type SMARTLog struct {
	CriticalWarning    uint8
	Temperature        uint16 // Kelvin
	AvailableSpare     uint8
	SpareThreshold     uint8
	PercentageUsed     uint8
	Reserved6          [26]byte
	DataUnitsRead      [16]byte
	DataUnitsWritten   [16]byte
	HostReadCommands   [16]byte
	HostWriteCommands  [16]byte
	ControllerBusyTime [16]byte
	PowerCycles        [16]byte
	PowerOnHours       [16]byte
	UnsafeShutdowns    [16]byte
	MediaErrors        [16]byte
	ErrorLogEntries    [16]byte
	Reserved192        [320]byte
}

// Encode serializes v, which must be one of the frame types of this
// package, into its little-endian wire form.
func Encode(v any) ([]byte, error) {
	return structex.EncodeByteBuffer(v)
}

// Decode parses the wire form in data into v.
func Decode(data []byte, v any) error {
	return structex.DecodeByteBuffer(bytes.NewBuffer(data), v)
}

// Counter128 returns the low 64 bits of a 128-bit little-endian counter.
func Counter128(c [16]byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(c[i])
	}
	return v
}

// PutCounter128 stores v into a 128-bit little-endian counter.
func PutCounter128(c *[16]byte, v uint64) {
	for i := range c {
		c[i] = 0
	}
	for i := 0; i < 8; i++ {
		c[i] = uint8(v >> (8 * i))
	}
}
