package msc

import "encoding/binary"

// InquiryResponse represents standard INQUIRY data.
type InquiryResponse struct {
	DeviceType       uint8    // Peripheral device type
	RMB              uint8    // Removable media bit (bit 7)
	Version          uint8    // SCSI version
	ResponseFormat   uint8    // Response data format
	AdditionalLength uint8    // Additional length (n-4)
	Flags            [3]uint8 // Various flags
	VendorID         [8]byte  // Vendor identification (ASCII)
	ProductID        [16]byte // Product identification (ASCII)
	ProductRev       [4]byte  // Product revision (ASCII)
}

// MarshalTo writes the INQUIRY response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}

	buf[0] = r.DeviceType
	buf[1] = r.RMB
	buf[2] = r.Version
	buf[3] = r.ResponseFormat
	buf[4] = r.AdditionalLength
	copy(buf[5:8], r.Flags[:])
	copy(buf[8:16], r.VendorID[:])
	copy(buf[16:32], r.ProductID[:])
	copy(buf[32:36], r.ProductRev[:])

	return InquiryStandardSize
}

// NewInquiryResponse creates a standard INQUIRY response for a fixed disk.
func NewInquiryResponse(vendor, product, revision string) *InquiryResponse {
	resp := &InquiryResponse{
		DeviceType:       DeviceTypeDisk,
		Version:          InquiryVersionSPC4,
		ResponseFormat:   InquiryResponseFormatSPC,
		AdditionalLength: InquiryStandardSize - 5,
	}
	copy(resp.VendorID[:], padString(vendor, 8))
	copy(resp.ProductID[:], padString(product, 16))
	copy(resp.ProductRev[:], padString(revision, 4))
	return resp
}

// ReadCapacity10Response represents READ CAPACITY (10) response.
type ReadCapacity10Response struct {
	LastLBA     uint32 // Last logical block address
	BlockLength uint32 // Block length in bytes
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity10Response) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity10Size {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)

	return ReadCapacity10Size
}

// ReadCapacity16Response represents READ CAPACITY (16) response.
type ReadCapacity16Response struct {
	LastLBA     uint64 // Last logical block address
	BlockLength uint32 // Block length in bytes
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity16Response) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity16Size {
		return 0
	}

	clear(buf[:ReadCapacity16Size])
	binary.BigEndian.PutUint64(buf[0:8], r.LastLBA)
	binary.BigEndian.PutUint32(buf[8:12], r.BlockLength)

	return ReadCapacity16Size
}

// Sense is the fixed-format sense payload the next REQUEST SENSE returns.
type Sense struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8
	// Information is reported with the VALID bit when Valid is set, for
	// example the failing LBA of a MEDIUM ERROR.
	Information uint32
	Valid       bool
}

// Common sense values.
var (
	SenseNone            = Sense{}
	SenseInvalidOpcode   = Sense{Key: SenseIllegalRequest, ASC: ASCInvalidCommand}
	SenseInvalidField    = Sense{Key: SenseIllegalRequest, ASC: ASCInvalidFieldInCDB}
	SenseOutOfRange      = Sense{Key: SenseIllegalRequest, ASC: ASCLBAOutOfRange}
	SenseBadLUN          = Sense{Key: SenseIllegalRequest, ASC: ASCLUNotSupported}
	SenseUnitNotReady    = Sense{Key: SenseNotReady, ASC: ASCLUNotReady}
	SenseHardwareFailure = Sense{Key: SenseHardwareError, ASC: ASCInternalTargetFailure}
	SenseAborted         = Sense{Key: SenseAbortedCommand}
)

// MarshalTo writes the sense data in fixed format.
// Returns the number of bytes written, or 0 if buf is too small.
func (s *Sense) MarshalTo(buf []byte) int {
	if len(buf) < SenseSize {
		return 0
	}

	clear(buf[:SenseSize])
	buf[0] = 0x70 // current errors, fixed format
	if s.Valid {
		buf[0] |= 0x80
	}
	buf[2] = s.Key & 0x0F
	binary.BigEndian.PutUint32(buf[3:7], s.Information)
	buf[7] = SenseSize - 8
	buf[12] = s.ASC
	buf[13] = s.ASCQ

	return SenseSize
}

// ModeParameterHeader6 is the MODE SENSE (6) header.
type ModeParameterHeader6 struct {
	ModeDataLength uint8 // Mode data length (excluding this field)
	MediumType     uint8
	DeviceParam    uint8
	BlockDescLen   uint8
}

// MarshalTo writes the header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ModeParameterHeader6) MarshalTo(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}

	buf[0] = r.ModeDataLength
	buf[1] = r.MediumType
	buf[2] = r.DeviceParam
	buf[3] = r.BlockDescLen

	return 4
}

// CachingPage builds the caching mode page.
func CachingPage(writeCache bool) []byte {
	page := make([]byte, CachingPageLength+2)
	page[0] = ModePageCaching
	page[1] = CachingPageLength
	if writeCache {
		page[2] = CachingWCE
	}
	return page
}

// CurrentMaximumCapacityDescriptor represents a READ FORMAT CAPACITIES
// descriptor.
type CurrentMaximumCapacityDescriptor struct {
	BlockCount  uint32 // Number of blocks
	DescType    uint8  // Descriptor type (bits 0-1)
	BlockLength uint32 // Block length (24-bit, stored in bytes 5-7)
}

// MarshalTo writes the descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (d *CurrentMaximumCapacityDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < 8 {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], d.BlockCount)
	buf[4] = d.DescType
	buf[5] = uint8(d.BlockLength >> 16)
	buf[6] = uint8(d.BlockLength >> 8)
	buf[7] = uint8(d.BlockLength)

	return 8
}

// ReportLUNs returns the REPORT LUNS payload for the single LUN 0.
func ReportLUNs() []byte {
	buf := make([]byte, ReportLUNsSize)
	binary.BigEndian.PutUint32(buf[0:4], 8)
	return buf
}

// padString pads or truncates a string to the specified length.
func padString(s string, length int) []byte {
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		if i < len(s) {
			result[i] = s[i]
		} else {
			result[i] = ' '
		}
	}
	return result
}
