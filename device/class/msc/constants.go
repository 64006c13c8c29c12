package msc

// Bulk-Only Transport request codes.
const (
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the BOT state machine
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
	CBWMaxCBLength = 16
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS" signature
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusGood       = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed
	CSWStatusPhaseError = 0x02       // Phase error occurred
)

// SCSI operation codes.
const (
	SCSITestUnitReady        = 0x00
	SCSIRequestSense         = 0x03
	SCSIInquiry              = 0x12
	SCSIModeSense6           = 0x1A
	SCSIStartStopUnit        = 0x1B
	SCSIPreventAllowRemoval  = 0x1E
	SCSIReadFormatCapacities = 0x23
	SCSIReadCapacity10       = 0x25
	SCSIRead10               = 0x28
	SCSIWrite10              = 0x2A
	SCSIVerify10             = 0x2F
	SCSISynchronizeCache10   = 0x35
	SCSIModeSense10          = 0x5A
	SCSIRead16               = 0x88
	SCSIWrite16              = 0x8A
	SCSIServiceActionIn16    = 0x9E
	SCSIReportLUNs           = 0xA0
)

// Service action codes for SCSIServiceActionIn16.
const (
	ServiceActionReadCapacity16 = 0x10
)

// Vendor operation codes.
const (
	VendorReadConfig    = 0xE0 // cdb[1]=0x50, cdb[2]=block
	VendorWriteConfig   = 0xE1 // cdb[1]=0x50, cdb[2]=block
	VendorReadFlash     = 0xE2 // length BE32 at cdb[1:5]
	VendorWriteFirmware = 0xE3 // cdb[1]=part, length BE32 at cdb[4:8]
	VendorReadXDATA     = 0xE4 // cdb[1]=size, address at cdb[2:5]
	VendorWriteXDATA    = 0xE5 // cdb[1]=value, address at cdb[2:5]
	VendorNVMeAdmin     = 0xE6 // cdb[1]=opcode, cdb[2]=CNS or log id
	VendorFaultLog      = 0xE7
	VendorReset         = 0xE8 // cdb[1]=subop
)

// Vendor config block selector carried in cdb[1].
const VendorConfigMagic = 0x50

// Firmware part selectors of VendorWriteFirmware.
const (
	FirmwarePart1 = 0x50
	FirmwarePart2 = 0xD0
)

// Subops of VendorReset.
const (
	ResetCPU         = 0x00
	ResetReenumerate = 0x01
	ResetCommit      = 0x51
)

// VendorMaxXDATA bounds a single register read.
const VendorMaxXDATA = 64

// SCSI sense keys.
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
	SenseAbortedCommand = 0x0B
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo      = 0x00
	ASCLUNotReady            = 0x04
	ASCWriteError            = 0x0C
	ASCUnrecoveredReadError  = 0x11
	ASCInvalidCommand        = 0x20
	ASCLBAOutOfRange         = 0x21
	ASCInvalidFieldInCDB     = 0x24
	ASCLUNotSupported        = 0x25
	ASCNotReadyToReadyChange = 0x28
	ASCMediumNotPresent      = 0x3A
	ASCInternalTargetFailure = 0x44
)

// Peripheral device type of the exposed namespace.
const DeviceTypeDisk = 0x00

// INQUIRY response constants.
const (
	InquiryStandardSize      = 36
	InquiryVersionSPC4       = 0x06
	InquiryResponseFormatSPC = 0x02
)

// Mode page codes.
const (
	ModePageCaching  = 0x08
	ModePageAllPages = 0x3F
)

// Caching mode page layout.
const (
	CachingPageLength = 0x12
	CachingWCE        = 0x04 // write cache enable
)

// Response sizes.
const (
	SenseSize          = 18
	ReadCapacity10Size = 8
	ReadCapacity16Size = 32
	ReportLUNsSize     = 16
	FormatCapacitySize = 12
)
