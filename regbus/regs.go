package regbus

import "fmt"

// Addr formats a register address for logs.
type Addr uint16

// String returns the address in 0xNNNN form.
func (a Addr) String() string {
	return fmt.Sprintf("0x%04X", uint16(a))
}

// USB device controller (0x9000-0x93FF).
const (
	USBCtrl     uint16 = 0x9000
	USBAddr     uint16 = 0x9001
	USBStatus   uint16 = 0x9002
	USBBusEvent uint16 = 0x9003
	CtrlPhase   uint16 = 0x9004
	CtrlAck     uint16 = 0x9005
	EP0Len      uint16 = 0x9006
	EPEvent     uint16 = 0x9008
	EPStall     uint16 = 0x9009
	USBConfig   uint16 = 0x900A
	Setup       uint16 = 0x9010 // 8 bytes
	EP0Buf      uint16 = 0x9100 // 64 bytes
	CBWBuf      uint16 = 0x9200 // 31 bytes
	CBWLen      uint16 = 0x921F // length of the latched command packet, write 0 to release
	OutLen      uint16 = 0x9220 // LE16, bytes waiting in the bulk-OUT FIFO
	CSWBuf      uint16 = 0x9240 // 13 bytes
	CSWCtrl     uint16 = 0x924F

	EP0BufSize = 64
)

// USBCtrl bits.
const (
	USBCtrlPulldown uint8 = 1 << 0
	USBCtrlConnect  uint8 = 1 << 1
	USBCtrlToggle   uint8 = 1 << 7
)

// USBStatus bits.
const (
	USBStatusVBUS       uint8 = 1 << 0
	USBStatusSuperSpeed uint8 = 1 << 1
)

// USBBusEvent bits.
const (
	BusEventReset   uint8 = 1 << 0
	BusEventSuspend uint8 = 1 << 1
	BusEventResume  uint8 = 1 << 2
)

// CtrlPhase bits.
const (
	PhaseSetup  uint8 = 1 << 0
	PhaseData   uint8 = 1 << 1
	PhaseStatus uint8 = 1 << 2
)

// CtrlAck values written by firmware to advance a control transfer.
const (
	AckSetup   uint8 = 0x01 // setup consumed, no data stage or OUT data expected
	AckDataIn  uint8 = 0x02 // EP0Buf holds EP0Len bytes for the host
	AckDataOut uint8 = 0x04 // OUT data stage consumed
	AckStatus  uint8 = 0x08 // status stage complete
	AckStall   uint8 = 0x80 // protocol stall on EP0
)

// Bulk endpoint slots in EPEvent and EPStall.
const (
	SlotBulkIn  = 0
	SlotBulkOut = 1

	EPBulkIn  uint8 = 1 << SlotBulkIn
	EPBulkOut uint8 = 1 << SlotBulkOut
)

// CSWCtrl values.
const (
	CSWSend uint8 = 0x01
)

// PCIe tunnel and PHY (0xB200-0xB4FF).
const (
	PHYCtrl          uint16 = 0xB200
	PHYTune0         uint16 = 0xB201
	PHYTune1         uint16 = 0xB202
	PHYTune2         uint16 = 0xB203
	PHYStatus        uint16 = 0xB210
	ClockGate        uint16 = 0xB220
	TunnelByteEnable uint16 = 0xB400
	TunnelLaneMap    uint16 = 0xB401
	TunnelCtrl       uint16 = 0xB402
	TunnelStatus     uint16 = 0xB403
	LinkReset        uint16 = 0xB4F0
)

// PHY and tunnel bits.
const (
	PHYCtrlReset  uint8 = 1 << 0 // PHY held in reset while set
	PHYCtrlClocks uint8 = 1 << 1
	PHYCtrlCDR    uint8 = 1 << 2

	PHYStatusPLL      uint8 = 1 << 0
	PHYStatusRXDetect uint8 = 1 << 1
	PHYStatusReady          = PHYStatusPLL | PHYStatusRXDetect

	TunnelEnable uint8 = 1 << 0

	TunnelComplete uint8 = 1 << 0
	TunnelLinkUp   uint8 = 1 << 1

	LinkResetMagic1 uint8 = 0x5A
	LinkResetMagic2 uint8 = 0xA5
)

// UART (0xC000-0xC00F).
const (
	UARTData   uint16 = 0xC000
	UARTStatus uint16 = 0xC001
)

// NVMe controller interface (0xC400-0xC5FF).
const (
	NVMeCC          uint16 = 0xC400
	NVMeCSTS        uint16 = 0xC401
	AdminSQTail     uint16 = 0xC410
	AdminCQHead     uint16 = 0xC411
	IOSQTail        uint16 = 0xC412
	IOCQHead        uint16 = 0xC413
	AdminQueueDepth uint16 = 0xC420
	AdminSQBase     uint16 = 0xC430 // LE16
	AdminCQBase     uint16 = 0xC432 // LE16

	NVMeCCEnable uint8 = 1 << 0
	NVMeCSTSRDY  uint8 = 1 << 0
	NVMeCSTSCFS  uint8 = 1 << 1
)

// Timer and CPU (0xCC00-0xCCFF).
const (
	CPUReset    uint16 = 0xCC00
	TimerCtrl   uint16 = 0xCC10
	TimerReload uint16 = 0xCC11 // LE16, milliseconds
	BootStatus  uint16 = 0xCC20

	CPUResetMagic uint8 = 0xA5
	TimerEnable   uint8 = 1 << 0
)

// Command engine (0xE400-0xE42F).
const (
	DMACtrl   uint16 = 0xE400
	DMALen    uint16 = 0xE401 // LE16
	DMAAddr   uint16 = 0xE403 // LE16
	DMAStatus uint16 = 0xE405

	DMAStart uint8 = 1 << 0
	DMATx    uint8 = 1 << 1 // staging to bulk-IN; clear for bulk-OUT to staging

	DMADone  uint8 = 1 << 0
	DMAError uint8 = 1 << 1
)

// NVMe and system events (0xEC00-0xEC0F).
const (
	SysEvent   uint16 = 0xEC00
	LinkStatus uint16 = 0xEC01
	ErrorCode  uint16 = 0xEC02

	SysLinkChange uint8 = 1 << 0
	SysCQEReady   uint8 = 1 << 1
	SysTimer      uint8 = 1 << 2
	SysError      uint8 = 1 << 3

	LinkStatusUp uint8 = 1 << 0
)

// Memory windows.
const (
	Staging     uint16 = 0x7000
	StagingSize        = 0x1000
	AdminSQ     uint16 = 0xA000
	AdminCQ     uint16 = 0xA200
	IOSQ        uint16 = 0xA400
	IOCQ        uint16 = 0xA600

	// PCIeWindow is OR'd with a register-space address to form the
	// PCIe-side address used in PRP entries.
	PCIeWindow uint64 = 0x1_0000_0000
)

// Span is an inclusive register range with a write policy.
type Span struct {
	Lo, Hi uint16
	Policy Policy
}

// DefaultPolicies is the policy table of the bridge register file.
// Registers not listed are RW.
var DefaultPolicies = []Span{
	{USBStatus, USBStatus, RO},
	{USBBusEvent, USBBusEvent, W1C},
	{CtrlPhase, CtrlPhase, W1C},
	{CtrlAck, CtrlAck, Doorbell},
	{EPEvent, EPEvent, W1C},
	{Setup, Setup + 7, RO},
	{CBWBuf, CBWBuf + 30, RO},
	{OutLen, OutLen + 1, RO},
	{CSWCtrl, CSWCtrl, Doorbell},
	{PHYStatus, PHYStatus, RO},
	{TunnelStatus, TunnelStatus, RO},
	{LinkReset, LinkReset, Doorbell},
	{UARTData, UARTData, Doorbell},
	{UARTStatus, UARTStatus, RO},
	{NVMeCSTS, NVMeCSTS, RO},
	{AdminSQTail, IOCQHead, Doorbell},
	{CPUReset, CPUReset, Doorbell},
	{DMACtrl, DMACtrl, Doorbell},
	{DMAStatus, DMAStatus, W1C},
	{SysEvent, SysEvent, W1C},
	{LinkStatus, LinkStatus, RO},
	{ErrorCode, ErrorCode, RO},
}

// Region is a named window of the register space.
type Region struct {
	Name   string
	Lo, Hi uint16
}

// Regions lists the named windows of the register space.
var Regions = []Region{
	{"staging", Staging, Staging + StagingSize - 1},
	{"usb", 0x9000, 0x93FF},
	{"nvme-queues", AdminSQ, 0xA7FF},
	{"pcie-tunnel", 0xB200, 0xB4FF},
	{"uart", 0xC000, 0xC00F},
	{"nvme", 0xC400, 0xC5FF},
	{"timer-cpu", 0xCC00, 0xCCFF},
	{"command-engine", 0xE400, 0xE42F},
	{"nvme-event", 0xEC00, 0xEC0F},
}

// RegionOf returns the name of the region containing addr, or "".
func RegionOf(addr uint16) string {
	for _, r := range Regions {
		if addr >= r.Lo && addr <= r.Hi {
			return r.Name
		}
	}
	return ""
}
