package nvme

import "fmt"

// Status is the 15-bit status field of a completion: status code in bits
// 7:0, status code type in bits 10:8, More in bit 13, Do Not Retry in
// bit 14.
type Status uint16

// Status code types.
const (
	SCTGeneric uint8 = 0x0
	SCTCommand uint8 = 0x1
	SCTMedia   uint8 = 0x2
	SCTPath    uint8 = 0x3
	SCTVendor  uint8 = 0x7
)

const (
	statusDNR       Status = 1 << 14
	statusMore      Status = 1 << 13
	statusCodeMask  Status = 0x00FF
	statusTypeMask  Status = 0x0700
	statusTypeShift        = 8
)

// Common statuses.
const (
	StatusSuccess           Status = 0x0000
	StatusInvalidOpcode     Status = 0x0001
	StatusInvalidField      Status = 0x0002
	StatusDataTransferError Status = 0x0004
	StatusInternalError     Status = 0x0006
	StatusAbortRequested    Status = 0x0007
	StatusInvalidNamespace  Status = 0x000B
	StatusLBAOutOfRange     Status = 0x0080
	StatusCapacityExceeded  Status = 0x0081
	StatusNamespaceNotReady Status = 0x0082
	StatusInvalidQueueID    Status = 0x0101
	StatusWriteFault        Status = 0x0280
	StatusUnrecoveredRead   Status = 0x0281
	StatusAbortedByHost     Status = 0x0371
)

// MakeStatus builds a status field.
func MakeStatus(sct, sc uint8, dnr bool) Status {
	s := Status(sct)<<statusTypeShift&statusTypeMask | Status(sc)
	if dnr {
		s |= statusDNR
	}
	return s
}

// Code returns the status code.
func (s Status) Code() uint8 { return uint8(s & statusCodeMask) }

// Type returns the status code type.
func (s Status) Type() uint8 { return uint8((s & statusTypeMask) >> statusTypeShift) }

// DNR reports the Do Not Retry bit.
func (s Status) DNR() bool { return s&statusDNR != 0 }

// Success reports a successful completion.
func (s Status) Success() bool { return s.Type() == SCTGeneric && s.Code() == 0 }

// Retryable reports whether the command may be resubmitted.
func (s Status) Retryable() bool { return !s.Success() && !s.DNR() }

// Base returns the status with the More and Do Not Retry bits cleared.
func (s Status) Base() Status { return s &^ (statusDNR | statusMore) }

// String returns a human-readable status.
func (s Status) String() string {
	name := "unknown"
	switch s.Base() {
	case StatusSuccess:
		name = "success"
	case StatusInvalidOpcode:
		name = "invalid opcode"
	case StatusInvalidField:
		name = "invalid field"
	case StatusDataTransferError:
		name = "data transfer error"
	case StatusInternalError:
		name = "internal error"
	case StatusAbortRequested:
		name = "command abort requested"
	case StatusInvalidNamespace:
		name = "invalid namespace"
	case StatusLBAOutOfRange:
		name = "lba out of range"
	case StatusCapacityExceeded:
		name = "capacity exceeded"
	case StatusNamespaceNotReady:
		name = "namespace not ready"
	case StatusInvalidQueueID:
		name = "invalid queue identifier"
	case StatusWriteFault:
		name = "write fault"
	case StatusUnrecoveredRead:
		name = "unrecovered read error"
	case StatusAbortedByHost:
		name = "aborted by host"
	}
	if s.DNR() {
		return fmt.Sprintf("%s (sct=%d sc=0x%02X dnr)", name, s.Type(), s.Code())
	}
	return fmt.Sprintf("%s (sct=%d sc=0x%02X)", name, s.Type(), s.Code())
}
