package msc

import (
	"errors"

	"github.com/ardnew/softbridge/nvme"
	"github.com/ardnew/softbridge/pkg"
)

// SenseFromStatus translates a failed NVMe completion into SCSI sense. lba
// is the first block of the failing command and is reported for media
// errors.
func SenseFromStatus(st nvme.Status, lba uint64) Sense {
	base := st.Base()
	switch {
	case base == nvme.StatusWriteFault:
		return mediumError(ASCWriteError, lba)
	case st.Type() == nvme.SCTMedia:
		return mediumError(ASCUnrecoveredReadError, lba)
	case base == nvme.StatusAbortRequested:
		return SenseAborted
	case base == nvme.StatusInvalidNamespace:
		return Sense{Key: SenseIllegalRequest, ASC: ASCInvalidCommand}
	case base == nvme.StatusLBAOutOfRange || base == nvme.StatusCapacityExceeded:
		return SenseOutOfRange
	case base == nvme.StatusInvalidField || base == nvme.StatusInvalidOpcode:
		return SenseInvalidField
	case base == nvme.StatusNamespaceNotReady:
		return SenseUnitNotReady
	}
	return SenseHardwareFailure
}

func mediumError(asc uint8, lba uint64) Sense {
	s := Sense{Key: SenseMediumError, ASC: asc}
	if lba <= 0xFFFFFFFF {
		s.Information = uint32(lba)
		s.Valid = true
	}
	return s
}

// senseFromError translates a transport-level failure.
func senseFromError(err error) Sense {
	switch {
	case errors.Is(err, pkg.ErrNotReady), errors.Is(err, pkg.ErrLinkDown):
		return SenseUnitNotReady
	case errors.Is(err, pkg.ErrOutOfRange):
		return SenseOutOfRange
	case errors.Is(err, pkg.ErrInvalidParameter):
		return SenseInvalidField
	}
	return SenseHardwareFailure
}
