package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsDistinct(t *testing.T) {
	all := []error{
		ErrStall, ErrNotConfigured, ErrInvalidEndpoint, ErrInvalidState,
		ErrInvalidRequest, ErrNotSupported, ErrBufferTooSmall,
		ErrDescriptorTooShort, ErrDescriptorTypeMismatch, ErrSetupPacketTooShort,
		ErrReset, ErrInvalidCBW, ErrPhase, ErrTimeout, ErrDMA, ErrLinkDown, ErrNotReady,
		ErrNoResources, ErrInvalidParameter, ErrOutOfRange, ErrAlreadyRunning,
		ErrFlashWriteDisabled, ErrFlashAlignment, ErrNoImage, ErrBadChecksum,
	}

	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("errors.Is(%v, %v) = true, want false", a, b)
			}
		}
	}
}

func TestWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("dma wait: %w", ErrTimeout)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is(%v, ErrTimeout) = false, want true", err)
	}
}
