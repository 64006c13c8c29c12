package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid device state for the operation.
	ErrInvalidState = errors.New("invalid device state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")
)

// Bulk-only transport errors.
var (
	// ErrInvalidCBW indicates a command block wrapper failed validation.
	ErrInvalidCBW = errors.New("invalid command block wrapper")

	// ErrPhase indicates the host and device disagree on data direction or length.
	ErrPhase = errors.New("phase error")
)

// Bridge and data-path errors.
var (
	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("timeout")

	// ErrDMA indicates the DMA engine reported a transfer error.
	ErrDMA = errors.New("dma transfer error")

	// ErrLinkDown indicates the PCIe link was lost.
	ErrLinkDown = errors.New("pcie link down")

	// ErrNotReady indicates the link or controller is not ready.
	ErrNotReady = errors.New("not ready")

	// ErrNoResources indicates insufficient resources (e.g., outstanding command slots).
	ErrNoResources = errors.New("no resources available")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOutOfRange indicates an address or length outside the permitted window.
	ErrOutOfRange = errors.New("out of range")

	// ErrAlreadyRunning indicates the firmware loop is already running.
	ErrAlreadyRunning = errors.New("already running")
)

// Flash and firmware image errors.
var (
	// ErrFlashWriteDisabled indicates an erase or program without a preceding write enable.
	ErrFlashWriteDisabled = errors.New("flash write not enabled")

	// ErrFlashAlignment indicates a page program crossed a page boundary.
	ErrFlashAlignment = errors.New("flash page misaligned")

	// ErrNoImage indicates there is no streamed firmware image to commit.
	ErrNoImage = errors.New("no firmware image")

	// ErrBadChecksum indicates a stored record failed its checksum.
	ErrBadChecksum = errors.New("bad checksum")
)
