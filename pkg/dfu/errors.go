package dfu

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceGone is reported by transports when the device disconnected.
	ErrDeviceGone = errors.New("dfu: device disconnected")

	// ErrProtocol matches every protocol failure: EraseFailed, WriteFailed,
	// ReadFailed, VerifyMismatch and UnexpectedState.
	ErrProtocol = errors.New("dfu: protocol error")

	// ErrPollTimeout is returned when the device stays busy past the
	// operation timeout.
	ErrPollTimeout = errors.New("dfu: device busy past operation timeout")

	// ErrStatusRetries is returned when GETSTATUS keeps failing.
	ErrStatusRetries = errors.New("dfu: too many failed status requests")

	// ErrShortUpload is returned when an upload returns fewer bytes than asked.
	ErrShortUpload = errors.New("dfu: short upload")

	// ErrNotIdle is returned when the device cannot be brought to dfuIDLE.
	ErrNotIdle = errors.New("dfu: device does not reach dfuIDLE")
)

// TransportError wraps a failure of the underlying control transfer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dfu: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EraseFailed reports a page erase the device did not complete.
type EraseFailed struct {
	Address uint32
	Status  Status
	State   State
	Err     error
}

func (e *EraseFailed) Error() string {
	return commandError("erase", e.Address, e.Status, e.State, e.Err)
}

func (e *EraseFailed) Unwrap() error { return e.Err }

func (e *EraseFailed) Is(target error) bool { return target == ErrProtocol }

// WriteFailed reports a block download the device did not complete.
type WriteFailed struct {
	Address uint32
	Status  Status
	State   State
	Err     error
}

func (e *WriteFailed) Error() string {
	return commandError("write", e.Address, e.Status, e.State, e.Err)
}

func (e *WriteFailed) Unwrap() error { return e.Err }

func (e *WriteFailed) Is(target error) bool { return target == ErrProtocol }

// ReadFailed reports an upload the device would not serve, such as an
// address pointer it rejected before reading back.
type ReadFailed struct {
	Address uint32
	Status  Status
	State   State
	Err     error
}

func (e *ReadFailed) Error() string {
	return commandError("read", e.Address, e.Status, e.State, e.Err)
}

func (e *ReadFailed) Unwrap() error { return e.Err }

func (e *ReadFailed) Is(target error) bool { return target == ErrProtocol }

func commandError(op string, addr uint32, status Status, state State, err error) string {
	if err != nil {
		return fmt.Sprintf("dfu: %s at 0x%08X failed: %v", op, addr, err)
	}
	return fmt.Sprintf("dfu: %s at 0x%08X failed: %s (%s) in %s", op, addr, status, status.Description(), state)
}

// VerifyMismatch reports the first byte read back that differs from the
// image. Address is the start of the block, Offset the position inside it.
type VerifyMismatch struct {
	Address uint32
	Offset  uint32
	Want    byte
	Got     byte
}

func (e *VerifyMismatch) Error() string {
	return fmt.Sprintf("dfu: verify mismatch at 0x%08X: read 0x%02X, want 0x%02X",
		e.Address+e.Offset, e.Got, e.Want)
}

func (e *VerifyMismatch) Is(target error) bool { return target == ErrProtocol }

// UnexpectedState reports a device state the operation cannot continue from.
type UnexpectedState struct {
	Op     string
	State  State
	Status Status
}

func (e *UnexpectedState) Error() string {
	return fmt.Sprintf("dfu: %s: unexpected state %s (status %s)", e.Op, e.State, e.Status)
}

func (e *UnexpectedState) Is(target error) bool { return target == ErrProtocol }
