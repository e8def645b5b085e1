//go:build linux

package linux

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softpipe/pkg"
)

// =============================================================================
// Raw Syscall Wrappers
// =============================================================================

// ioctlPtr performs an ioctl whose argument is a pointer and returns the
// syscall's result value.
func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// =============================================================================
// USBDEVFS Operations
// =============================================================================

// doBulkTransfer performs a synchronous bulk or interrupt transfer.
func doBulkTransfer(fd int, endpoint uint8, data []byte, timeout uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeout,
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctlPtr(fd, ioctlUsbdevfsBulk, unsafe.Pointer(&bulk))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// claimInterface claims exclusive access to an interface.
func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctlPtr(fd, ioctlUsbdevfsClaimInterface, unsafe.Pointer(&n))
	return err
}

// releaseInterface releases a previously claimed interface.
func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctlPtr(fd, ioctlUsbdevfsReleaseInterface, unsafe.Pointer(&n))
	return err
}

// clearHalt clears a stall condition on an endpoint.
func clearHalt(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, err := ioctlPtr(fd, ioctlUsbdevfsClearHalt, unsafe.Pointer(&ep))
	return err
}

// =============================================================================
// Async URB Operations
// =============================================================================

// submitURB submits a URB for asynchronous processing. The URB and its
// buffer must stay reachable until the URB is reaped.
func submitURB(fd int, u *urb) error {
	_, err := ioctlPtr(fd, ioctlUsbdevfsSubmitURB, unsafe.Pointer(u))
	return err
}

// reapURBNDelay retrieves the address of a completed URB without blocking.
// It returns EAGAIN if no URB is available.
func reapURBNDelay(fd int) (uintptr, error) {
	var addr uintptr
	_, err := ioctlPtr(fd, ioctlUsbdevfsReapURBNDelay, unsafe.Pointer(&addr))
	return addr, err
}

// discardURB cancels a pending URB. The URB still completes and must be
// reaped.
func discardURB(fd int, u *urb) error {
	_, err := ioctlPtr(fd, ioctlUsbdevfsDiscardURB, unsafe.Pointer(u))
	return discardError(err)
}

// discardError drops EINVAL, which the kernel returns for a URB that has
// already completed but is not yet reaped.
func discardError(err error) error {
	if err == nil || errors.Is(err, unix.EINVAL) {
		return nil
	}
	return syscallError("discard urb", err)
}

// initBulkURB initializes a URB for a bulk or interrupt read into data.
func initBulkURB(u *urb, endpoint uint8, data []byte) {
	u.typ = URBTypeBulk
	u.endpoint = endpoint
	u.bufferLength = int32(len(data))
	if len(data) > 0 {
		u.buffer = uintptr(unsafe.Pointer(&data[0]))
	}
}

// =============================================================================
// Error Helpers
// =============================================================================

// urbStatus classifies a reaped URB status. Discarded URBs report ENOENT
// or ECONNRESET; expired marks a discard issued by the transfer timeout
// rather than Abort.
func urbStatus(status int32, expired bool) pkg.TransferStatus {
	switch errno := unix.Errno(-status); {
	case status == 0:
		return pkg.TransferStatusSuccess
	case errno == unix.ENOENT, errno == unix.ECONNRESET:
		if expired {
			return pkg.TransferStatusTimeout
		}
		return pkg.TransferStatusCancelled
	case errno == unix.EPIPE:
		return pkg.TransferStatusStall
	case errno == unix.ENODEV, errno == unix.ESHUTDOWN:
		return pkg.TransferStatusNoDevice
	case errno == unix.EOVERFLOW:
		return pkg.TransferStatusOverrun
	case errno == unix.ETIMEDOUT:
		return pkg.TransferStatusTimeout
	default:
		return pkg.TransferStatusError
	}
}

// urbError maps a reaped URB status to a completion error.
func urbError(status int32, expired bool) error {
	st := urbStatus(status, expired)
	if st == pkg.TransferStatusError {
		return fmt.Errorf("urb status %v: %w", unix.Errno(-status), pkg.ErrDevice)
	}
	return st.Error()
}

// syscallError maps an ioctl failure to the package error taxonomy.
func syscallError(op string, err error) error {
	switch {
	case errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%s: %w", op, pkg.ErrNoDevice)
	case errors.Is(err, unix.EPIPE):
		return fmt.Errorf("%s: %w", op, pkg.ErrStall)
	case errors.Is(err, unix.ETIMEDOUT):
		return fmt.Errorf("%s: %w", op, pkg.ErrTimeout)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%s: %w: %w", op, pkg.ErrInvalidEndpoint, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, pkg.ErrDevice, err)
	}
}
