package linux

import (
	"fmt"
	"unsafe"
)

// =============================================================================
// Kernel Structures
// =============================================================================

// urb mirrors struct usbdevfs_urb without the trailing ISO descriptors.
type urb struct {
	typ          uint8   // URB type (control, bulk, interrupt, iso)
	endpoint     uint8   // Endpoint address
	status       int32   // Negative errno after completion
	flags        uint32  // URB flags
	buffer       uintptr // Data buffer
	bufferLength int32   // Length of data buffer
	actualLength int32   // Bytes transferred
	startFrame   int32   // ISO only
	streamID     uint32  // USB 3.0 bulk streams
	errorCount   int32   // ISO only
	signr        uint32  // Completion signal, unused
	userContext  uintptr // Caller context, unused
}

// bulkTransfer mirrors struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32  // Endpoint address
	length   uint32  // Data length
	timeout  uint32  // Milliseconds, zero waits forever
	data     uintptr // Data buffer
}

// =============================================================================
// Request Encoding
// =============================================================================

// _IOC bit layout shared by arm, arm64, x86 and riscv:
//
//	bits 0-7:   command number (nr)
//	bits 8-15:  ioctl type (type)
//	bits 16-29: argument size (size)
//	bits 30-31: direction (dir)
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	iocSizeMask = 1<<14 - 1
)

// ioc constructs an ioctl number from direction, type, number, and size.
func ioc(dir, typ, nr, size uintptr) uintptr {
	if size > iocSizeMask {
		panic(fmt.Sprintf("ioctl argument size %d overflows", size))
	}
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func ior(typ, nr, size uintptr) uintptr { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }
func ioctl(typ, nr uintptr) uintptr { return ioc(iocNone, typ, nr, 0) }

// usbdevfs ioctl type character.
const usbdevfsType = 'U'

// usbdevfs requests. Argument sizes follow the host's pointer width.
var (
	ioctlUsbdevfsBulk             = iowr(usbdevfsType, 2, unsafe.Sizeof(bulkTransfer{}))
	ioctlUsbdevfsSubmitURB        = ior(usbdevfsType, 10, unsafe.Sizeof(urb{}))
	ioctlUsbdevfsDiscardURB       = ioctl(usbdevfsType, 11)
	ioctlUsbdevfsReapURBNDelay    = iow(usbdevfsType, 13, unsafe.Sizeof(uintptr(0)))
	ioctlUsbdevfsClaimInterface   = ior(usbdevfsType, 15, unsafe.Sizeof(uint32(0)))
	ioctlUsbdevfsReleaseInterface = ior(usbdevfsType, 16, unsafe.Sizeof(uint32(0)))
	ioctlUsbdevfsClearHalt        = ior(usbdevfsType, 21, unsafe.Sizeof(uint32(0)))
)
