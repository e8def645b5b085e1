// Package linux implements a transfer device on the Linux usbfs interface
// (/dev/bus/usb/BBB/DDD), in pure Go on golang.org/x/sys/unix.
//
// # Requirements
//
// The user running the application must have read/write access to the
// device node. This typically requires either:
//   - Running as root
//   - A udev rule granting access to the user or group
//
// # Architecture
//
// Buffered reads are asynchronous:
//   - Each SubmitRead issues a bulk URB with USBDEVFS_SUBMITURB
//   - A reaper goroutine polls the device descriptor for POLLOUT
//   - Completed URBs are collected with USBDEVFS_REAPURBNDELAY and matched
//     to their handles
//
// The pipe's transfer timeout is enforced by discarding overdue URBs, which
// then complete with pkg.ErrTimeout. Abort discards every URB on a pipe;
// those complete with pkg.ErrCancelled. Interrupt endpoints are accepted by
// the same bulk URB type.
//
// ReadPipe and WritePipe use the synchronous USBDEVFS_BULK request.
//
// Device discovery and hotplug are not handled here; open a known node
// with [Open] and [DevicePath].
package linux
