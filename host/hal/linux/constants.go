package linux

// =============================================================================
// Transfer Limits
// =============================================================================

// DefaultMaxTransferSize is the max-transfer-size policy reported for pipes
// that have not been configured otherwise. usbfs accepts larger URBs, but
// this stays within the default usbfs memory budget for a full buffer pool.
const DefaultMaxTransferSize = 16384

// MaxTransferSize is the largest value SetPipePolicy accepts for
// hal.PolicyMaxTransferSize.
const MaxTransferSize = 1 << 20

// =============================================================================
// System Paths
// =============================================================================

// DevfsUSBPath is the base path for USB device nodes.
const DevfsUSBPath = "/dev/bus/usb"

// =============================================================================
// URB Type Constants
// =============================================================================

// URB transfer types for USBDEVFS_SUBMITURB.
const (
	URBTypeISO       = 0 // Isochronous
	URBTypeInterrupt = 1 // Interrupt
	URBTypeControl   = 2 // Control
	URBTypeBulk      = 3 // Bulk, also accepted for interrupt endpoints
)

// URB flags.
const (
	URBShortNotOK = 0x01 // Short read is an error
	URBZeroPacket = 0x40 // Send zero-length packet at end
)
