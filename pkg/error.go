package pkg

import "errors"

// Pipe engine errors.
var (
	// ErrTimeout indicates a transfer or a bounded consumer wait ran out of
	// time. It is expected during normal operation.
	ErrTimeout = errors.New("transfer timeout")

	// ErrStreamClosed indicates the engine stopped while a consumer was still
	// waiting for data.
	ErrStreamClosed = errors.New("stream closed")

	// ErrModeConflict indicates a pipe bound to one consumer view was
	// requested through the other.
	ErrModeConflict = errors.New("pipe mode conflict")

	// ErrInvalidArgument indicates an argument outside the permitted range,
	// such as skipping past the queued data.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDevice indicates the transfer device reported a non-timeout failure.
	ErrDevice = errors.New("device error")

	// ErrCancelled indicates an aborted transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNotEnabled indicates a pipe that was never enabled for buffered reads.
	ErrNotEnabled = errors.New("pipe not enabled for buffered reads")

	// ErrClosed indicates the device session has been closed.
	ErrClosed = errors.New("session closed")

	// ErrAlreadyRunning indicates the engine has already been started.
	ErrAlreadyRunning = errors.New("already running")

	// ErrJoinTimeout indicates a worker goroutine did not exit within the
	// shutdown bound.
	ErrJoinTimeout = errors.New("worker join timeout")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrProtocol indicates a malformed message or completion.
	ErrProtocol = errors.New("protocol error")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")
)

// =============================================================================
// Completion Status
// =============================================================================

// TransferStatus classifies how a transfer completed. Device layers map
// their native status codes onto it; the engine only sees the error form.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusError
	TransferStatusStall
	TransferStatusTimeout
	TransferStatusCancelled
	TransferStatusOverrun
	TransferStatusNoDevice
)

var statusTable = [...]struct {
	name string
	err  error
}{
	TransferStatusSuccess:   {"success", nil},
	TransferStatusError:     {"error", ErrDevice},
	TransferStatusStall:     {"stall", ErrStall},
	TransferStatusTimeout:   {"timeout", ErrTimeout},
	TransferStatusCancelled: {"cancelled", ErrCancelled},
	TransferStatusOverrun:   {"overrun", ErrOverrun},
	TransferStatusNoDevice:  {"no device", ErrNoDevice},
}

func (s TransferStatus) valid() bool {
	return s >= 0 && int(s) < len(statusTable)
}

// String returns the status name.
func (s TransferStatus) String() string {
	if !s.valid() {
		return "unknown"
	}
	return statusTable[s].name
}

// Error returns the sentinel for s, nil for success. Unknown values map to
// ErrDevice.
func (s TransferStatus) Error() error {
	if !s.valid() {
		return ErrDevice
	}
	return statusTable[s].err
}

// StatusOf classifies a completion error. Errors outside the taxonomy are
// reported as TransferStatusError.
func StatusOf(err error) TransferStatus {
	if err == nil {
		return TransferStatusSuccess
	}
	for s := TransferStatusStall; int(s) < len(statusTable); s++ {
		if errors.Is(err, statusTable[s].err) {
			return s
		}
	}
	return TransferStatusError
}

// IsTimeout reports whether err is a transfer timeout. A pipe timeout means no
// data was available and is never treated as a failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled reports whether err is an aborted transfer.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
