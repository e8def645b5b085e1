package hal

import (
	"errors"
	"fmt"
)

// ErrPending is returned by a non-blocking PollCompletion when the transfer
// has not completed yet.
var ErrPending = errors.New("transfer pending")

// PipeID identifies a unidirectional data pipe by its endpoint address.
// Bit 7 is the direction (1 = IN, device to host); bits 0-3 are the endpoint
// number.
type PipeID uint8

// Number returns the endpoint number (0-15).
func (p PipeID) Number() uint8 {
	return uint8(p) & 0x0F
}

// IsIn returns true if this is an IN pipe (device to host).
func (p PipeID) IsIn() bool {
	return uint8(p)&0x80 != 0
}

// String returns the pipe address in hex, e.g. "0x81".
func (p PipeID) String() string {
	return fmt.Sprintf("0x%02x", uint8(p))
}

// PolicyKey selects a per-pipe policy value.
type PolicyKey uint8

// Pipe policy keys.
const (
	// PolicyMaxTransferSize is the largest single transfer the pipe accepts,
	// in bytes.
	PolicyMaxTransferSize PolicyKey = iota + 1

	// PolicyTransferTimeout is the per-transfer timeout in milliseconds. A
	// transfer outstanding longer than this completes with a timeout. Zero
	// disables the timeout.
	PolicyTransferTimeout
)

// String returns the policy name.
func (k PolicyKey) String() string {
	switch k {
	case PolicyMaxTransferSize:
		return "max-transfer-size"
	case PolicyTransferTimeout:
		return "transfer-timeout"
	default:
		return fmt.Sprintf("policy(%d)", uint8(k))
	}
}

// Handle identifies one outstanding asynchronous transfer. Handles are
// produced by SubmitRead and are only meaningful to the device that issued
// them.
type Handle interface {
	// Done is closed once the transfer has completed, successfully or not.
	Done() <-chan struct{}
}

// TransferDevice is the asynchronous transfer capability the pipe engine
// consumes. Implementations must be safe for concurrent use: the pump
// submits and polls while other goroutines may call Abort.
type TransferDevice interface {
	// SubmitRead begins an asynchronous read from pipe into buf and returns
	// immediately. The device owns buf until the handle completes.
	SubmitRead(pipe uint8, buf []byte) (Handle, error)

	// PollCompletion returns the number of bytes transferred by h. When
	// blocking is true it waits for completion; otherwise it returns
	// ErrPending if the transfer is still outstanding. A pipe timeout is
	// reported as pkg.ErrTimeout and an aborted transfer as
	// pkg.ErrCancelled.
	PollCompletion(h Handle, blocking bool) (int, error)

	// Abort cancels all outstanding transfers on pipe. Each cancelled
	// handle completes with pkg.ErrCancelled.
	Abort(pipe uint8) error

	// PipePolicy returns the value of a pipe policy.
	PipePolicy(pipe uint8, key PolicyKey) (uint32, error)
}

// PolicySetter is implemented by devices whose pipe policies can be changed.
type PolicySetter interface {
	SetPipePolicy(pipe uint8, key PolicyKey, value uint32) error
}

// SyncTransferer is implemented by devices that support single-shot
// synchronous transfers outside the buffered engine.
type SyncTransferer interface {
	// ReadPipe performs one synchronous read. A pipe timeout returns zero
	// bytes and a nil error.
	ReadPipe(pipe uint8, data []byte) (int, error)

	// WritePipe performs one synchronous write and returns the number of
	// bytes accepted, which may be fewer than len(data).
	WritePipe(pipe uint8, data []byte) (int, error)
}

// Flusher is implemented by devices that hold received data for a pipe
// before a read claims it. FlushPipe discards that data; transfers already
// submitted are unaffected.
type Flusher interface {
	FlushPipe(pipe uint8) error
}
