// Package hal defines the transfer device capability consumed by the
// buffered pipe engine.
//
// The engine never talks to a USB controller directly. It submits
// asynchronous reads, waits for their completion in submission order, and
// aborts them on shutdown through the [TransferDevice] interface. Platform
// implementations live in sub-packages.
//
// # Interface Overview
//
// [TransferDevice] has four operations:
//   - SubmitRead begins an asynchronous read into a caller buffer
//   - PollCompletion waits for (or polls) one outstanding read
//   - Abort cancels every outstanding read on a pipe
//   - PipePolicy reports pipe limits such as the maximum transfer size
//
// Optional capabilities are discovered with type assertions:
// [PolicySetter] for changing pipe policies and [SyncTransferer] for
// single-shot synchronous reads and writes.
//
// # Completion Outcomes
//
// A completed transfer reports one of:
//   - a byte count and nil error
//   - pkg.ErrTimeout when the pipe timeout elapsed with no data
//   - pkg.ErrCancelled when the transfer was aborted
//   - any other error, which the engine treats as a device fault
//
// # Implementations
//
//   - [github.com/ardnew/softpipe/host/hal/linux]: Linux usbfs URBs
//   - [github.com/ardnew/softpipe/host/hal/fifo]: named pipes, for
//     host-only testing against a simulated device process
//   - [github.com/ardnew/softpipe/host/hal/sim]: in-memory scripted device
//     for deterministic tests
package hal
