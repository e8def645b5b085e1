// Package host manages buffered reads on the pipes of an open transfer
// device.
//
// A [Session] wraps one [hal.TransferDevice] and owns at most one
// [pipe.Engine] per IN pipe. Engines are independent: enabling, disabling or
// stalling one pipe never affects another.
//
// # Buffered Reads
//
// Enable starts an engine that keeps a pool of reads outstanding on the
// pipe. Completed data is consumed through exactly one view per pipe:
//
//   - Stream (or the Buffered* calls) treats the pipe as a byte stream
//   - Packets preserves the boundary of every completed transfer
//
// Requesting the other view after the first has been bound fails with
// pkg.ErrModeConflict.
//
// # Direct Transfers
//
// ReadPipe, ReadExactPipe and WritePipe perform synchronous transfers when
// the device implements [hal.SyncTransferer]. A pipe with a running engine
// cannot be read directly.
//
// # Example
//
//	s := host.NewSession(dev)
//	defer s.Close()
//
//	if err := s.Enable(0x81, 16, 512); err != nil {
//		return err
//	}
//	data, err := s.BufferedReadExact(ctx, 0x81, 64)
//
// # Shutdown
//
// Close stops every engine in parallel. Each engine aborts its outstanding
// transfers and joins its workers within a bounded time; a worker that does
// not exit is reported as pkg.ErrJoinTimeout. Consumers blocked in a wait
// fail with pkg.ErrStreamClosed.
package host
