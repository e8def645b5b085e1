// Package fifo implements a transfer device over named pipes, for running
// the buffered pipe engine against a simulated device in another process.
//
// # Layout
//
// A device directory holds one FIFO per endpoint direction:
//
//	/tmp/softpipe/
//	├── ep1_in     # device → host, read by pipe 0x81
//	├── ep1_out    # host → device, written by pipe 0x01
//	├── ep2_in
//	└── ...        # up to ep15
//
// [MakeFIFOs] creates the directory and FIFOs. [Open] opens every FIFO it
// finds; the device side uses [Peer].
//
// # Protocol
//
// Every message is a DATA frame:
//
//	[0x02][2 bytes: little-endian length][payload]
//
// One frame completes one submitted read. A frame larger than the read
// buffer completes it with pkg.ErrOverrun and the excess is discarded.
//
// # Transfers
//
// Each IN pipe has a reader goroutine decoding frames and a servicer
// goroutine completing reads in submission order. The pipe's transfer
// timeout starts when a read reaches the front of the queue; Abort cancels
// every queued read.
package fifo
