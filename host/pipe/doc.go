// Package pipe implements the buffered pipe engine: a fixed pool of
// asynchronous reads kept in flight on one IN pipe, exposed as either a byte
// stream or a sequence of packets.
//
// # Buffer Rotation
//
// Each of the N buffers is always in exactly one of three queues:
//
//	in-flight ──complete──▶ ready ──consume──▶ to-requeue ──resubmit──▶ in-flight
//
// The pump goroutine waits for the earliest-submitted transfer, resubmits
// consumed buffers, and harvests completions in submission order, so data
// is always delivered in the order transfers were issued. A pipe timeout is
// not a failure: the buffer is resubmitted at once. Any other device error
// is logged and the pump backs off before the next iteration.
//
// # Consumer Views
//
// An engine is bound to one view on first use; requesting the other fails
// with pkg.ErrModeConflict.
//
//   - [StreamReader] reassembles transfers into one byte sequence with
//     Receive, Peek, Skip, ReceiveExact and io.Reader semantics.
//   - [PacketReader] returns each completed transfer as one packet, never
//     merged or split.
//
// # Notification
//
// The notifier goroutine runs registered callbacks (and feeds subscription
// channels) whenever the received-byte total advances. Bursts collapse into
// fewer notifications, but the final total is always announced.
//
// # Shutdown
//
// [Engine.Stop] cancels the engine context, aborts every outstanding
// transfer, and joins both goroutines with a bounded timeout. A reader
// blocked in ReceiveExact fails with pkg.ErrStreamClosed.
package pipe
