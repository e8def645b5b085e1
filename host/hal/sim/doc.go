// Package sim provides an in-memory transfer device for deterministic tests.
//
// Submissions made through [Device.SubmitRead] stay outstanding until the
// caller completes them with [Device.Complete], [Device.CompleteNth],
// [Device.Timeout] or [Device.Fail], until they are aborted, or until the
// pipe's transfer timeout elapses. This makes pump behavior such as
// completion-order handling, pipe timeouts, and shutdown under load
// reproducible without hardware.
//
//	dev := sim.New(sim.WithTransferTimeout(10 * time.Millisecond))
//	dev.Deliver(0x81, []byte("hello"), time.Second)
package sim
