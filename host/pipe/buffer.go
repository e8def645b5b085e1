package pipe

import (
	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/ardnew/softpipe/host/hal"
)

// transferBuffer is one fixed-size memory region plus the state of the
// asynchronous read currently using it.
//
// While the buffer is in flight the device owns mem and its contents are
// undefined. Once completed and moved to the ready queue, mem[:n] is
// immutable until the buffer is resubmitted.
type transferBuffer struct {
	mem    []byte     // Backing memory from mcache
	handle hal.Handle // Outstanding transfer, nil when not submitted
	n      int        // Completed length
	err    error      // Completion outcome
	polled bool       // Completion already fetched from the device
}

func newTransferBuffer(size int) *transferBuffer {
	return &transferBuffer{mem: mcache.Malloc(size)}
}

// payload returns the completed region.
func (b *transferBuffer) payload() []byte {
	return b.mem[:b.n]
}

// complete records a completion fetched from the device.
func (b *transferBuffer) complete(n int, err error) {
	if n < 0 {
		n = 0
	}
	if n > len(b.mem) {
		n = len(b.mem)
	}
	b.n, b.err, b.polled = n, err, true
}

// reset clears completion state ahead of resubmission.
func (b *transferBuffer) reset() {
	b.handle = nil
	b.n = 0
	b.err = nil
	b.polled = false
}

// idle reports whether the device no longer references mem.
func (b *transferBuffer) idle() bool {
	if b.handle == nil {
		return true
	}
	select {
	case <-b.handle.Done():
		return true
	default:
		return false
	}
}

// release returns mem to the allocator. Buffers still owned by the device
// are left for the garbage collector.
func (b *transferBuffer) release() {
	if b.mem == nil || !b.idle() {
		return
	}
	mcache.Free(b.mem)
	b.mem = nil
}
