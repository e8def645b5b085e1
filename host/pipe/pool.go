package pipe

// PoolStats is a snapshot of how the buffer pool is partitioned.
// InFlight+Ready+ToRequeue always equals Size.
type PoolStats struct {
	Size      int // Total buffers
	InFlight  int // Submitted to the device
	Ready     int // Completed, not yet consumed
	ToRequeue int // Consumed, waiting for resubmission
}

// bufferPool partitions a fixed set of buffers into three FIFO queues. A
// buffer is in exactly one queue at a time.
//
// inFlight is guarded by Engine.flightMu; ready and toRequeue by Engine.mu.
// Moves between inFlight and the other queues hold both.
type bufferPool struct {
	all       []*transferBuffer
	inFlight  []*transferBuffer
	ready     []*transferBuffer
	toRequeue []*transferBuffer
}

func newBufferPool(count, size int) bufferPool {
	p := bufferPool{
		all:       make([]*transferBuffer, count),
		inFlight:  make([]*transferBuffer, 0, count),
		ready:     make([]*transferBuffer, 0, count),
		toRequeue: make([]*transferBuffer, 0, count),
	}
	// Fresh buffers have never been submitted, so they start out eligible
	// for (re)submission.
	for i := range p.all {
		p.all[i] = newTransferBuffer(size)
		p.toRequeue = append(p.toRequeue, p.all[i])
	}
	return p
}

// front returns the earliest-submitted in-flight buffer, or nil.
func (p *bufferPool) front() *transferBuffer {
	if len(p.inFlight) == 0 {
		return nil
	}
	return p.inFlight[0]
}

func (p *bufferPool) popInFlight() *transferBuffer {
	b := p.inFlight[0]
	p.inFlight[0] = nil
	p.inFlight = p.inFlight[1:]
	return b
}

func (p *bufferPool) popReady() *transferBuffer {
	b := p.ready[0]
	p.ready[0] = nil
	p.ready = p.ready[1:]
	return b
}

// takeRequeue empties the to-requeue queue and returns its contents.
func (p *bufferPool) takeRequeue() []*transferBuffer {
	out := p.toRequeue
	p.toRequeue = make([]*transferBuffer, 0, len(p.all))
	return out
}

func (p *bufferPool) stats() PoolStats {
	return PoolStats{
		Size:      len(p.all),
		InFlight:  len(p.inFlight),
		Ready:     len(p.ready),
		ToRequeue: len(p.toRequeue),
	}
}

// release frees the memory of every buffer the device no longer owns and
// empties the pool.
func (p *bufferPool) release() {
	for _, b := range p.all {
		b.release()
	}
	p.all = nil
	p.inFlight = p.inFlight[:0]
	p.ready = p.ready[:0]
	p.toRequeue = p.toRequeue[:0]
}
