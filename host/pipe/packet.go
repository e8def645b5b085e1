package pipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/ardnew/softpipe/pkg"
)

// ErrNoPacket is returned by ReadPacketInto when no packet is queued.
var ErrNoPacket = errors.New("no packet queued")

// PacketReader consumes a pipe as discrete packets. Each completed transfer
// is exactly one packet, delivered whole and in submission order.
type PacketReader struct {
	e *Engine
}

// Engine returns the engine backing the reader.
func (r *PacketReader) Engine() *Engine {
	return r.e
}

// QueuedPackets returns the number of packets ready to read.
func (r *PacketReader) QueuedPackets() int {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return len(r.e.pool.ready)
}

// NextPacketLength returns the length of the next packet, or 0 if none is
// queued.
func (r *PacketReader) NextPacketLength() int {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()

	if len(r.e.pool.ready) == 0 {
		return 0
	}
	return r.e.pool.ready[0].n
}

// ReadPacket dequeues the next packet. It never blocks and reports false if
// no packet is queued.
func (r *PacketReader) ReadPacket() ([]byte, bool) {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pool.ready) == 0 {
		return nil, false
	}
	b := e.pool.popReady()
	out := dirtmake.Bytes(b.n, b.n)
	copy(out, b.payload())
	e.recycleLocked(b)
	return out, true
}

// ReadPacketInto copies the next packet into dst and returns its length. It
// fails with ErrNoPacket when nothing is queued and with
// pkg.ErrBufferTooSmall, leaving the packet queued, when dst cannot hold it.
func (r *PacketReader) ReadPacketInto(dst []byte) (int, error) {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pool.ready) == 0 {
		return 0, ErrNoPacket
	}
	if n := e.pool.ready[0].n; n > len(dst) {
		return 0, fmt.Errorf("packet of %d bytes into %d: %w", n, len(dst), pkg.ErrBufferTooSmall)
	}
	b := e.pool.popReady()
	n := copy(dst, b.payload())
	e.recycleLocked(b)
	return n, nil
}

// WaitPacket blocks until a packet is queued and dequeues it. It fails with
// pkg.ErrStreamClosed once the engine has stopped with nothing queued.
func (r *PacketReader) WaitPacket(ctx context.Context) ([]byte, error) {
	e := r.e
	for {
		tickCh, _, _ := e.tickState()
		stopped := e.Stopped()

		if p, ok := r.ReadPacket(); ok {
			return p, nil
		}
		if stopped {
			return nil, pkg.ErrStreamClosed
		}

		select {
		case <-tickCh:
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// recycleLocked hands a consumed buffer back to the pump. Caller must hold
// mu.
func (e *Engine) recycleLocked(b *transferBuffer) {
	e.queued -= b.n
	e.pool.toRequeue = append(e.pool.toRequeue, b)
	e.signalRequeue()
}
