package pipe

import (
	"context"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/ardnew/softpipe/pkg"
)

// StreamReader consumes a pipe as one ordered byte sequence. Transfer
// boundaries are not preserved.
//
// All methods are safe for concurrent use. Only ReceiveExact and Read
// block.
type StreamReader struct {
	e *Engine
}

// Engine returns the engine backing the reader.
func (s *StreamReader) Engine() *Engine {
	return s.e
}

// Len returns the number of unread bytes.
func (s *StreamReader) Len() int {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.queued
}

// Receive removes and returns up to count bytes. It never blocks; fewer
// bytes (possibly none) are returned when less data is queued.
func (s *StreamReader) Receive(count int) []byte {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked(count)
	return e.takeLocked(min(max(count, 0), e.queue.len()))
}

// Peek returns up to count bytes without removing them.
func (s *StreamReader) Peek(count int) []byte {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked(count)
	n := min(max(count, 0), e.queue.len())
	out := dirtmake.Bytes(n, n)
	e.queue.peek(out)
	return out
}

// Skip removes count bytes without copying them. It fails with
// pkg.ErrInvalidArgument if fewer than count bytes are queued, leaving the
// queue untouched.
func (s *StreamReader) Skip(count int) error {
	if count < 0 {
		return fmt.Errorf("skip %d: %w", count, pkg.ErrInvalidArgument)
	}

	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainLocked(count)
	if queued := e.queue.len(); count > queued {
		return fmt.Errorf("skip %d with %d queued: %w", count, queued, pkg.ErrInvalidArgument)
	}
	e.queue.discard(count)
	e.queued -= count
	return nil
}

// ReceiveExact blocks until count bytes are queued and returns them.
//
// Each pump tick that harvests no new data counts as empty; after the
// configured number of consecutive empty ticks it fails with pkg.ErrTimeout.
// Any new data resets the count. If the engine stops while fewer than count
// bytes are queued it fails with pkg.ErrStreamClosed. Cancelling ctx
// returns ctx.Err(). On failure nothing is consumed.
func (s *StreamReader) ReceiveExact(ctx context.Context, count int) ([]byte, error) {
	if count < 0 {
		return nil, fmt.Errorf("receive %d: %w", count, pkg.ErrInvalidArgument)
	}

	e := s.e
	_, start, _ := e.tickState()

	e.waiters.Add(1)
	defer e.waiters.Add(-1)

	for {
		tickCh, ticks, dataTick := e.tickState()
		stopped := e.Stopped()

		e.mu.Lock()
		e.drainLocked(count)
		queued := e.queue.len()
		if queued >= count {
			out := e.takeLocked(count)
			e.mu.Unlock()
			return out, nil
		}
		e.mu.Unlock()

		if stopped {
			return nil, fmt.Errorf("receive %d with %d queued: %w", count, queued, pkg.ErrStreamClosed)
		}
		if empty := int(ticks - max(start, dataTick)); empty >= e.cfg.EmptyTickLimit {
			e.metrics.RecordExactReadTimeout(e.cfg.Pipe)
			pkg.LogDebug(pkg.ComponentStream, "exact read timed out",
				"pipe", e.pipeName(), "want", count, "queued", queued, "emptyTicks", empty)
			return nil, fmt.Errorf("receive %d with %d queued: %w", count, queued, pkg.ErrTimeout)
		}

		select {
		case <-tickCh:
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Read implements io.Reader. It blocks until at least one byte is queued and
// returns io.EOF once the engine has stopped and every byte has been read.
func (s *StreamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	e := s.e
	for {
		tickCh, _, _ := e.tickState()
		stopped := e.Stopped()

		e.mu.Lock()
		e.drainLocked(len(p))
		n := e.queue.read(p)
		e.queued -= n
		e.mu.Unlock()

		if n > 0 {
			return n, nil
		}
		if stopped {
			return 0, io.EOF
		}

		select {
		case <-tickCh:
		case <-e.done:
		}
	}
}

// drainLocked moves ready buffers into the byte queue and hands them back to
// the pump. With a high-water mark, draining stops once the queue holds
// max(mark, want) bytes. Caller must hold mu.
func (e *Engine) drainLocked(want int) {
	limit := 0
	if e.cfg.HighWaterMark > 0 {
		limit = max(e.cfg.HighWaterMark, want)
	}

	moved := false
	for len(e.pool.ready) > 0 {
		if limit > 0 && e.queue.len() >= limit {
			break
		}
		b := e.pool.popReady()
		e.queue.push(b.payload())
		e.pool.toRequeue = append(e.pool.toRequeue, b)
		moved = true
	}
	if moved {
		e.signalRequeue()
	}
}

// takeLocked removes n queued bytes into a new slice. Caller must hold mu
// and guarantee n <= e.queue.len().
func (e *Engine) takeLocked(n int) []byte {
	out := dirtmake.Bytes(n, n)
	e.queue.read(out)
	e.queued -= n
	return out
}

var _ io.Reader = (*StreamReader)(nil)
