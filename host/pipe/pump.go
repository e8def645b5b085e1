package pipe

import (
	"errors"
	"time"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/pkg"
)

// pump is the producer goroutine. Each iteration waits for the
// earliest-submitted transfer, resubmits drained buffers, harvests every
// completed transfer in submission order, publishes the new byte count,
// and ticks.
func (e *Engine) pump() {
	defer func() {
		e.stopped.Store(true)
		close(e.done)
		pkg.LogDebug(pkg.ComponentPump, "pump exited", "pipe", e.pipeName())
	}()

	idle := time.NewTimer(e.cfg.IdleInterval)
	idle.Stop()
	defer idle.Stop()

	for {
		e.await(idle)
		if e.ctx.Err() != nil {
			return
		}

		fault := e.requeue()
		harvested, harvestFault := e.harvest()
		fault = fault || harvestFault

		if harvested > 0 {
			e.notifier.notify()
		}
		e.publishStats()
		e.tick(harvested > 0)

		if fault && !e.sleep(e.cfg.Backoff) {
			return
		}
	}
}

// await blocks until the front in-flight transfer completes. With nothing in
// flight it waits for a requeue signal or the idle interval instead.
func (e *Engine) await(idle *time.Timer) {
	e.flightMu.Lock()
	front := e.pool.front()
	e.flightMu.Unlock()

	if front != nil {
		// Only the pump mutates inFlight, so front stays put without the lock.
		if !front.polled {
			n, err := e.dev.PollCompletion(front.handle, true)
			front.complete(n, err)
		}
		return
	}

	idle.Reset(e.cfg.IdleInterval)
	select {
	case <-e.ctx.Done():
	case <-e.requeueSig:
	case <-idle.C:
	}
	idle.Stop()
}

// requeue resubmits every buffer a consumer has drained. It reports whether
// any submission failed.
func (e *Engine) requeue() bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	fault := false
	for _, b := range e.pool.takeRequeue() {
		if err := e.resubmitLocked(b); err != nil && e.ctx.Err() == nil {
			fault = true
		}
	}
	return fault
}

// harvest moves completed transfers out of flight, at most one pass over the
// pool, stopping at the first transfer still pending. It returns the bytes
// made ready and whether a device fault occurred.
func (e *Engine) harvest() (int, bool) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	bytes, fault := 0, false
	for i := 0; i < len(e.pool.all) && len(e.pool.inFlight) > 0; i++ {
		b := e.pool.front()
		if !b.polled {
			n, err := e.dev.PollCompletion(b.handle, false)
			if errors.Is(err, hal.ErrPending) {
				break
			}
			b.complete(n, err)
		}
		e.pool.popInFlight()

		switch {
		case b.err == nil:
			e.pool.ready = append(e.pool.ready, b)
			bytes += b.n
			e.metrics.RecordTransfer(e.cfg.Pipe, b.n)

		case e.ctx.Err() != nil:
			e.pool.toRequeue = append(e.pool.toRequeue, b)

		case pkg.IsTimeout(b.err):
			// No data was available; not a failure.
			e.metrics.RecordTimeout(e.cfg.Pipe)
			if err := e.resubmitLocked(b); err != nil {
				fault = true
			}

		case pkg.IsCancelled(b.err):
			// Aborted outside shutdown, e.g. by a policy change.
			if err := e.resubmitLocked(b); err != nil {
				fault = true
			}

		default:
			e.metrics.RecordError(e.cfg.Pipe)
			e.logFault("transfer failed", b.err)
			fault = true
			_ = e.resubmitLocked(b)
		}
	}

	if bytes > 0 {
		e.total += uint64(bytes)
		e.queued += bytes
	}
	return bytes, fault
}

// resubmitLocked starts a fresh read into b. If the engine is stopping or
// the submission fails, b is parked on the to-requeue queue so the pool
// stays whole. Caller must hold flightMu and mu.
func (e *Engine) resubmitLocked(b *transferBuffer) error {
	if err := e.ctx.Err(); err != nil {
		e.pool.toRequeue = append(e.pool.toRequeue, b)
		return err
	}

	b.reset()
	h, err := e.dev.SubmitRead(e.cfg.Pipe, b.mem)
	if err != nil {
		e.pool.toRequeue = append(e.pool.toRequeue, b)
		e.metrics.RecordError(e.cfg.Pipe)
		e.logFault("submit failed", err)
		return err
	}
	b.handle = h
	e.pool.inFlight = append(e.pool.inFlight, b)
	return nil
}

// tick wakes every goroutine waiting on the current tick channel. data
// marks an iteration that harvested at least one byte.
func (e *Engine) tick(data bool) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.ticks++
	if data {
		e.dataTick = e.ticks
	}
	close(e.tickCh)
	e.tickCh = make(chan struct{})
}

// tickState returns the channel closed by the next tick, the number of
// ticks so far, and the last tick that harvested data.
func (e *Engine) tickState() (<-chan struct{}, uint64, uint64) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.tickCh, e.ticks, e.dataTick
}

// sleep waits for d unless the engine starts stopping first.
func (e *Engine) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-e.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) publishStats() {
	if e.metrics == nil {
		return
	}
	s := e.Stats()
	e.metrics.SetBuffers(e.cfg.Pipe, s.InFlight, s.Ready, s.ToRequeue)
}

func (e *Engine) logFault(msg string, err error) {
	e.faultLog.Do(func() {
		pkg.LogError(pkg.ComponentPump, msg,
			"pipe", e.pipeName(), "status", pkg.StatusOf(err), "error", err)
	})
}
