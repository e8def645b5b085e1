package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/pkg"
)

// DefaultMaxTransferSize is the max-transfer-size policy reported for pipes
// that have not been configured otherwise.
const DefaultMaxTransferSize = 4096

// Errors.
var (
	// ErrNoPending indicates there is no outstanding submission to complete.
	ErrNoPending = errors.New("no pending transfer")

	// ErrForeignHandle indicates a handle issued by a different device.
	ErrForeignHandle = errors.New("handle not issued by this device")
)

// handle is one outstanding submission.
type handle struct {
	dev   *Device
	pipe  uint8
	buf   []byte
	done  chan struct{}
	timer *time.Timer
	n     int
	err   error
}

// Done implements hal.Handle.
func (h *handle) Done() <-chan struct{} {
	return h.done
}

// pipeState tracks submissions and scripted behavior for one pipe.
type pipeState struct {
	pending     []*handle
	timeout     time.Duration
	maxTransfer uint32
	submitted   uint64
	submitErrs  []error
	written     []byte
	flushes     int
}

// Device is an in-memory transfer device whose completions are driven by
// the caller. Submissions complete only when the test completes them, when
// they are aborted, or when the pipe's transfer timeout elapses.
type Device struct {
	mu          sync.Mutex
	pipes       map[uint8]*pipeState
	maxTransfer uint32
	timeout     time.Duration
	changed     chan struct{}
}

// Option configures a Device.
type Option func(*Device)

// WithMaxTransferSize sets the default max-transfer-size policy.
func WithMaxTransferSize(n uint32) Option {
	return func(d *Device) { d.maxTransfer = n }
}

// WithTransferTimeout sets the default pipe timeout. Outstanding submissions
// older than d complete with pkg.ErrTimeout. Zero disables the timeout.
func WithTransferTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.timeout = d }
}

// New creates a simulated device.
func New(opts ...Option) *Device {
	d := &Device{
		pipes:       make(map[uint8]*pipeState),
		maxTransfer: DefaultMaxTransferSize,
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// pipeLocked returns the state for pipe, creating it. Caller must hold d.mu.
func (d *Device) pipeLocked(pipe uint8) *pipeState {
	p, ok := d.pipes[pipe]
	if !ok {
		p = &pipeState{timeout: d.timeout, maxTransfer: d.maxTransfer}
		d.pipes[pipe] = p
	}
	return p
}

// broadcastLocked wakes every WaitPending caller. Caller must hold d.mu.
func (d *Device) broadcastLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// finishLocked removes h from its pipe's pending list and completes it.
// Caller must hold d.mu.
func (d *Device) finishLocked(h *handle, n int, err error) {
	p := d.pipeLocked(h.pipe)
	for i, q := range p.pending {
		if q == h {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.n, h.err = n, err
	close(h.done)
	d.broadcastLocked()
}

// expire completes h with a timeout if it is still outstanding.
func (d *Device) expire(h *handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-h.done:
		return
	default:
	}
	d.finishLocked(h, 0, pkg.ErrTimeout)
}

// =============================================================================
// hal.TransferDevice
// =============================================================================

// SubmitRead queues an asynchronous read on pipe.
func (d *Device) SubmitRead(pipe uint8, buf []byte) (hal.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		return nil, err
	}

	h := &handle{dev: d, pipe: pipe, buf: buf, done: make(chan struct{})}
	p.pending = append(p.pending, h)
	p.submitted++
	if p.timeout > 0 {
		h.timer = time.AfterFunc(p.timeout, func() { d.expire(h) })
	}
	d.broadcastLocked()
	return h, nil
}

// PollCompletion returns the outcome of h.
func (d *Device) PollCompletion(h hal.Handle, blocking bool) (int, error) {
	sh, ok := h.(*handle)
	if !ok || sh.dev != d {
		return 0, ErrForeignHandle
	}
	if blocking {
		<-sh.done
	} else {
		select {
		case <-sh.done:
		default:
			return 0, hal.ErrPending
		}
	}
	return sh.n, sh.err
}

// Abort cancels every outstanding submission on pipe.
func (d *Device) Abort(pipe uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	for len(p.pending) > 0 {
		d.finishLocked(p.pending[0], 0, pkg.ErrCancelled)
	}
	return nil
}

// FlushPipe records a flush on pipe. The device holds no undelivered data,
// so outstanding submissions are left in place. A scripted submission error
// fails the flush instead.
func (d *Device) FlushPipe(pipe uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		return err
	}
	p.flushes++
	return nil
}

// PipePolicy returns a pipe policy value.
func (d *Device) PipePolicy(pipe uint8, key hal.PolicyKey) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	switch key {
	case hal.PolicyMaxTransferSize:
		return p.maxTransfer, nil
	case hal.PolicyTransferTimeout:
		return uint32(p.timeout / time.Millisecond), nil
	default:
		return 0, pkg.ErrNotSupported
	}
}

// SetPipePolicy changes a pipe policy value. A new transfer timeout applies
// to submissions made after the call.
func (d *Device) SetPipePolicy(pipe uint8, key hal.PolicyKey, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	switch key {
	case hal.PolicyMaxTransferSize:
		p.maxTransfer = value
	case hal.PolicyTransferTimeout:
		p.timeout = time.Duration(value) * time.Millisecond
	default:
		return pkg.ErrNotSupported
	}
	return nil
}

// =============================================================================
// hal.SyncTransferer
// =============================================================================

// ReadPipe submits one read and waits for it. A timeout yields zero bytes.
func (d *Device) ReadPipe(pipe uint8, data []byte) (int, error) {
	h, err := d.SubmitRead(pipe, data)
	if err != nil {
		return 0, err
	}
	n, err := d.PollCompletion(h, true)
	if pkg.IsTimeout(err) {
		return 0, nil
	}
	return n, err
}

// WritePipe records data as written to pipe, accepting at most the pipe's
// max-transfer-size per call.
func (d *Device) WritePipe(pipe uint8, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		return 0, err
	}
	n := len(data)
	if p.maxTransfer > 0 && n > int(p.maxTransfer) {
		n = int(p.maxTransfer)
	}
	p.written = append(p.written, data[:n]...)
	return n, nil
}

// =============================================================================
// Scripting
// =============================================================================

// Complete finishes the earliest outstanding submission on pipe with data.
func (d *Device) Complete(pipe uint8, data []byte) error {
	return d.CompleteNth(pipe, 0, data)
}

// CompleteNth finishes the i-th outstanding submission (in submission order)
// on pipe with data. Completing out of order models completion-time skew
// between buffers.
func (d *Device) CompleteNth(pipe uint8, i int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	if i < 0 || i >= len(p.pending) {
		return ErrNoPending
	}
	h := p.pending[i]
	if len(data) > len(h.buf) {
		return pkg.ErrOverrun
	}
	n := copy(h.buf, data)
	d.finishLocked(h, n, nil)
	return nil
}

// Timeout finishes the earliest outstanding submission on pipe with
// pkg.ErrTimeout.
func (d *Device) Timeout(pipe uint8) error {
	return d.Fail(pipe, pkg.ErrTimeout)
}

// Fail finishes the earliest outstanding submission on pipe with err.
func (d *Device) Fail(pipe uint8, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	if len(p.pending) == 0 {
		return ErrNoPending
	}
	d.finishLocked(p.pending[0], 0, err)
	return nil
}

// FailSubmit makes the next submission (read, write or flush) on pipe fail
// with err.
func (d *Device) FailSubmit(pipe uint8, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.pipeLocked(pipe)
	p.submitErrs = append(p.submitErrs, err)
}

// Pending returns the number of outstanding submissions on pipe.
func (d *Device) Pending(pipe uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pipeLocked(pipe).pending)
}

// Submitted returns the total number of submissions ever made on pipe.
func (d *Device) Submitted(pipe uint8) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipeLocked(pipe).submitted
}

// Flushes returns the number of successful FlushPipe calls on pipe.
func (d *Device) Flushes(pipe uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipeLocked(pipe).flushes
}

// Written returns a copy of everything written to pipe.
func (d *Device) Written(pipe uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.pipeLocked(pipe).written...)
}

// WaitPending blocks until pipe has at least n outstanding submissions or
// timeout elapses. It reports whether the condition was met.
func (d *Device) WaitPending(pipe uint8, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		d.mu.Lock()
		count := len(d.pipeLocked(pipe).pending)
		changed := d.changed
		d.mu.Unlock()

		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// Deliver waits up to timeout for a submission on pipe and completes it
// with data.
func (d *Device) Deliver(pipe uint8, data []byte, timeout time.Duration) error {
	if !d.WaitPending(pipe, 1, timeout) {
		return ErrNoPending
	}
	return d.Complete(pipe, data)
}

var (
	_ hal.TransferDevice = (*Device)(nil)
	_ hal.PolicySetter   = (*Device)(nil)
	_ hal.SyncTransferer = (*Device)(nil)
	_ hal.Flusher        = (*Device)(nil)
)
