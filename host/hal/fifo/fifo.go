package fifo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/pkg"
)

// Buffer sizes.
const (
	// DefaultMaxTransferSize is the max-transfer-size policy reported for
	// every pipe unless changed.
	DefaultMaxTransferSize = 512

	frameQueueDepth = 64 // Decoded frames buffered per IN pipe
)

// MaxEndpoints is the highest data endpoint number.
const MaxEndpoints = 15

// Errors.
var (
	// ErrNoPipes indicates the directory holds no endpoint FIFOs.
	ErrNoPipes = errors.New("no endpoint FIFOs found")

	// ErrForeignHandle indicates a handle issued by a different device.
	ErrForeignHandle = errors.New("handle not issued by this device")
)

// pipePath returns the FIFO name for pipe inside dir: epN_in for IN pipes
// and epN_out for OUT pipes.
func pipePath(dir string, pipe uint8) string {
	dirn := "out"
	if hal.PipeID(pipe).IsIn() {
		dirn = "in"
	}
	return filepath.Join(dir, fmt.Sprintf("ep%d_%s", hal.PipeID(pipe).Number(), dirn))
}

// MakeFIFOs creates dir and a named pipe for each of pipes. Existing FIFOs
// are left in place.
func MakeFIFOs(dir string, pipes ...uint8) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, p := range pipes {
		if n := hal.PipeID(p).Number(); n == 0 || n > MaxEndpoints {
			return fmt.Errorf("pipe %s: %w", hal.PipeID(p), pkg.ErrInvalidEndpoint)
		}
		path := pipePath(dir, p)
		if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("mkfifo %s: %w", path, err)
		}
	}
	return nil
}

// =============================================================================
// Handles
// =============================================================================

// handle is one outstanding read.
type handle struct {
	dev  *Device
	buf  []byte
	done chan struct{}
	once sync.Once
	n    int
	err  error
}

// Done implements hal.Handle.
func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// finish completes h once; later calls are ignored.
func (h *handle) finish(n int, err error) {
	h.once.Do(func() {
		h.n, h.err = n, err
		close(h.done)
	})
}

// deliver copies frame into h and completes it. It reports false, leaving
// buf untouched, if h had already completed.
func (h *handle) deliver(frame []byte) bool {
	delivered := false
	h.once.Do(func() {
		h.n = copy(h.buf, frame)
		if len(frame) > len(h.buf) {
			h.err = pkg.ErrOverrun
		}
		close(h.done)
		delivered = true
	})
	return delivered
}

// =============================================================================
// Pipes
// =============================================================================

// policy holds the configurable values of one pipe.
type policy struct {
	maxTransfer uint32
	timeout     time.Duration
}

// inPipe reads frames from one epN_in FIFO and hands them to submitted
// reads in submission order.
type inPipe struct {
	addr   uint8
	file   *os.File
	frames chan []byte
	wake   chan struct{}
	queue  []*handle // Guarded by Device.mu

	// held is a frame taken for a read that was aborted first. It goes to
	// the next read. Guarded by Device.mu.
	held    []byte
	holding bool
}

// Device is a transfer device backed by named pipes in a directory. A peer
// process (see [Peer]) writes framed DATA messages to epN_in for the host
// to read and reads the frames the host writes to epN_out.
type Device struct {
	dir string

	mu       sync.Mutex
	in       map[uint8]*inPipe
	out      map[uint8]*os.File
	policies map[uint8]*policy
	defaults policy
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

// Option configures a Device.
type Option func(*Device)

// WithMaxTransferSize sets the default max-transfer-size policy.
func WithMaxTransferSize(n uint32) Option {
	return func(d *Device) { d.defaults.maxTransfer = n }
}

// WithTransferTimeout sets the default transfer timeout. A read that is
// first in line for longer than d completes with pkg.ErrTimeout. Zero waits
// forever.
func WithTransferTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.defaults.timeout = d }
}

// Open opens every endpoint FIFO found in dir and starts a reader and a
// servicer goroutine per IN pipe.
func Open(dir string, opts ...Option) (*Device, error) {
	d := &Device{
		dir:      dir,
		in:       make(map[uint8]*inPipe),
		out:      make(map[uint8]*os.File),
		policies: make(map[uint8]*policy),
		defaults: policy{maxTransfer: DefaultMaxTransferSize},
	}
	for _, opt := range opts {
		opt(d)
	}

	for n := uint8(1); n <= MaxEndpoints; n++ {
		for _, addr := range []uint8{0x80 | n, n} {
			path := pipePath(dir, addr)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			// O_RDWR keeps the open from blocking on a missing peer and keeps
			// reads from returning EOF when the peer closes.
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err != nil {
				d.closeFiles()
				return nil, fmt.Errorf("open %s: %w", path, err)
			}
			if hal.PipeID(addr).IsIn() {
				d.in[addr] = &inPipe{
					addr:   addr,
					file:   f,
					frames: make(chan []byte, frameQueueDepth),
					wake:   make(chan struct{}, 1),
				}
			} else {
				d.out[addr] = f
			}
		}
	}
	if len(d.in)+len(d.out) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoPipes)
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, p := range d.in {
		d.group.Go(func() error { return d.readFrames(p) })
		d.group.Go(func() error { d.service(p); return nil })
	}

	pkg.LogInfo(pkg.ComponentHAL, "FIFO device opened",
		"dir", dir, "in", len(d.in), "out", len(d.out))
	return d, nil
}

// Close stops all goroutines and closes every FIFO. Outstanding reads
// complete with pkg.ErrCancelled. It returns the first protocol error any
// reader encountered.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.closeFiles()
	err := d.group.Wait()

	pkg.LogInfo(pkg.ComponentHAL, "FIFO device closed", "dir", d.dir, "error", err)
	return err
}

func (d *Device) closeFiles() {
	for _, p := range d.in {
		p.file.Close()
	}
	for _, f := range d.out {
		f.Close()
	}
}

// policyLocked returns the policy for pipe, creating it from the defaults.
// Caller must hold d.mu.
func (d *Device) policyLocked(pipe uint8) *policy {
	p, ok := d.policies[pipe]
	if !ok {
		cp := d.defaults
		p = &cp
		d.policies[pipe] = p
	}
	return p
}

// readFrames decodes DATA frames from p until the device closes. A
// malformed frame ends the pipe; reads submitted afterwards fail with
// pkg.ErrNoDevice.
func (d *Device) readFrames(p *inPipe) error {
	defer close(p.frames)

	for {
		payload, err := ReadFrame(p.file)
		if err != nil {
			if d.ctx.Err() != nil {
				return nil
			}
			pkg.LogError(pkg.ComponentHAL, "FIFO read failed",
				"pipe", hal.PipeID(p.addr), "error", err)
			return fmt.Errorf("pipe %s: %w", hal.PipeID(p.addr), err)
		}
		select {
		case p.frames <- payload:
		case <-d.ctx.Done():
			return nil
		}
	}
}

// next returns the first unfinished read queued on p, waiting for one if
// necessary. It returns nil once the device closes.
func (d *Device) next(p *inPipe) *handle {
	for {
		d.mu.Lock()
		for len(p.queue) > 0 && p.queue[0].finished() {
			p.queue = p.queue[1:]
		}
		var h *handle
		if len(p.queue) > 0 {
			h = p.queue[0]
		}
		d.mu.Unlock()

		if h != nil {
			return h
		}
		select {
		case <-p.wake:
		case <-d.ctx.Done():
			return nil
		}
	}
}

// service completes reads on p in submission order. Each read receives one
// frame; the transfer timeout starts when the read reaches the front.
func (d *Device) service(p *inPipe) {
	defer d.cancelQueued(p)

	for {
		h := d.next(p)
		if h == nil {
			return
		}

		d.mu.Lock()
		timeout := d.policyLocked(p.addr).timeout
		frame, holding := p.held, p.holding
		p.held, p.holding = nil, false
		d.mu.Unlock()

		if holding {
			if !h.deliver(frame) {
				d.hold(p, frame)
			}
			continue
		}

		var (
			timer   *time.Timer
			expired <-chan time.Time
		)
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			expired = timer.C
		}

		select {
		case frame, ok := <-p.frames:
			switch {
			case !ok:
				h.finish(0, pkg.ErrNoDevice)
			case !h.deliver(frame):
				// Aborted while the frame was in hand.
				d.hold(p, frame)
			}
		case <-expired:
			h.finish(0, pkg.ErrTimeout)
		case <-h.done:
		case <-d.ctx.Done():
		}

		if timer != nil {
			timer.Stop()
		}
		if d.ctx.Err() != nil {
			return
		}
	}
}

// hold keeps frame for the next read on p.
func (d *Device) hold(p *inPipe, frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p.held, p.holding = frame, true
}

// cancelQueued fails every read still queued on p.
func (d *Device) cancelQueued(p *inPipe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range p.queue {
		h.finish(0, pkg.ErrCancelled)
	}
	p.queue = nil
}

// =============================================================================
// hal.TransferDevice
// =============================================================================

// SubmitRead queues a read of one frame from pipe into buf.
func (d *Device) SubmitRead(pipe uint8, buf []byte) (hal.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, pkg.ErrNoDevice
	}
	p, ok := d.in[pipe]
	if !ok {
		return nil, fmt.Errorf("pipe %s: %w", hal.PipeID(pipe), pkg.ErrInvalidEndpoint)
	}

	h := &handle{dev: d, buf: buf, done: make(chan struct{})}
	p.queue = append(p.queue, h)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return h, nil
}

// PollCompletion returns the outcome of h.
func (d *Device) PollCompletion(h hal.Handle, blocking bool) (int, error) {
	fh, ok := h.(*handle)
	if !ok || fh.dev != d {
		return 0, ErrForeignHandle
	}
	if blocking {
		<-fh.done
	} else {
		select {
		case <-fh.done:
		default:
			return 0, hal.ErrPending
		}
	}
	return fh.n, fh.err
}

// Abort cancels every read queued on pipe.
func (d *Device) Abort(pipe uint8) error {
	d.mu.Lock()
	p, ok := d.in[pipe]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("pipe %s: %w", hal.PipeID(pipe), pkg.ErrInvalidEndpoint)
	}
	d.cancelQueued(p)
	return nil
}

// FlushPipe discards every frame received on pipe that no read has claimed
// yet. Queued reads keep waiting for new frames.
func (d *Device) FlushPipe(pipe uint8) error {
	d.mu.Lock()
	p, ok := d.in[pipe]
	if ok {
		p.held, p.holding = nil, false
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("pipe %s: %w", hal.PipeID(pipe), pkg.ErrInvalidEndpoint)
	}

	dropped := 0
drain:
	for {
		select {
		case _, open := <-p.frames:
			if !open {
				return pkg.ErrNoDevice
			}
			dropped++
		default:
			break drain
		}
	}
	pkg.LogDebug(pkg.ComponentHAL, "pipe flushed", "pipe", hal.PipeID(pipe), "frames", dropped)
	return nil
}

// PipePolicy returns a pipe policy value.
func (d *Device) PipePolicy(pipe uint8, key hal.PolicyKey) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.policyLocked(pipe)
	switch key {
	case hal.PolicyMaxTransferSize:
		return p.maxTransfer, nil
	case hal.PolicyTransferTimeout:
		return uint32(p.timeout / time.Millisecond), nil
	default:
		return 0, pkg.ErrNotSupported
	}
}

// SetPipePolicy changes a pipe policy value. A new timeout applies to the
// next read that reaches the front of the queue.
func (d *Device) SetPipePolicy(pipe uint8, key hal.PolicyKey, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.policyLocked(pipe)
	switch key {
	case hal.PolicyMaxTransferSize:
		if value == 0 || value > MaxFramePayload {
			return fmt.Errorf("max transfer size %d: %w", value, pkg.ErrInvalidArgument)
		}
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

// ReadPipe reads one frame from pipe. A timeout yields zero bytes.
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

// WritePipe writes one frame of at most the pipe's max-transfer-size bytes
// to pipe and returns the number of payload bytes written.
func (d *Device) WritePipe(pipe uint8, data []byte) (int, error) {
	d.mu.Lock()
	f, ok := d.out[pipe]
	limit := int(d.policyLocked(pipe).maxTransfer)
	closed := d.closed
	d.mu.Unlock()

	switch {
	case closed:
		return 0, pkg.ErrNoDevice
	case !ok:
		return 0, fmt.Errorf("pipe %s: %w", hal.PipeID(pipe), pkg.ErrInvalidEndpoint)
	}

	n := min(len(data), limit)
	if err := WriteFrame(f, data[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

var (
	_ hal.TransferDevice = (*Device)(nil)
	_ hal.PolicySetter   = (*Device)(nil)
	_ hal.SyncTransferer = (*Device)(nil)
	_ hal.Flusher        = (*Device)(nil)
	_ io.Closer          = (*Device)(nil)
)
