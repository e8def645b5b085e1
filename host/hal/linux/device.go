//go:build linux

package linux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/pkg"
)

// drainTimeout bounds how long Close waits for discarded URBs to be reaped.
const drainTimeout = time.Second

// ErrForeignHandle indicates a handle issued by a different device.
var ErrForeignHandle = errors.New("handle not issued by this device")

// DevicePath returns the usbfs node of the device at bus and address.
func DevicePath(bus, address int) string {
	return fmt.Sprintf("%s/%03d/%03d", DevfsUSBPath, bus, address)
}

// =============================================================================
// Handles
// =============================================================================

// handle is one submitted URB. The handle keeps the URB and its buffer
// reachable while the kernel owns them.
type handle struct {
	dev     *Device
	pipe    uint8
	u       *urb
	buf     []byte
	timer   *time.Timer
	expired atomic.Bool
	done    chan struct{}
	n       int
	err     error
}

// Done implements hal.Handle.
func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) key() uintptr {
	return uintptr(unsafe.Pointer(h.u))
}

// policy holds the configurable values of one pipe.
type policy struct {
	maxTransfer uint32
	timeout     time.Duration
}

// =============================================================================
// Device
// =============================================================================

// Device is a transfer device on a Linux usbfs node. Reads are submitted as
// asynchronous URBs and completed by a reaper goroutine that polls the
// device file descriptor.
type Device struct {
	path   string
	fd     int
	wakefd int // eventfd that stops the reaper

	mu       sync.Mutex
	pending  map[uintptr]*handle
	drained  chan struct{} // Closed when pending empties during Close
	claimed  map[uint8]bool
	policies map[uint8]*policy
	defaults policy
	closed   bool
	stopping atomic.Bool

	group errgroup.Group
}

// Option configures a Device.
type Option func(*Device)

// WithMaxTransferSize sets the default max-transfer-size policy.
func WithMaxTransferSize(n uint32) Option {
	return func(d *Device) { d.defaults.maxTransfer = n }
}

// WithTransferTimeout sets the default transfer timeout. An outstanding URB
// older than d is discarded and completes with pkg.ErrTimeout. Zero waits
// forever.
func WithTransferTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.defaults.timeout = d }
}

// Open opens the usbfs node at path, e.g. DevicePath(1, 4), and starts the
// reaper. Interfaces must be claimed before their pipes are used.
func Open(path string, opts ...Option) (*Device, error) {
	d := &Device{
		path:     path,
		pending:  make(map[uintptr]*handle),
		claimed:  make(map[uint8]bool),
		policies: make(map[uint8]*policy),
		defaults: policy{maxTransfer: DefaultMaxTransferSize},
	}
	for _, opt := range opts {
		opt(d)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	d.fd, d.wakefd = fd, wakefd

	d.group.Go(d.reap)

	pkg.LogInfo(pkg.ComponentHAL, "usbfs device opened", "path", path)
	return d, nil
}

// ClaimInterface claims exclusive access to iface.
func (d *Device) ClaimInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return pkg.ErrNoDevice
	}
	if err := claimInterface(d.fd, iface); err != nil {
		return syscallError("claim interface", err)
	}
	d.claimed[iface] = true
	pkg.LogDebug(pkg.ComponentHAL, "interface claimed", "path", d.path, "interface", iface)
	return nil
}

// ReleaseInterface releases a claimed interface.
func (d *Device) ReleaseInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.claimed[iface] {
		return nil
	}
	delete(d.claimed, iface)
	if err := releaseInterface(d.fd, iface); err != nil {
		return syscallError("release interface", err)
	}
	return nil
}

// ClearHalt clears a stall on pipe.
func (d *Device) ClearHalt(pipe uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return pkg.ErrNoDevice
	}
	if err := clearHalt(d.fd, pipe); err != nil {
		return syscallError("clear halt", err)
	}
	return nil
}

// Close discards every outstanding URB, waits for the reaper to collect
// them, releases claimed interfaces and closes the device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.drained = make(chan struct{})
	if len(d.pending) == 0 {
		close(d.drained)
	}
	for _, h := range d.pending {
		_ = discardURB(d.fd, h.u)
	}
	drained := d.drained
	d.mu.Unlock()

	var result *multierror.Error
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		result = multierror.Append(result, fmt.Errorf("discarded URBs not reaped: %w", pkg.ErrTimeout))
	}

	d.stopping.Store(true)
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(d.wakefd, one[:])
	if err := d.group.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	d.mu.Lock()
	for iface := range d.claimed {
		if err := releaseInterface(d.fd, iface); err != nil && !errors.Is(err, unix.ENODEV) {
			result = multierror.Append(result, syscallError("release interface", err))
		}
	}
	d.claimed = nil
	d.failPendingLocked(pkg.ErrCancelled)
	d.mu.Unlock()

	unix.Close(d.wakefd)
	if err := unix.Close(d.fd); err != nil {
		result = multierror.Append(result, err)
	}

	err := result.ErrorOrNil()
	pkg.LogInfo(pkg.ComponentHAL, "usbfs device closed", "path", d.path, "error", err)
	return err
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

// =============================================================================
// Reaper
// =============================================================================

// reap waits for URB completions and dispatches them to their handles until
// Close wakes it or the device disappears.
func (d *Device) reap() error {
	fds := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLOUT},
		{Fd: int32(d.wakefd), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if fds[0].Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
			if err := d.reapAll(); err != nil {
				d.mu.Lock()
				d.failPendingLocked(pkg.ErrNoDevice)
				d.mu.Unlock()
				pkg.LogError(pkg.ComponentHAL, "reaper stopped", "path", d.path, "error", err)
				return err
			}
		}
		if fds[1].Revents&unix.POLLIN != 0 && d.stopping.Load() {
			return nil
		}
	}
}

// reapAll collects every completed URB.
func (d *Device) reapAll() error {
	for {
		addr, err := reapURBNDelay(d.fd)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return nil
		case err != nil:
			return syscallError("reap", err)
		}
		d.complete(addr)
	}
}

// complete finishes the handle owning the URB at addr.
func (d *Device) complete(addr uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.pending[addr]
	if !ok {
		pkg.LogWarn(pkg.ComponentHAL, "reaped unknown URB", "path", d.path)
		return
	}
	delete(d.pending, addr)
	d.finishLocked(h, int(h.u.actualLength), urbError(h.u.status, h.expired.Load()))
}

// finishLocked completes h. Caller must hold d.mu.
func (d *Device) finishLocked(h *handle, n int, err error) {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.n, h.err = min(max(n, 0), len(h.buf)), err
	close(h.done)

	if d.drained != nil && len(d.pending) == 0 {
		select {
		case <-d.drained:
		default:
			close(d.drained)
		}
	}
}

// failPendingLocked completes every outstanding handle with err. Caller
// must hold d.mu.
func (d *Device) failPendingLocked(err error) {
	for addr, h := range d.pending {
		delete(d.pending, addr)
		d.finishLocked(h, 0, err)
	}
}

// expire discards h if it is still outstanding after its timeout.
func (d *Device) expire(h *handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[h.key()]; !ok {
		return
	}
	h.expired.Store(true)
	_ = discardURB(d.fd, h.u)
}

// =============================================================================
// hal.TransferDevice
// =============================================================================

// SubmitRead submits an asynchronous read URB on pipe into buf.
func (d *Device) SubmitRead(pipe uint8, buf []byte) (hal.Handle, error) {
	if !hal.PipeID(pipe).IsIn() {
		return nil, fmt.Errorf("pipe %s: %w", hal.PipeID(pipe), pkg.ErrInvalidEndpoint)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, pkg.ErrNoDevice
	}

	h := &handle{dev: d, pipe: pipe, u: new(urb), buf: buf, done: make(chan struct{})}
	initBulkURB(h.u, pipe, buf)
	if err := submitURB(d.fd, h.u); err != nil {
		return nil, syscallError("submit", err)
	}
	d.pending[h.key()] = h

	if timeout := d.policyLocked(pipe).timeout; timeout > 0 {
		h.timer = time.AfterFunc(timeout, func() { d.expire(h) })
	}
	return h, nil
}

// PollCompletion returns the outcome of h.
func (d *Device) PollCompletion(h hal.Handle, blocking bool) (int, error) {
	lh, ok := h.(*handle)
	if !ok || lh.dev != d {
		return 0, ErrForeignHandle
	}
	if blocking {
		<-lh.done
	} else {
		select {
		case <-lh.done:
		default:
			return 0, hal.ErrPending
		}
	}
	return lh.n, lh.err
}

// Abort discards every outstanding URB on pipe. Each completes with
// pkg.ErrCancelled once reaped. URBs that already completed are skipped;
// any other discard failure is returned.
func (d *Device) Abort(pipe uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result *multierror.Error
	for _, h := range d.pending {
		if h.pipe != pipe {
			continue
		}
		if err := discardURB(d.fd, h.u); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("abort pipe %s: %w", hal.PipeID(pipe), err)
	}
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

// SetPipePolicy changes a pipe policy value. A new timeout applies to URBs
// submitted after the call.
func (d *Device) SetPipePolicy(pipe uint8, key hal.PolicyKey, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.policyLocked(pipe)
	switch key {
	case hal.PolicyMaxTransferSize:
		if value == 0 || value > MaxTransferSize {
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

func (d *Device) syncParams(pipe uint8) (limit int, timeoutMs uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, 0, pkg.ErrNoDevice
	}
	p := d.policyLocked(pipe)
	return int(p.maxTransfer), uint32(p.timeout / time.Millisecond), nil
}

// ReadPipe performs one synchronous read. A pipe timeout yields zero bytes.
func (d *Device) ReadPipe(pipe uint8, data []byte) (int, error) {
	limit, timeout, err := d.syncParams(pipe)
	if err != nil {
		return 0, err
	}
	n, err := doBulkTransfer(d.fd, pipe, data[:min(len(data), limit)], timeout)
	if errors.Is(err, unix.ETIMEDOUT) {
		return 0, nil
	}
	if err != nil {
		return 0, syscallError("read", err)
	}
	return n, nil
}

// WritePipe performs one synchronous write of at most the pipe's
// max-transfer-size bytes.
func (d *Device) WritePipe(pipe uint8, data []byte) (int, error) {
	limit, timeout, err := d.syncParams(pipe)
	if err != nil {
		return 0, err
	}
	n, err := doBulkTransfer(d.fd, pipe, data[:min(len(data), limit)], timeout)
	if err != nil {
		return 0, syscallError("write", err)
	}
	return n, nil
}

var (
	_ hal.TransferDevice = (*Device)(nil)
	_ hal.PolicySetter   = (*Device)(nil)
	_ hal.SyncTransferer = (*Device)(nil)
)
