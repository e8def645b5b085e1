package pipe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/pkg"
	"github.com/ardnew/softpipe/pkg/metrics"
)

// Engine defaults.
const (
	DefaultBufferCount    = 16
	DefaultBufferSize     = 32
	DefaultJoinTimeout    = 500 * time.Millisecond
	DefaultNotifyInterval = time.Second
	DefaultIdleInterval   = 10 * time.Millisecond
	DefaultBackoff        = 15 * time.Millisecond
	DefaultEmptyTickLimit = 3
)

// Config configures one buffered pipe engine. Zero values select defaults.
type Config struct {
	Pipe        uint8 // IN pipe address
	BufferCount int   // Buffers in rotation
	BufferSize  int   // Bytes per buffer, clamped to the pipe's max transfer size

	// HighWaterMark bounds the bytes the stream view holds outside the
	// pool. Once reached, ready buffers stay in the pool and the pump stops
	// resubmitting until the consumer catches up. Zero means unbounded.
	HighWaterMark int

	JoinTimeout    time.Duration // Bound on each worker join during Stop
	NotifyInterval time.Duration // Notifier safety-net poll interval
	IdleInterval   time.Duration // Pump wait when nothing is in flight
	Backoff        time.Duration // Pump delay after a device fault
	EmptyTickLimit int           // Empty ticks before ReceiveExact times out
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.BufferCount == 0 {
		c.BufferCount = DefaultBufferCount
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.NotifyInterval == 0 {
		c.NotifyInterval = DefaultNotifyInterval
	}
	if c.IdleInterval == 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.Backoff == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.EmptyTickLimit == 0 {
		c.EmptyTickLimit = DefaultEmptyTickLimit
	}
	return c
}

// Validate reports whether the configuration can build an engine.
func (c Config) Validate() error {
	switch {
	case c.BufferCount < 0:
		return fmt.Errorf("buffer count %d: %w", c.BufferCount, pkg.ErrInvalidArgument)
	case c.BufferSize < 0:
		return fmt.Errorf("buffer size %d: %w", c.BufferSize, pkg.ErrInvalidArgument)
	case c.HighWaterMark < 0:
		return fmt.Errorf("high-water mark %d: %w", c.HighWaterMark, pkg.ErrInvalidArgument)
	case c.EmptyTickLimit < 0:
		return fmt.Errorf("empty tick limit %d: %w", c.EmptyTickLimit, pkg.ErrInvalidArgument)
	case c.JoinTimeout < 0, c.NotifyInterval < 0, c.IdleInterval < 0, c.Backoff < 0:
		return fmt.Errorf("negative interval: %w", pkg.ErrInvalidArgument)
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// =============================================================================
// Engine
// =============================================================================

// Engine keeps a fixed pool of asynchronous reads in flight on one pipe and
// exposes the completed data through exactly one of two views: a byte
// stream ([StreamReader]) or discrete packets ([PacketReader]).
//
// Two goroutines run for the engine's lifetime: the pump, which submits and
// harvests transfers, and the notifier, which runs data callbacks outside
// the pump loop.
type Engine struct {
	cfg     Config
	dev     hal.TransferDevice
	metrics *metrics.Collector
	size    int // Buffer size after clamping

	ctx    context.Context
	cancel context.CancelFunc

	// flightMu guards pool.inFlight. Lock order: flightMu, then mu.
	flightMu sync.Mutex

	// mu guards consumer-visible state.
	mu     sync.Mutex
	pool   bufferPool
	queue  byteQueue
	queued int    // Unread bytes across ready buffers and queue
	total  uint64 // Bytes ever harvested
	mode   Mode

	tickMu   sync.Mutex
	tickCh   chan struct{} // Closed and replaced on every pump iteration
	ticks    uint64
	dataTick uint64 // Last tick that harvested data

	requeueSig chan struct{} // Pump wakeup when idle
	notifier   *notifier

	lifeMu   sync.Mutex
	started  bool
	stopErr  error
	stopDone bool

	stopped atomic.Bool
	done    chan struct{} // Closed when the pump exits

	faultLog rate.Sometimes
	waiters  atomic.Int32 // Callers blocked in ReceiveExact
}

// New creates an engine for cfg.Pipe on dev. It queries the pipe's maximum
// transfer size and clamps the buffer size to it, then allocates the pool.
// No transfer is submitted until Start.
func New(dev hal.TransferDevice, cfg Config, opts ...Option) (*Engine, error) {
	if dev == nil {
		return nil, fmt.Errorf("nil transfer device: %w", pkg.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:        cfg,
		dev:        dev,
		size:       cfg.BufferSize,
		tickCh:     make(chan struct{}),
		requeueSig: make(chan struct{}, 1),
		done:       make(chan struct{}),
		faultLog:   rate.Sometimes{First: 3, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}

	maxSize, err := dev.PipePolicy(cfg.Pipe, hal.PolicyMaxTransferSize)
	switch {
	case err != nil:
		pkg.LogWarn(pkg.ComponentPump, "max transfer size unavailable",
			"pipe", e.pipeName(), "error", err)
	case maxSize > 0 && uint32(e.size) > maxSize:
		pkg.LogInfo(pkg.ComponentPump, "buffer size clamped",
			"pipe", e.pipeName(), "requested", e.size, "max", maxSize)
		e.size = int(maxSize)
	}

	e.pool = newBufferPool(cfg.BufferCount, e.size)
	e.notifier = newNotifier(e)
	return e, nil
}

// Start submits every buffer and launches the pump and notifier. Cancelling
// ctx has the same effect as Stop minus the join.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.stopDone {
		return pkg.ErrClosed
	}
	if e.started {
		return pkg.ErrAlreadyRunning
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.flightMu.Lock()
	e.mu.Lock()
	for _, b := range e.pool.takeRequeue() {
		_ = e.resubmitLocked(b)
	}
	stats := e.pool.stats()
	e.mu.Unlock()
	e.flightMu.Unlock()

	context.AfterFunc(e.ctx, e.abort)

	go e.pump()
	go e.notifier.run(e.ctx)

	e.metrics.SetBuffers(e.cfg.Pipe, stats.InFlight, stats.Ready, stats.ToRequeue)
	pkg.LogDebug(pkg.ComponentPump, "engine started",
		"pipe", e.pipeName(), "buffers", stats.Size, "size", e.size, "inFlight", stats.InFlight)
	return nil
}

// abort cancels every outstanding transfer once the engine is stopping.
func (e *Engine) abort() {
	// Submissions check e.ctx under flightMu, so none can race the abort.
	e.flightMu.Lock()
	err := e.dev.Abort(e.cfg.Pipe)
	e.flightMu.Unlock()

	if err != nil {
		pkg.LogWarn(pkg.ComponentPump, "abort failed", "pipe", e.pipeName(), "error", err)
	}
}

// Stop enters the stopping state, aborts outstanding transfers, and joins
// both goroutines, each bounded by the join timeout. Stop does not wait for
// data callbacks in progress, so a callback may call it; the notifier exits
// once the callbacks return. Buffer memory is released once the pump has
// exited. A worker that fails to exit in time is
// reported with pkg.ErrJoinTimeout. Stop is idempotent.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.stopDone {
		return e.stopErr
	}
	e.stopDone = true

	if !e.started {
		e.stopped.Store(true)
		close(e.done)
		e.notifier.closeSubscribers()
		e.release()
		return nil
	}
	e.cancel()

	var result *multierror.Error
	if !e.join(e.done) {
		result = multierror.Append(result,
			fmt.Errorf("pump on pipe %s: %w", e.pipeName(), pkg.ErrJoinTimeout))
	}
	switch {
	case e.notifier.dispatching.Load():
		// Possibly our own goroutine. The notifier sees the cancelled
		// context as soon as its callbacks return.
		pkg.LogDebug(pkg.ComponentPump, "notifier join skipped during callback",
			"pipe", e.pipeName())
	case !e.join(e.notifier.done):
		result = multierror.Append(result,
			fmt.Errorf("notifier on pipe %s: %w", e.pipeName(), pkg.ErrJoinTimeout))
	}

	if e.stopped.Load() {
		e.release()
	} else {
		pkg.LogError(pkg.ComponentPump, "pump did not exit, buffers retained",
			"pipe", e.pipeName())
	}
	e.metrics.Forget(e.cfg.Pipe)

	e.stopErr = result.ErrorOrNil()
	pkg.LogDebug(pkg.ComponentPump, "engine stopped",
		"pipe", e.pipeName(), "total", e.TotalReceived(), "error", e.stopErr)
	return e.stopErr
}

func (e *Engine) join(done <-chan struct{}) bool {
	timer := time.NewTimer(e.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// release frees buffer and queue memory.
func (e *Engine) release() {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pool.release()
	e.queue.reset()
	e.queued = 0
}

// =============================================================================
// Accessors
// =============================================================================

// Pipe returns the pipe address.
func (e *Engine) Pipe() uint8 {
	return e.cfg.Pipe
}

// BufferSize returns the per-buffer size after clamping.
func (e *Engine) BufferSize() int {
	return e.size
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	c := e.cfg
	c.BufferSize = e.size
	return c
}

// TotalReceived returns the number of bytes ever harvested. It never
// decreases.
func (e *Engine) TotalReceived() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Stopped reports whether the pump has exited.
func (e *Engine) Stopped() bool {
	return e.stopped.Load()
}

// Done is closed when the pump has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Ticks returns the number of completed pump iterations.
func (e *Engine) Ticks() uint64 {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.ticks
}

// Mode returns the bound consumer view.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Stats returns a consistent snapshot of the pool partition.
func (e *Engine) Stats() PoolStats {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.stats()
}

// Flush discards every completed transfer no consumer has read yet and
// returns the number of bytes dropped. Transfers in flight are unaffected
// and TotalReceived does not change.
func (e *Engine) Flush() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := e.queued
	for len(e.pool.ready) > 0 {
		e.recycleLocked(e.pool.popReady())
	}
	e.queue.reset()
	e.queued = 0

	if dropped > 0 {
		pkg.LogDebug(pkg.ComponentPump, "buffered data flushed",
			"pipe", e.pipeName(), "bytes", dropped)
	}
	return dropped
}

// OnData registers fn to run on each coalesced data notification with the
// total received at the time. Registrations accumulate.
func (e *Engine) OnData(fn func(total uint64)) {
	e.notifier.register(fn)
}

// Subscribe returns a channel that receives the total received on each
// coalesced notification. Only the latest value is kept if the receiver
// falls behind. The channel is closed when the engine stops.
func (e *Engine) Subscribe() <-chan uint64 {
	return e.notifier.subscribe()
}

// Stream binds the engine to the byte-stream view.
func (e *Engine) Stream() (*StreamReader, error) {
	if err := e.bind(ModeStream); err != nil {
		return nil, err
	}
	return &StreamReader{e: e}, nil
}

// Packets binds the engine to the packet view.
func (e *Engine) Packets() (*PacketReader, error) {
	if err := e.bind(ModePacket); err != nil {
		return nil, err
	}
	return &PacketReader{e: e}, nil
}

func (e *Engine) pipeName() string {
	return hal.PipeID(e.cfg.Pipe).String()
}

// signalRequeue wakes an idle pump.
func (e *Engine) signalRequeue() {
	select {
	case e.requeueSig <- struct{}{}:
	default:
	}
}
