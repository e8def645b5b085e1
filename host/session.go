package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/host/pipe"
	"github.com/ardnew/softpipe/pkg"
	"github.com/ardnew/softpipe/pkg/config"
	"github.com/ardnew/softpipe/pkg/metrics"
)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMetrics records the activity of every engine in the session on m.
func WithMetrics(m *metrics.Collector) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithJoinTimeout bounds each engine's worker join during Disable and
// Close. Per-engine configuration takes precedence.
func WithJoinTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.joinTimeout = d }
}

// Session owns the buffered pipe engines of one open transfer device. Each
// IN pipe has at most one engine; pipes are fully independent of each
// other.
type Session struct {
	dev         hal.TransferDevice
	id          string
	metrics     *metrics.Collector
	joinTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	engines map[uint8]*pipe.Engine
	closed  bool
	mutex   sync.RWMutex
}

// NewSession creates a session on dev. No pipe is buffered until Enable.
func NewSession(dev hal.TransferDevice, opts ...SessionOption) *Session {
	s := &Session{
		dev:     dev,
		id:      uuid.NewString(),
		engines: make(map[uint8]*pipe.Engine),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	pkg.LogDebug(pkg.ComponentSession, "session opened", "session", s.id)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Device returns the underlying transfer device.
func (s *Session) Device() hal.TransferDevice {
	return s.dev
}

// Stopping reports whether Close has been called.
func (s *Session) Stopping() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.closed
}

// =============================================================================
// Engine Lifecycle
// =============================================================================

// Enable starts buffered reads on pipe with bufferCount buffers of
// bufferSize bytes each. Zero selects 16 buffers of 32 bytes. Enabling a
// pipe that is already enabled does nothing.
func (s *Session) Enable(pipeID uint8, bufferCount, bufferSize int) error {
	return s.EnableConfig(pipe.Config{
		Pipe:        pipeID,
		BufferCount: bufferCount,
		BufferSize:  bufferSize,
	})
}

// EnableConfig starts buffered reads with a full engine configuration. Like
// Enable, it does nothing for a pipe that is already enabled.
func (s *Session) EnableConfig(cfg pipe.Config) error {
	_, err := s.enable(cfg)
	return err
}

func (s *Session) enable(cfg pipe.Config) (*pipe.Engine, error) {
	if !hal.PipeID(cfg.Pipe).IsIn() {
		return nil, fmt.Errorf("pipe %s: %w", hal.PipeID(cfg.Pipe), pkg.ErrInvalidEndpoint)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, pkg.ErrClosed
	}
	if e, ok := s.engines[cfg.Pipe]; ok {
		return e, nil
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = s.joinTimeout
	}

	e, err := pipe.New(s.dev, cfg, pipe.WithMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	if err := e.Start(s.ctx); err != nil {
		_ = e.Stop()
		return nil, err
	}
	s.engines[cfg.Pipe] = e

	pkg.LogInfo(pkg.ComponentSession, "buffered reads enabled",
		"session", s.id,
		"pipe", hal.PipeID(cfg.Pipe),
		"buffers", e.Config().BufferCount,
		"size", e.BufferSize())
	return e, nil
}

// Configure enables every pipe named in cfg and binds it to its configured
// view. A device transfer timeout, when set, is applied to each pipe before
// its engine starts. Pipes enabled before a failure stay enabled.
func (s *Session) Configure(cfg *config.Config) error {
	for _, pc := range cfg.Pipes {
		mode, err := pipe.ParseMode(pc.Mode)
		if err != nil {
			return fmt.Errorf("pipe %s: %w", hal.PipeID(pc.Address), err)
		}

		if timeout := cfg.Device.TransferTimeout; timeout > 0 {
			err := s.SetPipePolicy(pc.Address, hal.PolicyTransferTimeout, uint32(timeout/time.Millisecond))
			if err != nil && !errors.Is(err, pkg.ErrNotSupported) {
				return fmt.Errorf("pipe %s: %w", hal.PipeID(pc.Address), err)
			}
		}

		e, err := s.enable(pipe.Config{
			Pipe:           pc.Address,
			BufferCount:    pc.BufferCount,
			BufferSize:     pc.BufferSize,
			HighWaterMark:  pc.HighWaterMark,
			NotifyInterval: pc.NotifyInterval,
			EmptyTickLimit: pc.EmptyTickLimit,
			JoinTimeout:    cfg.Shutdown.JoinTimeout,
		})
		if err != nil {
			return err
		}

		switch mode {
		case pipe.ModeStream:
			_, err = e.Stream()
		case pipe.ModePacket:
			_, err = e.Packets()
		}
		if err != nil {
			return fmt.Errorf("pipe %s: %w", hal.PipeID(pc.Address), err)
		}
	}
	return nil
}

// Disable stops buffered reads on pipe: outstanding transfers are aborted,
// the engine's workers are joined and its buffers released. Consumers
// blocked on the pipe fail with pkg.ErrStreamClosed.
func (s *Session) Disable(pipeID uint8) error {
	s.mutex.Lock()
	e, ok := s.engines[pipeID]
	delete(s.engines, pipeID)
	s.mutex.Unlock()

	if !ok {
		return fmt.Errorf("pipe %s: %w", hal.PipeID(pipeID), pkg.ErrNotEnabled)
	}

	err := e.Stop()
	pkg.LogInfo(pkg.ComponentSession, "buffered reads disabled",
		"session", s.id, "pipe", hal.PipeID(pipeID), "error", err)
	return err
}

// Close stops every engine in parallel and marks the session as stopping.
// Join faults from all engines are aggregated. Close is idempotent.
func (s *Session) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	engines := s.engines
	s.engines = make(map[uint8]*pipe.Engine)
	s.mutex.Unlock()

	s.cancel()

	var g multierror.Group
	for id, e := range engines {
		g.Go(func() error {
			if err := e.Stop(); err != nil {
				return fmt.Errorf("pipe %s: %w", hal.PipeID(id), err)
			}
			return nil
		})
	}
	err := g.Wait().ErrorOrNil()

	pkg.LogDebug(pkg.ComponentSession, "session closed",
		"session", s.id, "pipes", len(engines), "error", err)
	return err
}

// Engine returns the engine buffering pipe.
func (s *Session) Engine(pipeID uint8) (*pipe.Engine, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, pkg.ErrClosed
	}
	e, ok := s.engines[pipeID]
	if !ok {
		return nil, fmt.Errorf("pipe %s: %w", hal.PipeID(pipeID), pkg.ErrNotEnabled)
	}
	return e, nil
}

// Pipes returns the number of enabled pipes.
func (s *Session) Pipes() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.engines)
}

// =============================================================================
// Views and Notification
// =============================================================================

// OnData registers fn to be called with the pipe's running byte total after
// new data arrives. Registrations accumulate.
func (s *Session) OnData(pipeID uint8, fn func(total uint64)) error {
	e, err := s.Engine(pipeID)
	if err != nil {
		return err
	}
	e.OnData(fn)
	return nil
}

// Subscribe returns a channel carrying the pipe's running byte total after
// new data arrives. It is closed when the engine stops.
func (s *Session) Subscribe(pipeID uint8) (<-chan uint64, error) {
	e, err := s.Engine(pipeID)
	if err != nil {
		return nil, err
	}
	return e.Subscribe(), nil
}

// Stream returns the byte-stream view of pipe, binding it on first use.
func (s *Session) Stream(pipeID uint8) (*pipe.StreamReader, error) {
	e, err := s.Engine(pipeID)
	if err != nil {
		return nil, err
	}
	return e.Stream()
}

// Packets returns the packet view of pipe, binding it on first use.
func (s *Session) Packets(pipeID uint8) (*pipe.PacketReader, error) {
	e, err := s.Engine(pipeID)
	if err != nil {
		return nil, err
	}
	return e.Packets()
}

// =============================================================================
// Buffered Byte Operations
// =============================================================================

// BufferedRead returns up to count queued bytes from pipe without blocking.
func (s *Session) BufferedRead(pipeID uint8, count int) ([]byte, error) {
	r, err := s.Stream(pipeID)
	if err != nil {
		return nil, err
	}
	return r.Receive(count), nil
}

// BufferedPeek returns up to count queued bytes from pipe without consuming
// them.
func (s *Session) BufferedPeek(pipeID uint8, count int) ([]byte, error) {
	r, err := s.Stream(pipeID)
	if err != nil {
		return nil, err
	}
	return r.Peek(count), nil
}

// BufferedSkip discards count queued bytes from pipe.
func (s *Session) BufferedSkip(pipeID uint8, count int) error {
	r, err := s.Stream(pipeID)
	if err != nil {
		return err
	}
	return r.Skip(count)
}

// BufferedReadExact waits for exactly count bytes from pipe.
func (s *Session) BufferedReadExact(ctx context.Context, pipeID uint8, count int) ([]byte, error) {
	r, err := s.Stream(pipeID)
	if err != nil {
		return nil, err
	}
	return r.ReceiveExact(ctx, count)
}

// BufferedLen returns the number of bytes queued on pipe.
func (s *Session) BufferedLen(pipeID uint8) (int, error) {
	r, err := s.Stream(pipeID)
	if err != nil {
		return 0, err
	}
	return r.Len(), nil
}

// =============================================================================
// Direct Transfers
// =============================================================================

// syncTransferer returns the device's synchronous capability. A pipe with a
// running engine cannot also be read directly.
func (s *Session) syncTransferer(pipeID uint8, read bool) (hal.SyncTransferer, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, pkg.ErrClosed
	}
	if _, ok := s.engines[pipeID]; ok && read {
		return nil, fmt.Errorf("pipe %s is buffered: %w", hal.PipeID(pipeID), pkg.ErrModeConflict)
	}
	st, ok := s.dev.(hal.SyncTransferer)
	if !ok {
		return nil, fmt.Errorf("synchronous transfers: %w", pkg.ErrNotSupported)
	}
	return st, nil
}

// ReadPipe performs one synchronous read from pipe into buf. A pipe timeout
// returns zero bytes and a nil error.
func (s *Session) ReadPipe(pipeID uint8, buf []byte) (int, error) {
	st, err := s.syncTransferer(pipeID, true)
	if err != nil {
		return 0, err
	}
	return st.ReadPipe(pipeID, buf)
}

// ReadExactPipe fills buf with synchronous reads from pipe. A read that
// returns no data fails with pkg.ErrTimeout; buf then holds the bytes read
// so far.
func (s *Session) ReadExactPipe(pipeID uint8, buf []byte) (int, error) {
	st, err := s.syncTransferer(pipeID, true)
	if err != nil {
		return 0, err
	}

	read := 0
	for read < len(buf) {
		n, err := st.ReadPipe(pipeID, buf[read:])
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, fmt.Errorf("read %d of %d bytes: %w", read, len(buf), pkg.ErrTimeout)
		}
	}
	return read, nil
}

// WritePipe writes all of data to pipe, repeating the transfer for any
// portion the device did not accept.
func (s *Session) WritePipe(pipeID uint8, data []byte) error {
	st, err := s.syncTransferer(pipeID, false)
	if err != nil {
		return err
	}

	for len(data) > 0 {
		n, err := st.WritePipe(pipeID, data)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("write %d bytes remaining: %w", len(data), pkg.ErrTimeout)
		}
		data = data[n:]
	}
	return nil
}

// PipePolicy returns a pipe policy value from the device.
func (s *Session) PipePolicy(pipeID uint8, key hal.PolicyKey) (uint32, error) {
	if s.Stopping() {
		return 0, pkg.ErrClosed
	}
	return s.dev.PipePolicy(pipeID, key)
}

// SetPipePolicy changes a pipe policy on the device. Buffer sizes of an
// already running engine are not affected.
func (s *Session) SetPipePolicy(pipeID uint8, key hal.PolicyKey, value uint32) error {
	if s.Stopping() {
		return pkg.ErrClosed
	}
	ps, ok := s.dev.(hal.PolicySetter)
	if !ok {
		return fmt.Errorf("set %s: %w", key, pkg.ErrNotSupported)
	}
	return ps.SetPipePolicy(pipeID, key, value)
}

// FlushPipe discards data received on pipe that no reader has claimed: data
// the device holds for the pipe, when it supports flushing, and anything
// buffered by the pipe's engine. A pipe with neither fails with
// pkg.ErrNotSupported.
func (s *Session) FlushPipe(pipeID uint8) error {
	s.mutex.RLock()
	closed := s.closed
	e := s.engines[pipeID]
	s.mutex.RUnlock()

	if closed {
		return pkg.ErrClosed
	}
	f, ok := s.dev.(hal.Flusher)
	if !ok && e == nil {
		return fmt.Errorf("flush pipe %s: %w", hal.PipeID(pipeID), pkg.ErrNotSupported)
	}
	if ok {
		if err := f.FlushPipe(pipeID); err != nil {
			return fmt.Errorf("flush pipe %s: %w", hal.PipeID(pipeID), err)
		}
	}
	dropped := 0
	if e != nil {
		dropped = e.Flush()
	}
	pkg.LogDebug(pkg.ComponentSession, "pipe flushed",
		"session", s.id, "pipe", hal.PipeID(pipeID), "dropped", dropped)
	return nil
}
