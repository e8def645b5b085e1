package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softpipe/host/hal"
	"github.com/ardnew/softpipe/pkg"
)

// =============================================================================
// Submission and Completion Tests
// =============================================================================

func TestDevice_CompleteInSubmissionOrder(t *testing.T) {
	dev := New()
	buf1 := make([]byte, 8)
	buf2 := make([]byte, 8)

	h1, err := dev.SubmitRead(0x81, buf1)
	require.NoError(t, err)
	h2, err := dev.SubmitRead(0x81, buf2)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Pending(0x81))

	_, err = dev.PollCompletion(h1, false)
	assert.ErrorIs(t, err, hal.ErrPending)

	require.NoError(t, dev.Complete(0x81, []byte("abc")))
	n, err := dev.PollCompletion(h1, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(buf1[:n]))

	_, err = dev.PollCompletion(h2, false)
	assert.ErrorIs(t, err, hal.ErrPending)
	assert.Equal(t, 1, dev.Pending(0x81))
}

func TestDevice_CompleteNth(t *testing.T) {
	dev := New()
	h1, _ := dev.SubmitRead(0x81, make([]byte, 4))
	h2, _ := dev.SubmitRead(0x81, make([]byte, 4))

	require.NoError(t, dev.CompleteNth(0x81, 1, []byte{1, 2}))

	select {
	case <-h2.Done():
	default:
		t.Fatal("second handle should be complete")
	}
	select {
	case <-h1.Done():
		t.Fatal("first handle should still be pending")
	default:
	}
	assert.ErrorIs(t, dev.CompleteNth(0x81, 5, nil), ErrNoPending)
}

func TestDevice_CompleteOverrun(t *testing.T) {
	dev := New()
	_, err := dev.SubmitRead(0x81, make([]byte, 2))
	require.NoError(t, err)

	assert.ErrorIs(t, dev.Complete(0x81, []byte{1, 2, 3}), pkg.ErrOverrun)
	assert.Equal(t, 1, dev.Pending(0x81))
}

func TestDevice_NoPending(t *testing.T) {
	dev := New()
	assert.ErrorIs(t, dev.Complete(0x81, nil), ErrNoPending)
	assert.ErrorIs(t, dev.Timeout(0x81), ErrNoPending)
}

func TestDevice_TimeoutAndFail(t *testing.T) {
	dev := New()
	h1, _ := dev.SubmitRead(0x81, make([]byte, 4))
	h2, _ := dev.SubmitRead(0x81, make([]byte, 4))

	require.NoError(t, dev.Timeout(0x81))
	_, err := dev.PollCompletion(h1, true)
	assert.ErrorIs(t, err, pkg.ErrTimeout)

	require.NoError(t, dev.Fail(0x81, pkg.ErrStall))
	_, err = dev.PollCompletion(h2, true)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestDevice_TransferTimeoutExpires(t *testing.T) {
	dev := New(WithTransferTimeout(5 * time.Millisecond))
	h, err := dev.SubmitRead(0x81, make([]byte, 4))
	require.NoError(t, err)

	n, err := dev.PollCompletion(h, true)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, pkg.ErrTimeout)
	assert.Zero(t, dev.Pending(0x81))
}

func TestDevice_Abort(t *testing.T) {
	dev := New()
	h1, _ := dev.SubmitRead(0x81, make([]byte, 4))
	h2, _ := dev.SubmitRead(0x81, make([]byte, 4))
	other, _ := dev.SubmitRead(0x82, make([]byte, 4))

	require.NoError(t, dev.Abort(0x81))
	for _, h := range []hal.Handle{h1, h2} {
		_, err := dev.PollCompletion(h, true)
		assert.ErrorIs(t, err, pkg.ErrCancelled)
	}
	_, err := dev.PollCompletion(other, false)
	assert.ErrorIs(t, err, hal.ErrPending)
}

func TestDevice_FailSubmit(t *testing.T) {
	dev := New()
	dev.FailSubmit(0x81, pkg.ErrNoDevice)

	_, err := dev.SubmitRead(0x81, make([]byte, 4))
	assert.ErrorIs(t, err, pkg.ErrNoDevice)

	_, err = dev.SubmitRead(0x81, make([]byte, 4))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), dev.Submitted(0x81))
}

func TestDevice_ForeignHandle(t *testing.T) {
	a, b := New(), New()
	h, _ := a.SubmitRead(0x81, make([]byte, 1))
	_, err := b.PollCompletion(h, false)
	assert.ErrorIs(t, err, ErrForeignHandle)
}

func TestDevice_FlushPipe(t *testing.T) {
	dev := New()
	h, _ := dev.SubmitRead(0x81, make([]byte, 4))

	require.NoError(t, dev.FlushPipe(0x81))
	require.NoError(t, dev.FlushPipe(0x81))
	assert.Equal(t, 2, dev.Flushes(0x81))
	assert.Zero(t, dev.Flushes(0x82))

	_, err := dev.PollCompletion(h, false)
	assert.ErrorIs(t, err, hal.ErrPending)

	dev.FailSubmit(0x81, pkg.ErrStall)
	assert.ErrorIs(t, dev.FlushPipe(0x81), pkg.ErrStall)
	assert.Equal(t, 2, dev.Flushes(0x81))
}

// =============================================================================
// Policy Tests
// =============================================================================

func TestDevice_Policy(t *testing.T) {
	dev := New(WithMaxTransferSize(64), WithTransferTimeout(250*time.Millisecond))

	v, err := dev.PipePolicy(0x81, hal.PolicyMaxTransferSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), v)

	v, err = dev.PipePolicy(0x81, hal.PolicyTransferTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(250), v)

	require.NoError(t, dev.SetPipePolicy(0x81, hal.PolicyMaxTransferSize, 512))
	v, _ = dev.PipePolicy(0x81, hal.PolicyMaxTransferSize)
	assert.Equal(t, uint32(512), v)

	_, err = dev.PipePolicy(0x81, hal.PolicyKey(42))
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}

// =============================================================================
// Synchronous Transfer Tests
// =============================================================================

func TestDevice_ReadPipe(t *testing.T) {
	dev := New()
	go func() {
		_ = dev.Deliver(0x81, []byte("sync"), time.Second)
	}()

	buf := make([]byte, 16)
	n, err := dev.ReadPipe(0x81, buf)
	require.NoError(t, err)
	assert.Equal(t, "sync", string(buf[:n]))
}

func TestDevice_ReadPipeTimeout(t *testing.T) {
	dev := New(WithTransferTimeout(time.Millisecond))
	n, err := dev.ReadPipe(0x81, make([]byte, 4))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestDevice_WritePipePartial(t *testing.T) {
	dev := New(WithMaxTransferSize(3))
	n, err := dev.WritePipe(0x02, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "hel", string(dev.Written(0x02)))
}

func TestDevice_WaitPending(t *testing.T) {
	dev := New()
	assert.False(t, dev.WaitPending(0x81, 1, 5*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = dev.SubmitRead(0x81, make([]byte, 1))
	}()
	assert.True(t, dev.WaitPending(0x81, 1, time.Second))
}
