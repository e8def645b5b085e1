package pkg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferStatus_String(t *testing.T) {
	names := map[TransferStatus]string{
		TransferStatusSuccess:   "success",
		TransferStatusError:     "error",
		TransferStatusStall:     "stall",
		TransferStatusTimeout:   "timeout",
		TransferStatusCancelled: "cancelled",
		TransferStatusOverrun:   "overrun",
		TransferStatusNoDevice:  "no device",
		TransferStatus(99):      "unknown",
		TransferStatus(-1):      "unknown",
	}
	for s, want := range names {
		assert.Equal(t, want, s.String())
	}
}

func TestTransferStatus_Error(t *testing.T) {
	assert.NoError(t, TransferStatusSuccess.Error())
	assert.ErrorIs(t, TransferStatusStall.Error(), ErrStall)
	assert.ErrorIs(t, TransferStatusTimeout.Error(), ErrTimeout)
	assert.ErrorIs(t, TransferStatusCancelled.Error(), ErrCancelled)
	assert.ErrorIs(t, TransferStatusOverrun.Error(), ErrOverrun)
	assert.ErrorIs(t, TransferStatusNoDevice.Error(), ErrNoDevice)
	assert.ErrorIs(t, TransferStatusError.Error(), ErrDevice)
	assert.ErrorIs(t, TransferStatus(42).Error(), ErrDevice)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want TransferStatus
	}{
		{nil, TransferStatusSuccess},
		{fmt.Errorf("pipe 0x81: %w", ErrTimeout), TransferStatusTimeout},
		{fmt.Errorf("abort: %w", ErrCancelled), TransferStatusCancelled},
		{ErrStall, TransferStatusStall},
		{ErrOverrun, TransferStatusOverrun},
		{fmt.Errorf("reap: %w", ErrNoDevice), TransferStatusNoDevice},
		{fmt.Errorf("urb status 71: %w", ErrDevice), TransferStatusError},
		{errors.New("unrelated"), TransferStatusError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), "%v", tt.err)
	}

	// Every status survives the round trip through its error form.
	for s := TransferStatusSuccess; s <= TransferStatusNoDevice; s++ {
		assert.Equal(t, s, StatusOf(s.Error()), s.String())
	}
}

func TestSentinelErrors(t *testing.T) {
	errs := []error{
		ErrTimeout, ErrStreamClosed, ErrModeConflict, ErrInvalidArgument,
		ErrDevice, ErrCancelled, ErrStall, ErrNoDevice, ErrInvalidEndpoint,
		ErrNotEnabled, ErrClosed, ErrAlreadyRunning, ErrJoinTimeout,
		ErrBufferTooSmall, ErrNotSupported, ErrProtocol, ErrOverrun,
	}

	for i, a := range errs {
		assert.NotNil(t, a, "error %d", i)
		for j, b := range errs {
			if i != j {
				assert.NotErrorIs(t, a, b, "errors %d and %d", i, j)
			}
		}
	}
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(fmt.Errorf("pipe 0x81: %w", ErrTimeout)))
	assert.False(t, IsTimeout(ErrDevice))
	assert.True(t, IsCancelled(fmt.Errorf("abort: %w", ErrCancelled)))
	assert.False(t, IsCancelled(ErrTimeout))
}
