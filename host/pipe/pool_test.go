package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneHandle chan struct{}

func (h doneHandle) Done() <-chan struct{} { return h }

func TestBufferPool_New(t *testing.T) {
	p := newBufferPool(3, 64)

	assert.Equal(t, PoolStats{Size: 3, ToRequeue: 3}, p.stats())
	for _, b := range p.all {
		assert.Len(t, b.mem, 64)
	}
	assert.Nil(t, p.front())
}

func TestBufferPool_TakeRequeue(t *testing.T) {
	p := newBufferPool(2, 8)

	taken := p.takeRequeue()
	require.Len(t, taken, 2)
	assert.Empty(t, p.toRequeue)

	p.inFlight = append(p.inFlight, taken...)
	assert.Same(t, taken[0], p.front())
	assert.Same(t, taken[0], p.popInFlight())
	assert.Same(t, taken[1], p.front())
}

func TestBufferPool_ReleaseSkipsOwnedBuffers(t *testing.T) {
	p := newBufferPool(2, 8)
	owned := make(doneHandle)
	finished := make(doneHandle)
	close(finished)

	p.all[0].handle = owned
	p.all[1].handle = finished
	kept, freed := p.all[0], p.all[1]

	p.release()
	assert.NotNil(t, kept.mem, "device still owns the buffer")
	assert.Nil(t, freed.mem)
	assert.Zero(t, p.stats().Size)
}

func TestTransferBuffer_Complete(t *testing.T) {
	b := newTransferBuffer(4)

	b.complete(9, nil)
	assert.Equal(t, 4, b.n, "completed length never exceeds capacity")
	assert.True(t, b.polled)

	b.complete(-1, nil)
	assert.Zero(t, b.n)

	b.reset()
	assert.False(t, b.polled)
	assert.Nil(t, b.handle)
	assert.True(t, b.idle())
}
