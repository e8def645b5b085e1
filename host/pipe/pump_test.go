package pipe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ardnew/softpipe/host/hal/sim"
	"github.com/ardnew/softpipe/pkg"
	"github.com/ardnew/softpipe/pkg/metrics"
)

// counterValue reads one pipe-labelled counter from a gathered registry.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// =============================================================================
// Pump Tests
// =============================================================================

func TestPump_TimeoutResubmits(t *testing.T) {
	reg := prometheus.NewRegistry()
	dev := sim.New()
	e := newTestEngine(t, dev, Config{BufferCount: 2}, WithMetrics(metrics.New(reg, "")))

	require.NoError(t, dev.Timeout(testPipe))
	waitTicks(t, e, 1)

	assert.Equal(t, 2, dev.Pending(testPipe))
	assert.Equal(t, uint64(3), dev.Submitted(testPipe))
	assert.Equal(t, PoolStats{Size: 2, InFlight: 2}, e.Stats())
	assert.Zero(t, e.TotalReceived())
	assert.Equal(t, 1.0, counterValue(t, reg, "softpipe_transfer_timeouts_total"))
}

func TestPump_DeviceErrorBacksOffAndContinues(t *testing.T) {
	reg := prometheus.NewRegistry()
	dev := sim.New()
	e := newTestEngine(t, dev, Config{BufferCount: 2, Backoff: 5 * time.Millisecond},
		WithMetrics(metrics.New(reg, "")))
	s, err := e.Stream()
	require.NoError(t, err)

	require.NoError(t, dev.Fail(testPipe, pkg.ErrStall))
	waitTicks(t, e, 1)
	assert.Equal(t, 1.0, counterValue(t, reg, "softpipe_transfer_errors_total"))
	assert.False(t, e.Stopped())

	require.True(t, dev.WaitPending(testPipe, 2, waitFor))
	deliver(t, dev, "ok")
	waitTotal(t, e, 2)
	assert.Equal(t, "ok", string(s.Receive(2)))
}

func TestPump_CancelledOutsideShutdownResubmits(t *testing.T) {
	dev := sim.New()
	e := newTestEngine(t, dev, Config{BufferCount: 3})

	require.NoError(t, dev.Abort(testPipe))
	require.True(t, dev.WaitPending(testPipe, 3, waitFor))
	require.Eventually(t, func() bool { return e.Stats().InFlight == 3 }, waitFor, time.Millisecond)
	assert.False(t, e.Stopped())
}

func TestPump_SubmitFailureParksBuffer(t *testing.T) {
	dev := sim.New()
	dev.FailSubmit(testPipe, pkg.ErrNoDevice)

	e := newTestEngine(t, dev, Config{BufferCount: 3, Backoff: time.Millisecond})
	assert.Equal(t, PoolStats{Size: 3, InFlight: 2, ToRequeue: 1}, e.Stats())

	// The next iteration retries the parked buffer.
	deliver(t, dev, "x")
	require.Eventually(t, func() bool {
		s := e.Stats()
		return s.InFlight == 2 && s.Ready == 1 && s.ToRequeue == 0
	}, waitFor, time.Millisecond)
	assertConserved(t, e)
}

func TestPump_IdleTicksWhenNothingInFlight(t *testing.T) {
	dev := sim.New()
	e, r := newTestPackets(t, dev, Config{BufferCount: 1, IdleInterval: time.Millisecond})

	deliver(t, dev, "a")
	waitPackets(t, r, 1)

	before := e.Ticks()
	waitTicks(t, e, before+3)
	assert.Zero(t, dev.Pending(testPipe))

	_, ok := r.ReadPacket()
	require.True(t, ok)
	require.True(t, dev.WaitPending(testPipe, 1, waitFor))
}

func TestPump_MetricsAndBuffersGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "")
	dev := sim.New()
	e := newTestEngine(t, dev, Config{BufferCount: 2}, WithMetrics(m))

	deliver(t, dev, "abcd")
	waitTotal(t, e, 4)
	require.Eventually(t, func() bool {
		return counterValue(t, reg, "softpipe_bytes_received_total") == 4
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, reg, "softpipe_transfers_completed_total"))
	n, err := testutil.GatherAndCount(reg, "softpipe_buffers")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

// =============================================================================
// Pool Properties
// =============================================================================

// TestProperty_PoolConservation drives random completions, faults, and
// consumption, checking the pool partition after every step.
func TestProperty_PoolConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		count := rapid.IntRange(1, 5).Draw(rt, "buffers")
		dev := sim.New()
		e, err := New(dev, Config{
			Pipe:         testPipe,
			BufferCount:  count,
			BufferSize:   8,
			Backoff:      time.Millisecond,
			IdleInterval: time.Millisecond,
		})
		require.NoError(rt, err)
		require.NoError(rt, e.Start(context.Background()))
		defer func() { _ = e.Stop() }()

		r, err := e.Packets()
		require.NoError(rt, err)

		ops := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 40).Draw(rt, "ops")
		for _, op := range ops {
			var opErr error
			switch op {
			case 0:
				opErr = dev.Complete(testPipe, []byte("data"))
			case 1:
				opErr = dev.Timeout(testPipe)
			case 2:
				opErr = dev.Fail(testPipe, pkg.ErrStall)
			case 3:
				r.ReadPacket()
			case 4:
				dev.FailSubmit(testPipe, pkg.ErrNoDevice)
			}
			if opErr != nil && !errors.Is(opErr, sim.ErrNoPending) {
				rt.Fatalf("op %d: %v", op, opErr)
			}

			st := e.Stats()
			if st.Size != count || st.InFlight+st.Ready+st.ToRequeue != count {
				rt.Fatalf("pool partition broken: %+v", st)
			}
		}
	})
}
