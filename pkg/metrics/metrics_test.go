package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "")
	require.NotNil(t, c)

	c.RecordTransfer(0x81, 10)
	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "softpipe_bytes_received_total")
	assert.Contains(t, names, "softpipe_transfers_completed_total")
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "dup")
	assert.Panics(t, func() { New(reg, "dup") })
}

func TestCollector_RecordTransfer(t *testing.T) {
	c := New(prometheus.NewRegistry(), "t")

	c.RecordTransfer(0x81, 64)
	c.RecordTransfer(0x81, 40)
	c.RecordTransfer(0x82, 1)

	assert.Equal(t, 104.0, testutil.ToFloat64(c.bytesReceived.WithLabelValues("0x81")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transfersCompleted.WithLabelValues("0x81")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transfersCompleted.WithLabelValues("0x82")))
}

func TestCollector_Counters(t *testing.T) {
	c := New(prometheus.NewRegistry(), "t")

	c.RecordTimeout(0x81)
	c.RecordTimeout(0x81)
	c.RecordError(0x81)
	c.RecordNotification(0x81)
	c.RecordExactReadTimeout(0x81)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transferTimeouts.WithLabelValues("0x81")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transferErrors.WithLabelValues("0x81")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("0x81")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.exactReadTimeouts.WithLabelValues("0x81")))
}

func TestCollector_SetBuffers(t *testing.T) {
	c := New(prometheus.NewRegistry(), "t")
	c.SetBuffers(0x81, 3, 1, 0)

	expected := `
# HELP t_buffers Transfer buffers by pool state
# TYPE t_buffers gauge
t_buffers{pipe="0x81",state="in_flight"} 3
t_buffers{pipe="0x81",state="ready"} 1
t_buffers{pipe="0x81",state="to_requeue"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(c.buffers, strings.NewReader(expected)))
}

func TestCollector_Forget(t *testing.T) {
	c := New(prometheus.NewRegistry(), "t")
	c.RecordTransfer(0x81, 1)
	c.RecordTransfer(0x82, 1)
	c.SetBuffers(0x81, 1, 0, 0)

	c.Forget(0x81)

	assert.Equal(t, 1, testutil.CollectAndCount(c.bytesReceived))
	assert.Equal(t, 0, testutil.CollectAndCount(c.buffers))
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTransfer(0x81, 1)
		c.RecordTimeout(0x81)
		c.RecordError(0x81)
		c.RecordNotification(0x81)
		c.RecordExactReadTimeout(0x81)
		c.SetBuffers(0x81, 1, 1, 1)
		c.Forget(0x81)
	})
}
