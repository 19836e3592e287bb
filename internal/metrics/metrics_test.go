package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_Counts(t *testing.T) {
	m, err := NewEngine(nil)
	require.NoError(t, err)

	m.StepExecuted("trust", "CheckSas")
	m.StepExecuted("trust", "CheckSas")
	m.Dropped("channel_mismatch")
	m.Conflict()
	m.DeliveryFailed()
	m.SetPending(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsExecuted.WithLabelValues("trust", "CheckSas")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("channel_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SchedulerPending))
}

func TestEngine_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewEngine(reg)
	require.NoError(t, err)

	_, err = NewEngine(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestEngine_NilIsNoop(t *testing.T) {
	var m *Engine
	assert.NotPanics(t, func() {
		m.StepExecuted("f", "s")
		m.Dropped("r")
		m.Conflict()
		m.DeliveryFailed()
		m.SetPending(1)
	})
}
