package coord

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg, "coordkit")

	rec.Add("lock.acquire", 1, map[string]string{"result": "success"})
	rec.Add("lock.acquire", 2, map[string]string{"result": "success"})
	rec.Add("lock.acquire", 1, map[string]string{"result": "busy"})
	rec.Observe("ratelimit.latency", 0.002, nil)
	// A different label set for an existing name is dropped, not a panic.
	rec.Add("lock.acquire", 1, map[string]string{"other": "x"})

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	var histCount uint64
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				for _, lp := range m.GetLabel() {
					byName[mf.GetName()+"/"+lp.GetValue()] += m.GetCounter().GetValue()
				}
			case m.GetHistogram() != nil:
				if mf.GetName() == "coordkit_ratelimit_latency" {
					histCount += m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	assert.Equal(t, float64(3), byName["coordkit_lock_acquire_total/success"])
	assert.Equal(t, float64(1), byName["coordkit_lock_acquire_total/busy"])
	assert.Equal(t, uint64(1), histCount)
}

func TestPrometheusRecorder_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheusRecorder(reg, "coordkit")
	b := NewPrometheusRecorder(reg, "coordkit")

	a.Add("queue.push", 1, nil)
	b.Add("queue.push", 1, nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, float64(2), families[0].GetMetric()[0].GetCounter().GetValue())
}
