package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(clockwork.NewFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementCounter("requests")
			m.IncrementCounterBy("events", 3)
		}()
	}
	wg.Wait()

	counters := m.GetCounters()
	assert.Equal(t, int64(10), counters["requests"])
	assert.Equal(t, int64(30), counters["events"])
}

func TestMetrics_Gauges(t *testing.T) {
	m := NewMetrics(clockwork.NewFakeClock())

	m.SetGauge("projection.orders.lag", 12)
	m.SetGauge("projection.orders.lag", 4)

	assert.Equal(t, int64(4), m.GetGauges()["projection.orders.lag"])
}

func TestMetrics_Timers(t *testing.T) {
	m := NewMetrics(clockwork.NewFakeClock())

	m.RecordTimer("append", 10)
	m.RecordTimer("append", 30)
	m.RecordTimer("append", 20)

	timer := m.GetTimers()["append"]
	assert.Equal(t, int64(3), timer.Count)
	assert.Equal(t, int64(60), timer.TotalTimeMs)
	assert.Equal(t, 20.0, timer.AverageTimeMs)
	assert.Equal(t, int64(10), timer.MinTimeMs)
	assert.Equal(t, int64(30), timer.MaxTimeMs)
}

func TestMetrics_ErrorRates(t *testing.T) {
	m := NewMetrics(clockwork.NewFakeClock())

	m.RecordSuccess("append")
	m.RecordSuccess("append")
	m.RecordSuccess("append")
	m.RecordError("append")

	rate := m.GetErrorRates()["append"]
	assert.Equal(t, int64(4), rate.Total)
	assert.Equal(t, int64(1), rate.Errors)
	assert.Equal(t, 25.0, rate.ErrorRate)
}

func TestMetrics_AllMetrics(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMetrics(clock)
	clock.Advance(90 * time.Second)

	all := m.GetAllMetrics()
	require.Contains(t, all, "counters")
	require.Contains(t, all, "gauges")
	require.Contains(t, all, "timers")
	require.Contains(t, all, "error_rates")
	assert.Equal(t, int64(90), all["uptime_seconds"])
}
