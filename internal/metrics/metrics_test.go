package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sitevitals/siteaudit/internal/scheduler"
)

func TestSinkTracksJobLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewSink(reg)
	require.NoError(t, err)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sink.observe(scheduler.Event{Kind: scheduler.EventActive, JobID: "j1", At: base})
	sink.observe(scheduler.Event{Kind: scheduler.EventActive, JobID: "j2", At: base})
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsActive))

	sink.observe(scheduler.Event{Kind: scheduler.EventRetry, JobID: "j2", Attempt: 1, At: base.Add(time.Second)})
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobRetries))

	sink.observe(scheduler.Event{Kind: scheduler.EventCompleted, JobID: "j1", At: base.Add(30 * time.Second)})
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("completed")))

	sink.observe(scheduler.Event{Kind: scheduler.EventActive, JobID: "j2", Attempt: 1, At: base.Add(2 * time.Second)})
	sink.observe(scheduler.Event{Kind: scheduler.EventFailed, JobID: "j2", At: base.Add(5 * time.Second)})
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("failed")))
}

func TestSinkCacheLookupOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewSink(reg)
	require.NoError(t, err)

	sink.ObserveCacheLookup(true)
	sink.ObserveCacheLookup(true)
	sink.ObserveCacheLookup(false)

	require.Equal(t, 2.0, testutil.ToFloat64(sink.cacheLookups.WithLabelValues("hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cacheLookups.WithLabelValues("miss")))
}

func TestNewSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewSink(reg)
	require.NoError(t, err)
	_, err = NewSink(reg)
	require.Error(t, err)
}
