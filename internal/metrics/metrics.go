// Package metrics exports audit job and run metrics via Prometheus.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitevitals/siteaudit/internal/scheduler"
)

// Sink owns all collectors for job lifecycle and audit run outcomes.
type Sink struct {
	jobsActive    prometheus.Gauge
	jobsCompleted *prometheus.CounterVec
	jobRetries    prometheus.Counter
	jobRuntime    *prometheus.HistogramVec

	auditPages    prometheus.Histogram
	auditDuration prometheus.Histogram
	cacheLookups  *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewSink registers the collectors against the provided registry. A nil
// registry falls back to the default registerer.
func NewSink(reg prometheus.Registerer) (*Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Sink{
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siteaudit_jobs_active",
			Help: "Current number of active audit jobs.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_jobs_completed_total",
			Help: "Total jobs finished partitioned by result.",
		}, []string{"result"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siteaudit_job_retries_total",
			Help: "Total job retry re-enqueues.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		auditPages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "siteaudit_audit_pages",
			Help:    "Pages crawled per completed audit.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		auditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "siteaudit_audit_duration_seconds",
			Help:    "End-to-end duration per completed audit.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_cache_lookups_total",
			Help: "Result cache lookups partitioned by outcome.",
		}, []string{"outcome"}),
		started: make(map[string]time.Time),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsActive,
		s.jobsCompleted,
		s.jobRetries,
		s.jobRuntime,
		s.auditPages,
		s.auditDuration,
		s.cacheLookups,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register audit collector: %w", err)
		}
	}
	return s, nil
}

// Consume folds scheduler lifecycle events into the collectors until the
// channel closes or ctx expires.
func (s *Sink) Consume(ctx context.Context, events <-chan scheduler.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.observe(ev)
		}
	}
}

func (s *Sink) observe(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventActive:
		s.jobsActive.Inc()
		s.mu.Lock()
		if _, seen := s.started[ev.JobID]; !seen {
			s.started[ev.JobID] = ev.At
		}
		s.mu.Unlock()
	case scheduler.EventRetry:
		s.jobsActive.Dec()
		s.jobRetries.Inc()
	case scheduler.EventCompleted:
		s.jobsActive.Dec()
		s.finish(ev, "completed")
	case scheduler.EventFailed:
		s.jobsActive.Dec()
		s.finish(ev, "failed")
	}
}

func (s *Sink) finish(ev scheduler.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	s.mu.Lock()
	startedAt, ok := s.started[ev.JobID]
	delete(s.started, ev.JobID)
	s.mu.Unlock()
	if ok {
		s.jobRuntime.WithLabelValues(result).Observe(ev.At.Sub(startedAt).Seconds())
	}
}

// ObserveAudit records a completed audit run.
func (s *Sink) ObserveAudit(pagesCrawled int, elapsed time.Duration) {
	s.auditPages.Observe(float64(pagesCrawled))
	s.auditDuration.Observe(elapsed.Seconds())
}

// ObserveCacheLookup records a result cache hit or miss.
func (s *Sink) ObserveCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	s.cacheLookups.WithLabelValues(outcome).Inc()
}
