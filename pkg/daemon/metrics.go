// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsBuild holds Prometheus series for the build pipeline.
type metricsBuild struct {
	once sync.Once

	// Discovery
	filesDiscovered prometheus.Counter
	filesSkipped    prometheus.Counter
	filesUnmatched  prometheus.Counter
	itemsEnqueued   prometheus.Counter

	// Queue
	itemsDone   prometheus.Counter
	itemsFailed prometheus.Counter
	leaseCycles prometheus.Counter

	// Dedup
	dedupHits prometheus.Counter

	// Workers
	workerCrashes  prometheus.Counter
	workerRecycles prometheus.Counter

	// Durations
	stepDuration *prometheus.HistogramVec
	runDuration  prometheus.Histogram
}

var buildMetrics metricsBuild

func (m *metricsBuild) init() {
	m.once.Do(func() {
		m.filesDiscovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_files_discovered_total", Help: "Regular files seen by discovery"})
		m.filesSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_files_skipped_total", Help: "Files routed to SKIP"})
		m.filesUnmatched = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_files_unmatched_total", Help: "Files no routing rule matched"})
		m.itemsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_items_enqueued_total", Help: "Queue items inserted"})

		m.itemsDone = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_items_done_total", Help: "Queue items completed"})
		m.itemsFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_items_failed_total", Help: "Queue items marked error"})
		m.leaseCycles = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_lease_cycles_total", Help: "Lease batches taken by the dispatcher"})

		m.dedupHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_dedup_hits_total", Help: "Parse steps skipped via content-hash dedup"})

		m.workerCrashes = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_worker_crashes_total", Help: "Workers killed for crash, timeout, or protocol errors"})
		m.workerRecycles = prometheus.NewCounter(prometheus.CounterOpts{Name: "qbuilder_worker_recycles_total", Help: "Planned worker recycles"})

		buckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
		m.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "qbuilder_step_seconds", Help: "Step execution duration", Buckets: buckets}, []string{"step"})
		m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "qbuilder_run_seconds", Help: "Build run duration", Buckets: []float64{1, 5, 15, 60, 300, 900, 3600}})

		prometheus.MustRegister(
			m.filesDiscovered, m.filesSkipped, m.filesUnmatched, m.itemsEnqueued,
			m.itemsDone, m.itemsFailed, m.leaseCycles,
			m.dedupHits,
			m.workerCrashes, m.workerRecycles,
			m.stepDuration, m.runDuration,
		)
	})
}

func recordStepDuration(step string, seconds float64) {
	buildMetrics.init()
	buildMetrics.stepDuration.WithLabelValues(step).Observe(seconds)
}
