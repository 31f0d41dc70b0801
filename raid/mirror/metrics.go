//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package mirror

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/daos-stack/raid-mirror/raid"
)

const metricsNamespace = "raid_mirror"

type metrics struct {
	outcomes    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	driveErrors *prometheus.CounterVec
	retries     prometheus.Counter
	splits      prometheus.Counter
	verifies    prometheus.Counter
	remaps      prometheus.Counter
	continues   prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Completed requests by algorithm and outcome.",
		}, []string{"algorithm", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency by algorithm.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"algorithm"}),
		driveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "drive_errors_total",
			Help:      "Drive completions by error category.",
		}, []string{"category"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Drive I/O reissued after a retryable error.",
		}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "region_splits_total",
			Help:      "Sub-requests shrunk to keep degraded state uniform or fit resources.",
		}),
		verifies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovery_verifies_total",
			Help:      "Recovery verify operations started.",
		}),
		remaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "remap_requests_total",
			Help:      "Remap requests raised to the monitor.",
		}),
		continues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "continue_requests_total",
			Help:      "Dead position reports awaiting a monitor continue.",
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.outcomes, m.latency, m.driveErrors, m.retries,
		m.splits, m.verifies, m.remaps, m.continues,
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "registering mirror metrics")
		}
	}
	return nil
}

func (m *metrics) observe(alg Algorithm, out Outcome, start time.Time) {
	m.outcomes.WithLabelValues(alg.String(), out.String()).Inc()
	m.latency.WithLabelValues(alg.String()).Observe(time.Since(start).Seconds())
}

func (m *metrics) observeBoard(eb *raid.ErrorBoard) {
	for name, cat := range map[string]raid.Category{
		"dead":          eb.Dead,
		"hard_media":    eb.HardMedia,
		"soft_media":    eb.SoftMedia,
		"retryable":     eb.Retryable,
		"timeout":       eb.Timeout,
		"bad_checksum":  eb.BadChecksum,
		"not_preferred": eb.NotPreferred,
		"qdepth":        eb.ReduceQDepthHard,
		"aborted":       eb.Aborted,
		"dropped":       eb.Dropped,
		"unexpected":    eb.Unexpected,
	} {
		if cat.Count > 0 {
			m.driveErrors.WithLabelValues(name).Add(float64(cat.Count))
		}
	}
}
