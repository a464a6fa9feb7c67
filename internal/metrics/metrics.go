// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus counters for the cleaning engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine's Prometheus metrics. A nil *Collector is valid
// and records nothing, so metrics stay optional in tests and one-shot runs.
type Collector struct {
	passesTotal      *prometheus.CounterVec
	passDuration     *prometheus.HistogramVec
	strikesTotal     *prometheus.CounterVec
	removalsTotal    *prometheus.CounterVec
	resetsTotal      prometheus.Counter
	quarantinesTotal prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		passesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeparr",
			Name:      "passes_total",
			Help:      "Cleaning passes by job type and status.",
		}, []string{"job_type", "status"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sweeparr",
			Name:      "pass_duration_seconds",
			Help:      "Duration of cleaning passes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job_type"}),
		strikesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeparr",
			Name:      "strikes_total",
			Help:      "Strikes recorded by type.",
		}, []string{"strike_type"}),
		removalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeparr",
			Name:      "removals_total",
			Help:      "Downloads removed by reason.",
		}, []string{"reason"}),
		resetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sweeparr",
			Name:      "strike_resets_total",
			Help:      "Strike resets triggered by observed progress.",
		}),
		quarantinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sweeparr",
			Name:      "quarantines_total",
			Help:      "Torrents recategorized by the unlinked policy.",
		}),
	}

	reg.MustRegister(
		c.passesTotal,
		c.passDuration,
		c.strikesTotal,
		c.removalsTotal,
		c.resetsTotal,
		c.quarantinesTotal,
	)

	return c
}

func (c *Collector) ObservePass(jobType, status string, seconds float64) {
	if c == nil {
		return
	}
	c.passesTotal.WithLabelValues(jobType, status).Inc()
	c.passDuration.WithLabelValues(jobType).Observe(seconds)
}

func (c *Collector) IncStrike(strikeType string) {
	if c == nil {
		return
	}
	c.strikesTotal.WithLabelValues(strikeType).Inc()
}

func (c *Collector) IncRemoval(reason string) {
	if c == nil {
		return
	}
	c.removalsTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) IncReset() {
	if c == nil {
		return
	}
	c.resetsTotal.Inc()
}

func (c *Collector) IncQuarantine() {
	if c == nil {
		return
	}
	c.quarantinesTotal.Inc()
}
