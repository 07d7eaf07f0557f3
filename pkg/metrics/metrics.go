// Copyright (c) 2026 Custodia Technologies
//
// This file is part of go-btchsm.
//
// go-btchsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@custodia-tech.io for commercial licensing options.

// Package metrics provides Prometheus instrumentation for custody
// operations. Collectors are registered on an injected Registerer so the
// package carries no process-wide state; export plumbing belongs to the
// observability collaborator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace is the Prometheus namespace for all custody metrics
	Namespace = "btchsm"

	// Label names
	LabelOperation = "operation"
	LabelBackend   = "backend"
	LabelStatus    = "status"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"
)

// Metrics holds the custody operation collectors.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg yields a
// functional but unregistered set, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "operations_total",
				Help:      "Total number of custody operations by type, backend, and status",
			},
			[]string{LabelOperation, LabelBackend, LabelStatus},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of custody operations in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{LabelOperation, LabelBackend},
		),
	}
	if reg != nil {
		reg.MustRegister(m.operationsTotal, m.operationDuration)
	}
	return m
}

// RecordOperation increments the operation counter and observes the
// duration for one completed (or denied) operation.
func (m *Metrics) RecordOperation(operation, backend, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.operationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
