// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileOps counts reconciler operations by op and outcome.
	ReconcileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plotsync",
		Name:      "reconcile_operations_total",
		Help:      "Reconciler operations by operation and outcome.",
	}, []string{"op", "outcome"})

	// RemoteRetries counts single retries after a not-found response.
	RemoteRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plotsync",
		Name:      "remote_retries_total",
		Help:      "Remote writes retried after a not-found response.",
	}, []string{"op"})

	// RegistryLeases is the number of registry statements currently open.
	RegistryLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plotsync",
		Name:      "registry_open_statements",
		Help:      "Registry statements opened and not yet released.",
	})

	// Quarantined is the number of plots excluded from automated reconciliation.
	Quarantined = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plotsync",
		Name:      "quarantined_plots",
		Help:      "Plots excluded from reconciliation because of corrupt state.",
	})

	// Interactions counts button presses by action type and result.
	Interactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plotsync",
		Name:      "interactions_total",
		Help:      "Component interactions by action type and result.",
	}, []string{"action", "result"})
)
