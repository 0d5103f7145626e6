// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"github.com/dbusext/dbusext/dbusprops"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	interfaceKey = "interface"
	propertyKey  = "property"
	reasonKey    = "reason"
)

// Values of the reason label of invalidations.
const (
	reasonBus        = "bus"        // the emitter invalidated the property
	reasonConversion = "conversion" // a new value did not convert
)

type propwatchMetrics struct {
	registry      *prometheus.Registry
	changes       *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

func newPropwatchMetrics() *propwatchMetrics {
	registry := prometheus.NewRegistry()
	changes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propwatch",
		Name:      "property_changes_total",
		Help:      "Property values received and converted.",
	}, []string{interfaceKey, propertyKey})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propwatch",
		Name:      "property_invalidations_total",
		Help:      "Properties invalidated, by the bus or by a failed conversion.",
	}, []string{interfaceKey, propertyKey, reasonKey})
	registry.MustRegister(changes, invalidations)
	return &propwatchMetrics{
		registry:      registry,
		changes:       changes,
		invalidations: invalidations,
	}
}

func (m *propwatchMetrics) changed(iface, name string) {
	m.changes.With(prometheus.Labels{
		interfaceKey: iface,
		propertyKey:  name,
	}).Inc()
}

func (m *propwatchMetrics) invalidated(iface, name string, err error) {
	reason := reasonBus
	if dbusprops.KindOf(err) != 0 {
		reason = reasonConversion
	}
	m.invalidations.With(prometheus.Labels{
		interfaceKey: iface,
		propertyKey:  name,
		reasonKey:    reason,
	}).Inc()
}
