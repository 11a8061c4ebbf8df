/*
Copyright 2025 the Industry Monitor contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prom bundles the Prometheus instruments exposed on /metrics. A private
// registry keeps the scrape surface to exactly what we register.
type Prom struct {
	Registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	CollectTotal   *prometheus.CounterVec
	CollectLatency prometheus.Histogram
	UpstreamCalls  *prometheus.CounterVec
}

// NewProm builds the registry and registers every instrument.
func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prom{
		Registry: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		CollectTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collect_queries_total",
			Help: "Collection queries by action, serving source and outcome.",
		}, []string{"action", "source", "outcome"}),
		CollectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "collect_query_duration_seconds",
			Help:    "End-to-end collection query latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		UpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_dispatch_total",
			Help: "Upstream dispatches by outcome (completed, timeout, error).",
		}, []string{"outcome"}),
	}
}
