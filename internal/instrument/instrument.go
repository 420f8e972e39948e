// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument holds the prometheus metrics of the entropy cache,
// the entropy sources and the ratchet sessions.
package instrument

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sourceBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entropic_source_bytes_total",
			Help: "Number of bytes drawn from each entropy source",
		},
		[]string{"source"},
	)
	sourceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entropic_source_failures_total",
			Help: "Number of failed draws per entropy source",
		},
		[]string{"source"},
	)
	sharesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entropic_qdea_shares_rejected_total",
			Help: "Number of QDEA shares rejected by the audit",
		},
		[]string{"server"},
	)
	cachedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entropic_cache_bytes",
			Help: "Number of bytes currently cached",
		},
	)
	withdrawnBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "entropic_cache_withdrawn_bytes_total",
			Help: "Number of bytes withdrawn from the cache",
		},
	)
	poolsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entropic_cache_pools_evicted_total",
			Help: "Number of pools evicted from the cache",
		},
		[]string{"reason"},
	)
	ratchetSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entropic_ratchet_steps_total",
			Help: "Number of ratchet steps per direction",
		},
		[]string{"direction"},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entropic_sessions_closed_total",
			Help: "Number of sessions closed, by reason",
		},
		[]string{"reason"},
	)

	initOnce sync.Once
)

// Init registers the metrics and, when addr is not empty, exposes them
// via HTTP at addr.
func Init(addr string) {
	initOnce.Do(func() {
		prometheus.MustRegister(sourceBytes)
		prometheus.MustRegister(sourceFailures)
		prometheus.MustRegister(sharesRejected)
		prometheus.MustRegister(cachedBytes)
		prometheus.MustRegister(withdrawnBytes)
		prometheus.MustRegister(poolsEvicted)
		prometheus.MustRegister(ratchetSteps)
		prometheus.MustRegister(sessionsClosed)

		if addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go http.ListenAndServe(addr, mux)
		}
	})
}

func SourceBytes(source string, n int) {
	sourceBytes.With(prometheus.Labels{"source": source}).Add(float64(n))
}

func SourceFailure(source string) {
	sourceFailures.With(prometheus.Labels{"source": source}).Inc()
}

func ShareRejected(server int) {
	sharesRejected.With(prometheus.Labels{"server": strconv.Itoa(server)}).Inc()
}

func CachedBytes(n int) {
	cachedBytes.Set(float64(n))
}

func Withdrawn(n int) {
	withdrawnBytes.Add(float64(n))
}

func PoolEvicted(reason string) {
	poolsEvicted.With(prometheus.Labels{"reason": reason}).Inc()
}

func RatchetStep(direction string) {
	ratchetSteps.With(prometheus.Labels{"direction": direction}).Inc()
}

func SessionClosed(reason string) {
	sessionsClosed.With(prometheus.Labels{"reason": reason}).Inc()
}
