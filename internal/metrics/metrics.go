// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes webdavd Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webdavd"

// Metrics holds every collector on a private registry
type Metrics struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	uploadBytes   prometheus.Counter
	lockConflicts prometheus.Counter
	trashed       prometheus.Counter
	persistWrites *prometheus.CounterVec
}

// New creates the collectors, including Go runtime and process metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		reg: reg,
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of WebDAV requests by method and status code",
			},
			[]string{"method", "code"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "WebDAV request latency by method",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		uploadBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted through PUT",
		}),
		lockConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_conflicts_total",
			Help:      "Requests rejected with 423 Locked",
		}),
		trashed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trashed_resources_total",
			Help:      "Resources moved into the trash by DELETE or overwrite",
		}),
		persistWrites: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_writes_total",
				Help:      "State file writes by store and result",
			},
			[]string{"store", "result"}, // "ok", "error"
		),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the text exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveRequest records one completed request
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// AddUploadBytes counts bytes written by PUT
func (m *Metrics) AddUploadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadBytes.Add(float64(n))
}

// RecordLockConflict counts a 423 response
func (m *Metrics) RecordLockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}

// RecordTrash counts a resource moved into the trash
func (m *Metrics) RecordTrash() {
	if m == nil {
		return
	}
	m.trashed.Inc()
}

// ObservePersist matches the state writer observer signature
func (m *Metrics) ObservePersist(store string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persistWrites.WithLabelValues(store, result).Inc()
}

// RegisterGauges exposes live sizes sampled at scrape time
func (m *Metrics) RegisterGauges(activeLocks, propResources, writersWaiting func() int) {
	if m == nil {
		return
	}
	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}
	gauge("active_locks", "Unexpired WebDAV locks", activeLocks)
	gauge("dead_property_resources", "Resources carrying dead properties", propResources)
	gauge("writers_waiting", "Mutating requests queued behind another on the same path", writersWaiting)
}
