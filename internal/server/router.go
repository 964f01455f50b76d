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

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"webdavd/internal/dav"
	"webdavd/internal/metrics"
)

func init() {
	// chi answers 405 for methods it does not know
	for _, m := range dav.Methods {
		chi.RegisterMethod(m)
	}
}

// NewRouter puts request IDs, access logging, metrics and panic recovery in
// front of the WebDAV handler. Every path and method goes to the handler.
func NewRouter(h http.Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(m))
	r.Use(middleware.Recoverer)

	r.Handle("/", h)
	r.Handle("/*", h)
	return r
}

// requestLogger logs every completed request and feeds the request metrics
func requestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.ObserveRequest(r.Method, status, elapsed)

			entry := log.WithFields(log.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"bytes":      ww.BytesWritten(),
				"duration":   elapsed.String(),
				"remote":     r.RemoteAddr,
			})
			switch {
			case status >= http.StatusInternalServerError:
				entry.Error("[HTTP] request failed")
			case status == http.StatusUnauthorized || status == http.StatusLocked:
				entry.Info("[HTTP] request completed")
			default:
				entry.Debug("[HTTP] request completed")
			}
		})
	}
}
