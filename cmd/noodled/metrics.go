// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/negroni"
)

// requestDuration records how long each route took to answer,
// labeled the way cmd/coordinated/metrics.go labeled its coordinate
// summary gauges: by the dimensions an operator would slice a
// dashboard on, not by raw URL.
var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "noodle",
	Name:      "http_request_duration_seconds",
	Help:      "Time taken for noodled to answer one HTTP request.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "method", "status"})

func init() {
	prometheus.MustRegister(requestDuration)
}

// metricsMiddleware is a negroni.Handler that observes every request
// passing through the chain into requestDuration.
type metricsMiddleware struct{}

func (metricsMiddleware) ServeHTTP(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	lrw := negroni.NewResponseWriter(rw)
	next(lrw, r)

	route := "unknown"
	if rt := mux.CurrentRoute(r); rt != nil {
		if name := rt.GetName(); name != "" {
			route = name
		}
	}
	requestDuration.
		WithLabelValues(route, r.Method, strconv.Itoa(lrw.Status())).
		Observe(time.Since(start).Seconds())
}
