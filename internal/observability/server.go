// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the plugin set is loaded.
type ReadinessChecker func() bool

// Registration adds collectors to the server's registry, for example
// bus.RegisterMetrics.
type Registration func(prometheus.Registerer)

// Metrics contains the host loop metrics.
type Metrics struct {
	TicksTotal   prometheus.Counter
	TickOverruns prometheus.Counter
	TickDuration prometheus.Histogram
	ReloadsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the host loop metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "toybox_loop_ticks_total",
				Help: "Total number of host loop ticks",
			},
		),
		TickOverruns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "toybox_loop_tick_overruns_total",
				Help: "Total number of ticks that took longer than the tick interval",
			},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toybox_loop_tick_duration_seconds",
				Help:    "Time spent updating plugins and processing the bus per tick",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .016, .025, .05, .1, .25},
			},
		),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toybox_plugin_reloads_total",
				Help: "Total number of plugin set reloads by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.TicksTotal)
	reg.MustRegister(m.TickOverruns)
	reg.MustRegister(m.TickDuration)
	reg.MustRegister(m.ReloadsTotal)

	return m
}

// RecordTick records one host loop tick of duration d against the
// interval it had to fit in.
func (m *Metrics) RecordTick(d, interval time.Duration) {
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
	if d > interval {
		m.TickOverruns.Inc()
	}
}

// RecordReload counts a reload by result.
func (m *Metrics) RecordReload(err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.ReloadsTotal.WithLabelValues(result).Inc()
}

// Server serves /metrics and the health probes over HTTP.
type Server struct {
	addr     string
	registry *prometheus.Registry
	metrics  *Metrics
	ready    ReadinessChecker
	logger   *slog.Logger

	running  atomic.Bool
	listener net.Listener
	http     *http.Server
}

// NewServer creates a server listening on addr ("127.0.0.1:9100", or
// ":9100" for every interface). It owns a private registry holding the Go
// and process collectors, the host loop metrics and whatever each
// registration adds. A nil ready reports ready.
func NewServer(addr string, ready ReadinessChecker, registrations ...Registration) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)
	for _, register := range registrations {
		register(registry)
	}

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		ready:    ready,
		logger:   slog.Default(),
	}
}

// Metrics returns the host loop metrics registered on this server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz/liveness", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, true)
	})
	mux.HandleFunc("/healthz/readiness", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, s.ready == nil || s.ready())
	})
	return mux
}

// Start listens and serves in the background. Serve failures arrive on
// the returned channel, which is closed once serving ends.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.In("observability").
			Code("OBSERVABILITY_RUNNING").
			Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.In("observability").
			Code("OBSERVABILITY_LISTEN_FAILED").
			With("addr", s.addr).
			Hint("pick another --metrics-addr or pass an empty one to disable metrics").
			Wrapf(err, "failed to listen")
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = listener
	s.http = srv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observability server error", "error", err)
			errCh <- err
		}
	}()

	s.logger.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop shuts the server down. Stopping a server that is not running is a
// no-op; a failed shutdown leaves it running so Stop can be retried.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.running.Store(true)
		return oops.In("observability").
			With("addr", s.Addr()).
			Wrapf(err, "failed to shut down observability server")
	}
	s.logger.Info("observability server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func writeProbe(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	body, status := "ok\n", http.StatusOK
	if !ok {
		body, status = "not ready\n", http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
