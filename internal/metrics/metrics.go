// Package metrics exposes beacon activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relves/randao/pkg/randao"
)

// EventCollector counts beacon events. It implements randao.EventSink.
type EventCollector struct {
	events      *prometheus.CounterVec
	slashes     *prometheus.CounterVec
	slashed     prometheus.Counter
	requests    *prometheus.CounterVec
	fulfilled   *prometheus.CounterVec
	memberships *prometheus.CounterVec
}

// NewEventCollector creates the event metrics and registers them with reg.
// Metrics already registered by an earlier collector are reused.
func NewEventCollector(namespace string, reg prometheus.Registerer) (*EventCollector, error) {
	c := &EventCollector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Beacon events emitted, partitioned by event name.",
		}, []string{"event"}),
		slashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashes_total",
			Help:      "Members slashed, partitioned by participation outcome.",
		}, []string{"reason"}),
		slashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashed_amount_total",
			Help:      "Collateral slashed, in base units.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Randomness requests opened, partitioned by group.",
		}, []string{"group"}),
		fulfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillments_total",
			Help:      "Randomness requests finalized, partitioned by group.",
		}, []string{"group"}),
		memberships: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_changes_total",
			Help:      "Members added or removed, partitioned by direction.",
		}, []string{"direction"}),
	}

	var err error
	if c.events, err = registerOnce(reg, c.events); err != nil {
		return nil, err
	}
	if c.slashes, err = registerOnce(reg, c.slashes); err != nil {
		return nil, err
	}
	if c.slashed, err = registerOnce(reg, c.slashed); err != nil {
		return nil, err
	}
	if c.requests, err = registerOnce(reg, c.requests); err != nil {
		return nil, err
	}
	if c.fulfilled, err = registerOnce(reg, c.fulfilled); err != nil {
		return nil, err
	}
	if c.memberships, err = registerOnce(reg, c.memberships); err != nil {
		return nil, err
	}
	return c, nil
}

// Emit implements randao.EventSink.
func (c *EventCollector) Emit(_ context.Context, e randao.Event) {
	c.events.WithLabelValues(e.EventName()).Inc()

	switch e := e.(type) {
	case randao.MemberSlashed:
		c.slashes.WithLabelValues(string(e.Reason)).Inc()
		f, _ := new(big.Float).SetInt(e.Amount.ToBig()).Float64()
		c.slashed.Add(f)
	case randao.RandomnessRequested:
		c.requests.WithLabelValues(fmt.Sprint(e.Group)).Inc()
	case randao.RandomnessFulfilled:
		c.fulfilled.WithLabelValues(fmt.Sprint(e.Group)).Inc()
	case randao.MembershipChanged:
		c.memberships.WithLabelValues("added").Add(float64(len(e.Added)))
		c.memberships.WithLabelValues("removed").Add(float64(len(e.Removed)))
	}
}

// RequestMetrics instruments HTTP endpoints.
type RequestMetrics struct {
	counts    *prometheus.CounterVec
	latencies *prometheus.HistogramVec
}

// NewRequestMetrics creates the HTTP metrics and registers them with reg.
func NewRequestMetrics(namespace string, reg prometheus.Registerer) (*RequestMetrics, error) {
	m := &RequestMetrics{
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, partitioned by route and status.",
		}, []string{"route", "status"}),
		latencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies, partitioned by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	var err error
	if m.counts, err = registerOnce(reg, m.counts); err != nil {
		return nil, err
	}
	if m.latencies, err = registerOnce(reg, m.latencies); err != nil {
		return nil, err
	}
	return m, nil
}

// Observe records one served request.
func (m *RequestMetrics) Observe(route string, status int, took time.Duration) {
	m.counts.WithLabelValues(route, fmt.Sprint(status)).Inc()
	m.latencies.WithLabelValues(route).Observe(took.Seconds())
}

func registerOnce[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}
