// Package metrics owns the prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixelboard"

// Collectors groups the service collectors on a dedicated registry. A nil *Collectors is a
// valid no-op sink.
type Collectors struct {
	registry        *prometheus.Registry
	cellWrites      *prometheus.CounterVec
	rewards         *prometheus.CounterVec
	feedEvents      *prometheus.CounterVec
	feedSubscribers prometheus.Gauge
	feedEvictions   prometheus.Counter
	presenceSwept   prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	c := &Collectors{
		registry: registry,
		cellWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cell_writes_total",
			Help:      "Cell write attempts by outcome.",
		}, []string{"outcome"}),
		rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_total",
			Help:      "Reward transfers by result.",
		}, []string{"result"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Change events published to the feed.",
		}, []string{"table", "kind"}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_subscribers",
			Help:      "Live change feed subscribers.",
		}),
		feedEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_evictions_total",
			Help:      "Subscribers evicted for falling behind.",
		}),
		presenceSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_swept_total",
			Help:      "Sessions marked offline by the presence sweeper.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.cellWrites,
		c.rewards,
		c.feedEvents,
		c.feedSubscribers,
		c.feedEvictions,
		c.presenceSwept,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CellWrite counts one Write Gate outcome (success, degraded, or an error kind).
func (c *Collectors) CellWrite(outcome string) {
	if c == nil {
		return
	}
	c.cellWrites.WithLabelValues(outcome).Inc()
}

// Reward counts one reward transfer result.
func (c *Collectors) Reward(success bool) {
	if c == nil {
		return
	}
	result := "failed"
	if success {
		result = "paid"
	}
	c.rewards.WithLabelValues(result).Inc()
}

// SessionsSwept adds count to the sweeper counter.
func (c *Collectors) SessionsSwept(count int64) {
	if c == nil || count <= 0 {
		return
	}
	c.presenceSwept.Add(float64(count))
}

func (c *Collectors) SubscriberAdded() {
	if c == nil {
		return
	}
	c.feedSubscribers.Inc()
}

func (c *Collectors) SubscriberRemoved() {
	if c == nil {
		return
	}
	c.feedSubscribers.Dec()
}

func (c *Collectors) SubscriberEvicted() {
	if c == nil {
		return
	}
	c.feedEvictions.Inc()
}

func (c *Collectors) EventPublished(table string, kind string) {
	if c == nil {
		return
	}
	c.feedEvents.WithLabelValues(table, kind).Inc()
}
