// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector. It outputs text/plain in Prometheus exposition format without
// requiring the heavy prometheus/client_golang dependency. A Collector is
// constructed once per process and injected where needed.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters and gauges.
type Collector struct {
	counters  sync.Map // key -> *Counter
	gauges    sync.Map // key -> *Gauge
	startTime time.Time
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Counter returns or creates a counter with the given name and label set.
func (c *Collector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name and label set.
func (c *Collector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Handler serves the collected metrics in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, c.Expose())
	})
}

// Expose renders all metrics as exposition text, sorted for stable output.
func (c *Collector) Expose() string {
	var lines []string

	c.counters.Range(func(_, v any) bool {
		ctr := v.(*Counter)
		lines = append(lines, renderMetric(ctr.name, ctr.help, "counter", ctr.labels, ctr.Value()))
		return true
	})
	c.gauges.Range(func(_, v any) bool {
		g := v.(*Gauge)
		lines = append(lines, renderMetric(g.name, g.help, "gauge", g.labels, g.Value()))
		return true
	})

	sort.Strings(lines)
	return strings.Join(lines, "")
}

func renderMetric(name, help, kind, labels string, value int64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	if labels != "" {
		fmt.Fprintf(&sb, "%s{%s} %d\n", name, labels, value)
	} else {
		fmt.Fprintf(&sb, "%s %d\n", name, value)
	}
	return sb.String()
}
