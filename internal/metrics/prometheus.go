package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"meshmon/internal/health"
	"meshmon/internal/model"
	"meshmon/internal/routes"
)

const namespace = "meshmon"

// Collector exports probe and health figures to Prometheus. It owns its own
// registry so tests and multiple monitors never collide.
type Collector struct {
	registry *prometheus.Registry

	probes      *prometheus.CounterVec
	rtt         prometheus.Histogram
	hops        *prometheus.HistogramVec
	cycles      prometheus.Gauge
	targets     prometheus.Gauge
	packets     prometheus.Counter
	issues      *prometheus.GaugeVec
	clusters    prometheus.Gauge
	activeNodes prometheus.Gauge
	utilAffect  prometheus.Gauge
	relayUsage  *prometheus.GaugeVec
	lastReport  prometheus.Gauge
}

// NewCollector creates and registers every metric.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Traceroute probes recorded, by outcome.",
		}, []string{"status"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Round-trip time of answered traceroutes.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		hops: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_hops",
			Help:      "Relay count of answered traceroutes.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 7},
		}, []string{"direction"}),
		cycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_cycles_completed",
			Help:      "Full passes over the probe target list.",
		}),
		targets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_targets",
			Help:      "Size of the current probe target list.",
		}),
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_seen_total",
			Help:      "Mesh packets reported by the gateway.",
		}),
		issues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "issues",
			Help:      "Issues found by the last health pass, by category.",
		}, []string{"category"}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_clusters",
			Help:      "Router density clusters found by the last health pass.",
		}),
		activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_nodes",
			Help:      "Nodes heard within the active window.",
		}),
		utilAffect: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "high_channel_utilization_nodes",
			Help:      "Active nodes over the channel utilization threshold.",
		}),
		relayUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_usage",
			Help:      "Times a node relayed probe traffic in the current result log.",
		}, []string{"node"}),
		lastReport: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_report_timestamp_seconds",
			Help:      "Unix time of the last health pass.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.probes, c.rtt, c.hops, c.cycles, c.targets, c.packets,
		c.issues, c.clusters, c.activeNodes, c.utilAffect, c.relayUsage, c.lastReport,
	)
	return c
}

// Registry exposes the registry for HTTP handlers and tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveResult records one probe outcome.
func (c *Collector) ObserveResult(r model.ProbeResult) {
	c.probes.WithLabelValues(string(r.Status)).Inc()
	if !r.Succeeded() {
		return
	}
	c.rtt.Observe(r.RTT.Seconds())
	c.hops.WithLabelValues("towards").Observe(float64(r.HopsTo))
	c.hops.WithLabelValues("back").Observe(float64(r.HopsBack))
}

// SetSchedulerState publishes cycle and target counts.
func (c *Collector) SetSchedulerState(cycles, targets int) {
	c.cycles.Set(float64(cycles))
	c.targets.Set(float64(targets))
}

// ObservePacket counts one packet seen on the mesh.
func (c *Collector) ObservePacket() {
	c.packets.Inc()
}

// ObserveReport publishes the outcome of a health pass.
func (c *Collector) ObserveReport(rep health.Report) {
	counts := make(map[health.Category]int)
	for _, is := range rep.Issues {
		counts[is.Category]++
	}
	c.issues.Reset()
	for _, cat := range []health.Category{
		health.CategoryCongestion, health.CategorySpam, health.CategoryConfig,
		health.CategoryHealth, health.CategoryTopology, health.CategoryNetworkSize,
		health.CategoryPerformance, health.CategoryEfficiency, health.CategoryRouteQuality,
	} {
		c.issues.WithLabelValues(string(cat)).Set(float64(counts[cat]))
	}
	c.clusters.Set(float64(len(rep.Clusters)))
	c.activeNodes.Set(float64(rep.ActiveNodes))
	c.utilAffect.Set(float64(rep.ChannelUtil.AffectedCount))
	ts := rep.GeneratedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	c.lastReport.Set(float64(ts.Unix()))
}

// ObserveRoutes publishes relay usage from a route analysis.
func (c *Collector) ObserveRoutes(a routes.Analysis) {
	c.relayUsage.Reset()
	for _, u := range a.RelayUsage {
		c.relayUsage.WithLabelValues(u.ID).Set(float64(u.Count))
	}
}
