// Package telemetry implements two sinks over the host engine's live
// state: a prometheus.Collector (bandwidth, per-QP rate, per-QP CNP
// count) and a line-oriented text sink. Both are sample-on-change: a
// record is only emitted when its value differs from the last one
// emitted for the same key.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rdmasim/hostengine/internal/engine"
)

// Provider is the subset of *engine.Engine the collector pulls from.
type Provider interface {
	QueuePairs() []QPRecord
}

// QPRecord is the per-QP telemetry record.
type QPRecord = engine.QPSnapshot

// Collector implements prometheus.Collector over the engine's bandwidth,
// per-QP rate and per-QP CNP-count series.
type Collector struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time

	bandwidthDesc *prometheus.Desc
	qpRateDesc    *prometheus.Desc
	qpCnpDesc     *prometheus.Desc

	mu            sync.Mutex
	portBytes     map[int]uint64
	lastSampledAt time.Time
	lastBandwidth map[int]float64
	lastRate      map[qpLabelKey]float64
	lastCnp       map[qpLabelKey]uint64

	scrapeErrors prometheus.Counter
	ctxValue     atomic.Value // stores contextHolder
}

type contextHolder struct {
	ctx context.Context
}

// SetContext updates the context used by the next Collect invocation;
// httpserver installs the per-scrape timeout context through it.
func (c *Collector) SetContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctxValue.Store(contextHolder{ctx: ctx})
}

// ResetContext resets the collector back to the background context.
func (c *Collector) ResetContext() {
	c.ctxValue.Store(contextHolder{ctx: context.Background()})
}

type qpLabelKey struct {
	src, dst     uint32
	sport, dport uint16
}

// New constructs a Collector pulling QP state from provider.
func New(provider Provider, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		provider: provider,
		logger:   logger,
		now:      time.Now,
		bandwidthDesc: prometheus.NewDesc(
			"rdmasim_port_bandwidth_gbps",
			"Observed transmit bandwidth on a simulated NIC port, in gigabits/sec.",
			[]string{"host_id", "port_id"},
			nil,
		),
		qpRateDesc: prometheus.NewDesc(
			"rdmasim_qp_rate_bps",
			"Current paced transmit rate of a queue pair, in bits/sec.",
			[]string{"src", "dst", "sport", "dport"},
			nil,
		),
		qpCnpDesc: prometheus.NewDesc(
			"rdmasim_qp_cnp_count_total",
			"Number of ECN-echoed ACK/NACKs observed by a queue pair.",
			[]string{"src", "dst", "sport", "dport"},
			nil,
		),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdmasim_telemetry_scrape_errors_total",
			Help: "Total number of errors encountered while collecting simulator telemetry.",
		}),
		portBytes:     make(map[int]uint64),
		lastBandwidth: make(map[int]float64),
		lastRate:      make(map[qpLabelKey]float64),
		lastCnp:       make(map[qpLabelKey]uint64),
	}
	c.ctxValue.Store(contextHolder{ctx: context.Background()})
	return c
}

// SetProvider binds (or rebinds) the QP-state source used by Collect. It
// exists because the engine a Collector reports on is itself wired to
// observe bytes through the same Collector (engine.Config.TxBytesObserver),
// so callers typically construct the Collector before the Engine and bind
// the provider once the Engine exists.
func (c *Collector) SetProvider(provider Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = provider
}

// ObserveTxBytes records bytes transmitted on a port since the last
// Collect. It is installed as engine.Config.TxBytesObserver.
func (c *Collector) ObserveTxBytes(portIdx int, bytes int) {
	if bytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portBytes[portIdx] += uint64(bytes)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bandwidthDesc
	ch <- c.qpRateDesc
	ch <- c.qpCnpDesc
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector. Bandwidth is computed from
// bytes observed since the previous Collect call divided by the elapsed
// wall-clock time; per-QP rate and CNP count are pulled fresh from the
// provider. Every series is sample-on-change: a value identical to the
// one emitted at the previous Collect is skipped.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	holder, _ := c.ctxValue.Load().(contextHolder)
	ctx := holder.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		c.logger.Warn("telemetry scrape aborted by context", "err", ctx.Err())
		c.scrapeErrors.Inc()
		c.scrapeErrors.Collect(ch)
		return
	}

	now := c.now()
	elapsed := now.Sub(c.lastSampledAt).Seconds()
	if c.lastSampledAt.IsZero() || elapsed <= 0 {
		elapsed = 0
	}

	for portIdx, bytes := range c.portBytes {
		var gbps float64
		if elapsed > 0 {
			gbps = float64(bytes) * 8 / elapsed / 1e9
		}
		if prev, ok := c.lastBandwidth[portIdx]; !ok || prev != gbps {
			ch <- prometheus.MustNewConstMetric(
				c.bandwidthDesc,
				prometheus.GaugeValue,
				gbps,
				"localhost",
				strconv.Itoa(portIdx),
			)
			c.lastBandwidth[portIdx] = gbps
		}
		c.portBytes[portIdx] = 0
	}
	c.lastSampledAt = now

	var records []QPRecord
	if c.provider != nil {
		records = c.provider.QueuePairs()
	}
	for _, r := range records {
		key := qpLabelKey{src: r.SrcIP, dst: r.DstIP, sport: r.SrcPort, dport: r.DstPort}
		srcLabel, dstLabel := ipLabel(r.SrcIP), ipLabel(r.DstIP)
		sportLabel, dportLabel := strconv.Itoa(int(r.SrcPort)), strconv.Itoa(int(r.DstPort))

		if prev, ok := c.lastRate[key]; !ok || prev != r.RateBps {
			ch <- prometheus.MustNewConstMetric(
				c.qpRateDesc,
				prometheus.GaugeValue,
				r.RateBps,
				srcLabel, dstLabel, sportLabel, dportLabel,
			)
			c.lastRate[key] = r.RateBps
		}

		if prev, ok := c.lastCnp[key]; !ok || prev != r.CnpCount {
			ch <- prometheus.MustNewConstMetric(
				c.qpCnpDesc,
				prometheus.CounterValue,
				float64(r.CnpCount),
				srcLabel, dstLabel, sportLabel, dportLabel,
			)
			c.lastCnp[key] = r.CnpCount
		}
	}

	c.scrapeErrors.Collect(ch)
}

// ScrapeErrors returns the scrape error counter for external registration.
func (c *Collector) ScrapeErrors() prometheus.Counter {
	return c.scrapeErrors
}

func ipLabel(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
