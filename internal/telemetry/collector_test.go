package telemetry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubProvider struct {
	records []QPRecord
}

func (s *stubProvider) QueuePairs() []QPRecord {
	return s.records
}

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestCollectorBandwidthFromObservedBytes(t *testing.T) {
	provider := &stubProvider{}
	c := New(provider, newDiscardLogger())

	start := time.Unix(1000, 0)
	tick := start
	c.now = func() time.Time { return tick }

	// First Collect only establishes the sampling baseline; no bytes have
	// been observed yet, so no bandwidth series is emitted.
	if n := testutil.CollectAndCount(c, "rdmasim_port_bandwidth_gbps"); n != 0 {
		t.Fatalf("first Collect emitted %d bandwidth metrics, want 0", n)
	}

	tick = start.Add(1 * time.Second)
	c.ObserveTxBytes(0, 12_500_000_000/8) // 12.5 Gbit over one second

	n := testutil.CollectAndCount(c, "rdmasim_port_bandwidth_gbps")
	if n != 1 {
		t.Fatalf("expected one bandwidth series after observing bytes, got %d", n)
	}
}

func TestCollectorBandwidthSampleOnChange(t *testing.T) {
	provider := &stubProvider{}
	c := New(provider, newDiscardLogger())

	start := time.Unix(2000, 0)
	tick := start
	c.now = func() time.Time { return tick }

	testutil.CollectAndCount(c) // baseline

	tick = start.Add(1 * time.Second)
	c.ObserveTxBytes(1, 1_250_000_000) // 10 Gbit/s
	if n := testutil.CollectAndCount(c, "rdmasim_port_bandwidth_gbps"); n != 1 {
		t.Fatalf("expected bandwidth series on first non-zero sample, got %d", n)
	}

	tick = start.Add(2 * time.Second)
	c.ObserveTxBytes(1, 1_250_000_000) // identical 10 Gbit/s again
	if n := testutil.CollectAndCount(c, "rdmasim_port_bandwidth_gbps"); n != 0 {
		t.Fatalf("expected unchanged bandwidth sample to be skipped, got %d series", n)
	}

	tick = start.Add(3 * time.Second)
	c.ObserveTxBytes(1, 2_500_000_000) // doubled
	if n := testutil.CollectAndCount(c, "rdmasim_port_bandwidth_gbps"); n != 1 {
		t.Fatalf("expected changed bandwidth sample to be emitted, got %d series", n)
	}
}

func TestCollectorQPRateAndCnpSampleOnChange(t *testing.T) {
	provider := &stubProvider{
		records: []QPRecord{
			{SrcIP: 1, DstIP: 2, SrcPort: 100, DstPort: 200, Size: 1024, RateBps: 1e9, CnpCount: 0},
		},
	}
	c := New(provider, newDiscardLogger())

	if n := testutil.CollectAndCount(c, "rdmasim_qp_rate_bps", "rdmasim_qp_cnp_count_total"); n != 2 {
		t.Fatalf("expected rate+cnp series on first Collect, got %d", n)
	}

	// Unchanged record: both series should be skipped on the next Collect.
	if n := testutil.CollectAndCount(c, "rdmasim_qp_rate_bps", "rdmasim_qp_cnp_count_total"); n != 0 {
		t.Fatalf("expected unchanged qp series to be skipped, got %d", n)
	}

	provider.records[0].CnpCount = 1
	if n := testutil.CollectAndCount(c, "rdmasim_qp_rate_bps", "rdmasim_qp_cnp_count_total"); n != 1 {
		t.Fatalf("expected only cnp series to re-emit after cnp_count changed, got %d", n)
	}
}
