package pfcbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type stubStatsProvider struct {
	mu    sync.Mutex
	stats map[string]map[string]uint64
	err   error
}

func (s *stubStatsProvider) Stats(_ context.Context, netDev string) (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]uint64, len(s.stats[netDev]))
	for k, v := range s.stats[netDev] {
		out[k] = v
	}
	return out, nil
}

func (s *stubStatsProvider) set(netDev, stat string, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		s.stats = make(map[string]map[string]uint64)
	}
	if s.stats[netDev] == nil {
		s.stats[netDev] = make(map[string]uint64)
	}
	s.stats[netDev][stat] = value
}

type stubInjector struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	dstIP    uint32
	srcPort  uint16
	priority uint16
}

func (s *stubInjector) InjectCNP(dstIP uint32, srcPort uint16, priority uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{dstIP, srcPort, priority})
	return nil
}

func (s *stubInjector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBridgeInjectsOnPauseCounterIncrease(t *testing.T) {
	stats := &stubStatsProvider{}
	stats.set("eth0", "rx_prio3_pause", 10)
	injector := &stubInjector{}
	mapping := []FlowMapping{{NetDev: "eth0", Priority: 3, DstIP: 2, SrcPort: 100}}
	b := New(stats, injector, mapping, time.Hour, discardLogger())

	b.pollOnce(context.Background())
	if got := injector.callCount(); got != 0 {
		t.Fatalf("first poll (baseline) should not inject, got %d calls", got)
	}

	stats.set("eth0", "rx_prio3_pause", 10) // unchanged
	b.pollOnce(context.Background())
	if got := injector.callCount(); got != 0 {
		t.Fatalf("unchanged pause counter should not inject, got %d calls", got)
	}

	stats.set("eth0", "rx_prio3_pause", 11) // advanced
	b.pollOnce(context.Background())
	if got := injector.callCount(); got != 1 {
		t.Fatalf("advanced pause counter should inject once, got %d calls", got)
	}
	if injector.calls[0] != (call{dstIP: 2, srcPort: 100, priority: 3}) {
		t.Errorf("unexpected injected call: %+v", injector.calls[0])
	}
}

func TestBridgeIgnoresOtherPriorities(t *testing.T) {
	stats := &stubStatsProvider{}
	stats.set("eth0", "rx_prio3_pause", 0)
	stats.set("eth0", "rx_prio5_pause", 0)
	injector := &stubInjector{}
	mapping := []FlowMapping{{NetDev: "eth0", Priority: 3, DstIP: 2, SrcPort: 100}}
	b := New(stats, injector, mapping, time.Hour, discardLogger())

	b.pollOnce(context.Background())
	stats.set("eth0", "rx_prio5_pause", 5) // priority not in mapping
	b.pollOnce(context.Background())

	if got := injector.callCount(); got != 0 {
		t.Fatalf("pause increase on an unmapped priority should not inject, got %d calls", got)
	}
}

func TestBridgeStatsErrorDoesNotPanic(t *testing.T) {
	stats := &stubStatsProvider{err: errors.New("ethtool unavailable")}
	injector := &stubInjector{}
	mapping := []FlowMapping{{NetDev: "eth0", Priority: 3, DstIP: 2, SrcPort: 100}}
	b := New(stats, injector, mapping, time.Hour, discardLogger())

	b.pollOnce(context.Background())
	if got := injector.callCount(); got != 0 {
		t.Fatalf("stats error should not inject, got %d calls", got)
	}
}

func TestBridgeRunStopsOnContextCancel(t *testing.T) {
	stats := &stubStatsProvider{}
	injector := &stubInjector{}
	b := New(stats, injector, nil, time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Run(ctx); err == nil {
		t.Fatalf("expected Run to return an error when context is already cancelled")
	}
}
