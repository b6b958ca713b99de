// Package pfcbridge is the optional hardware PFC bridge: it polls real
// RoCEv2 PFC pause-frame counters on a named netdev and synthesises a
// congestion notification into the simulated engine for the matching
// (dst_ip, src_port, priority_group) flow whenever a pause counter
// advances. This lets a user drive the simulated congestion-control
// reaction off a real NIC's pause signal instead of (or alongside) a
// simulated CNP.
package pfcbridge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/rdmasim/hostengine/internal/rdma"
)

// pauseStatPattern matches per-priority pause-frame counters
// (rx_prioN_pause), without the duration/transition suffixes — the
// bridge only reacts to frame counts.
var pauseStatPattern = regexp.MustCompile(`^rx_prio([0-7])_pause$`)

// StatsProvider fetches ethtool-like counters for a network device
// (satisfied by internal/netdev.EthtoolStatsProvider).
type StatsProvider interface {
	Stats(ctx context.Context, netDev string) (map[string]uint64, error)
}

// CNPInjector is the engine-side hook the bridge drives
// (engine.Engine.InjectCNP).
type CNPInjector interface {
	InjectCNP(dstIP uint32, srcPort uint16, priority uint16) error
}

// FlowMapping binds one priority's PFC pause counter on a netdev to the
// simulated flow it should notify on a pause-frame increase.
type FlowMapping struct {
	NetDev   string
	Priority uint16
	DstIP    uint32
	SrcPort  uint16
}

// Bridge polls StatsProvider on an interval and injects CNPs for any
// FlowMapping whose pause counter advanced since the last poll.
type Bridge struct {
	stats    StatsProvider
	injector CNPInjector
	mappings []FlowMapping
	interval time.Duration
	logger   *slog.Logger

	lastPause map[pauseKey]uint64
}

type pauseKey struct {
	netDev   string
	priority uint16
}

// New constructs a Bridge. interval must be positive.
func New(stats StatsProvider, injector CNPInjector, mappings []FlowMapping, interval time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		stats:     stats,
		injector:  injector,
		mappings:  mappings,
		interval:  interval,
		logger:    logger,
		lastPause: make(map[pauseKey]uint64),
	}
}

// Run polls until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

func (b *Bridge) pollOnce(ctx context.Context) {
	cache := make(map[string]map[string]uint64)
	for _, m := range b.mappings {
		stats, ok := cache[m.NetDev]
		if !ok {
			s, err := b.stats.Stats(ctx, m.NetDev)
			if err != nil {
				b.logger.Warn("pfcbridge: stats read failed", "netdev", m.NetDev, "err", err)
				cache[m.NetDev] = nil
				continue
			}
			stats = s
			cache[m.NetDev] = s
		}
		if stats == nil {
			continue
		}

		statName := fmt.Sprintf("rx_prio%d_pause", m.Priority)
		if !pauseStatPattern.MatchString(statName) {
			continue
		}
		current, ok := stats[statName]
		if !ok {
			continue
		}

		key := pauseKey{netDev: m.NetDev, priority: m.Priority}
		prev, seen := b.lastPause[key]
		b.lastPause[key] = current
		if !seen || current <= prev {
			continue
		}

		if err := b.injector.InjectCNP(m.DstIP, m.SrcPort, m.Priority); err != nil {
			b.logger.Warn("pfcbridge: CNP injection failed", "netdev", m.NetDev, "priority", m.Priority, "err", err)
		}
	}
}

// DiscoverNetDev walks provider's devices to find the netdev backing
// the named RDMA device/port, for mapping a FlowMapping's NetDev field
// from a real HCA instead of hand-specifying it.
func DiscoverNetDev(ctx context.Context, provider rdma.Provider, device string, port int) (string, error) {
	devices, err := provider.Devices(ctx)
	if err != nil {
		return "", fmt.Errorf("pfcbridge: discover netdev: %w", err)
	}
	for _, d := range devices {
		if d.Name != device {
			continue
		}
		for _, p := range d.Ports {
			if p.ID == port {
				if p.Attributes.NetDev == "" {
					return "", fmt.Errorf("pfcbridge: device %s port %d has no bound netdev", device, port)
				}
				return p.Attributes.NetDev, nil
			}
		}
	}
	return "", fmt.Errorf("pfcbridge: device %s port %d not found", device, port)
}
