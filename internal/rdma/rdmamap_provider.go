//go:build linux

package rdma

import (
	"context"
	"fmt"

	"github.com/Mellanox/rdmamap"
)

// RdmamapProvider implements Provider over github.com/Mellanox/rdmamap
// instead of a hand-rolled sysfs walk. It trades the sysfs-root override
// SysfsProvider offers (and therefore SysfsProvider's testability
// against golden fixtures) for the upstream library's own counter
// parsing and device enumeration; pfcbridge.DiscoverNetDev accepts
// either provider since both satisfy Provider.
type RdmamapProvider struct{}

// NewRdmamapProvider returns a RdmamapProvider reading the host's real
// RDMA devices.
func NewRdmamapProvider() *RdmamapProvider {
	return &RdmamapProvider{}
}

// Devices returns every RDMA device rdmamap can enumerate, with counters
// filled in from its per-port stats. All port attributes, NetDev included,
// are left blank: rdmamap's stats API doesn't expose them. As a result
// pfcbridge.DiscoverNetDev reports "no bound netdev" for every port it
// finds through this provider.
func (p *RdmamapProvider) Devices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := rdmamap.GetRdmaDeviceList()
	devices := make([]Device, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		allStats, err := rdmamap.GetRdmaSysfsAllPortsStats(name)
		if err != nil {
			return nil, fmt.Errorf("rdmamap: read stats for %s: %w", name, err)
		}

		ports := make([]Port, 0, len(allStats.PortStats))
		for _, ps := range allStats.PortStats {
			port := Port{
				ID:      ps.Port,
				Stats:   statEntriesToMap(ps.Stats),
				HwStats: statEntriesToMap(ps.HwStats),
				// Attributes.NetDev is left blank: rdmamap's stats API
				// doesn't expose the port-to-netdev binding. Callers that
				// need DiscoverNetDev to resolve a netdev should use
				// SysfsProvider instead, which reads it from gid_attrs.
			}
			ports = append(ports, port)
		}
		devices = append(devices, Device{Name: name, Ports: ports})
	}
	return devices, nil
}

func statEntriesToMap(entries []rdmamap.RdmaStatEntry) map[string]uint64 {
	out := make(map[string]uint64, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Value
	}
	return out
}
