//go:build !linux

package rdma

import (
	"context"
	"errors"
)

// RdmamapProvider implements Provider over github.com/Mellanox/rdmamap,
// which is Linux-only.
type RdmamapProvider struct{}

// NewRdmamapProvider is only supported on Linux hosts.
func NewRdmamapProvider() *RdmamapProvider {
	return &RdmamapProvider{}
}

// Devices always fails on non-Linux hosts.
func (p *RdmamapProvider) Devices(ctx context.Context) ([]Device, error) {
	return nil, errors.New("rdmamap provider is supported on linux only")
}
