package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// LineSink writes line-oriented telemetry records
// ("time, host_id, port_id, bandwidth_gbps" etc.) to any io.Writer — a
// file or stdout in the CLI. It supplements the Prometheus path rather
// than replacing it.
//
// Like Collector, every line is sample-on-change: a record whose value is
// identical to the last one written for the same key is dropped.
type LineSink struct {
	w io.Writer

	mu   sync.Mutex
	last map[string]string
}

// NewLineSink constructs a LineSink writing to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w, last: make(map[string]string)}
}

// EmitBandwidth writes a "time, host_id, port_id, bandwidth_gbps" record.
func (s *LineSink) EmitBandwidth(now time.Time, hostID string, portID int, gbps float64) {
	key := fmt.Sprintf("bw|%s|%d", hostID, portID)
	value := fmt.Sprintf("%.6f", gbps)
	s.emit(key, value, func() string {
		return fmt.Sprintf("%d,%s,%d,%s\n", now.UnixNano(), hostID, portID, value)
	})
}

// EmitQPRate writes a "time, src, dst, sport, dport, size, rate_bps" record.
func (s *LineSink) EmitQPRate(now time.Time, src, dst uint32, sport, dport uint16, size uint64, rateBps float64) {
	key := fmt.Sprintf("rate|%d|%d|%d|%d", src, dst, sport, dport)
	value := fmt.Sprintf("%.3f", rateBps)
	s.emit(key, value, func() string {
		return fmt.Sprintf("%d,%s,%s,%d,%d,%d,%s\n", now.UnixNano(), ipLabel(src), ipLabel(dst), sport, dport, size, value)
	})
}

// EmitQPCnp writes a "time, src, dst, sport, dport, size, cnp_count" record.
func (s *LineSink) EmitQPCnp(now time.Time, src, dst uint32, sport, dport uint16, size uint64, cnpCount uint64) {
	key := fmt.Sprintf("cnp|%d|%d|%d|%d", src, dst, sport, dport)
	value := fmt.Sprintf("%d", cnpCount)
	s.emit(key, value, func() string {
		return fmt.Sprintf("%d,%s,%s,%d,%d,%d,%s\n", now.UnixNano(), ipLabel(src), ipLabel(dst), sport, dport, size, value)
	})
}

func (s *LineSink) emit(key, value string, line func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.last[key]; ok && prev == value {
		return
	}
	s.last[key] = value
	_, _ = io.WriteString(s.w, line())
}
