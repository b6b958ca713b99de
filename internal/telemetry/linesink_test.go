package telemetry

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLineSinkSampleOnChange(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineSink(&buf)

	now := time.Unix(1700000000, 0)
	sink.EmitBandwidth(now, "host0", 0, 12.5)
	sink.EmitBandwidth(now.Add(time.Second), "host0", 0, 12.5) // unchanged, skipped
	sink.EmitBandwidth(now.Add(2*time.Second), "host0", 0, 25.0)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines after one repeated sample, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "12.500000") {
		t.Errorf("line 0 = %q, want bandwidth 12.500000", lines[0])
	}
	if !strings.Contains(lines[1], "25.000000") {
		t.Errorf("line 1 = %q, want bandwidth 25.000000", lines[1])
	}
}

func TestLineSinkDistinctKeysAlwaysEmit(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineSink(&buf)

	now := time.Unix(1700000000, 0)
	sink.EmitQPRate(now, 1, 2, 100, 200, 1024, 1e9)
	sink.EmitQPRate(now, 1, 3, 100, 200, 1024, 1e9) // different dst, same rate value: new key, still emitted

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines for 2 distinct QP keys, got %d: %v", len(lines), lines)
	}
}

func TestLineSinkCnpCountChangeEmits(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineSink(&buf)

	now := time.Unix(1700000000, 0)
	sink.EmitQPCnp(now, 1, 2, 100, 200, 1024, 0)
	sink.EmitQPCnp(now.Add(time.Second), 1, 2, 100, 200, 1024, 0) // unchanged
	sink.EmitQPCnp(now.Add(2*time.Second), 1, 2, 100, 200, 1024, 3)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines after one repeated cnp_count sample, got %d: %v", len(lines), lines)
	}
}
