package headers

import "testing"

func TestEthertypeToPPP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ethertype uint16
		want      uint16
		wantErr   bool
	}{
		{"ipv4", EthertypeIPv4, pppIPv4, false},
		{"ipv6", EthertypeIPv6, pppIPv6, false},
		{"unknown", 0x0806, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EthertypeToPPP(tt.ethertype)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for ethertype 0x%04x", tt.ethertype)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got 0x%04x, want 0x%04x", got, tt.want)
			}
		})
	}
}

func TestPadToMinimum(t *testing.T) {
	t.Parallel()

	if got := PadToMinimum(10, 0); got != MinControlFrameBytes {
		t.Fatalf("expected padding up to %d, got %d", MinControlFrameBytes, got)
	}
	if got := PadToMinimum(100, 0); got != 100 {
		t.Fatalf("expected no padding, got %d", got)
	}
	if got := PadToMinimum(0, 40); got != MinControlFrameBytes-40 {
		t.Fatalf("expected overhead-adjusted floor, got %d", got)
	}
}
