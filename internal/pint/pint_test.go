package pint

import "testing"

func TestEncodeDecodeRoundTripMonotonic(t *testing.T) {
	t.Parallel()

	var lastDecoded float64 = -1
	for power := 0; power <= maxPower; power++ {
		decoded := DecodeU(uint8(power))
		if decoded < lastDecoded {
			t.Fatalf("DecodeU not monotonic at power=%d: got %f after %f", power, decoded, lastDecoded)
		}
		lastDecoded = decoded
	}
}

func TestEncodeSaturatesAboveMax(t *testing.T) {
	t.Parallel()

	if got := EncodeU(MaxUtilisation * 10); got != maxPower {
		t.Fatalf("expected saturation to %d, got %d", maxPower, got)
	}
}

func TestEncodeZeroIsZero(t *testing.T) {
	t.Parallel()

	if got := EncodeU(0); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := DecodeU(0); got != 0 {
		t.Fatalf("expected decode(0)=0, got %f", got)
	}
}

func TestApproximateRoundTrip(t *testing.T) {
	t.Parallel()

	for _, u := range []float64{0.1, 0.5, 0.95, 1.0, 1.5, 2.0} {
		code := EncodeU(u)
		decoded := DecodeU(code)
		diff := decoded - u
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.05 {
			t.Fatalf("u=%f encoded/decoded to %f (code=%d), diff too large", u, decoded, code)
		}
	}
}
