// Package pint implements PINT's compressed single-value utilisation
// codec. PINT telemetry carries one byte per packet instead of per-hop
// INT records; receivers decode it back into an approximate utilisation
// value U that HPCC-PINT feeds through the same rate-update math as
// HPCC's aggregate mode.
//
// The codec is a log-domain quantiser: it trades precision evenly across
// the representable utilisation range rather than linearly, since
// congestion reactions are more sensitive to small utilisation values
// near 1.0 than to large ones.
package pint

import "math"

// MaxUtilisation bounds the utilisation values this codec can represent.
// Values above it saturate to the maximum code point.
const MaxUtilisation = 4.0

const maxPower = 255

var logRange = math.Log1p(MaxUtilisation)

// EncodeU quantises a utilisation value into a single byte.
func EncodeU(u float64) uint8 {
	if u <= 0 {
		return 0
	}
	if u > MaxUtilisation {
		u = MaxUtilisation
	}
	scaled := math.Log1p(u) / logRange
	code := math.Round(scaled * maxPower)
	if code < 0 {
		code = 0
	}
	if code > maxPower {
		code = maxPower
	}
	return uint8(code)
}

// DecodeU reconstructs an approximate utilisation value from a code
// produced by EncodeU.
func DecodeU(power uint8) float64 {
	scaled := float64(power) / maxPower
	return math.Expm1(scaled * logRange)
}
