package models

// ConfidenceBand is a coarse bucketing of a scalar confidence in [0,1].
type ConfidenceBand string

const (
	BandVeryLow  ConfidenceBand = "very_low"
	BandLow      ConfidenceBand = "low"
	BandMedium   ConfidenceBand = "medium"
	BandHigh     ConfidenceBand = "high"
	BandVeryHigh ConfidenceBand = "very_high"
)

func (b ConfidenceBand) String() string { return string(b) }

// BandFor buckets a confidence value. Boundaries are half-open at the low
// end of each band: 0.8 lands in High, 0.9 in VeryHigh. Out-of-range values
// are clamped into [0,1] first.
func BandFor(confidence float32) ConfidenceBand {
	c := confidence
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	switch {
	case c < 0.4:
		return BandVeryLow
	case c < 0.6:
		return BandLow
	case c < 0.8:
		return BandMedium
	case c < 0.9:
		return BandHigh
	default:
		return BandVeryHigh
	}
}

// ClampConfidence forces a confidence into [0,1].
func ClampConfidence(c float32) float32 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
