package models

import "testing"

func TestBandFor(t *testing.T) {
	tests := []struct {
		name       string
		confidence float32
		want       ConfidenceBand
	}{
		{"zero", 0, BandVeryLow},
		{"just below low", 0.39, BandVeryLow},
		{"low boundary", 0.4, BandLow},
		{"medium boundary", 0.6, BandMedium},
		{"high boundary", 0.8, BandHigh},
		{"very high boundary", 0.9, BandVeryHigh},
		{"one", 1.0, BandVeryHigh},
		{"clamped negative", -0.5, BandVeryLow},
		{"clamped above one", 1.7, BandVeryHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BandFor(tt.confidence); got != tt.want {
				t.Errorf("BandFor(%v) = %v, want %v", tt.confidence, got, tt.want)
			}
		})
	}
}

func TestOverallConfidence(t *testing.T) {
	tests := []struct {
		name          string
		intent        float32
		entity        float32
		entityDefined bool
		want          float32
	}{
		{"both defined", 0.8, 0.6, true, 0.7},
		{"entity undefined falls back to intent", 0.8, 0, false, 0.8},
		{"zero entity still counts when defined", 0.8, 0, true, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OverallConfidence(tt.intent, tt.entity, tt.entityDefined)
			if got != tt.want {
				t.Errorf("OverallConfidence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasEntities(t *testing.T) {
	if HasEntities(nil) {
		t.Error("nil map should have no entities")
	}
	if HasEntities(map[EntityKind][]string{EntityDate: {}}) {
		t.Error("empty group should not count")
	}
	if !HasEntities(map[EntityKind][]string{EntityDate: {"2024-05-03"}}) {
		t.Error("non-empty group should count")
	}
}
