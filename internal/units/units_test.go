package units

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDistanceConversions(t *testing.T) {
	if got := KmToMiles(1.609344); !almostEqual(got, 1.0) {
		t.Errorf("KmToMiles(1.609344) = %v, want 1", got)
	}
	if got := MilesToKm(1); !almostEqual(got, 1.609344) {
		t.Errorf("MilesToKm(1) = %v, want 1.609344", got)
	}
	if got := MetersToMiles(MetersPerMile); !almostEqual(got, 1.0) {
		t.Errorf("MetersToMiles(%v) = %v, want 1", MetersPerMile, got)
	}
	if got := MetersToKm(2500); !almostEqual(got, 2.5) {
		t.Errorf("MetersToKm(2500) = %v, want 2.5", got)
	}

	// Round trip should be lossless to float precision.
	if got := MilesToKm(KmToMiles(7.3)); !almostEqual(got, 7.3) {
		t.Errorf("round trip = %v, want 7.3", got)
	}
}

func TestKmhFromMeters(t *testing.T) {
	// 1km in one minute is 60 km/h.
	if got := KmhFromMeters(1000, 60); !almostEqual(got, 60) {
		t.Errorf("KmhFromMeters(1000, 60) = %v, want 60", got)
	}
	if got := KmhFromMeters(500, 0); got != 0 {
		t.Errorf("KmhFromMeters with zero elapsed = %v, want 0", got)
	}
	if got := KmhFromMeters(500, -10); got != 0 {
		t.Errorf("KmhFromMeters with negative elapsed = %v, want 0", got)
	}
}
