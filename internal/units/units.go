// Package units provides shared distance and speed conversions.
// The store keeps distances in miles (provider odometers report miles) and
// the reconstructor works in kilometres, so the conversion lives in one place.
package units

const (
	// MetersPerMile is the exact statute mile.
	MetersPerMile = 1609.344
	// MetersPerKm is a kilometre in metres.
	MetersPerKm = 1000.0
)

// KmToMiles converts kilometres to miles.
func KmToMiles(km float64) float64 {
	return km * MetersPerKm / MetersPerMile
}

// MilesToKm converts miles to kilometres.
func MilesToKm(mi float64) float64 {
	return mi * MetersPerMile / MetersPerKm
}

// MetersToMiles converts metres to miles.
func MetersToMiles(m float64) float64 {
	return m / MetersPerMile
}

// MetersToKm converts metres to kilometres.
func MetersToKm(m float64) float64 {
	return m / MetersPerKm
}

// KmhFromMeters returns the average speed in km/h for a displacement in
// metres over the given number of seconds. Returns 0 for a non-positive
// elapsed time rather than dividing by zero.
func KmhFromMeters(meters, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return (meters / MetersPerKm) / (seconds / 3600.0)
}
