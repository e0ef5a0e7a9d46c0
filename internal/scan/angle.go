package scan

import "math"

// Normalize maps an angle in degrees to [0, 360)
func Normalize(deg float64) float64 {
	a := math.Mod(deg, 360)
	if a < 0 {
		a += 360
	}
	// -1e-15 + 360 rounds up to 360
	if a >= 360 {
		a = 0
	}
	return a
}

// WrapSigned maps an angle in degrees to (-180, 180]
func WrapSigned(deg float64) float64 {
	a := Normalize(deg)
	if a > 180 {
		a -= 360
	}
	return a
}

// CircularDistance returns the shortest separation between two bearings, in [0, 180]
func CircularDistance(a, b float64) float64 {
	d := math.Abs(Normalize(a) - Normalize(b))
	return math.Min(d, 360-d)
}

// Finite reports whether every value is a finite number
func Finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
