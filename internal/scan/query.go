package scan

import "math"

// DefaultToleranceDeg is the default angular tolerance for Nearest
const DefaultToleranceDeg = 2.0

// NearestSample returns the sample closest in bearing to targetDeg, along with
// its circular distance. Samples further than toleranceDeg are ignored; on
// equal distance the earlier sample in the snapshot wins.
func NearestSample(snap Snapshot, targetDeg, toleranceDeg float64) (Sample, float64, bool) {
	if !Finite(targetDeg, toleranceDeg) || toleranceDeg < 0 {
		return Sample{}, 0, false
	}

	target := Normalize(targetDeg)
	best := -1
	bestDiff := 0.0

	for i, s := range snap.Samples {
		diff := CircularDistance(s.AngleDeg, target)
		if !(diff <= toleranceDeg) {
			continue
		}
		if best < 0 || diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}

	if best < 0 {
		return Sample{}, 0, false
	}
	return snap.Samples[best], bestDiff, true
}

// Nearest returns the distance in metres of the sample closest to targetDeg
func Nearest(snap Snapshot, targetDeg, toleranceDeg float64) (float64, bool) {
	s, _, ok := NearestSample(snap, targetDeg, toleranceDeg)
	if !ok {
		return 0, false
	}
	return s.DistanceM, true
}

// BucketedMinima partitions [start, end) into buckets of stepDeg and returns the
// closest distance seen in each bucket, keyed by bucket centre in [0, 360).
//
// The range wraps past 360 when end < start, and start == end covers the full
// circle. A sample belongs to the nearest centre if it is strictly within
// stepDeg/2 of it. Buckets without samples are absent.
func BucketedMinima(snap Snapshot, startDeg, endDeg, stepDeg float64) map[float64]float64 {
	out := make(map[float64]float64)
	if !Finite(startDeg, endDeg, stepDeg) || stepDeg <= 0 {
		return out
	}

	start := Normalize(startDeg)
	end := Normalize(endDeg)

	span := end - start
	if span <= 0 {
		span += 360
	}

	n := int(math.Ceil(span/stepDeg - 1e-9))
	if n < 1 {
		n = 1
	}

	center := func(i int) float64 {
		return Normalize(start + float64(i)*stepDeg)
	}
	half := stepDeg / 2

	for _, s := range snap.Samples {
		offset := Normalize(s.AngleDeg - start)
		base := int(math.Floor(offset / stepDeg))

		best := -1
		bestDiff := math.Inf(1)
		for _, i := range [...]int{base, base + 1, 0, n - 1} {
			if i < 0 || i >= n {
				continue
			}
			d := CircularDistance(s.AngleDeg, center(i))
			if d < bestDiff || (d == bestDiff && i < best) {
				best = i
				bestDiff = d
			}
		}

		if best < 0 || bestDiff >= half {
			continue
		}

		c := center(best)
		if cur, ok := out[c]; !ok || s.DistanceM < cur {
			out[c] = s.DistanceM
		}
	}

	return out
}
