package verification

// ScoreMatch maps an embedding distance onto a match confidence. Below the threshold it
// decays linearly from 1.0 at distance 0 towards 0.5; at or beyond the threshold it is 0.
func ScoreMatch(distance, threshold float64) float64 {
	if distance >= threshold {
		return 0.0
	}
	return clamp(1.0-(distance/threshold)*0.5, 0.0, 1.0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
