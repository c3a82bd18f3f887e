package anomaly

import "math"

// behavioralWindow is how many recent scores the behavioral heuristic
// looks at; minBehavioralHistory is how many a session needs before the
// heuristic says anything at all.
const (
	behavioralWindow     = 10
	minBehavioralHistory = 3
)

// BehavioralScore turns a session's recent ML scores into a behavioral
// anomaly score in [0,1]. High variance means erratic probing; a high mean
// means sustained suspicion. Sessions with fewer than three requests score
// 0 because there is nothing to compare yet.
func BehavioralScore(mlScores []float64) float64 {
	if len(mlScores) < minBehavioralHistory {
		return 0
	}
	recent := mlScores
	if len(recent) > behavioralWindow {
		recent = recent[len(recent)-behavioralWindow:]
	}

	mean := 0.0
	for _, s := range recent {
		mean += s
	}
	mean /= float64(len(recent))

	variance := 0.0
	for _, s := range recent {
		diff := s - mean
		variance += diff * diff
	}
	variance /= float64(len(recent))

	return math.Min(1, variance*2+mean*0.5)
}
