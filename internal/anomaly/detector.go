// Package anomaly scores feature vectors with an unsupervised isolation
// forest and derives per-session behavioral scores from recent history.
// Scoring is best-effort by contract: an unfitted detector returns 0 and
// never fails a request.
package anomaly

import (
	"math"
	"math/rand"

	"github.com/cerberus-defense/cerberus/internal/features"
)

const (
	defaultTrees     = 100
	defaultSubsample = 256
	trainingSamples  = 1000
	fitSeed          = 42

	// DefaultPOIThreshold marks the score at which a request becomes a
	// person of interest.
	DefaultPOIThreshold = 0.75
)

// Detector maps a 102-feature vector to an anomaly score in [0,1] where 1
// is highly anomalous. The model is fitted once at construction; Score is
// pure and safe for concurrent use.
type Detector struct {
	forest    *isolationForest
	means     []float64
	stds      []float64
	names     []string
	threshold float64
}

// NewDetector fits the scorer on a seeded synthetic benign corpus, so every
// process computes an identical model. Threshold <= 0 selects the default.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultPOIThreshold
	}

	rng := rand.New(rand.NewSource(fitSeed))
	corpus := syntheticCorpus(trainingSamples, rng)
	names := features.Names()

	vectors := make([][]float64, len(corpus))
	for i, f := range corpus {
		vectors[i] = vectorize(f, names)
	}

	means, stds := fitScaler(vectors)
	scaled := make([][]float64, len(vectors))
	for i, v := range vectors {
		scaled[i] = standardize(v, means, stds)
	}

	return &Detector{
		forest:    newIsolationForest(scaled, defaultTrees, defaultSubsample, rng),
		means:     means,
		stds:      stds,
		names:     names,
		threshold: threshold,
	}
}

// Score returns (anomaly score, is_anomaly). A nil or unfitted detector
// scores 0; inspection falls back to rule signal alone.
func (d *Detector) Score(f map[string]float64) (float64, bool) {
	if d == nil || d.forest == nil {
		return 0, false
	}

	x := standardize(vectorize(f, d.names), d.means, d.stds)

	// s in (0,1]; mirror the score_samples convention where negative
	// means anomalous, then fold into [0,1].
	s := d.forest.anomalyScore(x)
	iso := -s
	score := (1 - iso) / 2
	score = math.Max(0, math.Min(1, score))

	return score, score >= d.threshold
}

// Threshold returns the POI boundary the detector was built with.
func (d *Detector) Threshold() float64 {
	if d == nil {
		return DefaultPOIThreshold
	}
	return d.threshold
}

// ModelInfo describes the fitted model for health endpoints.
func (d *Detector) ModelInfo() map[string]any {
	if d == nil || d.forest == nil {
		return map[string]any{"model_type": "IsolationForest", "model_loaded": false}
	}
	return map[string]any{
		"model_type":    "IsolationForest",
		"n_estimators":  len(d.forest.trees),
		"poi_threshold": d.threshold,
		"feature_count": len(d.names),
		"model_loaded":  true,
	}
}

// vectorize orders a feature map by the frozen name list; missing names
// read 0.
func vectorize(f map[string]float64, names []string) []float64 {
	x := make([]float64, len(names))
	for i, name := range names {
		x[i] = f[name]
	}
	return x
}

func fitScaler(vectors [][]float64) (means, stds []float64) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dims := len(vectors[0])
	means = make([]float64, dims)
	stds = make([]float64, dims)
	n := float64(len(vectors))

	for _, v := range vectors {
		for d, x := range v {
			means[d] += x
		}
	}
	for d := range means {
		means[d] /= n
	}
	for _, v := range vectors {
		for d, x := range v {
			diff := x - means[d]
			stds[d] += diff * diff
		}
	}
	for d := range stds {
		stds[d] = math.Sqrt(stds[d] / n)
		if stds[d] == 0 {
			// Constant feature; leave it unscaled like StandardScaler.
			stds[d] = 1
		}
	}
	return means, stds
}

func standardize(v, means, stds []float64) []float64 {
	out := make([]float64, len(v))
	for d, x := range v {
		out[d] = (x - means[d]) / stds[d]
	}
	return out
}
