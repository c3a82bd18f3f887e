package anomaly

import (
	"math"
	"math/rand"
)

// isolationForest is a plain implementation of the Liu/Ting/Zhou algorithm:
// random axis-aligned splits isolate outliers in short paths. Scoring maps
// the average path length E[h] to s = 2^(-E[h]/c(psi)); s >= 0.5 means the
// point isolates faster than an average training point.
type isolationForest struct {
	trees     []*isoNode
	subsample int
	avgPath   float64
}

type isoNode struct {
	feature   int
	threshold float64
	left      *isoNode
	right     *isoNode
	size      int // leaf only
}

func newIsolationForest(data [][]float64, nTrees, subsample int, rng *rand.Rand) *isolationForest {
	if subsample > len(data) {
		subsample = len(data)
	}
	limit := int(math.Ceil(math.Log2(float64(subsample))))

	f := &isolationForest{
		subsample: subsample,
		avgPath:   cFactor(subsample),
	}
	for i := 0; i < nTrees; i++ {
		perm := rng.Perm(len(data))
		sample := make([][]float64, subsample)
		for j := 0; j < subsample; j++ {
			sample[j] = data[perm[j]]
		}
		f.trees = append(f.trees, buildIsoTree(sample, 0, limit, rng))
	}
	return f
}

func buildIsoTree(points [][]float64, depth, limit int, rng *rand.Rand) *isoNode {
	if depth >= limit || len(points) <= 1 {
		return &isoNode{feature: -1, size: len(points)}
	}

	// Only features that still vary in this node can split it.
	dims := len(points[0])
	splittable := make([]int, 0, dims)
	mins := make([]float64, dims)
	maxs := make([]float64, dims)
	for d := 0; d < dims; d++ {
		mins[d], maxs[d] = points[0][d], points[0][d]
		for _, p := range points[1:] {
			if p[d] < mins[d] {
				mins[d] = p[d]
			}
			if p[d] > maxs[d] {
				maxs[d] = p[d]
			}
		}
		if maxs[d] > mins[d] {
			splittable = append(splittable, d)
		}
	}
	if len(splittable) == 0 {
		return &isoNode{feature: -1, size: len(points)}
	}

	d := splittable[rng.Intn(len(splittable))]
	threshold := mins[d] + rng.Float64()*(maxs[d]-mins[d])

	var left, right [][]float64
	for _, p := range points {
		if p[d] < threshold {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		// Degenerate threshold; give up on this branch.
		return &isoNode{feature: -1, size: len(points)}
	}

	return &isoNode{
		feature:   d,
		threshold: threshold,
		left:      buildIsoTree(left, depth+1, limit, rng),
		right:     buildIsoTree(right, depth+1, limit, rng),
	}
}

// anomalyScore returns s(x) in (0, 1]: ~0.5 for average points, toward 1
// for points that isolate early, toward 0 for points in dense regions.
func (f *isolationForest) anomalyScore(x []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	total := 0.0
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/f.avgPath)
}

func pathLength(n *isoNode, x []float64, depth float64) float64 {
	if n.feature < 0 {
		return depth + cFactor(n.size)
	}
	if x[n.feature] < n.threshold {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

const eulerGamma = 0.5772156649

// cFactor is the average path length of an unsuccessful BST search over n
// nodes, the normalization constant of the iforest paper.
func cFactor(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}
