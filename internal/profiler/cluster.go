package profiler

import "math"

const (
	clusterEps     = 0.5
	clusterMinPts  = 2
	clusterNoiseID = -1
)

// ClusterProfiles groups similar sessions with density-based clustering over
// normalized behavior vectors and writes the cluster ID back onto each
// profile. Noise points keep -1. Fewer than three profiles are left alone.
func ClusterProfiles(profiles []*Profile) {
	if len(profiles) < 3 {
		return
	}

	vectors := make([][]float64, len(profiles))
	for i, p := range profiles {
		vectors[i] = []float64{
			float64(p.ActionCount),
			p.SophisticationScore,
			p.DurationSeconds,
			float64(p.UniqueEndpoints),
			float64(len(p.TTPs)),
		}
	}
	normalize(vectors)

	labels := dbscan(vectors, clusterEps, clusterMinPts)
	for i, p := range profiles {
		p.ClusterID = labels[i]
	}
}

func normalize(vectors [][]float64) {
	if len(vectors) == 0 {
		return
	}
	dims := len(vectors[0])
	means := make([]float64, dims)
	stds := make([]float64, dims)

	for _, v := range vectors {
		for d, x := range v {
			means[d] += x
		}
	}
	n := float64(len(vectors))
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
	}

	for _, v := range vectors {
		for d := range v {
			v[d] = (v[d] - means[d]) / (stds[d] + 1e-8)
		}
	}
}

// dbscan labels each point with a cluster ID or -1 for noise.
func dbscan(points [][]float64, eps float64, minPts int) []int {
	const unvisited = -2
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		neighbors := rangeQuery(points, i, eps)
		if len(neighbors) < minPts {
			labels[i] = clusterNoiseID
			continue
		}

		labels[i] = cluster
		for qi := 0; qi < len(neighbors); qi++ {
			q := neighbors[qi]
			if labels[q] == clusterNoiseID {
				labels[q] = cluster
			}
			if labels[q] != unvisited {
				continue
			}
			labels[q] = cluster
			qNeighbors := rangeQuery(points, q, eps)
			if len(qNeighbors) >= minPts {
				neighbors = append(neighbors, qNeighbors...)
			}
		}
		cluster++
	}
	return labels
}

func rangeQuery(points [][]float64, i int, eps float64) []int {
	var out []int
	for j := range points {
		if euclidean(points[i], points[j]) <= eps {
			out = append(out, j)
		}
	}
	return out
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for d := range a {
		diff := a[d] - b[d]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
