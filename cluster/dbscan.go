// Package cluster implements the clusterer (C2): DBSCAN with automatic
// epsilon selection over either a precomputed distance matrix or a feature
// matrix (hash2vec), built on top of github.com/mpraski/clusters' DBSCAN
// implementation.
package cluster

import (
	"math"
	"sort"

	"github.com/mpraski/clusters"

	"github.com/arborcrawl/statescan"
)

// MinSamples is DBSCAN's minPts parameter. The spec fixes it at 1: every
// point is its own core point candidate, matching the original's behavior
// of never discarding a peer-group member as noise outright.
const MinSamples = 1

// Result is the outcome of a single Cluster call: k distinct cluster labels
// were assigned, and labels[i] == -1 marks point i as noise.
type Result struct {
	K      int
	Labels []int
}

// Cluster runs DBSCAN over a feature matrix (rows are points) using
// Euclidean distance between rows, selecting epsilon automatically via
// strategy. This is the hash2vec path (§4.2b).
func Cluster(points [][]float64, strategy statescan.EPSStrategy) (Result, error) {
	return clusterWithDistance(points, strategy, euclidean)
}

// ClusterByDistanceMatrix runs DBSCAN over an arbitrary precomputed distance
// matrix, by embedding each point's index as a singleton feature vector and
// looking the real distance up in the closure below. The index column is
// min-max scaled to i/(n-1) like any other input, so the closure maps it back
// to i; the looked-up distances are divided by the largest pairwise distance
// so they lie in [0,1] as well. This is how any of the
// non-hash2vec distance types (tlsh, levenshtein, ...) get to ride the same
// DBSCAN engine as hash2vec (§4.2a).
func ClusterByDistanceMatrix(n int, dist func(i, j int) float64, strategy statescan.EPSStrategy) (Result, error) {
	if n == 1 {
		return Result{K: 0, Labels: []int{-1}}, nil
	}
	points := make([][]float64, n)
	for i := range points {
		points[i] = []float64{float64(i)}
	}
	maxDist := 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			maxDist = math.Max(maxDist, dist(i, j))
		}
	}
	indexOf := func(scaled float64) int {
		return int(math.Round(scaled * float64(n-1)))
	}
	indexDistance := func(a, b []float64) float64 {
		d := dist(indexOf(a[0]), indexOf(b[0]))
		if maxDist > 0 {
			d /= maxDist
		}
		return d
	}
	return clusterWithDistance(points, strategy, indexDistance)
}

func clusterWithDistance(points [][]float64, strategy statescan.EPSStrategy, distFn clusters.DistanceFunc) (Result, error) {
	if len(points) == 1 {
		return Result{K: 0, Labels: []int{-1}}, nil
	}

	scaled := minMaxScale(points)

	eps, err := selectEPS(scaled, distFn, strategy)
	if err != nil {
		return Result{}, err
	}
	result, err := runDBSCAN(scaled, distFn, eps)
	if err != nil {
		return Result{}, err
	}
	// With MinSamples = 1 a point with no neighbor within eps is a cluster of
	// its own, so any point the library left as noise gets a fresh label.
	next := 0
	for _, l := range result.Labels {
		if l >= next {
			next = l + 1
		}
	}
	for i, l := range result.Labels {
		if l < 0 {
			result.Labels[i] = next
			next++
			result.K++
		}
	}
	return result, nil
}

func runDBSCAN(points [][]float64, distFn clusters.DistanceFunc, eps float64) (Result, error) {
	c, err := clusters.DBSCAN(MinSamples, eps, len(points), distFn)
	if err != nil {
		return Result{}, err
	}
	if err := c.Learn(points); err != nil {
		return Result{}, err
	}
	labels := c.Guesses()

	seen := map[int]bool{}
	for _, l := range labels {
		if l >= 0 {
			seen[l] = true
		}
	}
	return Result{K: len(seen), Labels: labels}, nil
}

// euclidean is the distance function used for the hash2vec feature-matrix
// path.
func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// minMaxScale scales every column of points into [0,1] independently, per
// §4.2's "all inputs are min-max scaled before clustering" rule.
func minMaxScale(points [][]float64) [][]float64 {
	if len(points) == 0 {
		return points
	}
	dims := len(points[0])
	mins := make([]float64, dims)
	maxs := make([]float64, dims)
	for d := 0; d < dims; d++ {
		mins[d] = math.Inf(1)
		maxs[d] = math.Inf(-1)
	}
	for _, p := range points {
		for d := 0; d < dims; d++ {
			if p[d] < mins[d] {
				mins[d] = p[d]
			}
			if p[d] > maxs[d] {
				maxs[d] = p[d]
			}
		}
	}
	out := make([][]float64, len(points))
	for i, p := range points {
		row := make([]float64, dims)
		for d := 0; d < dims; d++ {
			span := maxs[d] - mins[d]
			if span == 0 {
				row[d] = 0
				continue
			}
			row[d] = (p[d] - mins[d]) / span
		}
		out[i] = row
	}
	return out
}

func selectEPS(points [][]float64, distFn clusters.DistanceFunc, strategy statescan.EPSStrategy) (float64, error) {
	switch strategy {
	case statescan.EPSInfinitesimal:
		return 1e-9, nil
	case statescan.EPSKnee, statescan.EPSKneedLib:
		return kneeEPS(points, distFn), nil
	case statescan.EPSSilhouette:
		fallthrough
	default:
		return silhouetteEPS(points, distFn), nil
	}
}

// silhouetteEPS sweeps epsilon over {0.1*m | m in 2..9}, picking the value
// that maximizes the mean silhouette score, ties broken toward the smaller
// epsilon (§4.2). Neither DBSCAN nor silhouette scoring parameter search
// ships as a reusable Go package in the retrieved corpus, so the sweep and
// the scoring formula are hand-rolled here, driving repeated calls into
// mpraski/clusters' DBSCAN rather than reimplementing density clustering
// itself (see DESIGN.md).
func silhouetteEPS(points [][]float64, distFn clusters.DistanceFunc) float64 {
	bestEPS := 0.2
	bestScore := math.Inf(-1)
	for m := 2; m <= 9; m++ {
		eps := 0.1 * float64(m)
		result, err := runDBSCAN(points, distFn, eps)
		if err != nil {
			continue
		}
		score := silhouetteScore(points, distFn, result.Labels)
		if score > bestScore {
			bestScore = score
			bestEPS = eps
		}
	}
	return bestEPS
}

// silhouetteScore computes the mean silhouette coefficient over non-noise
// points; a labeling with fewer than two clusters (or consisting only of
// noise) scores -1 so the sweep prefers any finer labeling it can find.
func silhouetteScore(points [][]float64, distFn clusters.DistanceFunc, labels []int) float64 {
	clusterOf := map[int][]int{}
	for i, l := range labels {
		if l >= 0 {
			clusterOf[l] = append(clusterOf[l], i)
		}
	}
	if len(clusterOf) < 2 {
		return -1
	}

	var total float64
	var count int
	for i, li := range labels {
		if li < 0 {
			continue
		}
		a := meanDistanceWithin(points, distFn, i, clusterOf[li])
		b := math.Inf(1)
		for lj, members := range clusterOf {
			if lj == li {
				continue
			}
			d := meanDistanceWithin(points, distFn, i, members)
			if d < b {
				b = d
			}
		}
		s := 0.0
		switch {
		case a < b:
			s = 1 - a/b
		case a > b:
			s = b/a - 1
		}
		total += s
		count++
	}
	if count == 0 {
		return -1
	}
	return total / float64(count)
}

func meanDistanceWithin(points [][]float64, distFn clusters.DistanceFunc, i int, members []int) float64 {
	var sum float64
	var n int
	for _, j := range members {
		if j == i {
			continue
		}
		sum += distFn(points[i], points[j])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// kneeEPS implements the sorted-2-NN-distance knee/kneedle detection: the
// epsilon where the second difference of the sorted nearest-neighbor
// distance curve is maximal, minus a small margin to stay below the
// threshold (§4.2). Like silhouetteEPS, this numeric recipe has no Go
// package in the corpus and is hand-rolled (DESIGN.md).
func kneeEPS(points [][]float64, distFn clusters.DistanceFunc) float64 {
	n := len(points)
	if n < 3 {
		return 1e-9
	}
	nn := make([]float64, n)
	for i := range points {
		best := math.Inf(1)
		for j := range points {
			if i == j {
				continue
			}
			d := distFn(points[i], points[j])
			if d < best {
				best = d
			}
		}
		nn[i] = best
	}
	sort.Float64s(nn)

	bestIdx := 0
	bestCurvature := math.Inf(-1)
	for i := 1; i < len(nn)-1; i++ {
		curvature := nn[i+1] - 2*nn[i] + nn[i-1]
		if curvature > bestCurvature {
			bestCurvature = curvature
			bestIdx = i
		}
	}
	eps := nn[bestIdx] - 1e-4
	if eps < 0 {
		eps = 1e-9
	}
	return eps
}
