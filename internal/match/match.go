package match

import (
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
)

// DefaultThreshold is the blended similarity a pair must exceed to count as the same person.
const DefaultThreshold = 0.5

const (
	minNorm     = 1e-6
	minGateNorm = 0.5
	maxGateNorm = 1.5
	minVariance = 1e-5
)

// Entry is one admitted identity in the matching set.
type Entry struct {
	EmployeeID string
	Name       string
	Embedding  types.Embedding
}

// Result is the outcome of a best-match scan.
type Result struct {
	EmployeeID string
	Name       string
	Similarity float64
}

// Matcher compares embeddings with a blended cosine/euclidean score.
type Matcher struct {
	Threshold float64
}

// New returns a Matcher using threshold, or DefaultThreshold when threshold is not positive.
func New(threshold float64) Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Compare reports whether a and b belong to the same person together with the
// blended similarity. Vectors of zero length or mismatched width never match.
func (m Matcher) Compare(a, b []float32) (bool, float64) {
	sim, ok := Similarity(a, b)
	if !ok {
		return false, 0
	}
	return sim > m.Threshold, sim
}

// BestMatch scans every entry and keeps the highest similarity that both
// matches and reaches floor. The scan is exhaustive.
func (m Matcher) BestMatch(e []float32, entries []Entry, floor float64) (Result, bool) {
	var best Result
	found := false
	for _, entry := range entries {
		isMatch, sim := m.Compare(e, entry.Embedding)
		if !isMatch || sim < floor {
			continue
		}
		if !found || sim > best.Similarity {
			best = Result{EmployeeID: entry.EmployeeID, Name: entry.Name, Similarity: sim}
			found = true
		}
	}
	return best, found
}

// Similarity computes 0.9*cos + 0.1*(0.8*cos + 0.2*(2-euclid)/2) on the
// normalised vectors. The second return value is false when either vector
// cannot be normalised.
func Similarity(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	na, ok := normalize64(a)
	if !ok {
		return 0, false
	}
	nb, ok := normalize64(b)
	if !ok {
		return 0, false
	}

	var dot, dist float64
	for i := range na {
		dot += na[i] * nb[i]
		d := na[i] - nb[i]
		dist += d * d
	}
	cos := clamp(dot, -1, 1)
	euclid := math.Sqrt(dist)

	blend := 0.8*cos + 0.2*(2-euclid)/2
	return clamp(0.9*cos+0.1*blend, -1, 1), true
}

// Cosine is the plain cosine similarity of a and b.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	na, ok := normalize64(a)
	if !ok {
		return 0, false
	}
	nb, ok := normalize64(b)
	if !ok {
		return 0, false
	}
	var dot float64
	for i := range na {
		dot += na[i] * nb[i]
	}
	return clamp(dot, -1, 1), true
}

// ValidEmbedding is the quality gate: finite values, norm within [0.5, 1.5]
// and enough variance to carry identity information.
func ValidEmbedding(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	var sum, sumSq float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		sum += f
		sumSq += f * f
	}
	norm := math.Sqrt(sumSq)
	if norm < minGateNorm || norm > maxGateNorm {
		return false
	}
	n := float64(len(v))
	mean := sum / n
	variance := sumSq/n - mean*mean
	return variance >= minVariance
}

// Prepare normalises a raw backend embedding and applies the quality gate.
// It returns nil when the vector is unusable.
func Prepare(raw []float32) types.Embedding {
	for _, x := range raw {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	}
	n, ok := normalize64(raw)
	if !ok {
		return nil
	}
	out := make(types.Embedding, len(n))
	for i, x := range n {
		out[i] = float32(x)
	}
	if !ValidEmbedding(out) {
		return nil
	}
	return out
}

func normalize64(v []float32) ([]float64, bool) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm <= minNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, false
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / norm
	}
	return out, true
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
