package scoring

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

// distanceScores maps Mahalanobis distance to sub-score; values between
// breakpoints are interpolated linearly.
var distanceScores = []struct{ d, score float64 }{
	{1, 0},
	{2, 40},
	{3, 75},
	{4, 90},
	{5, 100},
}

// OutlierScorer measures how far the cluster's current multi-sensor state
// lies from its recent baseline, using the Mahalanobis distance so correlated
// sensors are not double counted.
type OutlierScorer struct {
	// Bucket is the width of the baseline sampling interval.
	Bucket time.Duration
	// MinSamples is the number of complete baseline vectors required.
	MinSamples int
	// Ridge is added to the covariance diagonal relative to each variance.
	Ridge float64
}

// NewOutlierScorer uses 5 minute buckets, 12 samples and a 1% ridge.
func NewOutlierScorer() *OutlierScorer {
	return &OutlierScorer{Bucket: 5 * time.Minute, MinSamples: 12, Ridge: 0.01}
}

func (s *OutlierScorer) Component() domain.Component { return domain.ComponentOutlier }

func (s *OutlierScorer) Score(ctx context.Context, w Window) domain.ComponentScore {
	none := domain.ComponentScore{Component: domain.ComponentOutlier}

	current := currentLevels(w.Readings)
	samples, dims := s.baselineVectors(w.Baseline, current)
	if len(dims) == 0 || len(samples) < s.MinSamples || len(samples) <= len(dims) {
		return none
	}
	if ctx.Err() != nil {
		return none
	}

	x := make([]float64, len(dims))
	var sensors []string
	for i, t := range dims {
		x[i] = current[t].value
		sensors = append(sensors, current[t].sensors...)
	}

	mean, cov := meanCovariance(samples)
	for i := range cov {
		floor := 0.01 * math.Max(math.Abs(mean[i]), 1)
		cov[i][i] += s.Ridge*cov[i][i] + floor*floor
	}
	inv, ok := invert(cov)
	if !ok {
		return none
	}

	d := mahalanobis(x, mean, inv)
	sort.Strings(sensors)
	return domain.ComponentScore{
		Component:  domain.ComponentOutlier,
		SubScore:   distanceToScore(d),
		Confidence: 0.5 + 0.5*clamp01(float64(len(samples)-s.MinSamples)/float64(s.MinSamples)),
		SensorIDs:  sensors,
	}
}

// baselineVectors buckets baseline readings and returns one vector per bucket
// that has a value for every sensor type present now.
func (s *OutlierScorer) baselineVectors(baseline []domain.SensorReading, current map[domain.SensorType]typeLevel) ([][]float64, []domain.SensorType) {
	dims := make([]domain.SensorType, 0, len(current))
	for _, t := range domain.SensorTypes {
		if _, ok := current[t]; ok {
			dims = append(dims, t)
		}
	}

	type acc struct{ sum, n float64 }
	buckets := make(map[time.Time]map[domain.SensorType]*acc)
	for _, r := range baseline {
		if _, ok := current[r.Type]; !ok {
			continue
		}
		key := r.Timestamp.Truncate(s.Bucket)
		b, ok := buckets[key]
		if !ok {
			b = make(map[domain.SensorType]*acc)
			buckets[key] = b
		}
		a, ok := b[r.Type]
		if !ok {
			a = &acc{}
			b[r.Type] = a
		}
		a.sum += r.Value
		a.n++
	}

	// Drop dimensions the baseline never saw; they cannot be compared.
	seen := make(map[domain.SensorType]bool)
	for _, b := range buckets {
		for t := range b {
			seen[t] = true
		}
	}
	kept := dims[:0]
	for _, t := range dims {
		if seen[t] {
			kept = append(kept, t)
		}
	}
	dims = kept

	keys := make([]time.Time, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	var samples [][]float64
	for _, k := range keys {
		b := buckets[k]
		vec := make([]float64, len(dims))
		complete := true
		for i, t := range dims {
			a, ok := b[t]
			if !ok {
				complete = false
				break
			}
			vec[i] = a.sum / a.n
		}
		if complete {
			samples = append(samples, vec)
		}
	}
	return samples, dims
}

func meanCovariance(samples [][]float64) ([]float64, [][]float64) {
	n := float64(len(samples))
	k := len(samples[0])
	mean := make([]float64, k)
	for _, s := range samples {
		for i, v := range s {
			mean[i] += v / n
		}
	}
	cov := make([][]float64, k)
	for i := range cov {
		cov[i] = make([]float64, k)
	}
	for _, s := range samples {
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				cov[i][j] += (s[i] - mean[i]) * (s[j] - mean[j]) / (n - 1)
			}
		}
	}
	return mean, cov
}

// invert returns the inverse of m by Gauss-Jordan elimination with partial pivoting.
func invert(m [][]float64) ([][]float64, bool) {
	k := len(m)
	aug := make([][]float64, k)
	for i := range m {
		aug[i] = make([]float64, 2*k)
		copy(aug[i], m[i])
		aug[i][k+i] = 1
	}
	for col := 0; col < k; col++ {
		pivot := col
		for r := col + 1; r < k; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(aug[pivot][col]) < 1e-15 {
			return nil, false
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]
		p := aug[col][col]
		for j := range aug[col] {
			aug[col][j] /= p
		}
		for r := 0; r < k; r++ {
			if r == col {
				continue
			}
			f := aug[r][col]
			for j := range aug[r] {
				aug[r][j] -= f * aug[col][j]
			}
		}
	}
	inv := make([][]float64, k)
	for i := range aug {
		inv[i] = aug[i][k:]
	}
	return inv, true
}

func mahalanobis(x, mean []float64, inv [][]float64) float64 {
	k := len(x)
	diff := make([]float64, k)
	for i := range x {
		diff[i] = x[i] - mean[i]
	}
	var sum float64
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			sum += diff[i] * inv[i][j] * diff[j]
		}
	}
	return math.Sqrt(math.Max(sum, 0))
}

func distanceToScore(d float64) float64 {
	first, last := distanceScores[0], distanceScores[len(distanceScores)-1]
	if d <= first.d {
		return first.score
	}
	if d >= last.d {
		return last.score
	}
	for i := 1; i < len(distanceScores); i++ {
		lo, hi := distanceScores[i-1], distanceScores[i]
		if d <= hi.d {
			return lo.score + (d-lo.d)/(hi.d-lo.d)*(hi.score-lo.score)
		}
	}
	return last.score
}
