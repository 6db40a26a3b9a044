package matching

import (
	"math"
	"sort"
	"time"
)

const (
	distanceDecayKm    = 20.0
	ageGapScale        = 20.0
	minAgeFactor       = 0.5
	maxFreshnessBoost  = 0.2
	freshnessWindowDay = 7
)

// ScoreInput gathers everything needed to score one candidate for one requester.
type ScoreInput struct {
	Preference         Vector
	Weights            Vector
	Candidate          Vector
	DistanceKm         *float64
	RequesterAge       *int
	CandidateAge       *int
	CandidateCreatedAt time.Time
}

// Kernel computes compatibility scores and the randomized re-ranking.
type Kernel struct {
	randomness float64
	rng        RandomSource
	now        func() time.Time
}

func NewKernel(randomnessFactor float64, rng RandomSource) *Kernel {
	return &Kernel{randomness: randomnessFactor, rng: rng, now: time.Now}
}

// WeightedSimilarity is 1 - weighted euclidean distance / sqrt(sum of
// weights), clamped to [0,1]. Zero total weight yields 1.
func WeightedSimilarity(a, b, weights Vector) float64 {
	n := min(len(a), len(b), len(weights))
	var sum, total float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += weights[i] * d * d
		total += weights[i]
	}
	if total <= 0 {
		return 1
	}
	return clamp(1-math.Sqrt(sum)/math.Sqrt(total), 0, 1)
}

func DistanceFactor(km float64) float64 {
	return math.Exp(-km / distanceDecayKm)
}

func AgeFactor(a, b int) float64 {
	diff := math.Abs(float64(a - b))
	return math.Max(minAgeFactor, 1-diff/ageGapScale)
}

// FreshnessBoost favours profiles created less than a week ago. Age is
// counted in whole days.
func (k *Kernel) FreshnessBoost(createdAt time.Time) float64 {
	days := int(k.now().Sub(createdAt).Hours() / 24)
	if days < 0 {
		days = 0
	}
	if days >= freshnessWindowDay {
		return 0
	}
	return maxFreshnessBoost * (1 - float64(days)/freshnessWindowDay)
}

// Score combines similarity, the distance and age penalties and the
// freshness boost into a value in [0,1].
func (k *Kernel) Score(in ScoreInput) float64 {
	score := WeightedSimilarity(in.Preference, in.Candidate, in.Weights)
	if in.DistanceKm != nil {
		score *= DistanceFactor(*in.DistanceKm)
	}
	if in.RequesterAge != nil && in.CandidateAge != nil {
		score *= AgeFactor(*in.RequesterAge, *in.CandidateAge)
	}
	score += k.FreshnessBoost(in.CandidateCreatedAt)
	return clamp(score, 0, 1)
}

// Rerank perturbs every score by U[-f, f], clamps to [0,1] and sorts
// descending. The candidates are modified in place.
func (k *Kernel) Rerank(candidates []*ScoredCandidate) {
	if k.randomness > 0 && k.rng != nil {
		for _, c := range candidates {
			noise := (k.rng.Float64() - 0.5) * 2 * k.randomness
			c.CompatibilityScore = clamp(c.CompatibilityScore+noise, 0, 1)
		}
	}
	SortByScore(candidates)
}

// SortByScore orders candidates by descending score; equal scores keep
// their relative order.
func SortByScore(candidates []*ScoredCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CompatibilityScore > candidates[j].CompatibilityScore
	})
}
