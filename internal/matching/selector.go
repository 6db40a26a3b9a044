package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/maxg56/matcha/internal/cache"
	"github.com/maxg56/matcha/internal/common/logging"
	"github.com/maxg56/matcha/internal/common/utils"
)

const defaultRequesterAge = 25

// AgeRange bounds candidate ages inclusively.
type AgeRange struct {
	Min int `json:"min_age" validate:"gte=18,lte=120"`
	Max int `json:"max_age" validate:"gtefield=Min,lte=120"`
}

// SelectParams are the caller-tunable knobs of a candidate search. Zero
// values fall back to configured defaults.
type SelectParams struct {
	Limit         int       `json:"limit" validate:"gte=0"`
	MaxDistanceKm *float64  `json:"max_distance_km,omitempty" validate:"omitempty,gt=0"`
	AgeRange      *AgeRange `json:"age_range,omitempty" validate:"omitempty"`
}

// Fingerprint identifies a resolved parameter set in cache keys.
func (p SelectParams) Fingerprint() string {
	dist, ages := "none", "default"
	if p.MaxDistanceKm != nil {
		dist = strconv.FormatFloat(*p.MaxDistanceKm, 'f', -1, 64)
	}
	if p.AgeRange != nil {
		ages = fmt.Sprintf("%d-%d", p.AgeRange.Min, p.AgeRange.Max)
	}
	return cache.Fingerprint("limit="+strconv.Itoa(p.Limit), "distance="+dist, "ages="+ages)
}

// SelectorConfig carries the configured selection bounds.
type SelectorConfig struct {
	MaxAgeDifference     int
	DefaultLimit         int
	MaxLimit             int
	DefaultMaxDistanceKm float64
	MaxDistanceKm        float64
	CandidatePoolSize    int
	VectorTTL            time.Duration
}

// CandidateSelector builds, scores and ranks the candidate pool.
type CandidateSelector struct {
	repo    Repository
	learner *PreferenceLearner
	encoder *Encoder
	kernel  *Kernel
	cache   cache.Cache
	cfg     SelectorConfig
}

func NewCandidateSelector(repo Repository, learner *PreferenceLearner, encoder *Encoder, kernel *Kernel, c cache.Cache, cfg SelectorConfig) *CandidateSelector {
	if c == nil {
		c = cache.Nop{}
	}
	return &CandidateSelector{
		repo:    repo,
		learner: learner,
		encoder: encoder,
		kernel:  kernel,
		cache:   c,
		cfg:     cfg,
	}
}

// Resolve validates params and fills in defaults. Invalid input is reported
// as ErrInvalidArgument before any store access.
func (s *CandidateSelector) Resolve(params SelectParams) (SelectParams, error) {
	if err := utils.ValidateStruct(params); err != nil {
		return params, invalidArgument("%v", err)
	}

	if params.Limit == 0 {
		params.Limit = s.cfg.DefaultLimit
	}
	if params.Limit > s.cfg.MaxLimit {
		return params, invalidArgument("limit must be at most %d", s.cfg.MaxLimit)
	}

	if params.MaxDistanceKm == nil && s.cfg.DefaultMaxDistanceKm > 0 {
		d := s.cfg.DefaultMaxDistanceKm
		params.MaxDistanceKm = &d
	}
	if params.MaxDistanceKm != nil && *params.MaxDistanceKm > s.cfg.MaxDistanceKm {
		return params, invalidArgument("max distance must be at most %g km", s.cfg.MaxDistanceKm)
	}
	return params, nil
}

// Select returns up to params.Limit scored candidates for userID, best first.
func (s *CandidateSelector) Select(ctx context.Context, userID int64, params SelectParams) ([]*ScoredCandidate, error) {
	params, err := s.Resolve(params)
	if err != nil {
		return nil, err
	}

	requester, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	pref, err := s.learner.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	excluded, err := s.exclusions(ctx, userID)
	if err != nil {
		return nil, err
	}

	minAge, maxAge := s.ageBounds(requester, params.AgeRange)
	query := &CandidateQuery{
		UserID:        userID,
		Gender:        requester.Gender,
		SexPref:       requester.SexPref,
		MinAge:        minAge,
		MaxAge:        maxAge,
		Latitude:      requester.Latitude,
		Longitude:     requester.Longitude,
		MaxDistanceKm: params.MaxDistanceKm,
		Exclude:       excluded,
		Limit:         s.cfg.CandidatePoolSize,
	}

	profiles, err := s.repo.FindCandidates(ctx, query)
	if err != nil {
		return nil, err
	}

	weights := s.encoder.DimensionWeights(pref.AttributeWeights)
	scored := make([]*ScoredCandidate, 0, len(profiles))
	for _, candidate := range profiles {
		if excluded.Contains(uint64(candidate.ID)) {
			continue
		}

		distance := ProfileDistanceKm(requester, candidate)
		score := s.kernel.Score(ScoreInput{
			Preference:         pref.Vector,
			Weights:            weights,
			Candidate:          s.vectorFor(ctx, candidate),
			DistanceKm:         distance,
			RequesterAge:       requester.Age,
			CandidateAge:       candidate.Age,
			CandidateCreatedAt: candidate.CreatedAt,
		})
		RecordCompatibilityScore(score)
		scored = append(scored, newScoredCandidate(candidate, score, distance))
	}

	SortByScore(scored)
	s.kernel.Rerank(scored)

	if len(scored) > params.Limit {
		scored = scored[:params.Limit]
	}
	for _, c := range scored {
		c.CompatibilityScore = round(c.CompatibilityScore, 3)
	}

	logging.Ctx(ctx).Debug().
		Int64("user_id", userID).
		Int("pool", len(profiles)).
		Int("excluded", int(excluded.GetCardinality())).
		Int("returned", len(scored)).
		Msg("candidates selected")
	return scored, nil
}

// exclusions collects users the requester already interacted with and users
// who blocked the requester.
func (s *CandidateSelector) exclusions(ctx context.Context, userID int64) (*roaring64.Bitmap, error) {
	interacted, err := s.repo.ListInteractedIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	blockers, err := s.repo.ListBlockerIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	excluded := roaring64.New()
	for _, id := range interacted {
		excluded.Add(uint64(id))
	}
	for _, id := range blockers {
		excluded.Add(uint64(id))
	}
	return excluded, nil
}

func (s *CandidateSelector) ageBounds(requester *UserProfile, explicit *AgeRange) (int, int) {
	if explicit != nil {
		return explicit.Min, explicit.Max
	}
	age := defaultRequesterAge
	if requester.Age != nil {
		age = *requester.Age
	}
	return max(minAge, age-s.cfg.MaxAgeDifference), min(maxAge, age+s.cfg.MaxAgeDifference)
}

// vectorFor encodes a candidate, going through the vector cache.
func (s *CandidateSelector) vectorFor(ctx context.Context, p *UserProfile) Vector {
	key := cache.VectorKey(p.ID)
	v, err := cache.GetJSON[Vector](ctx, s.cache, key)
	if err == nil && len(v) == s.encoder.Dimensions() {
		RecordCacheLookup(cache.NamespaceVector, cacheHit)
		return v
	}
	if err == nil || errors.Is(err, cache.ErrMiss) {
		RecordCacheLookup(cache.NamespaceVector, cacheMiss)
	} else {
		RecordCacheLookup(cache.NamespaceVector, cacheError)
		logging.Ctx(ctx).Debug().Err(err).Int64("user_id", p.ID).Msg("vector cache read failed")
	}

	v = s.encoder.Encode(p)
	if err := cache.SetJSON(ctx, s.cache, key, v, s.cfg.VectorTTL); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Int64("user_id", p.ID).Msg("vector cache write failed")
	}
	return v
}

func newScoredCandidate(p *UserProfile, score float64, distance *float64) *ScoredCandidate {
	c := &ScoredCandidate{
		ID:                 p.ID,
		Username:           p.Username,
		FirstName:          p.FirstName,
		Age:                p.Age,
		Bio:                p.Bio,
		Fame:               p.Fame,
		CurrentCity:        p.CurrentCity,
		CompatibilityScore: score,
		AlgorithmType:      AlgorithmVectorBased,
	}
	if distance != nil {
		d := round(*distance, 1)
		c.DistanceKm = &d
	}
	return c
}
